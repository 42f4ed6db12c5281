package state

import (
	"context"
	"fmt"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverEtcd     = "etcd"
)

// Open builds a Store on the named backend. dsn is a file path for
// file and sqlite, a connection string for postgres, and a
// comma-separated endpoint list for etcd.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var (
		b   Backend
		err error
	)
	switch driver {
	case DriverMemory:
		b = NewMemoryBackend()
	case DriverFile:
		if dsn == "" {
			return nil, fmt.Errorf("file store needs a path")
		}
		b = NewLocalBackend(dsn)
	case DriverSQLite, "":
		b, err = OpenSQLite(dsn)
	case DriverPostgres:
		b, err = OpenPostgres(ctx, dsn)
	case DriverEtcd:
		b, err = OpenEtcd(dsn, "")
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	return New(b), nil
}
