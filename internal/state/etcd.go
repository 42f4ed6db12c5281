package state

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdBackend stores records as etcd keys under a prefix. Updates run
// as software transactions that etcd retries on conflict, so the
// function passed to Update must not have side effects outside the Tx.
type EtcdBackend struct {
	client *clientv3.Client
	prefix string
}

// OpenEtcd connects to the comma-separated endpoints.
func OpenEtcd(endpoints, prefix string) (*EtcdBackend, error) {
	var eps []string
	for _, ep := range strings.Split(endpoints, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			eps = append(eps, ep)
		}
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("etcd endpoints are required")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   eps,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return NewEtcdBackend(client, prefix), nil
}

// NewEtcdBackend wraps an existing client.
func NewEtcdBackend(client *clientv3.Client, prefix string) *EtcdBackend {
	if prefix == "" {
		prefix = "/ctfops/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdBackend{client: client, prefix: prefix}
}

// RecordKey returns the etcd key holding one record.
func (b *EtcdBackend) RecordKey(table Table, key Key) string {
	return b.prefix + string(table) + "/" + url.PathEscape(key.Context) + "/" + url.PathEscape(key.URL)
}

// View reads straight from the cluster.
func (b *EtcdBackend) View(ctx context.Context, fn func(Tx) error) error {
	return fn(&etcdReadTx{ctx: ctx, b: b})
}

// Update runs fn as a serializable software transaction.
func (b *EtcdBackend) Update(ctx context.Context, fn func(Tx) error) error {
	_, err := concurrency.NewSTM(b.client, func(stm concurrency.STM) error {
		return fn(&etcdSTMTx{stm: stm, b: b})
	}, concurrency.WithAbortContext(ctx))
	return err
}

// Close closes the client.
func (b *EtcdBackend) Close() error {
	return b.client.Close()
}

type etcdReadTx struct {
	ctx context.Context
	b   *EtcdBackend
}

func (t *etcdReadTx) Get(table Table, key Key) ([]byte, bool, error) {
	resp, err := t.b.client.Get(t.ctx, t.b.RecordKey(table, key))
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", table, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (t *etcdReadTx) Put(table Table, _ Key, _ []byte) error {
	return fmt.Errorf("put %s: read-only transaction", table)
}

func (t *etcdReadTx) Delete(table Table, _ Key) error {
	return fmt.Errorf("delete %s: read-only transaction", table)
}

// etcdSTMTx maps Tx onto an STM. Stored values are never empty, so an
// empty STM read means the key is absent.
type etcdSTMTx struct {
	stm concurrency.STM
	b   *EtcdBackend
}

func (t *etcdSTMTx) Get(table Table, key Key) ([]byte, bool, error) {
	v := t.stm.Get(t.b.RecordKey(table, key))
	if v == "" {
		return nil, false, nil
	}
	return []byte(v), true, nil
}

func (t *etcdSTMTx) Put(table Table, key Key, value []byte) error {
	t.stm.Put(t.b.RecordKey(table, key), string(value))
	return nil
}

func (t *etcdSTMTx) Delete(table Table, key Key) error {
	t.stm.Del(t.b.RecordKey(table, key))
	return nil
}
