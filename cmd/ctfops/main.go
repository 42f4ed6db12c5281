// Package main is the entry point for the ctfops CLI tool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/ctfops/internal/adapters"
	"github.com/szaher/ctfops/internal/adapters/local"
	"github.com/szaher/ctfops/internal/config"
	"github.com/szaher/ctfops/internal/ops"
	"github.com/szaher/ctfops/internal/secrets"
	"github.com/szaher/ctfops/internal/state"
	"github.com/szaher/ctfops/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configFile    string
	envFile       string
	platformURL   string
	scope         string
	storeDriver   string
	storeDSN      string
	callTimeout   string
	verbose       bool
	jsonOutput    bool
	correlationID string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ctfops",
		Short: "Manage CTF platform credentials, sessions, and challenges",
		Long: `ctfops drives many CTF platforms through one command surface.
It stores credentials and sessions per platform URL and calling
context, keeps a local challenge roster in sync with the platform
without losing staged flags, and submits flags one at a time or in
batch.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default ~/.ctfops/config.yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file to load if present")
	root.PersistentFlags().StringVarP(&platformURL, "url", "u", "", "Platform URL (default: the context's default URL)")
	root.PersistentFlags().StringVarP(&scope, "context", "c", "", "Calling context that scopes stored records")
	root.PersistentFlags().StringVar(&storeDriver, "store", "", "State backend: sqlite, file, memory, postgres, etcd")
	root.PersistentFlags().StringVar(&storeDSN, "dsn", "", "State backend path or connection string")
	root.PersistentFlags().StringVar(&callTimeout, "timeout", "", "Per adapter call timeout (e.g. 30s)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "Set explicit correlation ID")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newAdaptersCmd())
	root.AddCommand(newIdentifyCmd())
	root.AddCommand(newURLCmd())
	root.AddCommand(newCredsCmd())
	root.AddCommand(newLoginCmd())
	root.AddCommand(newLogoutCmd())
	root.AddCommand(newDeleteCmd())
	root.AddCommand(newChallengesCmd())
	root.AddCommand(newStageCmd())
	root.AddCommand(newSolveCmd())
	root.AddCommand(newSubmitCmd())
	root.AddCommand(newWatchCmd())

	return root
}

// app is what a command needs to run: the service, the loaded config,
// and a logger scoped to the command.
type app struct {
	svc    *ops.Service
	cfg    config.Config
	logger *slog.Logger
	ctx    context.Context
}

// builtinAdapters lists the shipped adapters in detection order.
func builtinAdapters() []adapters.Adapter {
	return []adapters.Adapter{local.New()}
}

// openApp loads configuration, applies flag overrides, and builds the
// service. The caller must call close.
func openApp(cmd *cobra.Command) (*app, func(), error) {
	path, required := configFile, true
	if path == "" {
		path, required = config.DefaultPath(), false
	}
	cfg, err := config.Load(path, required, envFile)
	if err != nil {
		return nil, nil, err
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return nil, nil, err
	}

	level := telemetry.ParseLevel(cfg.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	redactor := secrets.NewRedactFilter(telemetry.NewHandler(cmd.ErrOrStderr(), level))
	ctx := telemetry.WithCorrelationID(cmd.Context(), correlationID)
	logger := telemetry.RequestLogger(slog.New(redactor), ctx, cmd.Name())

	resolver := secrets.NewChain()
	if cfg.Vault.Address != "" {
		v := secrets.NewVaultResolver(cfg.Vault.Address, cfg.Vault.Token)
		if cfg.Vault.Mount != "" {
			v.MountPath = cfg.Vault.Mount
		}
		resolver.Register("vault", v)
		redactor.AddSecret(cfg.Vault.Token)
	}

	if cfg.Store.Driver == state.DriverSQLite || cfg.Store.Driver == state.DriverFile {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	store, err := state.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, nil, err
	}

	svc, err := ops.New(ops.Config{
		Adapters:    builtinAdapters(),
		Store:       store,
		CallTimeout: cfg.CallTimeout,
		Resolver:    resolver,
		OnSecret:    redactor.AddSecret,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      telemetry.NewTracer(telemetry.LogExporter(logger)),
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if err := svc.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}
	return &app{svc: svc, cfg: cfg, logger: logger, ctx: ctx}, closeFn, nil
}

// metrics is shared by every command so watch can serve it.
var metrics = telemetry.NewMetrics()

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("store") {
		cfg.Store.Driver = storeDriver
	}
	if flags.Changed("dsn") {
		cfg.Store.DSN = storeDSN
	}
	if flags.Changed("context") {
		cfg.Context = scope
	}
	if flags.Changed("timeout") {
		d, err := time.ParseDuration(callTimeout)
		if err != nil {
			return fmt.Errorf("--timeout: %w", err)
		}
		cfg.CallTimeout = d
	}
	return cfg.Validate()
}

// key resolves the state key from --url and --context.
func (a *app) key() (state.Key, error) {
	return a.svc.ResolveKey(a.ctx, platformURL, a.cfg.Context)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
