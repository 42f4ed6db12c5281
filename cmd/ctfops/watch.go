package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/szaher/ctfops/internal/state"
)

func newWatchCmd() *cobra.Command {
	var (
		schedule    string
		metricsAddr string
		once        bool
	)

	cmd := &cobra.Command{
		Use:   "watch [URL...]",
		Short: "Refresh challenge rosters on a schedule",
		Long: `Refresh the rosters of the given platforms (or the context's
default platform) on a cron schedule, optionally serving Prometheus
metrics. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			var keys []state.Key
			if len(args) == 0 {
				key, err := a.key()
				if err != nil {
					return err
				}
				keys = append(keys, key)
			}
			for _, u := range args {
				keys = append(keys, state.NewKey(u, a.cfg.Context))
			}

			if cmd.Flags().Changed("schedule") {
				a.cfg.WatchSchedule = schedule
			}
			if cmd.Flags().Changed("metrics-addr") {
				a.cfg.MetricsAddr = metricsAddr
			}

			refresh := func() {
				for _, r := range a.svc.RefreshAll(a.ctx, keys) {
					if r.Err != nil {
						a.logger.Warn("refresh failed", "key", r.Key.String(), "error", r.Err)
						continue
					}
					a.logger.Info("refreshed", "key", r.Key.String(), "challenges", r.Challenges)
				}
			}
			refresh()
			if once {
				return nil
			}

			ctx, stop := signal.NotifyContext(a.ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := cron.New()
			if _, err := c.AddFunc(a.cfg.WatchSchedule, refresh); err != nil {
				return fmt.Errorf("invalid schedule %q: %w", a.cfg.WatchSchedule, err)
			}
			c.Start()
			defer func() { <-c.Stop().Done() }()

			if a.cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics server", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				a.logger.Info("serving metrics", "addr", a.cfg.MetricsAddr)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Watching %d platform(s) on %q. Press Ctrl+C to stop.\n", len(keys), a.cfg.WatchSchedule)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron schedule (default from config, @every 5m)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve /metrics on")
	cmd.Flags().BoolVar(&once, "once", false, "Refresh once and exit")

	return cmd
}
