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

	"github.com/orthancfleet/cockpit/pkg/events"
	"github.com/orthancfleet/cockpit/pkg/log"
	"github.com/orthancfleet/cockpit/pkg/metrics"
	"github.com/spf13/cobra"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciler, host watcher and metrics endpoint",
	Long: `Serve records the swarm's nodes, follows node events, reconciles the
graph every reconciler.interval and exposes /metrics, /health and /ready on
metrics.addr. It holds the graph database until it stops, so other cockpit
commands must run while it is stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		logger := log.WithComponent("serve")

		sub := a.broker.Subscribe()
		defer a.broker.Unsubscribe(sub)
		go logEvents(sub)

		a.syncHosts(ctx)
		go a.hosts.Watch(ctx)

		collector := metrics.NewCollector(a.store, 15*time.Second)
		collector.Start()
		defer collector.Stop()

		if err := a.reconciler.RunOnce(ctx); err != nil {
			logger.Warn().Err(err).Msg("Initial reconciliation finished with errors")
		}
		a.reconciler.Start(ctx)
		defer a.reconciler.Stop()

		mux := metrics.NewServeMux()
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		logger.Info().
			Str("metrics_addr", cfg.Metrics.Addr).
			Dur("interval", cfg.Reconciler.Interval).
			Msg("Cockpit is running")

		select {
		case <-ctx.Done():
			log.Info("Shutting down")
		case err := <-errCh:
			log.Errorf("Metrics server failed", err)
		}

		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	},
}

func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for e := range sub {
		ev := logger.Info().Str("type", string(e.Type))
		for k, v := range e.Metadata {
			ev = ev.Str(k, v)
		}
		ev.Msg(e.Message)
	}
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			a.syncHosts(ctx)
			if err := a.reconciler.RunOnce(ctx); err != nil {
				return err
			}
			fmt.Println("✓ Graph reconciled")
			return nil
		})
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup FILE",
	Short: "Write a consistent copy of the graph database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.store.Backup(args[0]); err != nil {
				return fmt.Errorf("failed to back up: %w", err)
			}
			fmt.Printf("✓ Graph written to %s\n", args[0])
			return nil
		})
	},
}
