// Command coordinator runs the HA cluster coordinator: it registers agents
// and servers, keeps their failover lists balanced, and serves the admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dreamware/hacluster/internal/alert"
	"github.com/dreamware/hacluster/internal/auth"
	"github.com/dreamware/hacluster/internal/cluster"
	"github.com/dreamware/hacluster/internal/config"
	"github.com/dreamware/hacluster/internal/coordinator"
	"github.com/dreamware/hacluster/internal/logging"
	"github.com/dreamware/hacluster/internal/storage"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "coordinator",
		Short:        "HA cluster coordinator",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger, nil)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	return cmd
}

// openStore opens the badger store in cfg.DataDir, or an in-memory one when
// no directory is configured.
func openStore(cfg *config.Config, logger *zap.Logger) (*storage.BadgerStore, error) {
	return storage.OpenBadger(storage.BadgerConfig{
		Path:       cfg.DataDir,
		InMemory:   cfg.DataDir == "",
		SyncWrites: cfg.Storage.SyncWrites,
		Logger:     logger,
	})
}

func parseEventTypes(names []string) ([]cluster.PartitionEventType, error) {
	out := make([]cluster.PartitionEventType, 0, len(names))
	for _, name := range names {
		t, err := cluster.ParsePartitionEventType(name)
		if err != nil {
			return nil, fmt.Errorf("alerts.events: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// run serves until ctx is canceled or a component fails. When ready is not
// nil it receives the listen address once the server accepts connections.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, ready chan<- string) error {
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close store", zap.Error(err))
		}
	}()

	gc, err := storage.NewGCRunner(store, cfg.Storage.GCInterval, cfg.Storage.GCRatio, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coord, err := coordinator.New(coordinator.Options{
		Store:               store,
		Logger:              logger,
		Registerer:          reg,
		RepartitionInterval: cfg.Repartition.Interval,
		HealthInterval:      cfg.Health.Interval,
		HealthTimeout:       cfg.Health.Timeout,
		MaxFailures:         cfg.Health.MaxFailures,
	})
	if err != nil {
		return err
	}

	subjects, err := auth.NewSubjects(store, cfg.AdminPassword, logger)
	if err != nil {
		return err
	}

	sender, err := alert.NewTrapSender(cfg.Alerts.SNMP, time.Now(), logger)
	if err != nil {
		return err
	}
	alertEvents, err := parseEventTypes(cfg.Alerts.Events)
	if err != nil {
		return err
	}

	a := newAPI(coord, subjects, rate.NewLimiter(rate.Limit(cfg.Register.Rate), cfg.Register.Burst), reg, logger.Named("http"))

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	httpSrv := &http.Server{
		Handler:           a.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpSrv.RegisterOnShutdown(a.closeStreams)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error { return gc.Run(ctx) })
	if sender.Enabled() {
		notifier := alert.NewNotifier(sender, alertEvents, reg, logger)
		g.Go(func() error { return notifier.Run(ctx, coord.Events) })
		logger.Info("SNMP alerts enabled", zap.String("target", sender.Target()))
	}
	g.Go(func() error {
		logger.Info("coordinator listening", zap.String("addr", ln.Addr().String()))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if ready != nil {
		ready <- ln.Addr().String()
	}

	err = g.Wait()
	logger.Info("coordinator stopped")
	return err
}
