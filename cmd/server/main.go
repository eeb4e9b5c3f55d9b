// Command server runs a management server that takes part in the HA cluster.
//
// The server joins the coordinator on start, answers the coordinator's health
// checks, accepts agent connections and relays them to the coordinator, sends
// heartbeats, and leaves the cluster when it stops.
//
// Configuration:
//   - SERVER_NAME: unique server name (required)
//   - COORDINATOR_ADDR: coordinator URL (required)
//   - SERVER_LISTEN: listen address (default ":7443")
//   - SERVER_ADDR: public host:port announced to the cluster
//     (default "127.0.0.1:7443")
//   - SERVER_COMPUTE_POWER: relative capacity (default 1)
//   - SERVER_HEARTBEAT: heartbeat interval (default "10s")
//   - SERVER_LOG_LEVEL: debug, info, warn or error (default "info")
//
// Example:
//
//	SERVER_NAME=srv-1 COORDINATOR_ADDR=http://localhost:7080 ./server
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/hacluster/internal/cluster"
	"github.com/dreamware/hacluster/internal/logging"
)

const (
	joinAttempts    = 10
	joinRetryDelay  = 400 * time.Millisecond
	shutdownTimeout = 5 * time.Second
)

type options struct {
	Name         string
	Coordinator  string
	Listen       string
	PublicAddr   string
	ComputePower int
	Heartbeat    time.Duration
	LogLevel     string
}

func main() {
	opts, err := loadOptions(os.LookupEnv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(opts.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts, logger, nil); err != nil {
		logger.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
}

func loadOptions(lookup func(string) (string, bool)) (options, error) {
	opts := options{
		Name:        getenv(lookup, "SERVER_NAME", ""),
		Coordinator: getenv(lookup, "COORDINATOR_ADDR", ""),
		Listen:      getenv(lookup, "SERVER_LISTEN", ":7443"),
		PublicAddr:  getenv(lookup, "SERVER_ADDR", "127.0.0.1:7443"),
		LogLevel:    getenv(lookup, "SERVER_LOG_LEVEL", "info"),
	}
	if opts.Name == "" {
		return opts, errors.New("missing env SERVER_NAME")
	}
	if opts.Coordinator == "" {
		return opts, errors.New("missing env COORDINATOR_ADDR")
	}

	power, err := strconv.Atoi(getenv(lookup, "SERVER_COMPUTE_POWER", "1"))
	if err != nil || power < 1 {
		return opts, fmt.Errorf("SERVER_COMPUTE_POWER must be a positive integer")
	}
	opts.ComputePower = power

	if opts.Heartbeat, err = time.ParseDuration(getenv(lookup, "SERVER_HEARTBEAT", "10s")); err != nil {
		return opts, fmt.Errorf("SERVER_HEARTBEAT: %w", err)
	}
	if opts.Heartbeat <= 0 {
		return opts, errors.New("SERVER_HEARTBEAT must be positive")
	}
	return opts, nil
}

// getenv returns the value of k, or def when it is unset or empty.
func getenv(lookup func(string) (string, bool), k, def string) string {
	if v, ok := lookup(k); ok && v != "" {
		return v
	}
	return def
}

func joinRequest(opts options) (cluster.JoinRequest, error) {
	host, portStr, err := net.SplitHostPort(opts.PublicAddr)
	if err != nil {
		return cluster.JoinRequest{}, fmt.Errorf("SERVER_ADDR: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return cluster.JoinRequest{}, fmt.Errorf("SERVER_ADDR port: %w", err)
	}
	return cluster.JoinRequest{
		Name:         opts.Name,
		Address:      host,
		Port:         port,
		ComputePower: opts.ComputePower,
	}, nil
}

// join announces the server, retrying while the coordinator starts up.
// Rejections (4xx) are not retried.
func join(ctx context.Context, client *cluster.Client, req cluster.JoinRequest, logger *zap.Logger) (cluster.Server, error) {
	var lastErr error
	for i := 0; i < joinAttempts; i++ {
		server, err := client.Join(ctx, req)
		if err == nil {
			return server, nil
		}
		if code := cluster.StatusCode(err); code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return cluster.Server{}, err
		}
		lastErr = err
		logger.Warn("join retry", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return cluster.Server{}, ctx.Err()
		case <-time.After(joinRetryDelay):
		}
	}
	return cluster.Server{}, fmt.Errorf("join coordinator: %w", lastErr)
}

// run joins the cluster and serves until ctx is canceled. When ready is not
// nil it receives the listen address once the server accepts connections.
func run(ctx context.Context, opts options, logger *zap.Logger, ready chan<- string) error {
	req, err := joinRequest(opts)
	if err != nil {
		return err
	}
	client := cluster.NewClient(opts.Coordinator)
	srv := newServer(opts.Name, client, logger)

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.Listen, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	// The health endpoint is up before joining so the first health check succeeds.
	joined, err := join(gctx, client, req, logger)
	if err != nil {
		_ = httpSrv.Close()
		_ = g.Wait()
		return err
	}
	logger.Info("joined cluster",
		zap.String("server", joined.Name),
		zap.Int("id", joined.ID),
		zap.String("mode", string(joined.OperationMode)),
		zap.String("listen", ln.Addr().String()))

	g.Go(func() error { return srv.heartbeat(gctx, opts.Heartbeat, req) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := client.Leave(shutdownCtx, opts.Name); err != nil {
			logger.Warn("leave cluster", zap.Error(err))
		}
		return httpSrv.Shutdown(shutdownCtx)
	})
	if ready != nil {
		ready <- ln.Addr().String()
	}

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
