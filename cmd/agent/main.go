// Command agent runs an agent that reports to the HA cluster.
//
// On start the agent registers with the coordinator, presenting the token it
// saved on a previous run, and stores the returned failover list. It then
// connects to the first server of the list that accepts it and pings that
// server periodically. When the server stops answering the agent fails over
// to the next server of its list.
//
// Configuration:
//   - AGENT_NAME: unique agent name (required)
//   - COORDINATOR_ADDR: coordinator URL (required)
//   - AGENT_ADDRESS: address announced at registration (default "127.0.0.1")
//   - AGENT_PORT: port announced at registration (default 16163)
//   - AGENT_STATE: state file (default "agent-state.yaml")
//   - AGENT_PING_INTERVAL: server ping interval (default "15s")
//   - AGENT_LOG_LEVEL: debug, info, warn or error (default "info")
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/hacluster/internal/cluster"
	"github.com/dreamware/hacluster/internal/logging"
)

const (
	registerAttempts   = 10
	registerRetryDelay = 400 * time.Millisecond
	shutdownTimeout    = 5 * time.Second
	version            = "1.0.0"
)

type options struct {
	Name         string
	Coordinator  string
	Address      string
	Port         int
	StatePath    string
	PingInterval time.Duration
	LogLevel     string
	Version      string
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
	if err := run(ctx, opts, logger.With(zap.String("agent", opts.Name))); err != nil {
		logger.Error("agent failed", zap.Error(err))
		os.Exit(1)
	}
}

func loadOptions(lookup func(string) (string, bool)) (options, error) {
	opts := options{
		Name:        getenv(lookup, "AGENT_NAME", ""),
		Coordinator: getenv(lookup, "COORDINATOR_ADDR", ""),
		Address:     getenv(lookup, "AGENT_ADDRESS", "127.0.0.1"),
		StatePath:   getenv(lookup, "AGENT_STATE", "agent-state.yaml"),
		LogLevel:    getenv(lookup, "AGENT_LOG_LEVEL", "info"),
		Version:     version,
	}
	if opts.Name == "" {
		return opts, errors.New("missing env AGENT_NAME")
	}
	if opts.Coordinator == "" {
		return opts, errors.New("missing env COORDINATOR_ADDR")
	}

	port, err := strconv.Atoi(getenv(lookup, "AGENT_PORT", "16163"))
	if err != nil || port < 1 || port > 65535 {
		return opts, errors.New("AGENT_PORT must be a port number")
	}
	opts.Port = port

	if opts.PingInterval, err = time.ParseDuration(getenv(lookup, "AGENT_PING_INTERVAL", "15s")); err != nil {
		return opts, fmt.Errorf("AGENT_PING_INTERVAL: %w", err)
	}
	if opts.PingInterval <= 0 {
		return opts, errors.New("AGENT_PING_INTERVAL must be positive")
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

// register retries while the coordinator is unreachable or rate limiting.
// A registration the coordinator rejects is final.
func register(ctx context.Context, agent *Agent, logger *zap.Logger) error {
	var err error
	for i := 0; i < registerAttempts; i++ {
		if err = agent.Register(ctx); err == nil {
			return nil
		}
		if code := cluster.StatusCode(err); code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return err
		}
		logger.Warn("register retry", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerRetryDelay):
		}
	}
	return err
}

// run registers, connects, and pings until ctx is canceled.
func run(ctx context.Context, opts options, logger *zap.Logger) error {
	agent, err := NewAgent(opts, cluster.NewClient(opts.Coordinator), logger)
	if err != nil {
		return err
	}
	if err := register(ctx, agent, logger); err != nil {
		return err
	}
	if _, err := agent.Connect(ctx, ""); err != nil {
		// Keep going: the next ping retries the whole list.
		logger.Warn("initial connect failed", zap.Error(err))
	}

	ticker := time.NewTicker(opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := agent.Shutdown(shutdownCtx); err != nil {
				logger.Warn("shutdown notification", zap.Error(err))
			}
			logger.Info("agent stopped")
			return nil
		case <-ticker.C:
			if err := agent.Ping(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("no server available", zap.Error(err))
			}
		}
	}
}
