package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/hacluster/internal/storage"
)

// Options configures a Coordinator.
type Options struct {
	// Store holds all coordinator state. Required.
	Store storage.Store

	// Logger may be nil.
	Logger *zap.Logger

	// Registerer receives the coordinator metrics. Nil disables metrics.
	Registerer prometheus.Registerer

	RepartitionInterval time.Duration
	HealthInterval      time.Duration
	HealthTimeout       time.Duration
	MaxFailures         int
}

// Coordinator bundles the registries that share one topology together with
// the background workers that keep failover lists current.
type Coordinator struct {
	Events        *PartitionEventLog
	Failover      *FailoverRegistry
	Topology      *Topology
	Agents        *AgentRegistry
	Groups        *AffinityGroupRegistry
	Servers       *ServerModeController
	Repartitioner *Repartitioner
	Health        *HealthMonitor
	Metrics       *Metrics

	logger *zap.Logger
}

// New loads coordinator state from opts.Store and wires the components.
//
// Example:
//
//	c, err := coordinator.New(coordinator.Options{Store: store, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	go c.Run(ctx)
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics *Metrics
	if opts.Registerer != nil {
		metrics = NewMetrics(opts.Registerer)
		registerStoreMetrics(opts.Registerer, opts.Store)
	}

	events, err := NewPartitionEventLog(opts.Store, logger, metrics)
	if err != nil {
		return nil, err
	}
	failover, err := NewFailoverRegistry(opts.Store)
	if err != nil {
		return nil, err
	}
	topology, err := NewTopology(opts.Store, events, failover, logger, metrics)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		Events:        events,
		Failover:      failover,
		Topology:      topology,
		Agents:        NewAgentRegistry(topology),
		Groups:        NewAffinityGroupRegistry(topology),
		Servers:       NewServerModeController(topology),
		Repartitioner: NewRepartitioner(topology, events, opts.RepartitionInterval, logger, metrics),
		Metrics:       metrics,
		logger:        logger,
	}

	interval := opts.HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := opts.HealthTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c.Health = NewHealthMonitor(interval, timeout, opts.MaxFailures, logger, metrics)
	return c, nil
}

// Run starts the repartitioner and the health monitor and blocks until ctx
// is canceled or a worker fails.
func (c *Coordinator) Run(ctx context.Context) error {
	c.Health.SetOnUnhealthy(func(name string) {
		if err := c.Servers.MarkDown(ctx, name); err != nil && ctx.Err() == nil {
			c.logger.Error("mark server down", zap.String("server", name), zap.Error(err))
		}
	})
	c.Health.SetOnRecovered(func(name string) {
		if err := c.Servers.Heartbeat(ctx, name); err != nil && ctx.Err() == nil {
			c.logger.Error("record recovery heartbeat", zap.String("server", name), zap.Error(err))
		}
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Repartitioner.Run(ctx) })
	g.Go(func() error { return c.Health.Run(ctx, c.Servers.Servers) })
	return g.Wait()
}
