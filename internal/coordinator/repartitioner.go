package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dreamware/hacluster/internal/cluster"
)

// Repartitioner executes requested repartitions in the background.
//
// It wakes whenever a REQUESTED event is appended and on every interval.
// When requests are pending it recomputes every failover list and appends
// one SYSTEM_INITIATED_PARTITION event with status COMPLETED that covers all
// of them. Administrators can force a run with RepartitionNow.
type Repartitioner struct {
	topology *Topology
	events   *PartitionEventLog
	logger   *zap.Logger
	metrics  *Metrics
	interval time.Duration

	// group coalesces concurrent RepartitionNow calls into one run.
	group singleflight.Group
}

// NewRepartitioner creates a worker; call Run to start it.
//
// Parameters:
//   - topology: the topology to repartition
//   - events: log providing requests and receiving results
//   - interval: how often to check for pending requests without a wake-up
//   - logger, metrics: may be nil
func NewRepartitioner(topology *Topology, events *PartitionEventLog, interval time.Duration, logger *zap.Logger, metrics *Metrics) *Repartitioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Repartitioner{
		topology: topology,
		events:   events,
		logger:   logger.Named("repartitioner"),
		metrics:  metrics,
		interval: interval,
	}
}

// Run processes pending requests until ctx is canceled. Failures are logged
// and retried on the next wake-up.
func (r *Repartitioner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("repartitioner started", zap.Duration("interval", r.interval))

	// Requests left over from a previous run
	r.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("repartitioner stopping")
			return nil
		case <-ticker.C:
			r.runLogged(ctx)
		case <-r.events.Wake():
			r.runLogged(ctx)
		}
	}
}

func (r *Repartitioner) runLogged(ctx context.Context) {
	if _, err := r.RunPending(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("repartition failed", zap.Error(err))
	}
}

// RunPending repartitions if any request is pending.
//
// Returns:
//   - The COMPLETED event, or nil when nothing was pending
//   - Error if the pending requests or the new lists could not be processed
func (r *Repartitioner) RunPending(ctx context.Context) (*cluster.PartitionEvent, error) {
	pending, err := r.events.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pending requests: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, len(pending))
	for i, e := range pending {
		ids[i] = strconv.FormatInt(e.ID, 10)
	}
	upTo := pending[len(pending)-1].ID

	event, err := r.repartition(ctx, "system", cluster.PartitionEvent{
		Type:        cluster.SystemInitiatedPartition,
		Status:      cluster.StatusCompleted,
		SubjectName: SystemSubject,
		Detail:      "requests " + strings.Join(ids, ", "),
	}, upTo)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// RepartitionNow recomputes every failover list immediately and appends an
// ADMIN_INITIATED_PARTITION event. It also covers every pending request.
// Concurrent calls share one run and all receive its event.
func (r *Repartitioner) RepartitionNow(ctx context.Context, subject string) (cluster.PartitionEvent, error) {
	v, err, _ := r.group.Do("admin", func() (any, error) {
		pending, err := r.events.Pending(ctx)
		if err != nil {
			return nil, fmt.Errorf("read pending requests: %w", err)
		}
		var upTo int64
		if len(pending) > 0 {
			upTo = pending[len(pending)-1].ID
		}
		return r.repartition(ctx, "admin", cluster.PartitionEvent{
			Type:        cluster.AdminInitiatedPartition,
			Status:      cluster.StatusImmediate,
			SubjectName: subject,
			Detail:      "repartition requested by " + subject,
		}, upTo)
	})
	if err != nil {
		return cluster.PartitionEvent{}, err
	}
	return v.(cluster.PartitionEvent), nil
}

func (r *Repartitioner) repartition(ctx context.Context, trigger string, event cluster.PartitionEvent, upTo int64) (cluster.PartitionEvent, error) {
	start := time.Now()
	details, err := r.topology.Repartition(ctx)
	if err != nil {
		return cluster.PartitionEvent{}, err
	}
	event.Details = details

	recorded, err := r.events.RecordRepartition(ctx, event, upTo)
	if err != nil {
		return cluster.PartitionEvent{}, err
	}
	took := time.Since(start)
	r.metrics.repartitioned(trigger, took)
	r.logger.Info("repartition completed",
		zap.String("trigger", trigger),
		zap.Int64("event", recorded.ID),
		zap.Int("agents", len(details)),
		zap.Int64("satisfied_up_to", upTo),
		zap.Duration("took", took))
	return recorded, nil
}
