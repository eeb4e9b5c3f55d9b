package alert

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/hacluster/internal/cluster"
)

// DefaultEvents are the event types that raise a trap when none are
// configured.
var DefaultEvents = []cluster.PartitionEventType{
	cluster.ServerDown,
	cluster.OperationModeChange,
	cluster.ServerDeletion,
}

// Sender delivers one alert.
type Sender interface {
	Send(ctx context.Context, e cluster.PartitionEvent) error
}

// Source provides the events to alert on.
type Source interface {
	Subscribe(buffer int) (<-chan cluster.PartitionEvent, func())
}

// Notifier forwards selected partition events to a Sender.
type Notifier struct {
	sender  Sender
	events  []cluster.PartitionEventType
	timeout time.Duration
	logger  *zap.Logger
	traps   *prometheus.CounterVec
}

// NewNotifier returns a notifier for the given event types; nil selects
// DefaultEvents. reg may be nil.
func NewNotifier(sender Sender, events []cluster.PartitionEventType, reg prometheus.Registerer, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(events) == 0 {
		events = DefaultEvents
	}
	n := &Notifier{
		sender:  sender,
		events:  slices.Clone(events),
		timeout: 5 * time.Second,
		logger:  logger.Named("notifier"),
	}
	if reg != nil {
		n.traps = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "hacluster",
			Name:      "snmp_traps_total",
			Help:      "SNMP traps for partition events, by result.",
		}, []string{"result"})
	}
	return n
}

// Selects reports whether t raises an alert.
func (n *Notifier) Selects(t cluster.PartitionEventType) bool {
	return slices.Contains(n.events, t)
}

// Run sends an alert for every selected event until ctx is done.
func (n *Notifier) Run(ctx context.Context, source Source) error {
	ch, cancel := source.Subscribe(256)
	defer cancel()

	n.logger.Info("alert notifier started", zap.Any("events", n.events))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			n.Notify(ctx, e)
		}
	}
}

// Notify sends the alert for e if its type is selected. Failures are logged
// and counted.
func (n *Notifier) Notify(ctx context.Context, e cluster.PartitionEvent) {
	if !n.Selects(e.Type) {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.sender.Send(sendCtx, e); err != nil {
		n.count("failed")
		n.logger.Warn("alert not sent",
			zap.Int64("event_id", e.ID),
			zap.String("type", string(e.Type)),
			zap.Error(err))
		return
	}
	n.count("sent")
}

func (n *Notifier) count(result string) {
	if n.traps != nil {
		n.traps.WithLabelValues(result).Inc()
	}
}
