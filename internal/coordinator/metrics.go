package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dreamware/hacluster/internal/cluster"
	"github.com/dreamware/hacluster/internal/storage"
)

// Metrics holds the coordinator's Prometheus collectors.
// A nil *Metrics records nothing.
type Metrics struct {
	events              *prometheus.CounterVec
	repartitions        *prometheus.CounterVec
	repartitionDuration prometheus.Histogram
	registrations       *prometheus.CounterVec
	servers             *prometheus.GaugeVec
	agents              prometheus.Gauge
	healthChecks        *prometheus.CounterVec
}

// NewMetrics registers the coordinator collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hacluster",
			Name:      "partition_events_total",
			Help:      "Partition events appended to the log, by type and execution status.",
		}, []string{"type", "status"}),
		repartitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hacluster",
			Name:      "repartitions_total",
			Help:      "Full repartitions executed, by trigger.",
		}, []string{"trigger"}),
		repartitionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hacluster",
			Name:      "repartition_duration_seconds",
			Help:      "Time spent computing and storing all failover lists.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hacluster",
			Name:      "agent_registrations_total",
			Help:      "Agent registration attempts, by result.",
		}, []string{"result"}),
		servers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hacluster",
			Name:      "servers",
			Help:      "Servers by operation mode.",
		}, []string{"mode"}),
		agents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hacluster",
			Name:      "agents",
			Help:      "Registered agents.",
		}),
		healthChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hacluster",
			Name:      "server_health_checks_total",
			Help:      "Server health checks, by result.",
		}, []string{"result"}),
	}
}

// registerStoreMetrics exports the size of store. The gauges are read on
// every scrape.
func registerStoreMetrics(reg prometheus.Registerer, store storage.Store) {
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "hacluster",
		Name:      "store_keys",
		Help:      "Keys held by the coordinator store.",
	}, func() float64 { return float64(store.Stats().Keys) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "hacluster",
		Name:      "store_value_bytes",
		Help:      "Total size of the values held by the coordinator store.",
	}, func() float64 { return float64(store.Stats().Bytes) })
}

func (m *Metrics) eventAppended(e cluster.PartitionEvent) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(e.Type), string(e.Status)).Inc()
}

func (m *Metrics) repartitioned(trigger string, took time.Duration) {
	if m == nil {
		return
	}
	m.repartitions.WithLabelValues(trigger).Inc()
	m.repartitionDuration.Observe(took.Seconds())
}

func (m *Metrics) registration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) healthCheck(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.healthChecks.WithLabelValues(result).Inc()
}

// topologyChanged refreshes the inventory gauges. Callers hold the topology lock.
func (m *Metrics) topologyChanged(servers map[int]*cluster.Server, agents int) {
	if m == nil {
		return
	}
	counts := make(map[cluster.OperationMode]int, len(cluster.OperationModes))
	for _, s := range servers {
		counts[s.OperationMode]++
	}
	for _, mode := range cluster.OperationModes {
		m.servers.WithLabelValues(string(mode)).Set(float64(counts[mode]))
	}
	m.agents.Set(float64(agents))
}
