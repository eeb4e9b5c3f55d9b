// Package coordinator implements the core of the hacluster coordinator: the
// registries of servers, agents and affinity groups, the failover lists that
// tell every agent which servers it may connect to, and the partition event
// log that audits every change to them.
//
// # Overview
//
// A cluster consists of management servers and the agents that report to
// them. Every agent holds a failover list: an ordered list of the servers it
// tries, primary first. The coordinator decides the lists and rebalances
// them ("repartitions") whenever the set of usable servers changes.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                 COORDINATOR                  │
//	├──────────────────────────────────────────────┤
//	│  AgentRegistry   AffinityGroupRegistry       │
//	│  ServerModeController                        │
//	│        │  all mutate one Topology            │
//	│        ▼                                     │
//	│  ┌──────────────┐     ┌───────────────────┐  │
//	│  │  Topology    │────▶│ FailoverRegistry  │  │
//	│  │  (RWMutex)   │     │ failover/<agent>  │  │
//	│  └──────┬───────┘     └───────────────────┘  │
//	│         │ REQUESTED / IMMEDIATE / AUDIT      │
//	│         ▼                                    │
//	│  ┌──────────────────┐   wake  ┌───────────┐  │
//	│  │ PartitionEventLog│────────▶│Repartition│  │
//	│  │ event/<id>       │◀────────│   -er     │  │
//	│  └──────────────────┘ COMPLETED└──────────┘  │
//	│                                              │
//	│  HealthMonitor ─ MarkDown / Heartbeat ─▶     │
//	└──────────────────────────────────────────────┘
//
// # Partition events
//
// Every event has an execution status:
//
//   - REQUESTED: the change needs a repartition that has not run yet
//   - IMMEDIATE: the change already produced new failover lists
//   - AUDIT: informational only
//   - COMPLETED: a background repartition that satisfied earlier requests
//
// Events are never modified. The log keeps a watermark, the highest
// REQUESTED event ID that a repartition has satisfied; requests above it are
// pending. A COMPLETED event and the new watermark are written in one batch.
//
// # Failover lists
//
// Only NORMAL servers are candidates. Each list names every candidate once.
// Servers of the agent's affinity group come before all others, and at every
// ordinal the least loaded server relative to its compute power is chosen,
// ties broken by name. Registration plans a single agent against the loads
// of the stored lists; a repartition replans every agent.
//
// # Concurrency
//
// Registry mutations take the Topology write lock, persist one storage
// batch, then update memory. Reads take the read lock and return copies.
// The event log has its own lock and is only ever called after the topology
// change has been committed.
//
// # See Also
//
//   - internal/cluster: shared types, API payloads and the HTTP client
//   - internal/storage: the Store the coordinator persists to
//   - cmd/coordinator: the HTTP service built on this package
package coordinator
