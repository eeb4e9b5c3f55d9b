// Package storage defines the key-value Store that persists the cluster
// topology, with an in-memory implementation and a BadgerDB implementation.
//
// # Overview
//
// Everything the coordinator knows (servers, agents, affinity groups,
// failover lists, partition events, subjects and sequence counters) is kept
// as JSON values under prefixed keys. The package knows nothing about those
// values; it only guarantees ordered prefix listing and atomic batches.
//
//	┌─────────────────────────────────────┐
//	│      coordinator.Repository         │
//	│  server/ agent/ group/ event/ ...   │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│           Store interface           │
//	│  Get Put Delete List Write Stats    │
//	└─────────────────────────────────────┘
//	          │                 │
//	          ▼                 ▼
//	   ┌────────────┐    ┌────────────┐
//	   │ MemoryStore│    │ BadgerStore│
//	   └────────────┘    └────────────┘
//
// # Implementations
//
// MemoryStore: map guarded by sync.RWMutex
//   - No persistence (data lost on restart)
//   - Used by tests and when no data directory is configured
//
// BadgerStore: embedded BadgerDB
//   - Persistent, crash-safe storage
//   - Batches map onto one read-write transaction
//   - GCRunner reclaims value log space periodically
//
// # Ordering
//
// List returns keys in ascending byte order for both implementations.
// Callers that need numeric order encode numbers with fixed width
// (for example "agent/0000000042").
//
// # Concurrency and Thread Safety
//
// All implementations are safe for concurrent use. Values passed in and
// returned are copied, so callers may modify them freely.
package storage
