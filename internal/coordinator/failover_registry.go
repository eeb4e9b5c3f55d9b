package coordinator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/hacluster/internal/cluster"
	"github.com/dreamware/hacluster/internal/storage"
)

const failoverPrefix = "failover/"

func failoverKey(agentID int) string {
	return fmt.Sprintf("%s%010d", failoverPrefix, agentID)
}

// FailoverRegistry stores the failover list details of every agent and is
// the authoritative source for which servers an agent may connect to.
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│         FailoverRegistry            │
//	├─────────────────────────────────────┤
//	│  lists: map[agentID]→[]details      │
//	│  store: failover/<agentID> → JSON   │
//	│  mu: RWMutex for thread safety      │
//	├─────────────────────────────────────┤
//	│  agent 7 → [srv-b(0) srv-a(1)]      │
//	└─────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations persist first, then update memory under Lock
//   - All returned data is copied to prevent races
type FailoverRegistry struct {
	store storage.Store

	// lists maps agent IDs to details ordered by ordinal.
	lists map[int][]cluster.FailoverListDetails

	mu sync.RWMutex
}

// NewFailoverRegistry loads every stored failover list.
//
// Parameters:
//   - store: backing storage
//
// Returns:
//   - Registry populated from store
//   - Error if a stored list cannot be read or decoded
func NewFailoverRegistry(store storage.Store) (*FailoverRegistry, error) {
	r := &FailoverRegistry{
		store: store,
		lists: make(map[int][]cluster.FailoverListDetails),
	}
	keys, err := store.List(failoverPrefix)
	if err != nil {
		return nil, fmt.Errorf("list failover lists: %w", err)
	}
	for _, key := range keys {
		agentID, err := strconv.Atoi(strings.TrimPrefix(key, failoverPrefix))
		if err != nil {
			return nil, fmt.Errorf("malformed failover key %q: %w", key, err)
		}
		data, err := store.Get(key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		var details []cluster.FailoverListDetails
		if err := json.Unmarshal(data, &details); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		r.lists[agentID] = details
	}
	return r, nil
}

// Get returns the details of one agent ordered by ordinal, or nil.
//
// Returns a copy; callers may modify it.
func (r *FailoverRegistry) Get(agentID int) []cluster.FailoverListDetails {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.lists[agentID])
}

// Snapshot returns a copy of every list.
func (r *FailoverRegistry) Snapshot() Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plan := make(Plan, len(r.lists))
	for agentID, details := range r.lists {
		plan[agentID] = slices.Clone(details)
	}
	return plan
}

// movedPrimaries counts the agents of after whose primary server differs
// from before. New agents count as moved.
func movedPrimaries(before, after Plan) int {
	moved := 0
	for agentID, details := range after {
		if len(details) == 0 {
			continue
		}
		old := before[agentID]
		if len(old) == 0 || old[0].ServerID != details[0].ServerID {
			moved++
		}
	}
	return moved
}

// Loads returns the per-level server loads of every agent except excludeAgent.
func (r *FailoverRegistry) Loads(excludeAgent int) LevelLoads {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return LoadsOf(r.lists, excludeAgent)
}

// The stage methods queue their writes on b, which the caller commits
// together with the topology change that caused them. The returned function
// updates memory and must run only after b was written.

// stagePut replaces the list of one agent. An empty list removes it.
func (r *FailoverRegistry) stagePut(b *storage.Batch, agentID int, details []cluster.FailoverListDetails) (func(), error) {
	if len(details) == 0 {
		return r.stageRemove(b, agentID), nil
	}
	stored := slices.Clone(details)
	slices.SortFunc(stored, func(a, b cluster.FailoverListDetails) int { return a.Ordinal - b.Ordinal })
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode failover list: %w", err)
	}
	b.Put(failoverKey(agentID), data)
	return func() {
		r.mu.Lock()
		r.lists[agentID] = stored
		r.mu.Unlock()
	}, nil
}

// Replace swaps in a complete plan. Agents missing from plan lose their list.
func (r *FailoverRegistry) Replace(plan Plan) error {
	var b storage.Batch
	var applies []func()

	r.mu.RLock()
	for agentID := range r.lists {
		if _, ok := plan[agentID]; !ok {
			b.Delete(failoverKey(agentID))
		}
	}
	r.mu.RUnlock()

	for agentID, details := range plan {
		apply, err := r.stagePut(&b, agentID, details)
		if err != nil {
			return err
		}
		applies = append(applies, apply)
	}
	if err := r.store.Write(&b); err != nil {
		return fmt.Errorf("store failover plan: %w", err)
	}

	r.mu.Lock()
	for agentID := range r.lists {
		if _, ok := plan[agentID]; !ok {
			delete(r.lists, agentID)
		}
	}
	r.mu.Unlock()
	for _, apply := range applies {
		apply()
	}
	return nil
}

func (r *FailoverRegistry) stageRemove(b *storage.Batch, agentID int) func() {
	b.Delete(failoverKey(agentID))
	return func() {
		r.mu.Lock()
		delete(r.lists, agentID)
		r.mu.Unlock()
	}
}

// stageRemoveServer drops the servers from every list and renumbers the
// remaining ordinals, so each list still starts at ordinal 0.
func (r *FailoverRegistry) stageRemoveServer(b *storage.Batch, serverIDs ...int) (func(), error) {
	removed := func(d cluster.FailoverListDetails) bool { return slices.Contains(serverIDs, d.ServerID) }

	r.mu.RLock()
	updated := make(Plan)
	for agentID, details := range r.lists {
		if !slices.ContainsFunc(details, removed) {
			continue
		}
		kept := make([]cluster.FailoverListDetails, 0, len(details))
		for _, d := range details {
			if removed(d) {
				continue
			}
			d.Ordinal = len(kept)
			kept = append(kept, d)
		}
		updated[agentID] = kept
	}
	r.mu.RUnlock()

	var applies []func()
	for agentID, details := range updated {
		apply, err := r.stagePut(b, agentID, details)
		if err != nil {
			return nil, err
		}
		applies = append(applies, apply)
	}
	return func() {
		for _, apply := range applies {
			apply()
		}
	}, nil
}

// AgentsOf returns the IDs of agents whose list names serverID as primary,
// ascending.
func (r *FailoverRegistry) AgentsOf(serverID int) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var agents []int
	for agentID, details := range r.lists {
		if len(details) > 0 && details[0].ServerID == serverID {
			agents = append(agents, agentID)
		}
	}
	slices.Sort(agents)
	return agents
}
