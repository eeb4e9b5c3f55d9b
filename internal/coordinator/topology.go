package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/hacluster/internal/cluster"
	"github.com/dreamware/hacluster/internal/storage"
)

// SystemSubject is the subject recorded on events the coordinator raises itself.
const SystemSubject = "overlord"

const (
	serverPrefix = "server/"
	agentPrefix  = "agent/"
	groupPrefix  = "group/"
	seqPrefix    = "seq/"
)

func serverKey(id int) string { return fmt.Sprintf("%s%010d", serverPrefix, id) }
func agentKey(id int) string  { return fmt.Sprintf("%s%010d", agentPrefix, id) }
func groupKey(id int) string  { return fmt.Sprintf("%s%010d", groupPrefix, id) }

// Topology is the state shared by AgentRegistry, AffinityGroupRegistry and
// ServerModeController: servers, agents, affinity groups and the failover
// lists derived from them.
//
// Every mutation runs under one write lock, is written to the store as a
// single batch, and only then becomes visible in memory. Reads take the read
// lock and return copies.
type Topology struct {
	store    storage.Store
	events   *PartitionEventLog
	failover *FailoverRegistry
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time
	newToken func() string

	mu      sync.RWMutex
	servers map[int]*cluster.Server
	agents  map[int]*cluster.Agent
	groups  map[int]*cluster.AffinityGroup
	seqs    map[string]int
}

// NewTopology loads servers, agents and groups from store.
//
// Parameters:
//   - store: backing storage shared with events and failover
//   - events: log receiving the events raised by mutations
//   - failover: registry of per-agent failover lists
//   - logger, metrics: may be nil
func NewTopology(store storage.Store, events *PartitionEventLog, failover *FailoverRegistry, logger *zap.Logger, metrics *Metrics) (*Topology, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Topology{
		store:    store,
		events:   events,
		failover: failover,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		newToken: uuid.NewString,
		servers:  make(map[int]*cluster.Server),
		agents:   make(map[int]*cluster.Agent),
		groups:   make(map[int]*cluster.AffinityGroup),
		seqs:     make(map[string]int),
	}

	if err := loadAll(store, serverPrefix, t.servers, func(s *cluster.Server) int { return s.ID }); err != nil {
		return nil, err
	}
	if err := loadAll(store, agentPrefix, t.agents, func(a *cluster.Agent) int { return a.ID }); err != nil {
		return nil, err
	}
	if err := loadAll(store, groupPrefix, t.groups, func(g *cluster.AffinityGroup) int { return g.ID }); err != nil {
		return nil, err
	}

	for _, kind := range []string{"server", "agent", "group"} {
		n, err := readCounter(store, seqPrefix+kind)
		if err != nil {
			return nil, err
		}
		t.seqs[kind] = int(n)
	}
	for id := range t.servers {
		t.seqs["server"] = max(t.seqs["server"], id)
	}
	for id := range t.agents {
		t.seqs["agent"] = max(t.seqs["agent"], id)
	}
	for id := range t.groups {
		t.seqs["group"] = max(t.seqs["group"], id)
	}

	t.metrics.topologyChanged(t.servers, len(t.agents))
	return t, nil
}

func loadAll[T any](store storage.Store, prefix string, into map[int]*T, id func(*T) int) error {
	keys, err := store.List(prefix)
	if err != nil {
		return fmt.Errorf("list %s: %w", prefix, err)
	}
	for _, key := range keys {
		data, err := store.Get(key)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		into[id(v)] = v
	}
	return nil
}

// change collects the writes of one mutation and the in-memory updates to
// apply once they are stored.
type change struct {
	batch   storage.Batch
	applies []func()
	seqs    map[string]int
	err     error
}

func (c *change) put(key string, v any) {
	if c.err != nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.err = fmt.Errorf("encode %s: %w", key, err)
		return
	}
	c.batch.Put(key, data)
}

func (c *change) del(key string) {
	c.batch.Delete(key)
}

func (c *change) then(fn func()) {
	c.applies = append(c.applies, fn)
}

// nextID allocates the next identifier of kind within c.
func (t *Topology) nextID(c *change, kind string) int {
	if c.seqs == nil {
		c.seqs = make(map[string]int)
	}
	n, ok := c.seqs[kind]
	if !ok {
		n = t.seqs[kind]
	}
	n++
	c.seqs[kind] = n
	c.batch.Put(seqPrefix+kind, []byte(strconv.Itoa(n)))
	return n
}

// commit stores c and applies it. Callers hold the write lock.
func (t *Topology) commit(c *change) error {
	if c.err != nil {
		return c.err
	}
	if c.batch.Len() == 0 {
		return nil
	}
	if err := t.store.Write(&c.batch); err != nil {
		return fmt.Errorf("store topology change: %w", err)
	}
	for kind, n := range c.seqs {
		t.seqs[kind] = n
	}
	for _, apply := range c.applies {
		apply()
	}
	t.metrics.topologyChanged(t.servers, len(t.agents))
	return nil
}

// putServer stages s and makes it visible on commit.
func (t *Topology) putServer(c *change, s cluster.Server) {
	c.put(serverKey(s.ID), s)
	c.then(func() { t.servers[s.ID] = &s })
}

func (t *Topology) putAgent(c *change, a cluster.Agent) {
	c.put(agentKey(a.ID), a)
	c.then(func() { t.agents[a.ID] = &a })
}

func (t *Topology) putGroup(c *change, g cluster.AffinityGroup) {
	c.put(groupKey(g.ID), g)
	c.then(func() { t.groups[g.ID] = &g })
}

// request appends a REQUESTED event. A failure to record is logged; the
// topology change it describes has already been stored.
func (t *Topology) request(ctx context.Context, subject string, typ cluster.PartitionEventType, detail string) {
	if _, err := t.events.Request(ctx, subject, typ, detail); err != nil {
		t.logger.Error("failed to request repartition",
			zap.String("type", string(typ)), zap.String("detail", detail), zap.Error(err))
	}
}

func (t *Topology) audit(ctx context.Context, subject string, typ cluster.PartitionEventType, detail string) {
	if _, err := t.events.Audit(ctx, subject, typ, detail); err != nil {
		t.logger.Error("failed to audit partition event",
			zap.String("type", string(typ)), zap.String("detail", detail), zap.Error(err))
	}
}

// Repartition recomputes and stores the failover list of every agent.
//
// Returns:
//   - The resulting primary server of each agent, ordered by agent name
//   - Error if the new lists could not be stored; the old lists stay in place
func (t *Topology) Repartition(ctx context.Context) ([]cluster.PartitionEventDetails, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.failover.Snapshot()
	plan := PlanAll(t.serverList(), t.agentList())
	if err := t.failover.Replace(plan); err != nil {
		return nil, err
	}
	t.logger.Debug("failover lists replaced",
		zap.Int("agents", len(plan)),
		zap.Int("primaries_moved", movedPrimaries(before, plan)))
	return t.primaries(plan), nil
}

// primaries describes the primary server of every agent in plan.
// Callers hold the lock.
func (t *Topology) primaries(plan Plan) []cluster.PartitionEventDetails {
	out := make([]cluster.PartitionEventDetails, 0, len(plan))
	for agentID, details := range plan {
		agent, ok := t.agents[agentID]
		if !ok || len(details) == 0 {
			continue
		}
		d := cluster.PartitionEventDetails{AgentID: agentID, AgentName: agent.Name, ServerID: details[0].ServerID}
		if s, ok := t.servers[details[0].ServerID]; ok {
			d.ServerName = s.Name
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b cluster.PartitionEventDetails) int { return strings.Compare(a.AgentName, b.AgentName) })
	return out
}

// failoverList converts stored details into the agent-facing list.
// Callers hold the lock.
func (t *Topology) failoverList(details []cluster.FailoverListDetails) cluster.FailoverList {
	list := cluster.FailoverList{Servers: make([]cluster.ServerEntry, 0, len(details))}
	for _, d := range details {
		if s, ok := t.servers[d.ServerID]; ok {
			list.Servers = append(list.Servers, s.Entry())
		}
	}
	return list
}

// Lookups below require the caller to hold the lock.

func (t *Topology) serverByName(name string) *cluster.Server {
	for _, s := range t.servers {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (t *Topology) agentByName(name string) *cluster.Agent {
	for _, a := range t.agents {
		if a.Name == name {
			return a
		}
	}
	return nil
}

func (t *Topology) agentByToken(token string) *cluster.Agent {
	for _, a := range t.agents {
		if a.Token == token {
			return a
		}
	}
	return nil
}

func (t *Topology) agentByEndpoint(address string, port int) *cluster.Agent {
	for _, a := range t.agents {
		if a.Address == address && a.Port == port {
			return a
		}
	}
	return nil
}

func (t *Topology) groupByName(name string) *cluster.AffinityGroup {
	for _, g := range t.groups {
		if strings.EqualFold(g.Name, name) {
			return g
		}
	}
	return nil
}

func (t *Topology) serverList() []cluster.Server {
	out := make([]cluster.Server, 0, len(t.servers))
	for _, s := range t.servers {
		out = append(out, cloneServer(s))
	}
	return out
}

func (t *Topology) agentList() []cluster.Agent {
	out := make([]cluster.Agent, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, cloneAgent(a))
	}
	return out
}

func (t *Topology) agentCount(serverID int) int {
	n := 0
	for _, a := range t.agents {
		if a.ServerID != nil && *a.ServerID == serverID {
			n++
		}
	}
	return n
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func intPtr(v int) *int { return &v }

func cloneServer(s *cluster.Server) cluster.Server {
	c := *s
	c.AffinityGroupID = cloneIntPtr(s.AffinityGroupID)
	return c
}

func cloneAgent(a *cluster.Agent) cluster.Agent {
	c := *a
	c.ServerID = cloneIntPtr(a.ServerID)
	c.AffinityGroupID = cloneIntPtr(a.AffinityGroupID)
	if a.LastAvailabilityPing != nil {
		ping := *a.LastAvailabilityPing
		c.LastAvailabilityPing = &ping
	}
	return c
}
