package coordinator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/hacluster/internal/cluster"
)

// ServerModeController owns the server lifecycle.
//
// Mode transitions:
//
//	            Join                 SetMode (admin)
//	INSTALLED ───────► NORMAL ◄──────────────────► MAINTENANCE
//	                    │  ▲                           │
//	           MarkDown │  │ Join / Heartbeat          │ MarkDown
//	                    ▼  │                           │
//	                    DOWN ◄─────────────────────────┘
//
// Only NORMAL servers are failover candidates, so every transition requests
// a repartition.
type ServerModeController struct {
	t *Topology
}

// NewServerModeController creates a controller over t.
func NewServerModeController(t *Topology) *ServerModeController {
	return &ServerModeController{t: t}
}

func modeChangeDetail(name string, from, to cluster.OperationMode) string {
	return fmt.Sprintf("%s: %s --> %s", name, from, to)
}

// Join announces a server. A new server is created in NORMAL mode; an
// INSTALLED or DOWN server becomes NORMAL; a server in MAINTENANCE stays
// there. The endpoint is refreshed in every case.
//
// Parameters:
//   - req: name, address and ports; ComputePower defaults to 1 for new servers
//
// Returns:
//   - The server as stored
//   - ErrInvalidArgument for a missing name, address or port
func (c *ServerModeController) Join(ctx context.Context, req cluster.JoinRequest) (cluster.Server, error) {
	if err := ctx.Err(); err != nil {
		return cluster.Server{}, err
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Address) == "" || req.Port <= 0 {
		return cluster.Server{}, fmt.Errorf("%w: server name, address and port are required", ErrInvalidArgument)
	}
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	var ch change
	var server cluster.Server
	var from cluster.OperationMode

	if existing := t.serverByName(req.Name); existing != nil {
		server = cloneServer(existing)
		from = server.OperationMode
		if from == cluster.ModeInstalled || from == cluster.ModeDown {
			server.OperationMode = cluster.ModeNormal
		}
	} else {
		server = cluster.Server{
			ID:            t.nextID(&ch, "server"),
			Name:          req.Name,
			OperationMode: cluster.ModeNormal,
			ComputePower:  1,
			CreatedAt:     now,
		}
	}
	server.Address = req.Address
	server.Port = req.Port
	server.SecurePort = req.SecurePort
	if req.ComputePower > 0 {
		server.ComputePower = req.ComputePower
	}
	server.ModifiedAt = now
	server.LastHeartbeat = now

	t.putServer(&ch, server)
	if err := t.commit(&ch); err != nil {
		return cluster.Server{}, err
	}

	t.logger.Info("server joined",
		zap.String("server", server.Name),
		zap.String("endpoint", server.Endpoint()),
		zap.String("mode", string(server.OperationMode)))
	detail := server.Name
	if from != "" && from != server.OperationMode {
		detail = modeChangeDetail(server.Name, from, server.OperationMode)
	}
	t.request(ctx, SystemSubject, cluster.ServerJoin, detail)
	return server, nil
}

// Heartbeat records that a server is alive. A DOWN server returns to NORMAL.
func (c *ServerModeController) Heartbeat(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()

	existing := t.serverByName(name)
	if existing == nil {
		return fmt.Errorf("server %q: %w", name, ErrNotFound)
	}
	server := cloneServer(existing)
	from := server.OperationMode
	server.LastHeartbeat = t.now().UTC()
	if from == cluster.ModeDown {
		server.OperationMode = cluster.ModeNormal
		server.ModifiedAt = server.LastHeartbeat
	}

	var ch change
	t.putServer(&ch, server)
	if err := t.commit(&ch); err != nil {
		return err
	}
	if from == cluster.ModeDown {
		t.logger.Info("server is back", zap.String("server", name))
		t.request(ctx, SystemSubject, cluster.OperationModeChange, modeChangeDetail(name, from, server.OperationMode))
	}
	return nil
}

// SetMode is the administrative mode change. Only NORMAL and MAINTENANCE
// may be requested; DOWN is reserved for the coordinator. Servers already
// in the requested mode are left alone.
//
// Parameters:
//   - subject: the administrator
//   - ids: servers to change; all must exist
//   - mode: NORMAL or MAINTENANCE
//
// Returns:
//   - Number of servers whose mode changed
//   - ErrInvalidModeTransition for any other mode
//   - ErrNotFound if an ID is unknown; nothing is changed then
func (c *ServerModeController) SetMode(ctx context.Context, subject string, ids []int, mode cluster.OperationMode) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if mode != cluster.ModeNormal && mode != cluster.ModeMaintenance {
		return 0, fmt.Errorf("%w: servers cannot be set to %s", ErrInvalidModeTransition, mode)
	}
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()

	ids = uniqueIDs(ids)
	for _, id := range ids {
		if _, ok := t.servers[id]; !ok {
			return 0, fmt.Errorf("server %d: %w", id, ErrNotFound)
		}
	}

	var ch change
	var details []string
	now := t.now().UTC()
	for _, id := range ids {
		server := cloneServer(t.servers[id])
		if server.OperationMode == mode {
			continue
		}
		details = append(details, modeChangeDetail(server.Name, server.OperationMode, mode))
		server.OperationMode = mode
		server.ModifiedAt = now
		t.putServer(&ch, server)
	}
	if err := t.commit(&ch); err != nil {
		return 0, err
	}

	for _, d := range details {
		t.logger.Info("server operation mode changed", zap.String("change", d), zap.String("subject", subject))
		t.request(ctx, subject, cluster.OperationModeChange, d)
	}
	return len(details), nil
}

// MarkDown moves a NORMAL or MAINTENANCE server to DOWN, after failed health
// checks or when the server shuts down. A DOWN server is left alone.
func (c *ServerModeController) MarkDown(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()

	existing := t.serverByName(name)
	if existing == nil {
		return fmt.Errorf("server %q: %w", name, ErrNotFound)
	}
	switch existing.OperationMode {
	case cluster.ModeDown:
		return nil
	case cluster.ModeInstalled:
		return fmt.Errorf("%w: server %s has never joined", ErrInvalidModeTransition, name)
	}

	server := cloneServer(existing)
	from := server.OperationMode
	server.OperationMode = cluster.ModeDown
	server.ModifiedAt = t.now().UTC()

	var ch change
	t.putServer(&ch, server)
	if err := t.commit(&ch); err != nil {
		return err
	}
	t.logger.Warn("server marked down", zap.String("server", name), zap.String("previous_mode", string(from)))
	t.request(ctx, SystemSubject, cluster.ServerDown, name)
	return nil
}

// SetComputePower changes the relative capacity of a server.
func (c *ServerModeController) SetComputePower(ctx context.Context, subject string, id, power int) (cluster.Server, error) {
	if err := ctx.Err(); err != nil {
		return cluster.Server{}, err
	}
	if power < 1 {
		return cluster.Server{}, fmt.Errorf("%w: compute power must be at least 1", ErrInvalidArgument)
	}
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.servers[id]
	if !ok {
		return cluster.Server{}, fmt.Errorf("server %d: %w", id, ErrNotFound)
	}
	if existing.ComputePower == power {
		return cloneServer(existing), nil
	}

	server := cloneServer(existing)
	old := server.ComputePower
	server.ComputePower = power
	server.ModifiedAt = t.now().UTC()

	var ch change
	t.putServer(&ch, server)
	if err := t.commit(&ch); err != nil {
		return cluster.Server{}, err
	}
	t.request(ctx, subject, cluster.ServerComputePowerChange, fmt.Sprintf("%s: %d --> %d", server.Name, old, power))
	return server, nil
}

// Delete removes servers that are not in NORMAL mode. Agents connected to a
// deleted server lose their server, and the server is dropped from every
// failover list.
//
// Returns:
//   - Number of servers deleted
//   - ErrServerInUse if any selected server is NORMAL; nothing is deleted then
//   - ErrNotFound if an ID is unknown; nothing is deleted then
func (c *ServerModeController) Delete(ctx context.Context, subject string, ids []int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()

	ids = uniqueIDs(ids)
	for _, id := range ids {
		s, ok := t.servers[id]
		if !ok {
			return 0, fmt.Errorf("server %d: %w", id, ErrNotFound)
		}
		if s.OperationMode == cluster.ModeNormal {
			return 0, fmt.Errorf("%w: server %s is in NORMAL mode; set it to MAINTENANCE first", ErrServerInUse, s.Name)
		}
	}

	var ch change
	var names []string
	for _, id := range ids {
		names = append(names, t.servers[id].Name)
		for _, a := range t.agents {
			if a.ServerID != nil && *a.ServerID == id {
				agent := cloneAgent(a)
				agent.ServerID = nil
				t.putAgent(&ch, agent)
			}
		}
		ch.del(serverKey(id))
		ch.then(func() { delete(t.servers, id) })
	}
	apply, err := t.failover.stageRemoveServer(&ch.batch, ids...)
	if err != nil {
		return 0, err
	}
	ch.then(apply)
	if err := t.commit(&ch); err != nil {
		return 0, err
	}

	for _, name := range names {
		t.logger.Info("server deleted", zap.String("server", name), zap.String("subject", subject))
		t.request(ctx, subject, cluster.ServerDeletion, name)
	}
	return len(names), nil
}

// Get returns a server by ID.
func (c *ServerModeController) Get(ctx context.Context, id int) (cluster.Server, error) {
	if err := ctx.Err(); err != nil {
		return cluster.Server{}, err
	}
	c.t.mu.RLock()
	defer c.t.mu.RUnlock()

	s, ok := c.t.servers[id]
	if !ok {
		return cluster.Server{}, fmt.Errorf("server %d: %w", id, ErrNotFound)
	}
	return cloneServer(s), nil
}

// GetByName returns a server by name.
func (c *ServerModeController) GetByName(ctx context.Context, name string) (cluster.Server, error) {
	if err := ctx.Err(); err != nil {
		return cluster.Server{}, err
	}
	c.t.mu.RLock()
	defer c.t.mu.RUnlock()

	s := c.t.serverByName(name)
	if s == nil {
		return cluster.Server{}, fmt.Errorf("server %q: %w", name, ErrNotFound)
	}
	return cloneServer(s), nil
}

// PrimaryAgents returns the agents whose failover list names server id
// first, sorted by name. They connect to it when it is available.
func (c *ServerModeController) PrimaryAgents(ctx context.Context, id int) ([]cluster.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.t.mu.RLock()
	defer c.t.mu.RUnlock()

	if _, ok := c.t.servers[id]; !ok {
		return nil, fmt.Errorf("server %d: %w", id, ErrNotFound)
	}
	agents := []cluster.Agent{}
	for _, agentID := range c.t.failover.AgentsOf(id) {
		if a, ok := c.t.agents[agentID]; ok {
			agents = append(agents, cloneAgent(a))
		}
	}
	sortByName(agents, SortAsc, func(a cluster.Agent) string { return a.Name })
	return agents, nil
}

// FindServers returns a page of servers matching cr with their agent
// counts, sorted by name.
func (c *ServerModeController) FindServers(ctx context.Context, cr ServerCriteria) (cluster.Page[cluster.ServerSummary], error) {
	if err := ctx.Err(); err != nil {
		return cluster.Page[cluster.ServerSummary]{}, err
	}
	t := c.t
	t.mu.RLock()
	defer t.mu.RUnlock()

	var matched []cluster.ServerSummary
	for _, s := range t.servers {
		if cr.matches(s) {
			matched = append(matched, cluster.ServerSummary{
				Server:     cloneServer(s),
				AgentCount: t.agentCount(s.ID),
			})
		}
	}
	sortByName(matched, cr.Sort, func(s cluster.ServerSummary) string { return s.Server.Name })
	return paginate(matched, cr.PageControl), nil
}

// Servers returns every server, sorted by name.
func (c *ServerModeController) Servers() []cluster.Server {
	c.t.mu.RLock()
	defer c.t.mu.RUnlock()

	servers := c.t.serverList()
	sortByName(servers, SortAsc, func(s cluster.Server) string { return s.Name })
	return servers
}
