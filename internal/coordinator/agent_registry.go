package coordinator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/hacluster/internal/cluster"
)

// AgentRegistry tracks agents, the server each one is connected to, and
// each agent's failover list.
type AgentRegistry struct {
	t *Topology
}

// NewAgentRegistry creates a registry over t.
func NewAgentRegistry(t *Topology) *AgentRegistry {
	return &AgentRegistry{t: t}
}

func registrationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAgentRegistration, fmt.Sprintf(format, args...))
}

// RegisterAgent registers a new agent or re-registers a known one.
//
// An agent proves its identity with the token it received at its first
// registration:
//   - With a token, the agent may not change its name and may not take an
//     address/port registered under another name. A token nobody owns is
//     accepted only for a new name on an unused address/port.
//   - Without a token, the name and the address/port must both be unused.
//
// Known agents get their endpoint updated; the token changes only when
// RegenerateToken is set. New agents receive a fresh token. The failover
// list comes from an immediate AGENT_REGISTRATION partition event that
// plans this agent alone.
//
// Parameters:
//   - req: registration request; Server optionally names the server that
//     received it
//
// Returns:
//   - The agent's token and failover list
//   - ErrAgentRegistration (wrapped with the reason) when refused
//   - ErrInvalidArgument for missing name, address or port
func (r *AgentRegistry) RegisterAgent(ctx context.Context, req cluster.RegisterAgentRequest) (cluster.RegistrationResults, error) {
	if err := ctx.Err(); err != nil {
		return cluster.RegistrationResults{}, err
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Address) == "" || req.Port <= 0 {
		return cluster.RegistrationResults{}, fmt.Errorf("%w: agent name, address and port are required", ErrInvalidArgument)
	}

	results, err := r.register(ctx, req)
	if err != nil {
		r.t.metrics.registration("rejected")
		r.t.logger.Warn("agent registration refused",
			zap.String("agent", req.Name),
			zap.String("address", req.Address),
			zap.Int("port", req.Port),
			zap.Error(err))
		return cluster.RegistrationResults{}, err
	}
	r.t.metrics.registration("accepted")
	return results, nil
}

func (r *AgentRegistry) register(ctx context.Context, req cluster.RegisterAgentRequest) (cluster.RegistrationResults, error) {
	t := r.t
	t.mu.Lock()
	defer t.mu.Unlock()

	byName := t.agentByName(req.Name)
	byEndpoint := t.agentByEndpoint(req.Address, req.Port)

	if req.OriginalToken != "" {
		byToken := t.agentByToken(req.OriginalToken)
		if byToken != nil {
			if byToken.Name != req.Name {
				return cluster.RegistrationResults{}, registrationError(
					"the agent is already registered with the name [%s], it cannot change its name to [%s]",
					byToken.Name, req.Name)
			}
			if byEndpoint != nil && byEndpoint.Name != req.Name {
				return cluster.RegistrationResults{}, registrationError(
					"agent [%s] is trying to register address/port [%s:%d] already registered under the name [%s]",
					req.Name, req.Address, req.Port, byEndpoint.Name)
			}
		} else {
			if byName != nil {
				return cluster.RegistrationResults{}, registrationError(
					"agent [%s] provided an invalid security token", req.Name)
			}
			if byEndpoint != nil {
				return cluster.RegistrationResults{}, registrationError(
					"agent [%s] is attempting to take address/port [%s:%d] of agent [%s] with an unknown security token",
					req.Name, req.Address, req.Port, byEndpoint.Name)
			}
		}
	} else {
		if byEndpoint != nil {
			if byEndpoint.Name != req.Name {
				return cluster.RegistrationResults{}, registrationError(
					"address/port [%s:%d] is already registered under the name [%s]",
					req.Address, req.Port, byEndpoint.Name)
			}
			return cluster.RegistrationResults{}, registrationError(
				"agent [%s] is attempting to re-register without a security token", req.Name)
		}
		if byName != nil {
			return cluster.RegistrationResults{}, registrationError(
				"agent name [%s] is already registered and no security token was provided", req.Name)
		}
	}

	var registering *cluster.Server
	if req.Server != "" {
		registering = t.serverByName(req.Server)
		if registering == nil {
			return cluster.RegistrationResults{}, registrationError("unknown server [%s]", req.Server)
		}
	}

	if isLoopback(req.Address, req.RemoteEndpoint) {
		t.logger.Warn("agent registered with a loopback address; it can only reach servers on its own host",
			zap.String("agent", req.Name), zap.String("address", req.Address))
	}

	var c change
	now := t.now().UTC()
	var agent cluster.Agent
	if byName != nil {
		agent = cloneAgent(byName)
		agent.Address = req.Address
		agent.Port = req.Port
		agent.RemoteEndpoint = req.RemoteEndpoint
		if req.Version != "" {
			agent.Version = req.Version
		}
		if req.RegenerateToken {
			agent.Token = t.newToken()
		}
		agent.ModifiedAt = now
		t.logger.Info("re-registering existing agent",
			zap.String("agent", agent.Name), zap.Bool("regenerate_token", req.RegenerateToken))
	} else {
		agent = cluster.Agent{
			ID:             t.nextID(&c, "agent"),
			Name:           req.Name,
			Address:        req.Address,
			Port:           req.Port,
			RemoteEndpoint: req.RemoteEndpoint,
			Token:          t.newToken(),
			Version:        req.Version,
			CreatedAt:      now,
			ModifiedAt:     now,
		}
		t.logger.Info("registering new agent", zap.String("agent", agent.Name))
	}
	if registering != nil {
		agent.ServerID = intPtr(registering.ID)
	}

	details := PlanAgent(t.serverList(), agent, t.failover.Get(agent.ID), t.failover.Loads(agent.ID))
	t.putAgent(&c, agent)
	applyFailover, err := t.failover.stagePut(&c.batch, agent.ID, details)
	if err != nil {
		return cluster.RegistrationResults{}, err
	}
	c.then(applyFailover)
	if err := t.commit(&c); err != nil {
		return cluster.RegistrationResults{}, fmt.Errorf("%w: %v", ErrAgentRegistration, err)
	}

	detail := agent.Name
	if registering != nil {
		detail += " - " + registering.Name
	}
	if _, err := t.events.Record(ctx, cluster.PartitionEvent{
		Type:        cluster.AgentRegistration,
		Detail:      detail,
		SubjectName: SystemSubject,
		Status:      cluster.StatusImmediate,
		Details:     t.primaries(Plan{agent.ID: details}),
	}); err != nil {
		t.logger.Error("failed to record registration event", zap.String("agent", agent.Name), zap.Error(err))
	}

	return cluster.RegistrationResults{
		AgentToken:   agent.Token,
		FailoverList: t.failoverList(details),
	}, nil
}

func isLoopback(address, endpoint string) bool {
	if address == "127.0.0.1" || strings.EqualFold(address, "localhost") {
		return true
	}
	return strings.Contains(endpoint, "127.0.0.1") || strings.Contains(endpoint, "localhost")
}

// ConnectAgent records that a registered agent is now talking to a server.
// The server must be in NORMAL mode.
func (r *AgentRegistry) ConnectAgent(ctx context.Context, agentName, serverName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := r.t
	t.mu.Lock()
	defer t.mu.Unlock()

	existing := t.agentByName(agentName)
	if existing == nil {
		return registrationError("agent [%s] is not registered", agentName)
	}
	server := t.serverByName(serverName)
	if server == nil {
		return fmt.Errorf("server %q: %w", serverName, ErrNotFound)
	}
	if server.OperationMode != cluster.ModeNormal {
		return registrationError("server [%s] is %s and does not accept agents", serverName, server.OperationMode)
	}

	agent := cloneAgent(existing)
	now := t.now().UTC()
	agent.ServerID = intPtr(server.ID)
	agent.LastAvailabilityPing = &now
	agent.ModifiedAt = now

	var c change
	t.putAgent(&c, agent)
	if err := t.commit(&c); err != nil {
		return err
	}
	t.logger.Info("agent connected", zap.String("agent", agentName), zap.String("server", serverName))
	t.audit(ctx, SystemSubject, cluster.AgentConnect, agentName+" - "+serverName)
	return nil
}

// AgentShuttingDown records that an agent is going away. Its availability
// timestamp is cleared; its registration and failover list are kept.
func (r *AgentRegistry) AgentShuttingDown(ctx context.Context, agentName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := r.t
	t.mu.Lock()
	defer t.mu.Unlock()

	existing := t.agentByName(agentName)
	if existing == nil {
		return fmt.Errorf("agent %q: %w", agentName, ErrNotFound)
	}
	agent := cloneAgent(existing)
	agent.LastAvailabilityPing = nil
	agent.ModifiedAt = t.now().UTC()

	var c change
	t.putAgent(&c, agent)
	if err := t.commit(&c); err != nil {
		return err
	}
	t.logger.Info("agent is shutting down", zap.String("agent", agentName))
	t.audit(ctx, SystemSubject, cluster.AgentShutdown, agentName)
	return nil
}

// Ping refreshes the availability timestamp of an agent.
func (r *AgentRegistry) Ping(ctx context.Context, agentName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := r.t
	t.mu.Lock()
	defer t.mu.Unlock()

	existing := t.agentByName(agentName)
	if existing == nil {
		return fmt.Errorf("agent %q: %w", agentName, ErrNotFound)
	}
	agent := cloneAgent(existing)
	now := t.now().UTC()
	agent.LastAvailabilityPing = &now

	var c change
	t.putAgent(&c, agent)
	return t.commit(&c)
}

// GetAgent returns an agent by name.
func (r *AgentRegistry) GetAgent(ctx context.Context, name string) (cluster.Agent, error) {
	if err := ctx.Err(); err != nil {
		return cluster.Agent{}, err
	}
	r.t.mu.RLock()
	defer r.t.mu.RUnlock()

	a := r.t.agentByName(name)
	if a == nil {
		return cluster.Agent{}, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	return cloneAgent(a), nil
}

// GetAgentByID returns an agent by ID.
func (r *AgentRegistry) GetAgentByID(ctx context.Context, id int) (cluster.Agent, error) {
	if err := ctx.Err(); err != nil {
		return cluster.Agent{}, err
	}
	r.t.mu.RLock()
	defer r.t.mu.RUnlock()

	a, ok := r.t.agents[id]
	if !ok {
		return cluster.Agent{}, fmt.Errorf("agent %d: %w", id, ErrNotFound)
	}
	return cloneAgent(a), nil
}

// FindAgents returns a page of agents matching c, sorted by name.
func (r *AgentRegistry) FindAgents(ctx context.Context, c AgentCriteria) (cluster.Page[cluster.Agent], error) {
	if err := ctx.Err(); err != nil {
		return cluster.Page[cluster.Agent]{}, err
	}
	r.t.mu.RLock()
	defer r.t.mu.RUnlock()

	var matched []cluster.Agent
	for _, a := range r.t.agents {
		if c.matches(a) {
			matched = append(matched, cloneAgent(a))
		}
	}
	sortByName(matched, c.Sort, func(a cluster.Agent) string { return a.Name })
	return paginate(matched, c.PageControl), nil
}

// GetFailoverList returns the current failover list of an agent. An agent
// that has never been planned gets an empty list.
func (r *AgentRegistry) GetFailoverList(ctx context.Context, agentName string) (cluster.FailoverList, error) {
	if err := ctx.Err(); err != nil {
		return cluster.FailoverList{}, err
	}
	r.t.mu.RLock()
	defer r.t.mu.RUnlock()

	a := r.t.agentByName(agentName)
	if a == nil {
		return cluster.FailoverList{}, fmt.Errorf("agent %q: %w", agentName, ErrNotFound)
	}
	return r.t.failoverList(r.t.failover.Get(a.ID)), nil
}

// DeleteAgent removes an agent and its failover list and requests a
// repartition so the remaining agents are rebalanced.
func (r *AgentRegistry) DeleteAgent(ctx context.Context, subject, agentName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := r.t
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.agentByName(agentName)
	if a == nil {
		return fmt.Errorf("agent %q: %w", agentName, ErrNotFound)
	}
	id := a.ID

	var c change
	c.del(agentKey(id))
	c.then(t.failover.stageRemove(&c.batch, id))
	c.then(func() { delete(t.agents, id) })
	if err := t.commit(&c); err != nil {
		return err
	}
	t.logger.Info("agent deleted", zap.String("agent", agentName), zap.String("subject", subject))
	t.request(ctx, subject, cluster.AgentLeave, agentName)
	return nil
}
