package coordinator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/hacluster/internal/cluster"
)

// AffinityGroupRegistry manages affinity groups and their membership.
//
// A member records its group itself (AffinityGroupID), so an agent or server
// is in at most one group. Adding a member to a group moves it out of its
// previous group.
type AffinityGroupRegistry struct {
	t *Topology
}

// NewAffinityGroupRegistry creates a registry over t.
func NewAffinityGroupRegistry(t *Topology) *AffinityGroupRegistry {
	return &AffinityGroupRegistry{t: t}
}

// validateName checks a group name; ignoreID is the group being renamed.
// Callers hold the lock.
func (r *AffinityGroupRegistry) validateName(name string, ignoreID int) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name must not be blank", ErrAffinityGroup)
	}
	if g := r.t.groupByName(name); g != nil && g.ID != ignoreID {
		return "", fmt.Errorf("%w: an affinity group named %q already exists", ErrAffinityGroup, g.Name)
	}
	return name, nil
}

// Create creates an empty affinity group.
//
// Returns:
//   - The new group
//   - ErrAffinityGroup if name is blank or already used (ignoring case)
func (r *AffinityGroupRegistry) Create(ctx context.Context, subject, name string) (cluster.AffinityGroup, error) {
	if err := ctx.Err(); err != nil {
		return cluster.AffinityGroup{}, err
	}
	t := r.t
	t.mu.Lock()
	defer t.mu.Unlock()

	name, err := r.validateName(name, 0)
	if err != nil {
		return cluster.AffinityGroup{}, err
	}

	var c change
	group := cluster.AffinityGroup{
		ID:        t.nextID(&c, "group"),
		Name:      name,
		CreatedAt: t.now().UTC(),
	}
	t.putGroup(&c, group)
	if err := t.commit(&c); err != nil {
		return cluster.AffinityGroup{}, err
	}
	t.audit(ctx, subject, cluster.AffinityGroupChange, "created "+name)
	return group, nil
}

// Rename changes the name of a group under the same rules as Create.
func (r *AffinityGroupRegistry) Rename(ctx context.Context, subject string, id int, name string) (cluster.AffinityGroup, error) {
	if err := ctx.Err(); err != nil {
		return cluster.AffinityGroup{}, err
	}
	t := r.t
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.groups[id]
	if !ok {
		return cluster.AffinityGroup{}, fmt.Errorf("affinity group %d: %w", id, ErrNotFound)
	}
	name, err := r.validateName(name, id)
	if err != nil {
		return cluster.AffinityGroup{}, err
	}
	if name == existing.Name {
		return *existing, nil
	}

	group := *existing
	oldName := group.Name
	group.Name = name

	var c change
	t.putGroup(&c, group)
	if err := t.commit(&c); err != nil {
		return cluster.AffinityGroup{}, err
	}
	t.audit(ctx, subject, cluster.AffinityGroupChange, fmt.Sprintf("renamed %s --> %s", oldName, name))
	return group, nil
}

// Delete removes groups. Their members stay registered without a group.
// Unknown IDs are skipped.
//
// Returns:
//   - Number of groups deleted
func (r *AffinityGroupRegistry) Delete(ctx context.Context, subject string, ids ...int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t := r.t
	t.mu.Lock()
	defer t.mu.Unlock()

	var c change
	var deleted []string
	for _, id := range uniqueIDs(ids) {
		group, ok := t.groups[id]
		if !ok {
			continue
		}
		deleted = append(deleted, group.Name)

		for _, a := range t.agents {
			if a.AffinityGroupID != nil && *a.AffinityGroupID == id {
				agent := cloneAgent(a)
				agent.AffinityGroupID = nil
				t.putAgent(&c, agent)
			}
		}
		for _, s := range t.servers {
			if s.AffinityGroupID != nil && *s.AffinityGroupID == id {
				server := cloneServer(s)
				server.AffinityGroupID = nil
				t.putServer(&c, server)
			}
		}
		c.del(groupKey(id))
		c.then(func() { delete(t.groups, id) })
	}
	if err := t.commit(&c); err != nil {
		return 0, err
	}

	for _, name := range deleted {
		t.request(ctx, subject, cluster.AffinityGroupDelete, name)
	}
	return len(deleted), nil
}

// AddAgents puts agents into a group, moving them out of any other group.
// Unknown IDs and agents already in the group are skipped.
//
// Returns:
//   - Number of agents whose group changed
func (r *AffinityGroupRegistry) AddAgents(ctx context.Context, subject string, groupID int, agentIDs []int) (int, error) {
	return r.updateAgents(ctx, subject, groupID, agentIDs, true)
}

// RemoveAgents takes exactly the selected agents out of a group. Agents
// that are not members of the group are left alone.
//
// Returns:
//   - Number of agents removed
func (r *AffinityGroupRegistry) RemoveAgents(ctx context.Context, subject string, groupID int, agentIDs []int) (int, error) {
	return r.updateAgents(ctx, subject, groupID, agentIDs, false)
}

// AddServers puts servers into a group, moving them out of any other group.
func (r *AffinityGroupRegistry) AddServers(ctx context.Context, subject string, groupID int, serverIDs []int) (int, error) {
	return r.updateServers(ctx, subject, groupID, serverIDs, true)
}

// RemoveServers takes exactly the selected servers out of a group.
func (r *AffinityGroupRegistry) RemoveServers(ctx context.Context, subject string, groupID int, serverIDs []int) (int, error) {
	return r.updateServers(ctx, subject, groupID, serverIDs, false)
}

func (r *AffinityGroupRegistry) updateAgents(ctx context.Context, subject string, groupID int, ids []int, add bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t := r.t
	t.mu.Lock()
	defer t.mu.Unlock()

	group, ok := t.groups[groupID]
	if !ok {
		return 0, fmt.Errorf("affinity group %d: %w", groupID, ErrNotFound)
	}

	var c change
	var names []string
	for _, id := range uniqueIDs(ids) {
		a, ok := t.agents[id]
		if !ok {
			continue
		}
		member := a.AffinityGroupID != nil && *a.AffinityGroupID == groupID
		if add == member {
			continue
		}
		agent := cloneAgent(a)
		if add {
			agent.AffinityGroupID = intPtr(groupID)
		} else {
			agent.AffinityGroupID = nil
		}
		agent.ModifiedAt = t.now().UTC()
		t.putAgent(&c, agent)
		names = append(names, agent.Name)
	}
	if len(names) == 0 {
		return 0, nil
	}
	if err := t.commit(&c); err != nil {
		return 0, err
	}

	typ := cluster.AgentAffinityGroupRemove
	if add {
		typ = cluster.AgentAffinityGroupAssign
	}
	t.logger.Info("affinity group agents changed",
		zap.String("group", group.Name), zap.Bool("add", add), zap.Strings("agents", names))
	t.request(ctx, subject, typ, group.Name+": "+strings.Join(names, ", "))
	return len(names), nil
}

func (r *AffinityGroupRegistry) updateServers(ctx context.Context, subject string, groupID int, ids []int, add bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t := r.t
	t.mu.Lock()
	defer t.mu.Unlock()

	group, ok := t.groups[groupID]
	if !ok {
		return 0, fmt.Errorf("affinity group %d: %w", groupID, ErrNotFound)
	}

	var c change
	var names []string
	for _, id := range uniqueIDs(ids) {
		s, ok := t.servers[id]
		if !ok {
			continue
		}
		member := s.AffinityGroupID != nil && *s.AffinityGroupID == groupID
		if add == member {
			continue
		}
		server := cloneServer(s)
		if add {
			server.AffinityGroupID = intPtr(groupID)
		} else {
			server.AffinityGroupID = nil
		}
		server.ModifiedAt = t.now().UTC()
		t.putServer(&c, server)
		names = append(names, server.Name)
	}
	if len(names) == 0 {
		return 0, nil
	}
	if err := t.commit(&c); err != nil {
		return 0, err
	}

	typ := cluster.ServerAffinityGroupRemove
	if add {
		typ = cluster.ServerAffinityGroupAssign
	}
	t.logger.Info("affinity group servers changed",
		zap.String("group", group.Name), zap.Bool("add", add), zap.Strings("servers", names))
	t.request(ctx, subject, typ, group.Name+": "+strings.Join(names, ", "))
	return len(names), nil
}

// Get returns one group.
func (r *AffinityGroupRegistry) Get(ctx context.Context, id int) (cluster.AffinityGroup, error) {
	if err := ctx.Err(); err != nil {
		return cluster.AffinityGroup{}, err
	}
	r.t.mu.RLock()
	defer r.t.mu.RUnlock()

	g, ok := r.t.groups[id]
	if !ok {
		return cluster.AffinityGroup{}, fmt.Errorf("affinity group %d: %w", id, ErrNotFound)
	}
	return *g, nil
}

// Find returns a page of groups with their member counts, sorted by name.
func (r *AffinityGroupRegistry) Find(ctx context.Context, c GroupCriteria) (cluster.Page[cluster.AffinityGroupSummary], error) {
	if err := ctx.Err(); err != nil {
		return cluster.Page[cluster.AffinityGroupSummary]{}, err
	}
	t := r.t
	t.mu.RLock()
	defer t.mu.RUnlock()

	agentCounts := make(map[int]int)
	for _, a := range t.agents {
		if a.AffinityGroupID != nil {
			agentCounts[*a.AffinityGroupID]++
		}
	}
	serverCounts := make(map[int]int)
	for _, s := range t.servers {
		if s.AffinityGroupID != nil {
			serverCounts[*s.AffinityGroupID]++
		}
	}

	var matched []cluster.AffinityGroupSummary
	for _, g := range t.groups {
		if !nameMatches(g.Name, c.Name, c.Strict) {
			continue
		}
		matched = append(matched, cluster.AffinityGroupSummary{
			Group:       *g,
			AgentCount:  agentCounts[g.ID],
			ServerCount: serverCounts[g.ID],
		})
	}
	sortByName(matched, c.Sort, func(s cluster.AffinityGroupSummary) string { return s.Group.Name })
	return paginate(matched, c.PageControl), nil
}

// Members returns the agents and servers of a group, sorted by name.
func (r *AffinityGroupRegistry) Members(ctx context.Context, id int) (cluster.AffinityGroupMembers, error) {
	return r.collect(ctx, id, true)
}

// AgentCandidates returns the agents outside the group, sorted by name.
func (r *AffinityGroupRegistry) AgentCandidates(ctx context.Context, id int) ([]cluster.Agent, error) {
	m, err := r.collect(ctx, id, false)
	return m.Agents, err
}

// ServerCandidates returns the servers outside the group, sorted by name.
func (r *AffinityGroupRegistry) ServerCandidates(ctx context.Context, id int) ([]cluster.Server, error) {
	m, err := r.collect(ctx, id, false)
	return m.Servers, err
}

// collect gathers the members (inside=true) or non-members of a group.
func (r *AffinityGroupRegistry) collect(ctx context.Context, id int, inside bool) (cluster.AffinityGroupMembers, error) {
	if err := ctx.Err(); err != nil {
		return cluster.AffinityGroupMembers{}, err
	}
	t := r.t
	t.mu.RLock()
	defer t.mu.RUnlock()

	g, ok := t.groups[id]
	if !ok {
		return cluster.AffinityGroupMembers{}, fmt.Errorf("affinity group %d: %w", id, ErrNotFound)
	}

	out := cluster.AffinityGroupMembers{
		Group:   *g,
		Agents:  []cluster.Agent{},
		Servers: []cluster.Server{},
	}
	for _, a := range t.agents {
		if (a.AffinityGroupID != nil && *a.AffinityGroupID == id) == inside {
			out.Agents = append(out.Agents, cloneAgent(a))
		}
	}
	for _, s := range t.servers {
		if (s.AffinityGroupID != nil && *s.AffinityGroupID == id) == inside {
			out.Servers = append(out.Servers, cloneServer(s))
		}
	}
	sortByName(out.Agents, SortAsc, func(a cluster.Agent) string { return a.Name })
	sortByName(out.Servers, SortAsc, func(s cluster.Server) string { return s.Name })
	return out, nil
}

// uniqueIDs drops repeated IDs, keeping the first occurrence.
func uniqueIDs(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
