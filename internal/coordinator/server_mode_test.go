package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/hacluster/internal/cluster"
)

func modeOf(t *testing.T, c *Coordinator, name string) cluster.OperationMode {
	t.Helper()
	s, err := c.Servers.GetByName(context.Background(), name)
	require.NoError(t, err)
	return s.OperationMode
}

func TestJoin(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	s, err := c.Servers.Join(ctx, cluster.JoinRequest{Name: "srv-a", Address: "10.0.0.1", Port: 7080, SecurePort: 7443, ComputePower: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, s.ID)
	assert.Equal(t, cluster.ModeNormal, s.OperationMode)
	assert.Equal(t, 3, s.ComputePower)
	assert.False(t, s.LastHeartbeat.IsZero())

	// Rejoin refreshes the endpoint and keeps the identity
	s, err = c.Servers.Join(ctx, cluster.JoinRequest{Name: "srv-a", Address: "10.0.0.2", Port: 7080})
	require.NoError(t, err)
	assert.Equal(t, 1, s.ID)
	assert.Equal(t, "10.0.0.2", s.Address)
	assert.Equal(t, 3, s.ComputePower)

	_, err = c.Servers.Join(ctx, cluster.JoinRequest{Name: "", Address: "10.0.0.1", Port: 7080})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	joins := eventsOf(t, c, cluster.ServerJoin)
	require.Len(t, joins, 2)
	assert.Equal(t, "srv-a", joins[0].Detail)
	assert.Equal(t, cluster.StatusRequested, joins[0].Status)
}

func TestModeTransitions(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	a := joinServer(t, c, "srv-a", 7443)

	// MAINTENANCE survives a rejoin
	n, err := c.Servers.SetMode(ctx, "rhqadmin", []int{a.ID}, cluster.ModeMaintenance)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	joinServer(t, c, "srv-a", 7443)
	assert.Equal(t, cluster.ModeMaintenance, modeOf(t, c, "srv-a"))

	// MAINTENANCE -> DOWN -> NORMAL by heartbeat
	require.NoError(t, c.Servers.MarkDown(ctx, "srv-a"))
	assert.Equal(t, cluster.ModeDown, modeOf(t, c, "srv-a"))
	require.NoError(t, c.Servers.MarkDown(ctx, "srv-a"), "marking a DOWN server is a no-op")
	require.NoError(t, c.Servers.Heartbeat(ctx, "srv-a"))
	assert.Equal(t, cluster.ModeNormal, modeOf(t, c, "srv-a"))

	// NORMAL -> DOWN -> NORMAL by rejoin
	require.NoError(t, c.Servers.MarkDown(ctx, "srv-a"))
	joinServer(t, c, "srv-a", 7443)
	assert.Equal(t, cluster.ModeNormal, modeOf(t, c, "srv-a"))

	// A heartbeat on a NORMAL server changes nothing but the timestamp
	require.NoError(t, c.Servers.Heartbeat(ctx, "srv-a"))
	assert.Equal(t, cluster.ModeNormal, modeOf(t, c, "srv-a"))

	assert.ErrorIs(t, c.Servers.Heartbeat(ctx, "ghost"), ErrNotFound)
	assert.ErrorIs(t, c.Servers.MarkDown(ctx, "ghost"), ErrNotFound)

	changes := eventsOf(t, c, cluster.OperationModeChange)
	details := make([]string, len(changes))
	for i, e := range changes {
		details[i] = e.Detail
	}
	assert.Equal(t, []string{
		"srv-a: NORMAL --> MAINTENANCE",
		"srv-a: DOWN --> NORMAL",
	}, details)
	assert.Len(t, eventsOf(t, c, cluster.ServerDown), 2)
}

func TestSetMode(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	a := joinServer(t, c, "srv-a", 7443)
	b := joinServer(t, c, "srv-b", 7444)

	tests := []struct {
		name    string
		ids     []int
		mode    cluster.OperationMode
		want    int
		wantErr error
	}{
		{name: "down is reserved", ids: []int{a.ID}, mode: cluster.ModeDown, wantErr: ErrInvalidModeTransition},
		{name: "installed is reserved", ids: []int{a.ID}, mode: cluster.ModeInstalled, wantErr: ErrInvalidModeTransition},
		{name: "unknown id changes nothing", ids: []int{a.ID, 99}, mode: cluster.ModeMaintenance, wantErr: ErrNotFound},
		{name: "maintenance", ids: []int{a.ID, b.ID, a.ID}, mode: cluster.ModeMaintenance, want: 2},
		{name: "already in mode", ids: []int{a.ID}, mode: cluster.ModeMaintenance, want: 0},
		{name: "back to normal", ids: []int{b.ID}, mode: cluster.ModeNormal, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := c.Servers.SetMode(ctx, "rhqadmin", tt.ids, tt.mode)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}

	assert.Equal(t, cluster.ModeMaintenance, modeOf(t, c, "srv-a"))
	assert.Equal(t, cluster.ModeNormal, modeOf(t, c, "srv-b"))
}

func TestMarkDownInstalledServer(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	a := joinServer(t, c, "srv-a", 7443)

	// Servers are only INSTALLED when loaded that way from the store
	c.Topology.mu.Lock()
	c.Topology.servers[a.ID].OperationMode = cluster.ModeInstalled
	c.Topology.mu.Unlock()

	assert.ErrorIs(t, c.Servers.MarkDown(ctx, "srv-a"), ErrInvalidModeTransition)
}

func TestSetComputePower(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	a := joinServer(t, c, "srv-a", 7443)

	_, err := c.Servers.SetComputePower(ctx, "rhqadmin", a.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = c.Servers.SetComputePower(ctx, "rhqadmin", 99, 2)
	assert.ErrorIs(t, err, ErrNotFound)

	s, err := c.Servers.SetComputePower(ctx, "rhqadmin", a.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, s.ComputePower)

	// Unchanged power requests nothing
	_, err = c.Servers.SetComputePower(ctx, "rhqadmin", a.ID, 4)
	require.NoError(t, err)

	events := eventsOf(t, c, cluster.ServerComputePowerChange)
	require.Len(t, events, 1)
	assert.Equal(t, "srv-a: 1 --> 4", events[0].Detail)
}

func TestDeleteServers(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	a := joinServer(t, c, "srv-a", 7443)
	b := joinServer(t, c, "srv-b", 7444)
	x := joinServer(t, c, "srv-c", 7445)
	registerAgent(t, c, "agent-1", 16163)
	id := agentID(t, c, "agent-1")
	require.NoError(t, c.Agents.ConnectAgent(ctx, "agent-1", "srv-a"))

	_, err := c.Servers.Delete(ctx, "rhqadmin", []int{a.ID})
	assert.ErrorIs(t, err, ErrServerInUse)

	_, err = c.Servers.SetMode(ctx, "rhqadmin", []int{a.ID, b.ID}, cluster.ModeMaintenance)
	require.NoError(t, err)

	_, err = c.Servers.Delete(ctx, "rhqadmin", []int{a.ID, x.ID})
	assert.ErrorIs(t, err, ErrServerInUse, "one NORMAL server blocks the whole delete")
	_, err = c.Servers.Get(ctx, a.ID)
	require.NoError(t, err)

	n, err := c.Servers.Delete(ctx, "rhqadmin", []int{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = c.Servers.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	agent, err := c.Agents.GetAgentByID(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, agent.ServerID)

	// Both servers left the stored list in the same write
	list := c.Failover.Get(id)
	require.Len(t, list, 1)
	assert.Equal(t, x.ID, list[0].ServerID)
	assert.Equal(t, 0, list[0].Ordinal)

	assert.Len(t, eventsOf(t, c, cluster.ServerDeletion), 2)
}

func TestFindServers(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	a := joinServer(t, c, "srv-a", 7443)
	joinServer(t, c, "srv-b", 7444)
	joinServer(t, c, "other", 7445)
	registerAgent(t, c, "agent-1", 16163)
	require.NoError(t, c.Agents.ConnectAgent(ctx, "agent-1", "srv-a"))
	_, err := c.Servers.SetMode(ctx, "rhqadmin", []int{a.ID}, cluster.ModeMaintenance)
	require.NoError(t, err)

	page, err := c.Servers.FindServers(ctx, ServerCriteria{Name: "srv"})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "srv-a", page.Items[0].Server.Name)
	assert.Equal(t, 1, page.Items[0].AgentCount)

	page, err = c.Servers.FindServers(ctx, ServerCriteria{Modes: []cluster.OperationMode{cluster.ModeNormal}})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = c.Servers.FindServers(ctx, ServerCriteria{PageControl: PageControl{Page: 1, PageSize: 2}})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "srv-b", page.Items[0].Server.Name)
}

func TestPrimaryAgents(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	servers := []cluster.Server{joinServer(t, c, "srv-a", 7443), joinServer(t, c, "srv-b", 7444)}
	for i, name := range []string{"agent-3", "agent-1", "agent-2"} {
		res := registerAgent(t, c, name, 16163+i)
		require.NotEmpty(t, res.FailoverList.Servers)
	}

	seen := map[string]string{}
	for _, s := range servers {
		agents, err := c.Servers.PrimaryAgents(ctx, s.ID)
		require.NoError(t, err)
		assert.IsIncreasing(t, agentNames(agents), "sorted by name")
		for _, a := range agents {
			seen[a.Name] = s.Name
		}
	}
	require.Len(t, seen, 3, "every agent has exactly one primary")
	for agent, server := range seen {
		list, err := c.Agents.GetFailoverList(ctx, agent)
		require.NoError(t, err)
		assert.Equal(t, server, list.Servers[0].Name, agent)
	}

	_, err := c.Servers.PrimaryAgents(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	agents, err := c.Servers.PrimaryAgents(ctx, joinServer(t, c, "srv-c", 7445).ID)
	require.NoError(t, err)
	assert.NotNil(t, agents)
	assert.Empty(t, agents, "a new server is nobody's primary until the next repartition")
}

func agentNames(agents []cluster.Agent) []string {
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}
	return names
}
