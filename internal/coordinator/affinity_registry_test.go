package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/hacluster/internal/cluster"
)

func TestAffinityGroupCreateAndRename(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	east, err := c.Groups.Create(ctx, "rhqadmin", "  East ")
	require.NoError(t, err)
	assert.Equal(t, "East", east.Name)

	tests := []struct {
		name    string
		group   string
		wantErr error
	}{
		{name: "blank", group: "   ", wantErr: ErrAffinityGroup},
		{name: "duplicate ignoring case", group: "EAST", wantErr: ErrAffinityGroup},
		{name: "new", group: "West"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Groups.Create(ctx, "rhqadmin", tt.group)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}

	_, err = c.Groups.Rename(ctx, "rhqadmin", east.ID, "west")
	assert.ErrorIs(t, err, ErrAffinityGroup)
	_, err = c.Groups.Rename(ctx, "rhqadmin", 99, "North")
	assert.ErrorIs(t, err, ErrNotFound)

	renamed, err := c.Groups.Rename(ctx, "rhqadmin", east.ID, "North")
	require.NoError(t, err)
	assert.Equal(t, "North", renamed.Name)

	events := eventsOf(t, c, cluster.AffinityGroupChange)
	require.Len(t, events, 3)
	assert.Equal(t, "created East", events[0].Detail)
	assert.Equal(t, "renamed East --> North", events[2].Detail)
	assert.Equal(t, cluster.StatusAudit, events[2].Status)
}

// TestRemoveAgentsRemovesExactlySelected covers the unsubscribe rule: the
// agents that were not selected keep their membership.
func TestRemoveAgentsRemovesExactlySelected(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	joinServer(t, c, "srv-a", 7443)

	names := []string{"agent-1", "agent-2", "agent-3", "agent-4"}
	ids := make([]int, len(names))
	for i, name := range names {
		registerAgent(t, c, name, 16000+i)
		ids[i] = agentID(t, c, name)
	}
	group, err := c.Groups.Create(ctx, "rhqadmin", "east")
	require.NoError(t, err)
	other, err := c.Groups.Create(ctx, "rhqadmin", "west")
	require.NoError(t, err)

	n, err := c.Groups.AddAgents(ctx, "rhqadmin", group.ID, ids[:3])
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = c.Groups.AddAgents(ctx, "rhqadmin", other.ID, ids[3:])
	require.NoError(t, err)

	// agent-4 belongs to another group and is left alone
	n, err = c.Groups.RemoveAgents(ctx, "rhqadmin", group.ID, []int{ids[0], ids[2], ids[3], 999})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	members, err := c.Groups.Members(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, members.Agents, 1)
	assert.Equal(t, "agent-2", members.Agents[0].Name)

	a4, err := c.Agents.GetAgentByID(ctx, ids[3])
	require.NoError(t, err)
	require.NotNil(t, a4.AffinityGroupID)
	assert.Equal(t, other.ID, *a4.AffinityGroupID)

	removed := eventsOf(t, c, cluster.AgentAffinityGroupRemove)
	require.Len(t, removed, 1)
	assert.Equal(t, "east: agent-1, agent-3", removed[0].Detail)
	assert.Equal(t, cluster.StatusRequested, removed[0].Status)

	// Nothing left to remove: no change and no event
	n, err = c.Groups.RemoveAgents(ctx, "rhqadmin", group.ID, []int{ids[0]})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, eventsOf(t, c, cluster.AgentAffinityGroupRemove), 1)
}

func TestAddServersMovesBetweenGroups(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	a := joinServer(t, c, "srv-a", 7443)
	b := joinServer(t, c, "srv-b", 7444)

	east, err := c.Groups.Create(ctx, "rhqadmin", "east")
	require.NoError(t, err)
	west, err := c.Groups.Create(ctx, "rhqadmin", "west")
	require.NoError(t, err)

	n, err := c.Groups.AddServers(ctx, "rhqadmin", east.ID, []int{a.ID, b.ID, a.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.Groups.AddServers(ctx, "rhqadmin", west.ID, []int{b.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	page, err := c.Groups.Find(ctx, GroupCriteria{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "east", page.Items[0].Group.Name)
	assert.Equal(t, 1, page.Items[0].ServerCount)
	assert.Equal(t, 1, page.Items[1].ServerCount)

	candidates, err := c.Groups.ServerCandidates(ctx, east.ID)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "srv-b", candidates[0].Name)

	n, err = c.Groups.RemoveServers(ctx, "rhqadmin", east.ID, []int{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "srv-b is not in east")

	_, err = c.Groups.AddServers(ctx, "rhqadmin", 999, []int{a.ID})
	assert.ErrorIs(t, err, ErrNotFound)

	assigned := eventsOf(t, c, cluster.ServerAffinityGroupAssign)
	require.Len(t, assigned, 2)
	assert.Equal(t, "east: srv-a, srv-b", assigned[0].Detail)
}

func TestDeleteAffinityGroups(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	srv := joinServer(t, c, "srv-a", 7443)
	registerAgent(t, c, "agent-1", 16163)
	id := agentID(t, c, "agent-1")

	east, err := c.Groups.Create(ctx, "rhqadmin", "east")
	require.NoError(t, err)
	west, err := c.Groups.Create(ctx, "rhqadmin", "west")
	require.NoError(t, err)
	_, err = c.Groups.AddAgents(ctx, "rhqadmin", east.ID, []int{id})
	require.NoError(t, err)
	_, err = c.Groups.AddServers(ctx, "rhqadmin", east.ID, []int{srv.ID})
	require.NoError(t, err)

	n, err := c.Groups.Delete(ctx, "rhqadmin", east.ID, west.ID, 999)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = c.Groups.Get(ctx, east.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	agent, err := c.Agents.GetAgentByID(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, agent.AffinityGroupID)
	server, err := c.Servers.Get(ctx, srv.ID)
	require.NoError(t, err)
	assert.Nil(t, server.AffinityGroupID)

	deleted := eventsOf(t, c, cluster.AffinityGroupDelete)
	require.Len(t, deleted, 2)
	assert.Equal(t, cluster.StatusRequested, deleted[0].Status)
}

func TestAgentCandidates(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	joinServer(t, c, "srv-a", 7443)
	registerAgent(t, c, "agent-2", 16002)
	registerAgent(t, c, "agent-1", 16001)

	group, err := c.Groups.Create(ctx, "rhqadmin", "east")
	require.NoError(t, err)
	_, err = c.Groups.AddAgents(ctx, "rhqadmin", group.ID, []int{agentID(t, c, "agent-2")})
	require.NoError(t, err)

	candidates, err := c.Groups.AgentCandidates(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "agent-1", candidates[0].Name)

	_, err = c.Groups.AgentCandidates(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}
