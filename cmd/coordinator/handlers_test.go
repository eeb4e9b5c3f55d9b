package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/dreamware/hacluster/internal/auth"
	"github.com/dreamware/hacluster/internal/cluster"
	"github.com/dreamware/hacluster/internal/coordinator"
	"github.com/dreamware/hacluster/internal/storage"
)

const adminPassword = "rhqadmin"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	api    *api
	server *httptest.Server
	// anon calls the cluster endpoints, admin authenticates as rhqadmin.
	anon  *cluster.Client
	admin *cluster.Client
}

func newTestEnv(t *testing.T, limiter *rate.Limiter) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()

	coord, err := coordinator.New(coordinator.Options{
		Store:               store,
		Logger:              logger,
		Registerer:          reg,
		RepartitionInterval: time.Hour,
		HealthInterval:      time.Hour,
	})
	require.NoError(t, err)
	subjects, err := auth.NewSubjects(store, adminPassword, logger)
	require.NoError(t, err)

	a := newAPI(coord, subjects, limiter, reg, logger)
	srv := httptest.NewServer(a.router())
	t.Cleanup(srv.Close)

	anon := cluster.NewClient(srv.URL)
	return &testEnv{
		api:    a,
		server: srv,
		anon:   anon,
		admin:  anon.WithCredentials(auth.AdminName, adminPassword),
	}
}

func (e *testEnv) join(t *testing.T, name string, port int) cluster.Server {
	t.Helper()
	s, err := e.anon.Join(context.Background(), cluster.JoinRequest{Name: name, Address: "10.0.0.1", Port: port})
	require.NoError(t, err)
	return s
}

func (e *testEnv) register(t *testing.T, name string, port int) cluster.RegistrationResults {
	t.Helper()
	res, err := e.anon.RegisterAgent(context.Background(), cluster.RegisterAgentRequest{Name: name, Address: "10.0.1.1", Port: port})
	require.NoError(t, err)
	return res
}

// doRaw sends a request with an arbitrary body and returns status and body.
func (e *testEnv) doRaw(t *testing.T, method, path, body string, authenticate bool) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authenticate {
		req.SetBasicAuth(auth.AdminName, adminPassword)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestClusterEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	a := env.join(t, "srv-a", 7443)
	assert.Equal(t, cluster.ModeNormal, a.OperationMode)
	env.join(t, "srv-b", 7444)

	res := env.register(t, "agent-1", 16163)
	assert.NotEmpty(t, res.AgentToken)
	assert.Len(t, res.FailoverList.Servers, 2)

	require.NoError(t, env.anon.ConnectAgent(ctx, "agent-1", "srv-a"))
	require.NoError(t, env.anon.Ping(ctx, "agent-1"))

	list, err := env.anon.FailoverList(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, res.FailoverList.Names(), list.Names())

	require.NoError(t, env.anon.Heartbeat(ctx, "srv-a"))
	require.NoError(t, env.anon.Leave(ctx, "srv-b"))

	page, err := env.admin.ListServers(ctx, url.Values{"mode": {"DOWN"}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "srv-b", page.Items[0].Server.Name)

	require.NoError(t, env.anon.AgentShutdown(ctx, "agent-1"))

	err = env.anon.Heartbeat(ctx, "ghost")
	assert.Equal(t, http.StatusNotFound, cluster.StatusCode(err))
	_, err = env.anon.FailoverList(ctx, "ghost")
	assert.Equal(t, http.StatusNotFound, cluster.StatusCode(err))
}

func TestRegisterAgentErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.join(t, "srv-a", 7443)
	env.register(t, "agent-1", 16163)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "malformed json", body: `{"name":`, wantStatus: http.StatusBadRequest},
		{name: "missing port", body: `{"name":"agent-2","address":"10.0.1.2"}`, wantStatus: http.StatusBadRequest},
		{name: "port out of range", body: `{"name":"agent-2","address":"10.0.1.2","port":70000}`, wantStatus: http.StatusBadRequest},
		{name: "re-register without token", body: `{"name":"agent-1","address":"10.0.1.1","port":16163}`, wantStatus: http.StatusConflict},
		{name: "new agent", body: `{"name":"agent-2","address":"10.0.1.2","port":16163}`, wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.doRaw(t, http.MethodPost, "/v1/cluster/agents/register", tt.body, false)
			assert.Equal(t, tt.wantStatus, status, body)
			if status >= 400 {
				assert.Contains(t, body, `"error"`)
			}
		})
	}
}

func TestAdminRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	status, _ := env.doRaw(t, http.MethodGet, "/v1/admin/servers", "", false)
	assert.Equal(t, http.StatusUnauthorized, status)

	_, err := env.anon.WithCredentials(auth.AdminName, "wrong-password").ListServers(ctx, nil)
	assert.Equal(t, http.StatusUnauthorized, cluster.StatusCode(err))

	_, err = env.anon.WithCredentials(auth.OverlordName, "").ListServers(ctx, nil)
	assert.Equal(t, http.StatusUnauthorized, cluster.StatusCode(err))

	_, err = env.admin.ListServers(ctx, nil)
	assert.NoError(t, err)
}

func TestAdminServers(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := env.join(t, "srv-a", 7443)
	b := env.join(t, "srv-b", 7444)

	page, err := env.admin.ListServers(ctx, url.Values{"sort": {"DESC"}})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	assert.Equal(t, "srv-b", page.Items[0].Server.Name)

	n, err := env.admin.SetMode(ctx, []int{b.ID}, cluster.ModeMaintenance)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	server, err := env.admin.SetComputePower(ctx, a.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, server.ComputePower)

	_, err = env.admin.DeleteServers(ctx, []int{a.ID})
	assert.Equal(t, http.StatusConflict, cluster.StatusCode(err), "NORMAL servers cannot be deleted")

	n, err = env.admin.DeleteServers(ctx, []int{b.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tests := []struct {
		name, method, path, body string
		wantStatus               int
	}{
		{"unknown server", http.MethodGet, "/v1/admin/servers/99", "", http.StatusNotFound},
		{"invalid id", http.MethodGet, "/v1/admin/servers/abc", "", http.StatusBadRequest},
		{"get server", http.MethodGet, fmt.Sprintf("/v1/admin/servers/%d", a.ID), "", http.StatusOK},
		{"mode DOWN is reserved", http.MethodPut, "/v1/admin/servers/mode", fmt.Sprintf(`{"ids":[%d],"mode":"DOWN"}`, a.ID), http.StatusBadRequest},
		{"unknown mode", http.MethodPut, "/v1/admin/servers/mode", fmt.Sprintf(`{"ids":[%d],"mode":"SLEEPY"}`, a.ID), http.StatusBadRequest},
		{"zero compute power", http.MethodPut, fmt.Sprintf("/v1/admin/servers/%d/compute-power", a.ID), `{"compute_power":0}`, http.StatusBadRequest},
		{"bad mode filter", http.MethodGet, "/v1/admin/servers?mode=SLEEPY", "", http.StatusBadRequest},
		{"bad sort", http.MethodGet, "/v1/admin/servers?sort=up", "", http.StatusBadRequest},
		{"bad page", http.MethodGet, "/v1/admin/servers?page=x", "", http.StatusBadRequest},
		{"page far past the end", http.MethodGet, "/v1/admin/servers?page=4611686018427387904", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.doRaw(t, tt.method, tt.path, tt.body, true)
			assert.Equal(t, tt.wantStatus, status, body)
		})
	}
}

func TestAdminServerAgentsAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := env.join(t, "srv-a", 7443)
	env.register(t, "agent-1", 16163)
	env.register(t, "agent-2", 16164)

	agents, err := env.admin.ServerAgents(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, agents, 2, "the only server is everybody's primary")
	assert.Equal(t, "agent-1", agents[0].Name)

	_, err = env.admin.ServerAgents(ctx, 99)
	assert.Equal(t, http.StatusNotFound, cluster.StatusCode(err))

	health, err := env.admin.ServerHealth(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.ServerHealth{Server: "srv-a", Status: cluster.HealthUnknown}, health)

	report, err := env.admin.HealthReport(ctx)
	require.NoError(t, err)
	assert.Empty(t, report)

	monitor := env.api.coord.Health
	monitor.SetCheckFunction(func(string) error { return errors.New("connection refused") })
	monitor.CheckAll(ctx, env.api.coord.Servers.Servers())

	health, err = env.admin.ServerHealth(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, health.ConsecutiveFails)
	assert.False(t, health.LastCheck.IsZero())

	report, err = env.admin.HealthReport(ctx)
	require.NoError(t, err)
	require.Len(t, report, 1)
	assert.Equal(t, "srv-a", report[0].Server)

	_, err = env.admin.ServerHealth(ctx, 99)
	assert.Equal(t, http.StatusNotFound, cluster.StatusCode(err))
}

func TestAdminAgents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.join(t, "srv-a", 7443)
	env.register(t, "web-1", 16163)
	env.register(t, "db-1", 16164)

	page, err := env.admin.ListAgents(ctx, url.Values{"name": {"WEB"}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "web-1", page.Items[0].Name)

	status, body := env.doRaw(t, http.MethodGet, "/v1/admin/agents/db-1", "", true)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"failover_list"`)
	assert.Contains(t, body, "srv-a")

	require.NoError(t, env.admin.DeleteAgent(ctx, "db-1"))
	err = env.admin.DeleteAgent(ctx, "db-1")
	assert.Equal(t, http.StatusNotFound, cluster.StatusCode(err))

	status, _ = env.doRaw(t, http.MethodGet, "/v1/admin/agents?server_id=x", "", true)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAdminAffinityGroups(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	srv := env.join(t, "srv-a", 7443)
	env.register(t, "agent-1", 16163)
	env.register(t, "agent-2", 16164)
	env.register(t, "agent-3", 16165)

	agents, err := env.admin.ListAgents(ctx, url.Values{"sort": {"ASC"}})
	require.NoError(t, err)
	require.Len(t, agents.Items, 3)
	ids := []int{agents.Items[0].ID, agents.Items[1].ID, agents.Items[2].ID}

	group, err := env.admin.CreateAffinityGroup(ctx, "east")
	require.NoError(t, err)
	_, err = env.admin.CreateAffinityGroup(ctx, "EAST")
	assert.Equal(t, http.StatusConflict, cluster.StatusCode(err))

	n, err := env.admin.UpdateAffinityGroupMembers(ctx, group.ID, "agents", ids, true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = env.admin.UpdateAffinityGroupMembers(ctx, group.ID, "servers", []int{srv.ID}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = env.admin.UpdateAffinityGroupMembers(ctx, group.ID, "agents", []int{ids[0], ids[2]}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	status, body := env.doRaw(t, http.MethodGet, fmt.Sprintf("/v1/admin/affinity-groups/%d", group.ID), "", true)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "agent-2")
	assert.NotContains(t, body, "agent-1")

	status, body = env.doRaw(t, http.MethodGet, fmt.Sprintf("/v1/admin/affinity-groups/%d/candidates", group.ID), "", true)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "agent-1")
	assert.Contains(t, body, "agent-3")

	status, _ = env.doRaw(t, http.MethodPut, fmt.Sprintf("/v1/admin/affinity-groups/%d", group.ID), `{"name":"west"}`, true)
	assert.Equal(t, http.StatusOK, status)

	summaries, err := env.admin.ListAffinityGroups(ctx, nil)
	require.NoError(t, err)
	require.Len(t, summaries.Items, 1)
	assert.Equal(t, "west", summaries.Items[0].Group.Name)
	assert.Equal(t, 1, summaries.Items[0].AgentCount)
	assert.Equal(t, 1, summaries.Items[0].ServerCount)

	n, err = env.admin.DeleteAffinityGroups(ctx, []int{group.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, _ = env.doRaw(t, http.MethodGet, fmt.Sprintf("/v1/admin/affinity-groups/%d", group.ID), "", true)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAdminPartitionEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.join(t, "srv-a", 7443)
	env.register(t, "agent-1", 16163)

	event, err := env.admin.Repartition(ctx)
	require.NoError(t, err)
	assert.Equal(t, cluster.AdminInitiatedPartition, event.Type)
	assert.Equal(t, auth.AdminName, event.SubjectName)

	joins, err := env.admin.ListPartitionEvents(ctx, url.Values{"type": {string(cluster.ServerJoin)}})
	require.NoError(t, err)
	require.Len(t, joins.Items, 1)

	status, body := env.doRaw(t, http.MethodGet, fmt.Sprintf("/v1/admin/partition-events/%d", event.ID), "", true)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, string(cluster.AdminInitiatedPartition))

	n, err := env.admin.DeletePartitionEvents(ctx, cluster.EventIDsRequest{IDs: []int64{joins.Items[0].ID}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = env.admin.DeletePartitionEvents(ctx, cluster.EventIDsRequest{All: true})
	require.NoError(t, err)
	assert.Positive(t, n)

	tests := []struct {
		name, path string
		wantStatus int
	}{
		{"unknown event", "/v1/admin/partition-events/999", http.StatusNotFound},
		{"invalid event id", "/v1/admin/partition-events/-1", http.StatusBadRequest},
		{"bad type filter", "/v1/admin/partition-events?type=NOPE", http.StatusBadRequest},
		{"bad status filter", "/v1/admin/partition-events?status=NOPE", http.StatusBadRequest},
		{"bad since", "/v1/admin/partition-events?since=yesterday", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := env.doRaw(t, http.MethodGet, tt.path, "", true)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestAdminSubjects(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	alice, err := env.admin.CreateSubject(ctx, cluster.CreateSubjectRequest{Name: "alice", Password: "secret1"})
	require.NoError(t, err)
	carol, err := env.admin.CreateSubject(ctx, cluster.CreateSubjectRequest{Name: "carol", LDAP: true})
	require.NoError(t, err)
	assert.True(t, carol.LDAP)

	_, err = env.admin.CreateSubject(ctx, cluster.CreateSubjectRequest{Name: "bob", Password: "abc"})
	assert.Equal(t, http.StatusBadRequest, cluster.StatusCode(err))
	_, err = env.admin.CreateSubject(ctx, cluster.CreateSubjectRequest{Name: "alice", Password: "secret1"})
	assert.Equal(t, http.StatusConflict, cluster.StatusCode(err))

	aliceClient := env.anon.WithCredentials("alice", "secret1")
	_, err = aliceClient.ListServers(ctx, nil)
	require.NoError(t, err)

	_, err = aliceClient.DeleteSubjects(ctx, []int{auth.OverlordID})
	assert.Equal(t, http.StatusForbidden, cluster.StatusCode(err))
	_, err = aliceClient.DeleteSubjects(ctx, []int{auth.AdminID})
	assert.Equal(t, http.StatusForbidden, cluster.StatusCode(err))
	_, err = aliceClient.DeleteSubjects(ctx, []int{alice.ID})
	assert.Equal(t, http.StatusForbidden, cluster.StatusCode(err), "subjects cannot delete themselves")

	err = env.admin.ChangePassword(ctx, "carol", "secret2")
	assert.Equal(t, http.StatusForbidden, cluster.StatusCode(err), "LDAP passwords are not managed here")

	require.NoError(t, env.admin.ChangePassword(ctx, "alice", "secret2"))
	_, err = aliceClient.ListServers(ctx, nil)
	assert.Equal(t, http.StatusUnauthorized, cluster.StatusCode(err))

	n, err := env.admin.DeleteSubjects(ctx, []int{alice.ID, carol.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	status, body := env.doRaw(t, http.MethodGet, "/v1/admin/subjects", "", true)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, auth.OverlordName)
	assert.NotContains(t, body, "alice")
	assert.NotContains(t, body, "password_hash")
}

func TestClusterRateLimit(t *testing.T) {
	env := newTestEnv(t, rate.NewLimiter(rate.Every(time.Hour), 1))
	ctx := context.Background()

	env.join(t, "srv-a", 7443)
	_, err := env.anon.Join(ctx, cluster.JoinRequest{Name: "srv-b", Address: "10.0.0.2", Port: 7443})
	assert.Equal(t, http.StatusTooManyRequests, cluster.StatusCode(err))

	// Admin endpoints are not limited
	_, err = env.admin.ListServers(ctx, nil)
	assert.NoError(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	env.join(t, "srv-a", 7443)

	status, body := env.doRaw(t, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"ok"`)

	status, body = env.doRaw(t, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "hacluster_partition_events_total")
	assert.Contains(t, body, `hacluster_servers{mode="NORMAL"} 1`)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/admin/partition-events/stream?type=SERVER_JOIN"
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth.AdminName+":"+adminPassword)))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer ws.Close()

	// The subscription is registered before the handler starts writing;
	// keep joining until the first event arrives.
	received := make(chan cluster.PartitionEvent, 1)
	go func() {
		var e cluster.PartitionEvent
		if err := ws.ReadJSON(&e); err == nil {
			received <- e
		}
	}()

	deadline := time.After(3 * time.Second)
	for i := 0; ; i++ {
		env.join(t, fmt.Sprintf("srv-%d", i), 7443+i)
		select {
		case e := <-received:
			assert.Equal(t, cluster.ServerJoin, e.Type)
			assert.Equal(t, cluster.StatusRequested, e.Status)
			return
		case <-deadline:
			t.Fatal("no event received")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestEventStreamClosedOnShutdown(t *testing.T) {
	env := newTestEnv(t, nil)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/admin/partition-events/stream"
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth.AdminName+":"+adminPassword)))
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer ws.Close()

	env.api.closeStreams()
	env.api.closeStreams()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("agent x: %w", coordinator.ErrNotFound), http.StatusNotFound},
		{auth.ErrNotFound, http.StatusNotFound},
		{coordinator.ErrInvalidArgument, http.StatusBadRequest},
		{coordinator.ErrInvalidModeTransition, http.StatusBadRequest},
		{auth.ErrInvalidPassword, http.StatusBadRequest},
		{coordinator.ErrAgentRegistration, http.StatusConflict},
		{coordinator.ErrAffinityGroup, http.StatusConflict},
		{coordinator.ErrServerInUse, http.StatusConflict},
		{auth.ErrDuplicateSubject, http.StatusConflict},
		{auth.ErrProtectedSubject, http.StatusForbidden},
		{auth.ErrLDAPManaged, http.StatusForbidden},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}

func TestQueryList(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/?type=A,B&type=C&type=", bytes.NewReader(nil))
	assert.Equal(t, []string{"A", "B", "C"}, queryList(c, "type"))
	assert.Empty(t, queryList(c, "missing"))
}
