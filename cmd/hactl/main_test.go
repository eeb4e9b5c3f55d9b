package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/hacluster/internal/cluster"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
	User   string
}

// fakeAPI answers every admin call with a canned response and records the
// requests.
type fakeAPI struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responses map[string]any
	status    int
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	f := &fakeAPI{responses: map[string]any{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		user, _, _ := r.BasicAuth()
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{
			Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body), User: user,
		})
		resp, status := f.responses[r.Method+" "+r.URL.Path], f.status
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(cluster.ErrorResponse{Error: "you cannot remove yourself"})
			return
		}
		if resp == nil {
			resp = cluster.CountResponse{Count: 2}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) respond(key string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[key] = v
}

func (f *fakeAPI) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	env := map[string]string{"HACTL_URL": srv.URL, "HACTL_PASSWORD": "secret"}
	root := newRootCommand(&out, false, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestListServers(t *testing.T) {
	fake, srv := newFakeAPI(t)
	group := 3
	fake.respond("GET /v1/admin/servers", cluster.Page[cluster.ServerSummary]{
		Items: []cluster.ServerSummary{
			{Server: cluster.Server{ID: 1, Name: "srv-a", Address: "10.0.0.1", Port: 7443, OperationMode: cluster.ModeNormal, ComputePower: 2, AffinityGroupID: &group}, AgentCount: 5},
			{Server: cluster.Server{ID: 2, Name: "srv-b", Address: "10.0.0.2", Port: 7443, OperationMode: cluster.ModeMaintenance, ComputePower: 1}},
		},
		Total: 2,
	})

	out, err := execute(t, srv, "servers", "list", "--mode", "NORMAL,MAINTENANCE", "--name", "srv", "--sort", "DESC")
	require.NoError(t, err)
	for _, want := range []string{"NAME", "srv-a", "10.0.0.1:7443", "MAINTENANCE", "5"} {
		assert.Contains(t, out, want)
	}
	req := fake.last()
	assert.Equal(t, "rhqadmin", req.User)
	assert.Equal(t, "mode=NORMAL&mode=MAINTENANCE&name=srv&sort=DESC", req.Query)

	out, err = execute(t, srv, "servers", "list", "-o", "json")
	require.NoError(t, err)
	var page cluster.Page[cluster.ServerSummary]
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	assert.Equal(t, 2, page.Total)
}

func TestCommandRequests(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantMethod string
		wantPath   string
		wantBody   string
		wantOut    string
	}{
		{
			name: "set mode", args: []string{"servers", "mode", "maintenance", "1", "2"},
			wantMethod: http.MethodPut, wantPath: "/v1/admin/servers/mode",
			wantBody: `{"ids":[1,2],"mode":"MAINTENANCE"}`, wantOut: "2 server(s) now MAINTENANCE",
		},
		{
			name: "delete servers", args: []string{"servers", "delete", "4"},
			wantMethod: http.MethodDelete, wantPath: "/v1/admin/servers",
			wantBody: `{"ids":[4]}`, wantOut: "2 server(s) deleted",
		},
		{
			name: "add agents to group", args: []string{"groups", "add-agents", "1", "10", "11"},
			wantMethod: http.MethodPost, wantPath: "/v1/admin/affinity-groups/1/agents",
			wantBody: `{"ids":[10,11]}`, wantOut: "2 agents updated",
		},
		{
			name: "remove servers from group", args: []string{"groups", "remove-servers", "1", "7"},
			wantMethod: http.MethodDelete, wantPath: "/v1/admin/affinity-groups/1/servers",
			wantBody: `{"ids":[7]}`, wantOut: "2 servers updated",
		},
		{
			name: "purge events", args: []string{"events", "delete", "--all"},
			wantMethod: http.MethodDelete, wantPath: "/v1/admin/partition-events",
			wantBody: `{"ids":null,"all":true}`, wantOut: "2 event(s) deleted",
		},
		{
			name: "delete subjects", args: []string{"subjects", "delete", "5"},
			wantMethod: http.MethodDelete, wantPath: "/v1/admin/subjects",
			wantBody: `{"ids":[5]}`, wantOut: "2 user(s) deleted",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, srv := newFakeAPI(t)
			out, err := execute(t, srv, tt.args...)
			require.NoError(t, err)
			assert.Contains(t, out, tt.wantOut)

			req := fake.last()
			assert.Equal(t, tt.wantMethod, req.Method)
			assert.Equal(t, tt.wantPath, req.Path)
			assert.JSONEq(t, tt.wantBody, req.Body)
		})
	}
}

func TestCreateGroupAndRepartition(t *testing.T) {
	fake, srv := newFakeAPI(t)
	fake.respond("POST /v1/admin/affinity-groups", cluster.AffinityGroup{ID: 9, Name: "east"})
	fake.respond("POST /v1/admin/repartition", cluster.PartitionEvent{
		ID: 12, Type: cluster.AdminInitiatedPartition,
		Details: []cluster.PartitionEventDetails{{AgentName: "a", ServerName: "s"}},
	})

	out, err := execute(t, srv, "groups", "create", "east")
	require.NoError(t, err)
	assert.Contains(t, out, "affinity group east created with id 9")

	out, err = execute(t, srv, "repartition")
	require.NoError(t, err)
	assert.Contains(t, out, "repartition event 12: 1 failover list entries")
}

func TestCommandErrors(t *testing.T) {
	fake, srv := newFakeAPI(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"bad id", []string{"servers", "delete", "x"}, `invalid id "x"`},
		{"bad mode", []string{"servers", "mode", "SLEEPY", "1"}, "SLEEPY"},
		{"bad output", []string{"servers", "list", "-o", "yaml"}, "--output"},
		{"missing event ids", []string{"events", "delete"}, "--all"},
		{"missing args", []string{"groups", "create"}, "accepts 1 arg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, srv, tt.args...)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
	fake.mu.Lock()
	assert.Empty(t, fake.requests, "invalid commands never reach the coordinator")
	fake.mu.Unlock()
}

func TestServerErrorIsReported(t *testing.T) {
	fake, srv := newFakeAPI(t)
	fake.mu.Lock()
	fake.status = http.StatusForbidden
	fake.mu.Unlock()

	_, err := execute(t, srv, "subjects", "delete", "4")
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, cluster.StatusCode(err))
	assert.Contains(t, err.Error(), "you cannot remove yourself")
}

func TestServerAgentsAndHealth(t *testing.T) {
	fake, srv := newFakeAPI(t)
	server := 1
	fake.respond("GET /v1/admin/servers/1/agents", []cluster.Agent{
		{ID: 10, Name: "agent-1", Address: "10.0.1.1", Port: 16163, ServerID: &server},
	})
	fake.respond("GET /v1/admin/health", []cluster.ServerHealth{
		{Server: "srv-a", Status: cluster.HealthHealthy},
		{Server: "srv-b", Status: cluster.HealthUnhealthy, ConsecutiveFails: 3},
	})
	fake.respond("GET /v1/admin/servers/2/health", cluster.ServerHealth{Server: "srv-b", Status: cluster.HealthUnhealthy, ConsecutiveFails: 3})

	out, err := execute(t, srv, "servers", "agents", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "agent-1")
	assert.Contains(t, out, "10.0.1.1:16163")

	out, err = execute(t, srv, "servers", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "srv-a")
	assert.Contains(t, out, "unhealthy")

	out, err = execute(t, srv, "servers", "health", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "srv-b")
	assert.NotContains(t, out, "srv-a")
	assert.Equal(t, "/v1/admin/servers/2/health", fake.last().Path)
}
