package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperationMode(t *testing.T) {
	tests := []struct {
		input   string
		want    OperationMode
		wantErr bool
	}{
		{input: "NORMAL", want: ModeNormal},
		{input: "maintenance", want: ModeMaintenance},
		{input: " down ", want: ModeDown},
		{input: "Installed", want: ModeInstalled},
		{input: "RUNNING", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseOperationMode(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPartitionEventTypeIsCloud(t *testing.T) {
	notCloud := []PartitionEventType{AgentRegistration, AgentConnect, AgentShutdown, AffinityGroupChange}
	for _, typ := range notCloud {
		assert.False(t, typ.IsCloud(), typ)
		assert.True(t, typ.Valid(), typ)
	}

	cloud := []PartitionEventType{
		AgentLeave, AgentAffinityGroupAssign, AgentAffinityGroupRemove,
		ServerJoin, ServerDown, ServerDeletion, ServerComputePowerChange,
		ServerAffinityGroupAssign, ServerAffinityGroupRemove, OperationModeChange,
		AffinityGroupDelete, AdminInitiatedPartition, SystemInitiatedPartition,
	}
	for _, typ := range cloud {
		assert.True(t, typ.IsCloud(), typ)
	}

	assert.False(t, PartitionEventType("BOGUS").Valid())
	assert.False(t, PartitionEventType("BOGUS").IsCloud())
}

func TestParsePartitionEventType(t *testing.T) {
	got, err := ParsePartitionEventType("server_down")
	require.NoError(t, err)
	assert.Equal(t, ServerDown, got)

	_, err = ParsePartitionEventType("SERVER_EXPLODED")
	assert.Error(t, err)

	status, err := ParseExecutionStatus("requested")
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, status)

	_, err = ParseExecutionStatus("PENDING")
	assert.Error(t, err)
}

func TestFailoverList(t *testing.T) {
	empty := FailoverList{}
	_, ok := empty.Primary()
	assert.False(t, ok)
	_, ok = empty.Next("a")
	assert.False(t, ok)

	list := FailoverList{Servers: []ServerEntry{
		{ID: 1, Name: "a", Address: "10.0.0.1", Port: 7080},
		{ID: 2, Name: "b", Address: "10.0.0.2", Port: 7080},
		{ID: 3, Name: "c", Address: "10.0.0.3", Port: 7080},
	}}

	primary, ok := list.Primary()
	require.True(t, ok)
	assert.Equal(t, "a", primary.Name)
	assert.Equal(t, "10.0.0.1:7080", primary.Endpoint())

	next, _ := list.Next("a")
	assert.Equal(t, "b", next.Name)
	next, _ = list.Next("c")
	assert.Equal(t, "a", next.Name, "wraps around")
	next, _ = list.Next("unknown")
	assert.Equal(t, "a", next.Name)

	assert.Equal(t, []string{"a", "b", "c"}, list.Names())
}

func TestServerEntry(t *testing.T) {
	group := 4
	s := Server{ID: 7, Name: "srv", Address: "::1", Port: 7080, SecurePort: 7443, AffinityGroupID: &group}
	assert.Equal(t, "[::1]:7080", s.Endpoint())
	assert.Equal(t, ServerEntry{ID: 7, Name: "srv", Address: "::1", Port: 7080, SecurePort: 7443}, s.Entry())
}

func TestPartitionEventJSON(t *testing.T) {
	event := PartitionEvent{
		ID:          3,
		Type:        ServerDown,
		Detail:      "server-a",
		SubjectName: "overlord",
		Status:      StatusRequested,
		CreatedAt:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "SERVER_DOWN", fields["type"])
	assert.Equal(t, "REQUESTED", fields["status"])
	assert.Equal(t, "overlord", fields["subject_name"])
	assert.NotContains(t, fields, "details", "empty details are omitted")
}

func TestPostJSON(t *testing.T) {
	t.Run("decodes response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			var req ServerRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			_ = json.NewEncoder(w).Encode(Server{Name: req.Server, OperationMode: ModeNormal})
		}))
		defer srv.Close()

		var out Server
		err := PostJSON(context.Background(), srv.URL, ServerRequest{Server: "a"}, &out)
		require.NoError(t, err)
		assert.Equal(t, "a", out.Name)
		assert.Equal(t, ModeNormal, out.OperationMode)
	})

	t.Run("error status carries message", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "agent registration failed"})
		}))
		defer srv.Close()

		err := PostJSON(context.Background(), srv.URL, nil, nil)
		require.Error(t, err)
		assert.Equal(t, http.StatusConflict, StatusCode(err))
		assert.Contains(t, err.Error(), "agent registration failed")
	})

	t.Run("unreachable", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		err := PostJSON(ctx, "http://127.0.0.1:1", nil, nil)
		assert.Error(t, err)
		assert.Zero(t, StatusCode(err))
	})
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(FailoverList{Servers: []ServerEntry{{Name: "a"}}})
	}))
	defer srv.Close()

	var out FailoverList
	require.NoError(t, GetJSON(context.Background(), srv.URL, &out))
	assert.Equal(t, []string{"a"}, out.Names())
}

func TestClient(t *testing.T) {
	var gotPath, gotMethod, gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotMethod = r.Method
		gotUser, gotPass, _ = r.BasicAuth()
		switch r.URL.Path {
		case "/v1/cluster/agents/register":
			_ = json.NewEncoder(w).Encode(RegistrationResults{AgentToken: "tok"})
		case "/v1/admin/servers/mode":
			_ = json.NewEncoder(w).Encode(CountResponse{Count: 2})
		case "/v1/admin/servers":
			_ = json.NewEncoder(w).Encode(Page[ServerSummary]{Total: 1, Items: []ServerSummary{{AgentCount: 3}}})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	client := NewClient(srv.URL + "/")

	res, err := client.RegisterAgent(ctx, RegisterAgentRequest{Name: "a", Address: "h", Port: 1})
	require.NoError(t, err)
	assert.Equal(t, "tok", res.AgentToken)
	assert.Empty(t, gotUser, "cluster calls carry no credentials")

	admin := client.WithCredentials("rhqadmin", "secret")
	n, err := admin.SetMode(ctx, []int{1, 2}, ModeMaintenance)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "rhqadmin", gotUser)
	assert.Equal(t, "secret", gotPass)

	page, err := admin.ListServers(ctx, map[string][]string{"mode": {"NORMAL"}})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, "/v1/admin/servers?mode=NORMAL", gotPath)

	require.NoError(t, admin.DeleteAgent(ctx, "agent one"))
	assert.Equal(t, "/v1/admin/agents/agent%20one", gotPath)
	assert.Equal(t, http.MethodDelete, gotMethod)
}
