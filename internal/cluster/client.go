package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// StatusError is returned when the remote side answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %s: %d: %s", e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
}

// StatusCode extracts the HTTP status of err, or 0 if err is not a StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// PostJSON posts body as JSON to url and decodes the response into out.
// A nil out discards the response body.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, httpClient, http.MethodPost, url, body, out, nil)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, httpClient, http.MethodGet, url, nil, out, nil)
}

func doJSON(ctx context.Context, client *http.Client, method, url string, body any, out any, decorate func(*http.Request)) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if decorate != nil {
		decorate(req)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{URL: url, StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Client talks to the coordinator API. Admin calls need credentials.
type Client struct {
	HTTP     *http.Client
	BaseURL  string
	Username string
	Password string
}

// NewClient creates a client for the coordinator at baseURL,
// e.g. "http://localhost:7080".
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    httpClient,
	}
}

// WithCredentials returns a copy of c that authenticates as user.
func (c *Client) WithCredentials(user, password string) *Client {
	cp := *c
	cp.Username = user
	cp.Password = password
	return &cp
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return doJSON(ctx, c.HTTP, method, c.BaseURL+path, body, out, func(r *http.Request) {
		if c.Username != "" {
			r.SetBasicAuth(c.Username, c.Password)
		}
	})
}

// Cluster-internal calls

// RegisterAgent registers an agent and returns its token and failover list.
func (c *Client) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (RegistrationResults, error) {
	var out RegistrationResults
	err := c.do(ctx, http.MethodPost, "/v1/cluster/agents/register", req, &out)
	return out, err
}

// ConnectAgent records that agent is now talking to server.
func (c *Client) ConnectAgent(ctx context.Context, agent, server string) error {
	return c.do(ctx, http.MethodPost, "/v1/cluster/agents/connect", ConnectAgentRequest{Agent: agent, Server: server}, nil)
}

// AgentShutdown tells the coordinator the agent is going away.
func (c *Client) AgentShutdown(ctx context.Context, agent string) error {
	return c.do(ctx, http.MethodPost, "/v1/cluster/agents/shutdown", AgentRequest{Agent: agent}, nil)
}

// Ping refreshes the agent's availability timestamp.
func (c *Client) Ping(ctx context.Context, agent string) error {
	return c.do(ctx, http.MethodPost, "/v1/cluster/agents/ping", AgentRequest{Agent: agent}, nil)
}

// FailoverList fetches the current failover list of agent.
func (c *Client) FailoverList(ctx context.Context, agent string) (FailoverList, error) {
	var out FailoverList
	err := c.do(ctx, http.MethodGet, "/v1/cluster/agents/"+url.PathEscape(agent)+"/failover", nil, &out)
	return out, err
}

// Join announces a server.
func (c *Client) Join(ctx context.Context, req JoinRequest) (Server, error) {
	var out Server
	err := c.do(ctx, http.MethodPost, "/v1/cluster/servers/join", req, &out)
	return out, err
}

// Heartbeat reports that a server is alive.
func (c *Client) Heartbeat(ctx context.Context, server string) error {
	return c.do(ctx, http.MethodPost, "/v1/cluster/servers/heartbeat", ServerRequest{Server: server}, nil)
}

// Leave reports that a server is shutting down.
func (c *Client) Leave(ctx context.Context, server string) error {
	return c.do(ctx, http.MethodPost, "/v1/cluster/servers/leave", ServerRequest{Server: server}, nil)
}

// Admin calls

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// ListServers returns a page of servers matching the query parameters
// (name, strict, mode, sort, page, page_size).
func (c *Client) ListServers(ctx context.Context, q url.Values) (Page[ServerSummary], error) {
	var out Page[ServerSummary]
	err := c.do(ctx, http.MethodGet, withQuery("/v1/admin/servers", q), nil, &out)
	return out, err
}

// SetMode changes the operation mode of the given servers.
func (c *Client) SetMode(ctx context.Context, ids []int, mode OperationMode) (int, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodPut, "/v1/admin/servers/mode", SetModeRequest{IDs: ids, Mode: mode}, &out)
	return out.Count, err
}

// SetComputePower changes the compute power of one server.
func (c *Client) SetComputePower(ctx context.Context, id, power int) (Server, error) {
	var out Server
	path := "/v1/admin/servers/" + strconv.Itoa(id) + "/compute-power"
	err := c.do(ctx, http.MethodPut, path, ComputePowerRequest{ComputePower: power}, &out)
	return out, err
}

// DeleteServers removes servers that are not in NORMAL mode.
func (c *Client) DeleteServers(ctx context.Context, ids []int) (int, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodDelete, "/v1/admin/servers", IDsRequest{IDs: ids}, &out)
	return out.Count, err
}

// ServerAgents returns the agents whose failover list starts with server id.
func (c *Client) ServerAgents(ctx context.Context, id int) ([]Agent, error) {
	var out []Agent
	err := c.do(ctx, http.MethodGet, "/v1/admin/servers/"+strconv.Itoa(id)+"/agents", nil, &out)
	return out, err
}

// ServerHealth returns the check history of one server.
func (c *Client) ServerHealth(ctx context.Context, id int) (ServerHealth, error) {
	var out ServerHealth
	err := c.do(ctx, http.MethodGet, "/v1/admin/servers/"+strconv.Itoa(id)+"/health", nil, &out)
	return out, err
}

// HealthReport returns the check history of every checked server, by name.
func (c *Client) HealthReport(ctx context.Context) ([]ServerHealth, error) {
	var out []ServerHealth
	err := c.do(ctx, http.MethodGet, "/v1/admin/health", nil, &out)
	return out, err
}

// ListAgents returns a page of agents matching the query parameters.
func (c *Client) ListAgents(ctx context.Context, q url.Values) (Page[Agent], error) {
	var out Page[Agent]
	err := c.do(ctx, http.MethodGet, withQuery("/v1/admin/agents", q), nil, &out)
	return out, err
}

// DeleteAgent removes an agent.
func (c *Client) DeleteAgent(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/admin/agents/"+url.PathEscape(name), nil, nil)
}

// ListAffinityGroups returns a page of group summaries.
func (c *Client) ListAffinityGroups(ctx context.Context, q url.Values) (Page[AffinityGroupSummary], error) {
	var out Page[AffinityGroupSummary]
	err := c.do(ctx, http.MethodGet, withQuery("/v1/admin/affinity-groups", q), nil, &out)
	return out, err
}

// CreateAffinityGroup creates a group.
func (c *Client) CreateAffinityGroup(ctx context.Context, name string) (AffinityGroup, error) {
	var out AffinityGroup
	err := c.do(ctx, http.MethodPost, "/v1/admin/affinity-groups", AffinityGroupRequest{Name: name}, &out)
	return out, err
}

// RenameAffinityGroup changes the name of a group.
func (c *Client) RenameAffinityGroup(ctx context.Context, id int, name string) (AffinityGroup, error) {
	var out AffinityGroup
	err := c.do(ctx, http.MethodPut, "/v1/admin/affinity-groups/"+strconv.Itoa(id), AffinityGroupRequest{Name: name}, &out)
	return out, err
}

// DeleteAffinityGroups deletes groups; their members become group-less.
func (c *Client) DeleteAffinityGroups(ctx context.Context, ids []int) (int, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodDelete, "/v1/admin/affinity-groups", IDsRequest{IDs: ids}, &out)
	return out.Count, err
}

// UpdateAffinityGroupMembers adds (add=true) or removes agents or servers
// (kind "agents" or "servers") of a group.
func (c *Client) UpdateAffinityGroupMembers(ctx context.Context, groupID int, kind string, ids []int, add bool) (int, error) {
	method := http.MethodDelete
	if add {
		method = http.MethodPost
	}
	var out CountResponse
	path := "/v1/admin/affinity-groups/" + strconv.Itoa(groupID) + "/" + kind
	err := c.do(ctx, method, path, IDsRequest{IDs: ids}, &out)
	return out.Count, err
}

// ListPartitionEvents returns a page of events matching the query parameters
// (type, status, detail, sort, page, page_size).
func (c *Client) ListPartitionEvents(ctx context.Context, q url.Values) (Page[PartitionEvent], error) {
	var out Page[PartitionEvent]
	err := c.do(ctx, http.MethodGet, withQuery("/v1/admin/partition-events", q), nil, &out)
	return out, err
}

// DeletePartitionEvents removes events from the audit history.
func (c *Client) DeletePartitionEvents(ctx context.Context, req EventIDsRequest) (int, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodDelete, "/v1/admin/partition-events", req, &out)
	return out.Count, err
}

// Repartition forces an immediate repartition of every agent.
func (c *Client) Repartition(ctx context.Context) (PartitionEvent, error) {
	var out PartitionEvent
	err := c.do(ctx, http.MethodPost, "/v1/admin/repartition", nil, &out)
	return out, err
}

// CreateSubject creates a user.
func (c *Client) CreateSubject(ctx context.Context, req CreateSubjectRequest) (SubjectInfo, error) {
	var out SubjectInfo
	err := c.do(ctx, http.MethodPost, "/v1/admin/subjects", req, &out)
	return out, err
}

// DeleteSubjects removes users.
func (c *Client) DeleteSubjects(ctx context.Context, ids []int) (int, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodDelete, "/v1/admin/subjects", IDsRequest{IDs: ids}, &out)
	return out.Count, err
}

// ChangePassword sets the password of a local user.
func (c *Client) ChangePassword(ctx context.Context, name, password string) error {
	path := "/v1/admin/subjects/" + url.PathEscape(name) + "/password"
	return c.do(ctx, http.MethodPut, path, PasswordRequest{Password: password}, nil)
}

// ListSubjects returns every user.
func (c *Client) ListSubjects(ctx context.Context) ([]SubjectInfo, error) {
	var out []SubjectInfo
	err := c.do(ctx, http.MethodGet, "/v1/admin/subjects", nil, &out)
	return out, err
}
