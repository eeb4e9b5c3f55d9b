package cluster

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// OperationMode is the lifecycle state of a server.
// Only NORMAL servers accept agents and appear in failover lists.
type OperationMode string

const (
	// ModeInstalled is a server that is known but has never joined.
	ModeInstalled OperationMode = "INSTALLED"
	// ModeNormal is a running server that serves agents.
	ModeNormal OperationMode = "NORMAL"
	// ModeMaintenance is a running server withheld from agents by an administrator.
	ModeMaintenance OperationMode = "MAINTENANCE"
	// ModeDown is a server that stopped or stopped answering health checks.
	ModeDown OperationMode = "DOWN"
)

// OperationModes lists every mode in lifecycle order.
var OperationModes = []OperationMode{ModeInstalled, ModeNormal, ModeMaintenance, ModeDown}

// ParseOperationMode parses a mode name, ignoring case.
func ParseOperationMode(s string) (OperationMode, error) {
	mode := OperationMode(strings.ToUpper(strings.TrimSpace(s)))
	for _, m := range OperationModes {
		if m == mode {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown operation mode %q", s)
}

// Server is a management server in the cluster.
type Server struct {
	ID              int           `json:"id"`
	Name            string        `json:"name"`
	Address         string        `json:"address"`
	Port            int           `json:"port"`
	SecurePort      int           `json:"secure_port"`
	OperationMode   OperationMode `json:"operation_mode"`
	ComputePower    int           `json:"compute_power"`
	AffinityGroupID *int          `json:"affinity_group_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	ModifiedAt      time.Time     `json:"modified_at"`
	LastHeartbeat   time.Time     `json:"last_heartbeat"`
}

// Endpoint returns the host:port agents and health checks use.
func (s Server) Endpoint() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// Entry returns the agent-facing view of the server.
func (s Server) Entry() ServerEntry {
	return ServerEntry{
		ID:         s.ID,
		Name:       s.Name,
		Address:    s.Address,
		Port:       s.Port,
		SecurePort: s.SecurePort,
	}
}

// Agent is a monitoring agent reporting to one server at a time.
type Agent struct {
	ID                   int        `json:"id"`
	Name                 string     `json:"name"`
	Address              string     `json:"address"`
	Port                 int        `json:"port"`
	RemoteEndpoint       string     `json:"remote_endpoint"`
	Token                string     `json:"token,omitempty"`
	ServerID             *int       `json:"server_id,omitempty"`
	AffinityGroupID      *int       `json:"affinity_group_id,omitempty"`
	Version              string     `json:"version,omitempty"`
	LastAvailabilityPing *time.Time `json:"last_availability_ping,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	ModifiedAt           time.Time  `json:"modified_at"`
}

// AffinityGroup is a named set of servers and agents that prefer each other.
// Membership is recorded on the members.
type AffinityGroup struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ServerSummary is a server together with the number of agents connected to it.
type ServerSummary struct {
	Server     Server `json:"server"`
	AgentCount int    `json:"agent_count"`
}

// Health states reported by the coordinator's server health checks.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ServerHealth is the check history of a single server.
type ServerHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	Server           string    `json:"server"`
	Status           string    `json:"status"` // HealthUnknown, HealthHealthy or HealthUnhealthy
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// AffinityGroupSummary is a group together with its member counts.
type AffinityGroupSummary struct {
	Group       AffinityGroup `json:"group"`
	AgentCount  int           `json:"agent_count"`
	ServerCount int           `json:"server_count"`
}

// AffinityGroupMembers lists the members of one group.
type AffinityGroupMembers struct {
	Group   AffinityGroup `json:"group"`
	Agents  []Agent       `json:"agents"`
	Servers []Server      `json:"servers"`
}

// ServerEntry is one server in an agent's failover list.
type ServerEntry struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Address    string `json:"address"`
	Port       int    `json:"port"`
	SecurePort int    `json:"secure_port"`
}

// Endpoint returns host:port of the entry.
func (e ServerEntry) Endpoint() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// FailoverList is the ordered list of servers an agent connects to.
// The first entry is the primary server.
type FailoverList struct {
	Servers []ServerEntry `json:"servers"`
}

// Primary returns the first server of the list.
func (l FailoverList) Primary() (ServerEntry, bool) {
	if len(l.Servers) == 0 {
		return ServerEntry{}, false
	}
	return l.Servers[0], true
}

// Next returns the server after the named one, wrapping around at the end.
// An unknown name yields the primary.
func (l FailoverList) Next(name string) (ServerEntry, bool) {
	if len(l.Servers) == 0 {
		return ServerEntry{}, false
	}
	for i, s := range l.Servers {
		if s.Name == name {
			return l.Servers[(i+1)%len(l.Servers)], true
		}
	}
	return l.Servers[0], true
}

// Names returns the server names in order.
func (l FailoverList) Names() []string {
	names := make([]string, len(l.Servers))
	for i, s := range l.Servers {
		names[i] = s.Name
	}
	return names
}

// FailoverListDetails is one ordinal of an agent's stored failover list.
// Ordinal 0 is the primary server.
type FailoverListDetails struct {
	AgentID      int `json:"agent_id"`
	ServerID     int `json:"server_id"`
	Ordinal      int `json:"ordinal"`
	AssignedLoad int `json:"assigned_load"`
}

// PartitionEventType names what caused a partition event.
type PartitionEventType string

const (
	AgentRegistration         PartitionEventType = "AGENT_REGISTRATION"
	AgentConnect              PartitionEventType = "AGENT_CONNECT"
	AgentShutdown             PartitionEventType = "AGENT_SHUTDOWN"
	AgentLeave                PartitionEventType = "AGENT_LEAVE"
	AgentAffinityGroupAssign  PartitionEventType = "AGENT_AFFINITY_GROUP_ASSIGN"
	AgentAffinityGroupRemove  PartitionEventType = "AGENT_AFFINITY_GROUP_REMOVE"
	ServerJoin                PartitionEventType = "SERVER_JOIN"
	ServerDown                PartitionEventType = "SERVER_DOWN"
	ServerDeletion            PartitionEventType = "SERVER_DELETION"
	ServerComputePowerChange  PartitionEventType = "SERVER_COMPUTE_POWER_CHANGE"
	ServerAffinityGroupAssign PartitionEventType = "SERVER_AFFINITY_GROUP_ASSIGN"
	ServerAffinityGroupRemove PartitionEventType = "SERVER_AFFINITY_GROUP_REMOVE"
	OperationModeChange       PartitionEventType = "OPERATION_MODE_CHANGE"
	AffinityGroupChange       PartitionEventType = "AFFINITY_GROUP_CHANGE"
	AffinityGroupDelete       PartitionEventType = "AFFINITY_GROUP_DELETE"
	AdminInitiatedPartition   PartitionEventType = "ADMIN_INITIATED_PARTITION"
	SystemInitiatedPartition  PartitionEventType = "SYSTEM_INITIATED_PARTITION"
)

// cloudEvents require a repartition of every agent.
var cloudEvents = map[PartitionEventType]bool{
	AgentRegistration:         false,
	AgentConnect:              false,
	AgentShutdown:             false,
	AgentLeave:                true,
	AgentAffinityGroupAssign:  true,
	AgentAffinityGroupRemove:  true,
	ServerJoin:                true,
	ServerDown:                true,
	ServerDeletion:            true,
	ServerComputePowerChange:  true,
	ServerAffinityGroupAssign: true,
	ServerAffinityGroupRemove: true,
	OperationModeChange:       true,
	AffinityGroupChange:       false,
	AffinityGroupDelete:       true,
	AdminInitiatedPartition:   true,
	SystemInitiatedPartition:  true,
}

// IsCloud reports whether the event type affects the whole cluster
// rather than a single agent.
func (t PartitionEventType) IsCloud() bool {
	return cloudEvents[t]
}

// Valid reports whether t is a known type.
func (t PartitionEventType) Valid() bool {
	_, ok := cloudEvents[t]
	return ok
}

// ParsePartitionEventType parses a type name, ignoring case.
func ParsePartitionEventType(s string) (PartitionEventType, error) {
	t := PartitionEventType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown partition event type %q", s)
	}
	return t, nil
}

// ExecutionStatus describes how a partition event was carried out.
type ExecutionStatus string

const (
	// StatusImmediate events were executed synchronously.
	StatusImmediate ExecutionStatus = "IMMEDIATE"
	// StatusRequested events ask the background worker for a repartition.
	StatusRequested ExecutionStatus = "REQUESTED"
	// StatusAudit events are records only.
	StatusAudit ExecutionStatus = "AUDIT"
	// StatusCompleted events are repartitions run by the background worker.
	StatusCompleted ExecutionStatus = "COMPLETED"
)

// ParseExecutionStatus parses a status name, ignoring case.
func ParseExecutionStatus(s string) (ExecutionStatus, error) {
	status := ExecutionStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case StatusImmediate, StatusRequested, StatusAudit, StatusCompleted:
		return status, nil
	}
	return "", fmt.Errorf("unknown execution status %q", s)
}

// PartitionEvent records one change to the cluster topology.
// Events are never modified after they are appended to the log.
type PartitionEvent struct {
	ID          int64                   `json:"id"`
	Type        PartitionEventType      `json:"type"`
	Detail      string                  `json:"detail"`
	SubjectName string                  `json:"subject_name"`
	Status      ExecutionStatus         `json:"status"`
	CreatedAt   time.Time               `json:"created_at"`
	Details     []PartitionEventDetails `json:"details,omitempty"`
}

// PartitionEventDetails names the primary server assigned to one agent.
type PartitionEventDetails struct {
	AgentID    int    `json:"agent_id"`
	AgentName  string `json:"agent_name"`
	ServerID   int    `json:"server_id"`
	ServerName string `json:"server_name"`
}

// Page is one page of a list result.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}
