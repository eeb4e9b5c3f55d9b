package cluster

// RegisterAgentRequest is sent by an agent when it starts.
type RegisterAgentRequest struct {
	Name            string `json:"name" binding:"required"`
	Address         string `json:"address" binding:"required"`
	Port            int    `json:"port" binding:"required,min=1,max=65535"`
	RemoteEndpoint  string `json:"remote_endpoint"`
	OriginalToken   string `json:"original_token,omitempty"`
	RegenerateToken bool   `json:"regenerate_token,omitempty"`
	Version         string `json:"version,omitempty"`
	// Server is the name of the server the agent sent the request to.
	Server string `json:"server,omitempty"`
}

// RegistrationResults is returned to a successfully registered agent.
type RegistrationResults struct {
	AgentToken   string       `json:"token"`
	FailoverList FailoverList `json:"failover_list"`
}

// ConnectAgentRequest tells the coordinator which server an agent talks to.
type ConnectAgentRequest struct {
	Agent  string `json:"agent" binding:"required"`
	Server string `json:"server" binding:"required"`
}

// AgentRequest names a single agent.
type AgentRequest struct {
	Agent string `json:"agent" binding:"required"`
}

// JoinRequest announces a server to the coordinator.
type JoinRequest struct {
	Name         string `json:"name" binding:"required"`
	Address      string `json:"address" binding:"required"`
	Port         int    `json:"port" binding:"required,min=1,max=65535"`
	SecurePort   int    `json:"secure_port" binding:"omitempty,min=1,max=65535"`
	ComputePower int    `json:"compute_power" binding:"omitempty,min=1"`
}

// ServerRequest names a single server.
type ServerRequest struct {
	Server string `json:"server" binding:"required"`
}

// IDsRequest carries the identifiers an admin operation applies to.
type IDsRequest struct {
	IDs []int `json:"ids" binding:"required"`
}

// EventIDsRequest selects partition events to delete. All purges the log.
type EventIDsRequest struct {
	IDs []int64 `json:"ids"`
	All bool    `json:"all"`
}

// SetModeRequest changes the operation mode of several servers.
type SetModeRequest struct {
	IDs  []int         `json:"ids" binding:"required"`
	Mode OperationMode `json:"mode" binding:"required"`
}

// ComputePowerRequest changes the compute power of a server.
type ComputePowerRequest struct {
	ComputePower int `json:"compute_power" binding:"required,min=1"`
}

// AffinityGroupRequest creates or renames an affinity group.
type AffinityGroupRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateSubjectRequest creates a user.
type CreateSubjectRequest struct {
	Name     string `json:"name" binding:"required"`
	Password string `json:"password"`
	LDAP     bool   `json:"ldap"`
}

// PasswordRequest sets a new password.
type PasswordRequest struct {
	Password string `json:"password" binding:"required"`
}

// SubjectInfo is the public view of a user.
type SubjectInfo struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	LDAP   bool   `json:"ldap"`
	System bool   `json:"system"`
}

// CountResponse reports how many items an operation changed.
type CountResponse struct {
	Count int `json:"count"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
}
