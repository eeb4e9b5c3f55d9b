// Package cluster defines the data model and wire protocol shared by the
// coordinator, the server and agent processes, and the admin CLI.
//
// # Overview
//
// A cluster consists of management servers and the agents that report to
// them. The coordinator owns the topology: which servers exist and in which
// operation mode, which agents are registered, how both are grouped into
// affinity groups, and the ordered failover list each agent uses to pick a
// server.
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │              │
//	              │ - Topology   │
//	              │ - Failover   │
//	              │ - Events     │
//	              └──────┬───────┘
//	                     │
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐  ┌─────▼─────┐  ┌─────▼─────┐
//	│ Server A  │  │ Server B  │  │ Agent 1   │
//	│ NORMAL    │  │ MAINT.    │  │ list: A,C │
//	└───────────┘  └───────────┘  └───────────┘
//
// # Core Types
//
// Server: a management server
//   - OperationMode is INSTALLED, NORMAL, MAINTENANCE or DOWN
//   - ComputePower weighs how many agents it receives
//
// Agent: a monitoring agent
//   - Identified by name and by its (address, port) pair
//   - Holds a security token issued at registration
//
// FailoverList: ordered servers for one agent, primary first
//
// PartitionEvent: immutable record of a topology change. Its type tells
// whether the whole cluster must be repartitioned (IsCloud) and its status
// whether it was executed immediately, requested, audited only, or
// completed by the background worker.
//
// # Communication Protocol
//
// All calls are HTTP/JSON. Cluster calls (/v1/cluster/...) are made by
// server and agent processes and carry no credentials:
//
//	POST /v1/cluster/agents/register   → RegistrationResults
//	POST /v1/cluster/agents/connect
//	POST /v1/cluster/servers/join      → Server
//	POST /v1/cluster/servers/heartbeat
//
// Admin calls (/v1/admin/...) use HTTP basic authentication. List calls
// return a Page. Failures return an ErrorResponse body and are surfaced by
// Client as *StatusError.
//
// # Usage Example
//
//	client := cluster.NewClient("http://localhost:7080")
//	res, err := client.RegisterAgent(ctx, cluster.RegisterAgentRequest{
//	    Name:    "agent-1",
//	    Address: "10.0.0.12",
//	    Port:    16163,
//	})
//	if err != nil {
//	    return err
//	}
//	primary, _ := res.FailoverList.Primary()
package cluster
