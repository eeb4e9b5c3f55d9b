// Package alert raises SNMP traps for partition events.
//
// TrapSender is configured with the property names of the RHQ SNMP alert
// plugin (host, port, snmpVersion, community, authProtocol, ...). Every trap
// carries five octet string bindings under variableBindingPrefix:
//
//	prefix.1  event type
//	prefix.2  subject
//	prefix.3  detail
//	prefix.4  severity
//	prefix.5  timestamp (RFC 3339)
//
// SNMPv2c and v3 traps start with sysUpTime and snmpTrapOID. SNMPv1 sends a
// v1 trap PDU built from enterpriseOid, agentAddress, genericId and
// specificId.
//
// Notifier subscribes to the partition event log and hands the selected
// event types to a Sender. A failed send is logged and counted; it never
// affects the operation that produced the event.
package alert
