// Package registry owns the per-process command and event registry.
//
// Ownership boundary:
// - command table (local handlers, remote pointers, privacy rule)
// - event bus (local listeners, cross-channel fan-out)
// - channel registry and register.new.channel handshake
// - message router (execute/result/error correlation, hub relay)
// - pending request map with timeout eviction
// - readiness gate over _new.channel.registered
//
// One Registry exists per process and is passed explicitly to whatever
// needs it. Every channel has its own reader goroutine; inbound executions
// run on their own goroutine so a handler may call back across the same
// channel without stalling its reader.
//
// Topology is a star: a RoleHub registry relays executions between leaves
// and re-announces its catalog when a leaf's catalog changes. A RoleLeaf
// registry never relays.
package registry
