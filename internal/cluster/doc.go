// Package cluster provides the types and wire helpers shared between
// the coordinator and the key-value servers.
//
// # Overview
//
// A deployment is one coordinator and N key-value servers, each
// identified by a small integer id in [0, N). Every server owns
// exactly one key range as primary and backs up exactly one other
// server's range as secondary:
//
//	secondary(i) = (i + 1) mod N
//	primary_of(i) = (i - 1 + N) mod N
//
// so a server's secondary is its successor, and its primary-of
// relationship points at its predecessor. The ring means any single
// server failure leaves exactly two neighbors responsible for
// reconstructing its two tables.
//
// # Communication protocol
//
// All communication is HTTP with JSON bodies. Three connection kinds
// carry distinct request types, mirroring the three listening ports
// each server binds:
//
// Client -> server (client port):
//   - POST /op: NOOP, GET, PUT against the key the client believes
//     this server owns. A server that no longer owns a key, or whose
//     partner relationship changed mid-recovery, answers with the
//     status that tells the client to re-locate.
//
// Server -> server (peer port):
//   - POST /peer: a replicated PUT (forwarded synchronously by a
//     primary after it applies the write locally) or a streamed entry
//     during recovery. PeerTarget says which of the receiver's two
//     tables the entry belongs in.
//
// Coordinator -> server and server -> coordinator (coordinator port):
//   - POST /control: SET_SECONDARY, UPDATE_PRIMARY, UPDATE_SECONDARY,
//     SWITCH_PRIMARY, SHUTDOWN, sent by the coordinator.
//   - POST /heartbeat: sent by the server once per heartbeat interval;
//     the coordinator's only positive liveness signal.
//   - POST /ack: sent by the server to report recovery progress
//     (UPDATED_PRIMARY, UPDATE_PRIMARY_FAILED, and so on) outside the
//     request/response of the control call that triggered it.
//
// Client <-> coordinator:
//   - POST /locate: given a key, returns the host and client port of
//     the server that currently owns it.
//
// # Concurrency
//
// None of the helpers in this package hold any lock; PostJSON and
// GetJSON are safe for concurrent use from any number of goroutines,
// sharing one http.Client.
package cluster
