// Package kvserver implements a single key-value server: the HTTP
// handlers for client operations, replication to its secondary, the
// control commands the coordinator drives it with, and the recovery
// streaming protocol that rebuilds a replacement's two tables.
//
// # Roles
//
// Every server holds exactly two storage.Store instances:
//
//   - Primary: the range it owns. Client PUTs land here first, then
//     are forwarded synchronously to the secondary before the client
//     sees a response.
//   - Secondary: the range it backs up for its primary neighbor.
//     Entries arrive as forwarded peer writes or recovery stream
//     entries; client writes land here only while the server is
//     interim primary for that range.
//
// # Write path
//
// A client PUT against the primary table takes the key's KeyLocker
// lock, applies the write locally, forwards it to the secondary over
// the peer port, and only then releases the lock and answers the
// client. If the forward fails, the local write is rolled back and
// the client sees SERVER_FAILURE rather than a PUT that silently
// exists on only one replica.
//
// # Recovery states
//
// A server normally sits in StateNormal. During a recovery it moves
// through:
//
//	StateStreamingPrimary:   acting as interim primary for a failed
//	                           neighbor's range while also streaming
//	                           its own secondary table to that
//	                           neighbor's replacement
//	StateStreamingSecondary: streaming its primary table to a
//	                           replacement's secondary table
//	StateSwitchingPrimary:   quiesced during the atomic handoff that
//	                           ends StateStreamingPrimary
//
// Both streaming states end, back at StateNormal, when their stream
// finishes. Interim-primary duty outlives StateStreamingPrimary: the
// server keeps serving and forwarding the failed neighbor's range
// until SWITCH_PRIMARY quiesces it through StateSwitchingPrimary and
// hands the range back to the replacement.
package kvserver
