// Package coordinator is the control plane for a deployment: it
// tracks which of the N servers are alive, detects failures by
// missed heartbeat rather than by polling, and drives the recovery
// protocol that replaces a failed server without losing either of its
// two key ranges.
//
// # Placement
//
// Placement is fixed, not rebalanced: package placement computes
// Owner(key, N), Secondary(i, N), and PrimaryOf(i, N) as pure
// functions. The registry's job is narrower than the shard-rebalancing
// registries elsewhere in this tree: it tracks per-server status and
// address, nothing more, because which server owns which range never
// changes while N is fixed.
//
// # Failure detection
//
// Servers push a heartbeat to the coordinator on their own schedule.
// HealthMonitor has no dial-out path: a ticker scans for servers whose
// last heartbeat is older than the staleness threshold and reports
// them, once, via a callback. This is a crash-stop model: a partition
// and a crash look identical, and both get the same response: spawn a
// replacement and drive it through the same two-phase recovery stream.
//
// # Recovery
//
// RecoveryCoordinator runs the full handoff once a server is declared
// failed: spawn the
// replacement under the same id, wait for it to register, tell its
// two surviving neighbors to stream their relevant table to it
// concurrently, and once both streams are acknowledged, quiesce and
// execute the atomic primary-switch that hands interim-primary duty
// back to the replacement.
//
// # See also
//
//	internal/cluster: wire types shared with the servers
//	internal/placement: the pure placement functions
//	internal/kvserver: the server side of every protocol this
//	                        package drives
package coordinator
