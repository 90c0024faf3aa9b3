// Package spine is the coordination layer every process in a spine cluster
// embeds. A Node wraps one transport connection and layers on top of it:
//
//   - the registration handshake between replica and master
//   - the cluster-wide subscription directory and its synchronization
//   - privileged (exclusive) subscription arbitration
//   - scatter-gather in blocking and non-blocking forms
//   - the execution-acceptance watch
//   - master heartbeat, closing notices and drained cluster shutdown
//
// # Roles
//
// The master hosts the shared broker (StartMaster) and owns the roster.
// Replicas dial it (StartReplica), register a unique identity and may then
// send. Probes dial it without registering; they observe heartbeats and
// cannot send.
//
// # Lifecycle
//
//	replica:  UNREGISTERED ──Register──▶ AWAITING_CONFIRMATION ──grant──▶ REGISTERED
//	                                              │
//	                                         deny / budget spent
//	                                              ▼
//	                                     construction fails
//
// After registration a replica fetches the master's directory once and
// keeps it current from New Subscription, Unsubscribe and Closing events.
//
// # Results and errors
//
// Operations that can soft-fail return a cluster.Result. Errors are
// reserved for transport failures and misuse (sending a protocol kind,
// sending from a probe, using a closed node). When an error is returned the
// accompanying Result status carries no meaning.
package spine
