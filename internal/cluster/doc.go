// Package cluster defines the data model shared by every spine component:
// node identities and roles, message kinds and their categories, correlation
// identifiers, the message envelope and the protocol payloads.
//
// # Message Kinds
//
// Every message travels in an Envelope distinguished by its Kind. A kind
// belongs to one of four categories:
//
//	user        any node may send; requires a known subscriber
//	system      protocol internals only; no subscriber check
//	durable     retained for late subscribers (registration handshake)
//	privileged  at most one subscriber cluster-wide
//
// Each kind maps 1:1 to a transport topic named "spine.<kind>".
//
// # Correlation
//
// A CorrelationID is (origin, sequence). The Sequencer hands out ascending
// sequence numbers from 0 for application requests and descending numbers
// from -1 for protocol traffic, so the two never collide within one node.
// Responses carry the correlation id of the request they answer.
//
// # Results
//
// Public operations return a Result whose Status is OK or one of the soft
// outcomes (NoSubscribers, NotGatherable, Denied, Timeout). Errors are
// reserved for precondition violations and transport failures.
package cluster
