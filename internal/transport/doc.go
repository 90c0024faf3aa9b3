// Package transport provides the publish/subscribe collaborator the spine
// coordination layer runs on.
//
// # Overview
//
// The master hosts a Broker: an in-memory set of named topics. Nodes in the
// master's process attach with Broker.Connect; remote nodes dial the
// master's Server and receive a Client. Both satisfy Transport:
//
//	┌──────────── master process ─────────────┐
//	│  Node ── Conn ──┐                       │
//	│                 ▼                       │
//	│              Broker ◄── Server (gRPC) ◄─┼── Client ── replica Node
//	└─────────────────────────────────────────┘
//
// # Delivery
//
// Every subscription owns a mailbox drained by its own goroutine, so
// handlers for different topics run concurrently and a slow handler never
// blocks a publisher. Order within one subscription follows publish order.
//
// # Durable Topics
//
// A durable topic keeps messages published while it has no subscribers, up
// to a retention bound, and hands them to the first subscriber. The
// registration handshake relies on this so a replica's first Register is
// not lost when the master subscribes late.
//
// # Wire Format
//
// The gRPC bridge carries JSON frames (publish, subscribe, unsubscribe,
// deliver) over a single bidirectional stream per remote node, using a codec
// registered under the "json" content-subtype.
package transport
