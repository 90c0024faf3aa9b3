package cluster

import (
	"encoding/json"
	"fmt"
)

// NodeID is the identity a process chooses for itself. It is immutable for
// the lifetime of the process and unique among live nodes.
type NodeID string

// Role is the part a node plays in the cluster.
type Role string

const (
	// RoleMaster hosts the shared transport and owns the roster.
	RoleMaster Role = "master"
	// RoleReplica registers with the master before sending anything.
	RoleReplica Role = "replica"
	// RoleProbe observes the cluster without registering.
	RoleProbe Role = "probe"
)

// ParseRole converts a configuration string into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleMaster, RoleReplica, RoleProbe:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Category classifies message kinds by who may send them and how they are
// delivered.
type Category int

const (
	// CategoryUser kinds may be sent by any node but need a known subscriber.
	CategoryUser Category = iota
	// CategorySystem kinds are sent only by protocol internals.
	CategorySystem
	// CategoryDurable kinds are retained for listeners that subscribe late.
	CategoryDurable
	// CategoryPrivileged kinds have at most one subscriber cluster-wide.
	CategoryPrivileged
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryUser:
		return "user"
	case CategorySystem:
		return "system"
	case CategoryDurable:
		return "durable"
	case CategoryPrivileged:
		return "privileged"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// TopicPrefix namespaces every topic created for a message kind.
const TopicPrefix = "spine."

// Kind names a message type together with its category. Each kind maps 1:1
// to a transport topic.
type Kind struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
}

// UserKind declares an application kind any node may send.
func UserKind(name string) Kind { return Kind{Name: name, Category: CategoryUser} }

// PrivilegedKind declares an application kind with a single owner.
func PrivilegedKind(name string) Kind { return Kind{Name: name, Category: CategoryPrivileged} }

// Topic returns the transport topic carrying this kind.
func (k Kind) Topic() string { return TopicPrefix + k.Name }

// Durable reports whether the kind's topic retains messages for late
// subscribers.
func (k Kind) Durable() bool { return k.Category == CategoryDurable }

// Internal reports whether the kind belongs to the protocol and bypasses the
// subscriber check.
func (k Kind) Internal() bool {
	return k.Category == CategorySystem || k.Category == CategoryDurable
}

func (k Kind) String() string { return k.Name + "/" + k.Category.String() }

// CorrelationID ties a request to its responses. Application requests carry
// ascending sequence numbers from 0, protocol traffic descending from -1.
type CorrelationID struct {
	Origin NodeID `json:"origin"`
	Seq    int64  `json:"seq"`
}

// Internal reports whether the id was issued for protocol traffic.
func (c CorrelationID) Internal() bool { return c.Seq < 0 }

// IsZero reports whether the id is unset.
func (c CorrelationID) IsZero() bool { return c.Origin == "" && c.Seq == 0 }

func (c CorrelationID) String() string { return fmt.Sprintf("%s#%d", c.Origin, c.Seq) }

// Envelope is the single message shape exchanged on every topic. The core
// routes on Kind and Correlation and treats Payload as opaque unless the
// kind belongs to the protocol.
type Envelope struct {
	Sender      NodeID          `json:"sender"`
	Kind        Kind            `json:"kind"`
	Correlation CorrelationID   `json:"correlation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with payload encoded as JSON.
func NewEnvelope(sender NodeID, kind Kind, id CorrelationID, payload any) (Envelope, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind.Name, err)
	}
	return Envelope{Sender: sender, Kind: kind, Correlation: id, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	return DecodePayload(e.Payload, out)
}

// EncodePayload marshals v into a raw JSON payload. Nil and pre-encoded
// payloads pass through unchanged.
func EncodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(v)
}

// DecodePayload unmarshals a raw JSON payload into out. An empty payload
// leaves out untouched.
func DecodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 || out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
