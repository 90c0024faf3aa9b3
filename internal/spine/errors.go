package spine

import "errors"

var (
	// ErrIdentityDenied is returned by a replica whose identity is already
	// registered by another live process.
	ErrIdentityDenied = errors.New("identity denied by master")
	// ErrRegistrationTimeout is returned when no confirmation arrived within
	// the registration budget.
	ErrRegistrationTimeout = errors.New("no registration confirmation from master")
	// ErrProtocolViolation is returned for misuse of the protocol, such as
	// sending a system or durable kind through the public send path.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrClosed is returned by operations on a node that has shut down.
	ErrClosed = errors.New("node closed")
	// ErrReadOnly is returned when a probe attempts to send.
	ErrReadOnly = errors.New("probe nodes cannot send")
	// ErrUnknownKind is reported for protocol messages nobody handles.
	ErrUnknownKind = errors.New("unknown message kind")
)
