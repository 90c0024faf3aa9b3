package cluster

// Status discriminates the outcome of a public operation. Everything other
// than StatusOK is a soft outcome, not an error.
type Status int

const (
	// StatusOK means the operation completed and Value is meaningful.
	StatusOK Status = iota
	// StatusNoSubscribers means no other node listens for the kind.
	StatusNoSubscribers
	// StatusNotGatherable means the kind is not whitelisted for gathering.
	StatusNotGatherable
	// StatusDenied means the master refused the request.
	StatusDenied
	// StatusTimeout means the patience or gather deadline elapsed. Value may
	// still hold a partial result.
	StatusTimeout
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoSubscribers:
		return "no-subscribers"
	case StatusNotGatherable:
		return "not-gatherable"
	case StatusDenied:
		return "denied"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Result carries a Status and, when applicable, a value.
type Result[T any] struct {
	Status Status
	Value  T
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] { return Result[T]{Status: StatusOK, Value: v} }

// Fail builds a result with a non-OK status and a zero value.
func Fail[T any](s Status) Result[T] { return Result[T]{Status: s} }

// OK reports whether the status is StatusOK.
func (r Result[T]) OK() bool { return r.Status == StatusOK }
