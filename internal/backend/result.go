// Package backend talks to the analysis backend: transcription, recording
// storage and call logging.
package backend

import "fmt"

// FailureKind classifies why a backend call produced no value.
type FailureKind int

const (
	// Unreachable means the request never got a response.
	Unreachable FailureKind = iota + 1
	// Status means the backend answered with a non-2xx status.
	Status
	// Decode means the response body was not what we expected.
	Decode
	// Rejected means the backend answered but reported success=false.
	Rejected
)

func (k FailureKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Status:
		return "status"
	case Decode:
		return "decode"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Failure describes a failed backend call. Message is for logs only and is
// never shown to the operator.
type Failure struct {
	Kind       FailureKind
	StatusCode int
	Message    string
}

func (f *Failure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("backend %s (%d): %s", f.Kind, f.StatusCode, f.Message)
	}
	return fmt.Sprintf("backend %s: %s", f.Kind, f.Message)
}

// Result is either a value or a Failure.
type Result[T any] struct {
	Value   T
	Failure *Failure
}

// OK reports whether the call succeeded.
func (r Result[T]) OK() bool { return r.Failure == nil }

// Err returns the failure as an error, or nil.
func (r Result[T]) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

func ok[T any](v T) Result[T] { return Result[T]{Value: v} }

func fail[T any](kind FailureKind, code int, format string, args ...any) Result[T] {
	return Result[T]{Failure: &Failure{Kind: kind, StatusCode: code, Message: fmt.Sprintf(format, args...)}}
}
