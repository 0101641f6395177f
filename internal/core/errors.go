package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors observed at the core boundary. The kind drives
// the runner's retry decision and the job's terminal error reporting.
type ErrorKind string

const (
	ErrConfiguration   ErrorKind = "configuration"
	ErrAuthentication  ErrorKind = "authentication"
	ErrConnectionFail  ErrorKind = "connection_failed"
	ErrDataTransfer    ErrorKind = "data_transfer"
	ErrSchemaDiscovery ErrorKind = "schema_discovery"
	ErrContract        ErrorKind = "contract_violation"
	ErrSchemaEvolution ErrorKind = "schema_evolution_violation"
	ErrNodeTimeout     ErrorKind = "node_timeout"
	ErrExecTimeout     ErrorKind = "execution_timeout"
	ErrCancelled       ErrorKind = "cancelled"
	ErrCycle           ErrorKind = "cycle"
	ErrSandbox         ErrorKind = "sandbox_violation"
	ErrValidation      ErrorKind = "validation"
	ErrInternal        ErrorKind = "internal"
)

// Error is a classified error carrying its kind through wrapping.
type Error struct {
	Kind ErrorKind
	msg  string
	err  error
}

// NewError creates a classified error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// WrapError wraps an underlying error with a kind and message.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// KindOf extracts the kind of an error, or ErrInternal for unclassified ones.
func KindOf(err error) ErrorKind {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Kind
	}
	return ErrInternal
}

// IsRetryable reports whether a node failure with this error may be retried
// under the node's retry policy. Configuration, validation, and invariant
// breaches are terminal; so are whole-run timeouts and cancellation.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrConfiguration, ErrValidation, ErrContract, ErrSchemaEvolution,
		ErrSchemaDiscovery, ErrExecTimeout, ErrCancelled, ErrCycle, ErrSandbox:
		return false
	default:
		return true
	}
}

// IsInfraError reports whether the failure is an infrastructure class error
// (connectivity, timeouts) as opposed to a data or transform error.
func IsInfraError(err error) bool {
	switch KindOf(err) {
	case ErrConnectionFail, ErrNodeTimeout, ErrExecTimeout, ErrAuthentication:
		return true
	default:
		return false
	}
}

var (
	// ErrUpstreamFailed marks a node that could not run because a dependency failed.
	ErrUpstreamFailed = errors.New("upstream failed")
	// ErrUpstreamSkipped marks a node that could not run because a dependency was skipped.
	ErrUpstreamSkipped = errors.New("upstream skipped")
	// ErrNoJob is returned by a poll that found no eligible work.
	ErrNoJob = errors.New("no job available")
	// ErrNotFound is returned by stores when an entity does not exist.
	ErrNotFound = errors.New("not found")
)
