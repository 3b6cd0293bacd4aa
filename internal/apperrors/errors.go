// Package apperrors defines the closed error taxonomy shared by every
// component of the session and checkpoint core. Components return one of
// the sentinel Kinds below (wrapped with context via Wrap); transport
// adapters translate a Kind into the appropriate client-facing surface
// (HTTP status, WS close code, retry-after hint).
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is a closed taxonomy of error categories. New kinds must not be
// added without updating every transport adapter's mapping table.
type Kind string

const (
	// Validation covers malformed input: bad dimensions, missing fields,
	// size caps exceeded.
	Validation Kind = "validation"
	// AuthFailure covers AEAD tag failures and unrecoverable signatures.
	AuthFailure Kind = "auth_failure"
	// ModelNotFound covers a named model that is not loaded and cannot
	// be loaded (no auto-load, or auto-load itself failed terminally).
	ModelNotFound Kind = "model_not_found"
	// InsufficientResources covers a memory budget that cannot fit a
	// model even after evicting every idle handle.
	InsufficientResources Kind = "insufficient_resources"
	// RateLimited covers admission denial by the token-bucket limiter.
	RateLimited Kind = "rate_limited"
	// Busy covers a full per-model queue.
	Busy Kind = "busy"
	// InferenceFailed covers an internal engine error during generation.
	InferenceFailed Kind = "inference_failed"
	// ChainTransient covers RPC failures and nonce clashes that are
	// safe to retry.
	ChainTransient Kind = "chain_transient"
	// ChainTerminal covers contract reverts that must not be retried
	// (unauthorized host, over-claim, job not active).
	ChainTerminal Kind = "chain_terminal"
	// Timeout covers a deadline exceeded on a request or connection.
	Timeout Kind = "timeout"
	// Internal covers invariant violations; the affected session is
	// closed but the node keeps running.
	Internal Kind = "internal"
)

// Error wraps a Kind with the operation that produced it and an
// underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, SomeKindSentinel) style matching against the
// Kind without exposing the Kind type in every comparison site.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Kind == e.Kind && te.Op == ""
}

// New builds a new taxonomy error for op with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap attaches a Kind and operation name to an existing error.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, or Internal if err does not carry
// one of ours.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Sentinels for the handful of error conditions callers need to compare
// against directly with errors.Is, independent of Op.
var (
	ErrAuthFailure           = &Error{Kind: AuthFailure}
	ErrModelNotFound         = &Error{Kind: ModelNotFound}
	ErrInsufficientResources = &Error{Kind: InsufficientResources}
	ErrRateLimited           = &Error{Kind: RateLimited}
	ErrBusy                  = &Error{Kind: Busy}
	ErrTimeout               = &Error{Kind: Timeout}
	ErrChainTerminal         = &Error{Kind: ChainTerminal}
	ErrChainTransient        = &Error{Kind: ChainTransient}
)
