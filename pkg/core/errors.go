package core

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the stable categories surfaced by the
// public API. Kinds form part of the API contract: removing or renaming one
// is a breaking change, adding new kinds is always safe.
type Kind int

const (
	// KindValidation covers bad arguments: empty content, unknown strategy,
	// malformed embedding, unknown provider.
	KindValidation Kind = iota

	// KindNotFound covers a missing node, robot, or tag.
	KindNotFound

	// KindResourceExhausted covers an unfreeable working-memory budget or an
	// exhausted connection pool.
	KindResourceExhausted

	// KindEmbeddingFailed covers a single failed embedding call.
	KindEmbeddingFailed

	// KindTagFailed covers a single failed tag extraction call.
	KindTagFailed

	// KindPropositionFailed covers a single failed proposition extraction call.
	KindPropositionFailed

	// KindCircuitOpen is a fast-fail because the breaker is protecting the
	// service. Never wrapped into another kind.
	KindCircuitOpen

	// KindDatabase covers generic storage failures.
	KindDatabase

	// KindQueryTimeout is the distinguished database subtype raised when the
	// per-query statement timeout fires.
	KindQueryTimeout

	// KindConfiguration covers invalid environments, database naming, and
	// missing required options.
	KindConfiguration

	// KindAuthorization is reserved; the core never raises it today.
	KindAuthorization
)

// String returns the stable machine-readable code for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case KindEmbeddingFailed:
		return "EMBEDDING_FAILED"
	case KindTagFailed:
		return "TAG_FAILED"
	case KindPropositionFailed:
		return "PROPOSITION_FAILED"
	case KindCircuitOpen:
		return "CIRCUIT_OPEN"
	case KindDatabase:
		return "DATABASE"
	case KindQueryTimeout:
		return "QUERY_TIMEOUT"
	case KindConfiguration:
		return "CONFIGURATION"
	case KindAuthorization:
		return "AUTHORIZATION"
	}
	return "UNKNOWN"
}

// Error is the typed error returned by every public operation.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "store.Add"
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Errors by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// E builds a typed error with a formatted message.
func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error around a cause. A cause that is already
// CIRCUIT_OPEN is returned unchanged: that kind must propagate unwrapped.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if IsKind(err, KindCircuitOpen) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind carried by err, or KindDatabase for an untyped
// error, which can only originate in the storage layer.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDatabase
}
