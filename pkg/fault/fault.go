// Package fault classifies failures of the context-assembly pipeline so that
// callers can decide whether a turn must abort or may continue degraded.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind int

const (
	// KindUnknown is any error that was never classified.
	KindUnknown Kind = iota
	// KindInfrastructure means an embedding, model or index dependency is
	// unreachable. It aborts the turn.
	KindInfrastructure
	// KindDegradedRetrieval means the primary reranker was bypassed. Results
	// are still valid.
	KindDegradedRetrieval
	// KindEmptyKnowledge means the index had nothing for the query.
	KindEmptyKnowledge
	// KindMalformedExtraction means the memory extraction output was unusable
	// and the update was skipped.
	KindMalformedExtraction
	// KindMemoryStoreUnavailable means the memory persistence layer failed.
	KindMemoryStoreUnavailable
)

// String returns the snake_case name used in logs, metrics and API errors.
func (k Kind) String() string {
	switch k {
	case KindInfrastructure:
		return "infrastructure"
	case KindDegradedRetrieval:
		return "degraded_retrieval"
	case KindEmptyKnowledge:
		return "empty_knowledge"
	case KindMalformedExtraction:
		return "malformed_extraction"
	case KindMemoryStoreUnavailable:
		return "memory_store_unavailable"
	default:
		return "unknown"
	}
}

// Error wraps a cause with its Kind and the operation that failed.
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

// E builds an *Error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Infrastructure wraps err as KindInfrastructure.
func Infrastructure(op string, err error) error {
	return E(KindInfrastructure, op, err)
}

// MemoryStoreUnavailable wraps err as KindMemoryStoreUnavailable.
func MemoryStoreUnavailable(op string, err error) error {
	return E(KindMemoryStoreUnavailable, op, err)
}

// MalformedExtraction wraps err as KindMalformedExtraction.
func MalformedExtraction(op string, err error) error {
	return E(KindMalformedExtraction, op, err)
}

// KindOf returns the Kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Aborts reports whether err must fail the user-visible turn. Soft kinds
// (degraded retrieval, empty knowledge, malformed extraction) never do.
func Aborts(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindDegradedRetrieval, KindEmptyKnowledge, KindMalformedExtraction:
		return false
	default:
		return true
	}
}
