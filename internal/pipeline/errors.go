// Package pipeline dispatches bus messages through the ingestion stages
// and records per-message outcomes.
package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. Kinds decide disposition: terminal
// kinds dead-letter and advance the partition, transient kinds retry.
type Kind string

const (
	KindUnknownTopic    Kind = "UnknownTopic"
	KindDeserialize     Kind = "DeserializeError"
	KindValidation      Kind = "ValidationError"
	KindVersionConflict Kind = "VersionConflict"
	KindDuplicate       Kind = "Duplicate"
	KindTransientStore  Kind = "TransientStoreError"
	KindTransientBus    Kind = "TransientBusError"
	KindShutdown        Kind = "ShutdownRequested"
)

// Terminal reports whether the kind dead-letters immediately rather than
// retrying.
func (k Kind) Terminal() bool {
	switch k {
	case KindUnknownTopic, KindDeserialize, KindValidation, KindVersionConflict:
		return true
	default:
		return false
	}
}

// Error wraps a stage failure with its kind.
type Error struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap supports errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind from an error chain, or empty string.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}

// ErrAlreadyPersisted is returned by a force-reprocess dispatch when the
// event row already exists; without the force flag a duplicate is silently
// absorbed as success.
var ErrAlreadyPersisted = errors.New("event already persisted")
