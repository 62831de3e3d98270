// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a queue item is not in the state
	// an update requires.
	ErrInvalidTransition = errors.New("invalid queue item status transition")

	// ErrVariationLocked is returned when rewriting a variation that has
	// already been sent.
	ErrVariationLocked = errors.New("variation has already been sent")
)

// NotFoundError reports an unknown entity.
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %v not found", e.Entity, e.ID)
}

func NewNotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// NewCampaignNotFound is the not-found error for campaigns.
func NewCampaignNotFound(id int64) error {
	return NewNotFound("campaign", id)
}

// ValidationError reports missing or malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PersistenceError wraps a store failure. Callers must assume nothing was
// written.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err unless it is nil or already typed.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	var nf *NotFoundError
	if errors.As(err, &pe) || errors.As(err, &nf) ||
		errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrVariationLocked) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// UpstreamError reports a failing external collaborator (lead source,
// content generator, mail transport).
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func NewUpstream(service string, err error) error {
	return &UpstreamError{Service: service, Err: err}
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
