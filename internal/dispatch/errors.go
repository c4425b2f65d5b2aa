package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError means the entity is absent or the caller lacks ownership of
// it. The two cases are deliberately indistinguishable so a non-owner learns
// nothing about records addressed to others.
type NotFoundError struct {
	Kind string // "incident", "dispatch", "recipient", "sender"
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ValidationError means the input was malformed. InvalidIDs, when set, lists
// the identifiers that failed to resolve so the caller can correct them.
type ValidationError struct {
	Msg        string
	InvalidIDs []string
}

func (e *ValidationError) Error() string {
	if len(e.InvalidIDs) == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Msg, strings.Join(e.InvalidIDs, ", "))
}

// ConflictError means the operation is not permitted in the record's current
// state, e.g. dispatching an incident already being handled or acting on a
// terminal dispatch.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func conflict(msg string) error {
	return &ConflictError{Msg: msg}
}

func invalid(msg string, ids ...string) error {
	return &ValidationError{Msg: msg, InvalidIDs: ids}
}
