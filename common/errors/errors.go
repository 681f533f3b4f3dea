// Package errors defines the error taxonomy shared by the rule store.
//
// Store operations return these types directly; callers discriminate
// with errors.As / errors.Is. The store never retries internally: a
// ConflictError signals the caller to re-read and retry at its own
// discretion.
package errors

import (
	"fmt"
	"strings"
)

// ParseError means the document is syntactically malformed and was
// rejected before validation ran.
type ParseError struct {
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NewParseError creates a ParseError with an optional cause.
func NewParseError(msg string, err error) *ParseError {
	return &ParseError{Message: msg, Err: err}
}

// ValidationError means the document parsed but failed semantic checks.
// It carries the full list of accumulated errors, not just the first.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rules config: %s", strings.Join(e.Errors, "; "))
}

// NewValidationError creates a ValidationError from an error list.
func NewValidationError(errs []string) *ValidationError {
	return &ValidationError{Errors: errs}
}

// NotFoundError means a referenced rule, chain, or config version does
// not exist.
type NotFoundError struct {
	Kind string // "rule", "chain", "version"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NewNotFound creates a NotFoundError for the given entity.
func NewNotFound(kind string, id any) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

// ConflictError means an optimistic row-version check failed on a
// content update. The row was not mutated.
type ConflictError struct {
	RuleID          int64
	ExpectedVersion int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("rule %d: row version mismatch (expected %d)", e.RuleID, e.ExpectedVersion)
}

// IntegrityError means chain traversal found corrupted pointer state:
// no head, multiple heads, a cycle, or unreachable rows. It indicates
// prior data corruption, not user error, and is surfaced rather than
// auto-repaired.
type IntegrityError struct {
	ChainID int64
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain %d integrity violation: %s", e.ChainID, e.Reason)
}
