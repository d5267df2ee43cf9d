package engine

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes engine-raised errors.
type ErrorCode string

const (
	// ErrCodeValidation indicates a unit whose attributes or content cannot
	// form a statement. Never retried.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeEmptyStatement indicates a unit that resolved to no statement text.
	ErrCodeEmptyStatement ErrorCode = "EMPTY_STATEMENT"
)

// ValidationError describes a unit rejected before reaching the store.
type ValidationError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// UnitID identifies the rejected unit.
	UnitID string

	// Attr names the offending attribute, if any.
	Attr string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch {
	case e.UnitID != "" && e.Attr != "":
		return fmt.Sprintf("%s: %s (unit=%s, attr=%s)", e.Code, e.Message, e.UnitID, e.Attr)
	case e.UnitID != "":
		return fmt.Sprintf("%s: %s (unit=%s)", e.Code, e.Message, e.UnitID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsValidationError returns true if err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NewEmptyStatementError creates a ValidationError for a unit without statement text.
func NewEmptyStatementError(unitID string, fromContent bool) *ValidationError {
	msg := "configured statement expanded to empty text"
	if fromContent {
		msg = "unit content holds no statement text"
	}
	return &ValidationError{
		Code:    ErrCodeEmptyStatement,
		Message: msg,
		UnitID:  unitID,
	}
}

// ClassifiedError pins an error to a Kind, bypassing Classify's table.
// Queue and store adapters use it when they know better than the driver.
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classified wraps err with an explicit kind.
func Classified(kind Kind, err error) error {
	return &ClassifiedError{Kind: kind, Err: err}
}
