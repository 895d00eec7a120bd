package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
	ErrInternal  = errors.New("internal error")
)

// ValidationError rejects a malformed request before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func missing(field string) error {
	return &ValidationError{Field: field, Reason: "is required"}
}

// DispatchError is a send that never reached (or was refused by) the provider.
type DispatchError struct {
	HTTPStatus int
	Code       int
	Err        error
}

func (e *DispatchError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("provider dispatch failed (http %d): %v", e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("provider dispatch failed: %v", e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsDispatch(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}

// Internal tags err as an InternalError while keeping the cause.
func Internal(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInternal, err)
}
