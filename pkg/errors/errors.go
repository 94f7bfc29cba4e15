// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

// Package errors defines the error kinds surfaced by the credential
// manager and their mapping to HTTP status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrBadRequest is returned for malformed or disallowed input
	// (unknown scope, missing project, lifetime out of range).
	ErrBadRequest = "bad_request"

	// ErrUnauthorized is returned when the caller presents no usable
	// credential (missing/expired cookie, invalid bearer token).
	ErrUnauthorized = "unauthorized"

	// ErrForbidden is returned when the caller is authenticated but not
	// allowed (not the owner, long-lived token policy violation).
	ErrForbidden = "forbidden"

	// ErrNotFound is returned when a token hash has no stored record.
	ErrNotFound = "not_found"

	// ErrConflict is returned when a project name matches more than one
	// project.
	ErrConflict = "conflict"

	// ErrUpstream is returned when the IdP or the user directory fails.
	ErrUpstream = "upstream"

	// ErrInternal is returned for database and signing failures.
	ErrInternal = "internal"
)

// Error represents an error in the application.
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error of the given type.
func New(errType, message string) *Error {
	return &Error{Type: errType, Message: message}
}

// Newf creates a new error of the given type with a formatted message.
func Newf(errType, format string, args ...any) *Error {
	return &Error{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new error of the given type wrapping cause.
func Wrap(errType, message string, cause error) *Error {
	return &Error{Type: errType, Message: message, Cause: cause}
}

// BadRequest creates a bad request error.
func BadRequest(format string, args ...any) *Error {
	return Newf(ErrBadRequest, format, args...)
}

// Unauthorized creates an unauthorized error.
func Unauthorized(format string, args ...any) *Error {
	return Newf(ErrUnauthorized, format, args...)
}

// Forbidden creates a forbidden error.
func Forbidden(format string, args ...any) *Error {
	return Newf(ErrForbidden, format, args...)
}

// NotFound creates a not found error.
func NotFound(format string, args ...any) *Error {
	return Newf(ErrNotFound, format, args...)
}

// Conflict creates a conflict error.
func Conflict(format string, args ...any) *Error {
	return Newf(ErrConflict, format, args...)
}

// Upstream creates an upstream error wrapping cause. A nil cause is
// allowed.
func Upstream(message string, cause error) *Error {
	return &Error{Type: ErrUpstream, Message: message, Cause: cause}
}

// Internal creates an internal error wrapping cause. A nil cause is
// allowed.
func Internal(message string, cause error) *Error {
	return &Error{Type: ErrInternal, Message: message, Cause: cause}
}

// IsType reports whether err or any error in its chain is an *Error of
// the given type.
func IsType(err error, errType string) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Type == errType
	}
	return false
}

// HTTPStatus maps an error to the HTTP status code it should produce.
// Errors that are not *Error map to 500.
func HTTPStatus(err error) int {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Type {
	case ErrBadRequest:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
