// Package errors defines the typed error taxonomy shared by the engine,
// the RPC handlers and the client SDK.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies the kind of a StoreError.
type Code string

// Error codes. The string values travel on the wire.
const (
	CodeGeneric                 Code = "Generic"
	CodeNotFound                Code = "NotFound"
	CodeInvalidPath             Code = "InvalidPath"
	CodeNotSupported            Code = "NotSupported"
	CodeAlreadyExists           Code = "AlreadyExists"
	CodePrecondition            Code = "Precondition"
	CodeNotModified             Code = "NotModified"
	CodeNotImplemented          Code = "NotImplemented"
	CodePermissionDenied        Code = "PermissionDenied"
	CodeUnauthenticated         Code = "Unauthenticated"
	CodeUnknownConfigurationKey Code = "UnknownConfigurationKey"
)

// StoreError is the error type returned by every object store operation.
type StoreError struct {
	// Code is the machine-readable error kind.
	Code Code `json:"code"`
	// Path is the object path the error refers to, if any.
	Path string `json:"path,omitempty"`
	// Message carries the wrapped reason (Generic, Precondition, NotModified, ...).
	Message string `json:"message,omitempty"`
	// Key is the offending configuration key for UnknownConfigurationKey.
	Key string `json:"key,omitempty"`
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	switch e.Code {
	case CodeNotFound:
		return fmt.Sprintf("Object at location %s not found", e.Path)
	case CodeInvalidPath:
		return fmt.Sprintf("Encountered object with invalid path: %s", e.Path)
	case CodeNotSupported:
		return fmt.Sprintf("Operation not supported: %s", e.Message)
	case CodeAlreadyExists:
		return fmt.Sprintf("Object at location %s already exists", e.Path)
	case CodePrecondition:
		return fmt.Sprintf("Request precondition failure for path %s: %s", e.Path, e.Message)
	case CodeNotModified:
		return fmt.Sprintf("Object at location %s not modified: %s", e.Path, e.Message)
	case CodeNotImplemented:
		return "Operation not yet implemented."
	case CodePermissionDenied:
		return fmt.Sprintf("The operation lacked the necessary privileges to complete for path %s: %s", e.Path, e.Message)
	case CodeUnauthenticated:
		return fmt.Sprintf("The operation lacked valid authentication credentials for path %s: %s", e.Path, e.Message)
	case CodeUnknownConfigurationKey:
		return fmt.Sprintf("Configuration key: '%s' is not valid", e.Key)
	default:
		return fmt.Sprintf("Generic error: %s", e.Message)
	}
}

// Is reports whether target is a StoreError with the same Code. This lets
// callers match with errors.Is(err, ErrNotFound) regardless of path or reason.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus returns the HTTP status code used when the error is rendered
// by the RPC server.
func (e *StoreError) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodePrecondition:
		return http.StatusPreconditionFailed
	case CodeNotModified:
		return http.StatusNotModified
	case CodeInvalidPath, CodeUnknownConfigurationKey:
		return http.StatusBadRequest
	case CodeNotSupported, CodeNotImplemented:
		return http.StatusNotImplemented
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels for errors.Is matching.
var (
	ErrGeneric                 = &StoreError{Code: CodeGeneric}
	ErrNotFound                = &StoreError{Code: CodeNotFound}
	ErrInvalidPath             = &StoreError{Code: CodeInvalidPath}
	ErrNotSupported            = &StoreError{Code: CodeNotSupported}
	ErrAlreadyExists           = &StoreError{Code: CodeAlreadyExists}
	ErrPrecondition            = &StoreError{Code: CodePrecondition}
	ErrNotModified             = &StoreError{Code: CodeNotModified}
	ErrNotImplemented          = &StoreError{Code: CodeNotImplemented}
	ErrPermissionDenied        = &StoreError{Code: CodePermissionDenied}
	ErrUnauthenticated         = &StoreError{Code: CodeUnauthenticated}
	ErrUnknownConfigurationKey = &StoreError{Code: CodeUnknownConfigurationKey}
)

// Generic wraps an arbitrary failure message.
func Generic(format string, args ...any) *StoreError {
	return &StoreError{Code: CodeGeneric, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports that nothing exists at path.
func NotFound(path string) *StoreError {
	return &StoreError{Code: CodeNotFound, Path: path}
}

// InvalidPath reports a path that failed validation.
func InvalidPath(path string) *StoreError {
	return &StoreError{Code: CodeInvalidPath, Path: path}
}

// NotSupported reports an unsupported operation.
func NotSupported(reason string) *StoreError {
	return &StoreError{Code: CodeNotSupported, Message: reason}
}

// AlreadyExists reports that path is already taken.
func AlreadyExists(path string) *StoreError {
	return &StoreError{Code: CodeAlreadyExists, Path: path}
}

// Precondition reports a state, size, alignment or range violation.
func Precondition(path, reason string) *StoreError {
	return &StoreError{Code: CodePrecondition, Path: path, Message: reason}
}

// Preconditionf is Precondition with a formatted reason.
func Preconditionf(path, format string, args ...any) *StoreError {
	return Precondition(path, fmt.Sprintf(format, args...))
}

// NotModified reports a conditional read whose condition short-circuited.
func NotModified(path, reason string) *StoreError {
	return &StoreError{Code: CodeNotModified, Path: path, Message: reason}
}

// NotImplemented reports an operation with no implementation.
func NotImplemented() *StoreError {
	return &StoreError{Code: CodeNotImplemented}
}

// PermissionDenied reports a caller lacking the required role.
func PermissionDenied(path, reason string) *StoreError {
	return &StoreError{Code: CodePermissionDenied, Path: path, Message: reason}
}

// Unauthenticated reports a caller without valid credentials.
func Unauthenticated(path, reason string) *StoreError {
	return &StoreError{Code: CodeUnauthenticated, Path: path, Message: reason}
}

// UnknownConfigurationKey reports an invalid configuration key.
func UnknownConfigurationKey(key string) *StoreError {
	return &StoreError{Code: CodeUnknownConfigurationKey, Key: key}
}

// As extracts a *StoreError from err's chain. Errors that are not store
// errors are wrapped as Generic so callers always get a typed value.
func As(err error) *StoreError {
	if err == nil {
		return nil
	}
	var se *StoreError
	if stderrors.As(err, &se) {
		return se
	}
	return &StoreError{Code: CodeGeneric, Message: err.Error()}
}

// CodeOf returns the Code of err, or CodeGeneric for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return As(err).Code
}
