package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a specific error type for context subsystem operations.
type ErrorCode string

const (
	// ErrCodeInvalidConfig indicates invalid limits or paths at construction time.
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	// ErrCodeInvalidArgument indicates invalid input parameters.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// ErrCodeStorageIO indicates a backend read or write failure.
	ErrCodeStorageIO ErrorCode = "STORAGE_IO"
	// ErrCodeSessionNotFound indicates the requested session does not exist.
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	// ErrCodeProviderFailed indicates a context provider returned an error.
	ErrCodeProviderFailed ErrorCode = "PROVIDER_FAILED"
	// ErrCodeProviderTimeout indicates a context provider exceeded its deadline.
	ErrCodeProviderTimeout ErrorCode = "PROVIDER_TIMEOUT"
	// ErrCodeContextCanceled indicates the operation was canceled.
	ErrCodeContextCanceled ErrorCode = "CONTEXT_CANCELED"
	// ErrCodeLLMUnavailable indicates the LLM service is not available.
	ErrCodeLLMUnavailable ErrorCode = "LLM_UNAVAILABLE"
)

// CoreError represents a structured error for context subsystem operations.
type CoreError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error.
func (e *CoreError) WithContext(key string, value interface{}) *CoreError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// GetCode returns the error code.
func (e *CoreError) GetCode() ErrorCode {
	return e.Code
}

// Convenience constructors for common error types.

// InvalidConfig creates an invalid config error.
func InvalidConfig(msg string) *CoreError {
	return &CoreError{Code: ErrCodeInvalidConfig, Message: msg}
}

// InvalidArgument creates an invalid argument error.
func InvalidArgument(msg string) *CoreError {
	return &CoreError{Code: ErrCodeInvalidArgument, Message: msg}
}

// StorageIO creates a storage IO error wrapping the underlying failure.
func StorageIO(msg string, cause error) *CoreError {
	return &CoreError{Code: ErrCodeStorageIO, Message: msg, Cause: cause}
}

// SessionNotFound creates a session not found error.
func SessionNotFound(sessionID string) *CoreError {
	return &CoreError{
		Code:    ErrCodeSessionNotFound,
		Message: fmt.Sprintf("session not found: %s", sessionID),
	}
}

// ProviderFailed creates a provider failed error.
func ProviderFailed(name string, cause error) *CoreError {
	return &CoreError{
		Code:    ErrCodeProviderFailed,
		Message: fmt.Sprintf("context provider failed: %s", name),
		Cause:   cause,
	}
}

// ProviderTimeout creates a provider timeout error.
func ProviderTimeout(name string) *CoreError {
	return &CoreError{
		Code:    ErrCodeProviderTimeout,
		Message: fmt.Sprintf("context provider timed out: %s", name),
	}
}

// ContextCanceled creates a context canceled error.
func ContextCanceled(cause error) *CoreError {
	return &CoreError{Code: ErrCodeContextCanceled, Message: "operation canceled", Cause: cause}
}

// LLMUnavailable creates an LLM unavailable error.
func LLMUnavailable(msg string) *CoreError {
	return &CoreError{Code: ErrCodeLLMUnavailable, Message: msg}
}

// Wrap wraps an existing error with additional context.
func Wrap(cause error, code ErrorCode, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg, Cause: cause}
}

// IsCode checks if an error is of a specific code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Code == code
	}
	return false
}

// GetCodeFromError extracts the error code from any error.
// Returns the provided default code if the error is not a CoreError.
func GetCodeFromError(err error, defaultCode ErrorCode) ErrorCode {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Code
	}
	return defaultCode
}
