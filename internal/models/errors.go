package models

import "errors"

// Common errors
var (
	// Device errors
	ErrDeviceNotFound  = errors.New("device not found")
	ErrInvalidDirNo    = errors.New("invalid directory number")
	ErrDevicesNotReady = errors.New("device list not loaded")

	// Call errors
	ErrCallNotFound    = errors.New("call not found")
	ErrInvalidCallID   = errors.New("invalid call id")
	ErrInvalidPriority = errors.New("invalid call priority")
	ErrNoActiveCall    = errors.New("no active call")

	// Transport errors
	ErrNotConnected             = errors.New("not connected")
	ErrConnectionFailed         = errors.New("connection failed")
	ErrAuthenticationFailed     = errors.New("authentication failed")
	ErrRPCTimeout               = errors.New("rpc timed out")
	ErrRPCFailed                = errors.New("rpc failed")
	ErrSessionClosed            = errors.New("session closed")
	ErrReconnectBudgetExhausted = errors.New("reconnect budget exhausted")

	// Subscription errors
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrNotAuthorized     = errors.New("not authorized")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
	ErrInvalidFormat   = errors.New("invalid format")

	// Database errors
	ErrDatabaseConnection = errors.New("database connection error")
	ErrRecordNotFound     = errors.New("record not found")

	// Permission errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Handler errors
	ErrOperationInProgress = errors.New("operation already in progress")
	ErrCancelled           = errors.New("operation cancelled")
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// IsNotFound checks if an error is a "not found" type error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrCallNotFound) ||
		errors.Is(err, ErrRecordNotFound)
}

// IsConnectionError checks if an error is a connection-related error
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRPCTimeout) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrDatabaseConnection)
}

// IsAuthError checks if an error is an authentication/authorization error
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotAuthorized)
}

// ResultStatus is the outcome of a device command
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// OperationResult is the structured outcome of a command RPC
type OperationResult struct {
	Status  ResultStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// Succeeded reports whether the command completed
func (r OperationResult) Succeeded() bool {
	return r.Status == ResultSuccess
}

// Success builds a successful result
func Success(msg string) OperationResult {
	return OperationResult{Status: ResultSuccess, Message: msg}
}

// Failure builds a failed result from an error
func Failure(err error) OperationResult {
	if err == nil {
		return OperationResult{Status: ResultFailure}
	}
	return OperationResult{Status: ResultFailure, Message: err.Error()}
}
