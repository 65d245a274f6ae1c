// Package apperr carries the stable wire error codes shared by the REST
// surface, the turn engine and the event stream.
package apperr

import (
	"errors"
	"fmt"
)

const (
	CodeAuthFailed         = "AUTH_FAILED"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeProviderNotEnabled = "PROVIDER_NOT_ENABLED"
	CodeProviderAuthFailed = "PROVIDER_AUTH_FAILED"
	CodeProviderRejected   = "PROVIDER_REJECTED"
	CodeBridgeTimeout      = "BRIDGE_TIMEOUT"
	CodeBridgeTransport    = "BRIDGE_TRANSPORT"
	CodeRateLimited        = "RATE_LIMITED"
	CodeTimeout            = "TIMEOUT"
	CodeMCPTimeout         = "MCP_TIMEOUT"
	CodeMCPError           = "MCP_ERROR"
	CodeMCPProtocol        = "MCP_PROTOCOL"
	CodePolicyViolation    = "POLICY_VIOLATION"
	CodeAttachmentRejected = "ATTACHMENT_REJECTED"
	CodeAttachmentFetch    = "ATTACHMENT_FETCH"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionEnded       = "SESSION_ENDED"
	CodeSubagentNotFound   = "SUBAGENT_NOT_FOUND"
	CodeIndexOutOfRange    = "INDEX_OUT_OF_RANGE"
	CodeQueueFull          = "QUEUE_FULL"
	CodeToolBudgetExceeded = "TOOL_BUDGET_EXCEEDED"
	CodeCancelled          = "CANCELLED"
	CodeShutdown           = "SHUTDOWN"
	CodeNotReady           = "NOT_READY"
	CodeInternal           = "INTERNAL"
)

// Error is a wire-coded domain error. Retryable marks the transient classes
// the local retry policy may re-attempt.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func New(code, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable}
}

func Newf(code string, retryable bool, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// From extracts the *Error from err, wrapping unknown errors as INTERNAL.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return &Error{Code: CodeInternal, Message: err.Error(), Retryable: false}
}

func CodeOf(err error) string {
	if e := From(err); e != nil {
		return e.Code
	}
	return ""
}

func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// Envelope is the JSON error body returned by the REST API and embedded in
// error events.
type Envelope struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	TraceID   string `json:"trace_id"`
	Retryable bool   `json:"retryable"`
}

func EnvelopeFor(err error, traceID string) Envelope {
	e := From(err)
	return Envelope{
		ErrorCode: e.Code,
		Message:   e.Message,
		TraceID:   traceID,
		Retryable: e.Retryable,
	}
}
