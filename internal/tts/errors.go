package tts

import (
	"errors"
	"fmt"
)

// Pipeline errors
var (
	// ErrLockContention indicates another run holds the episode lock
	ErrLockContention = errors.New("another TTS generation is already running for this episode")

	// ErrExhaustedRetries indicates segments are still invalid after every attempt
	ErrExhaustedRetries = errors.New("segments failed after all retries")

	// ErrAssemblyFailed indicates ffmpeg or ffprobe failed
	ErrAssemblyFailed = errors.New("audio assembly failed")

	// ErrDrainTimeout indicates the backend queue did not drain in time
	ErrDrainTimeout = errors.New("queue did not drain before the timeout")

	// ErrQueueBusy indicates the backend queue was not empty at start
	ErrQueueBusy = errors.New("TTS queue not empty")

	// ErrServiceUnavailable indicates the status endpoint could not be reached
	ErrServiceUnavailable = errors.New("TTS server unreachable")

	// ErrNoSegments indicates the manifest listed nothing to synthesize
	ErrNoSegments = errors.New("no segments to synthesize")

	// ErrAborted indicates the operator declined to continue
	ErrAborted = errors.New("aborted")
)

// TTSError represents a pipeline error with additional context
type TTSError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *TTSError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *TTSError) Unwrap() error {
	return e.Cause
}

// ErrorCode identifies specific error types
type ErrorCode string

const (
	// Per-segment errors
	ErrorCodeTransport  ErrorCode = "TRANSPORT"
	ErrorCodeServer     ErrorCode = "SERVER"
	ErrorCodeValidation ErrorCode = "VALIDATION"

	// Run errors
	ErrorCodeLockContention     ErrorCode = "LOCK_CONTENTION"
	ErrorCodeExhaustedRetries   ErrorCode = "EXHAUSTED_RETRIES"
	ErrorCodeAssemblyTool       ErrorCode = "ASSEMBLY_TOOL"
	ErrorCodeDrainTimeout       ErrorCode = "DRAIN_TIMEOUT"
	ErrorCodeQueueBusy          ErrorCode = "QUEUE_BUSY"
	ErrorCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeInvalidInput       ErrorCode = "INVALID_INPUT"
)

// NewTTSError creates a new pipeline error with context
func NewTTSError(code ErrorCode, message string, cause error) *TTSError {
	return &TTSError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context to the error
func (e *TTSError) WithContext(key string, value interface{}) *TTSError {
	e.Context[key] = value
	return e
}

// IsFatal returns true if the error should stop the run
func (e *TTSError) IsFatal() bool {
	switch e.Code {
	case ErrorCodeLockContention,
		ErrorCodeExhaustedRetries,
		ErrorCodeAssemblyTool,
		ErrorCodeDrainTimeout,
		ErrorCodeQueueBusy,
		ErrorCodeServiceUnavailable,
		ErrorCodeInvalidInput:
		return true
	default:
		return false
	}
}

// IsRetryable returns true if the segment can be dispatched again
func (e *TTSError) IsRetryable() bool {
	switch e.Code {
	case ErrorCodeTransport,
		ErrorCodeServer,
		ErrorCodeValidation:
		return true
	default:
		return false
	}
}

// Is lets errors.Is match a TTSError against the sentinel of its code.
func (e *TTSError) Is(target error) bool {
	switch e.Code {
	case ErrorCodeLockContention:
		return target == ErrLockContention
	case ErrorCodeExhaustedRetries:
		return target == ErrExhaustedRetries
	case ErrorCodeAssemblyTool:
		return target == ErrAssemblyFailed
	case ErrorCodeDrainTimeout:
		return target == ErrDrainTimeout
	case ErrorCodeQueueBusy:
		return target == ErrQueueBusy
	case ErrorCodeServiceUnavailable:
		return target == ErrServiceUnavailable
	}
	return false
}

// CodeOf returns the code of the first TTSError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var te *TTSError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
