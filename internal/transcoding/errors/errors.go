// Package errors provides structured error handling for the transcoding engine.
// It defines the failure taxonomy the job manager's retry policy is built on:
// analysis failures are terminal, encode/validation/io failures are retryable,
// and hardware failures trigger a one-shot software fallback.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies a transcoding failure
type ErrorType string

const (
	// ErrorTypeAnalysis indicates a corrupt or unsupported source file.
	// Never retried: the input will not fix itself.
	ErrorTypeAnalysis ErrorType = "analysis"
	// ErrorTypeEncode indicates an encoder process crash or unexpected exit
	ErrorTypeEncode ErrorType = "encode"
	// ErrorTypeHardware indicates hardware acceleration was unavailable
	ErrorTypeHardware ErrorType = "hardware"
	// ErrorTypeValidation indicates the produced output failed validation
	// (zero-byte file, inflation guard)
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeIO indicates a filesystem error (disk full, permissions)
	ErrorTypeIO ErrorType = "io"
	// ErrorTypeQueue indicates a scheduling error (queue full, job missing)
	ErrorTypeQueue ErrorType = "queue"
	// ErrorTypeInternal indicates an internal engine error
	ErrorTypeInternal ErrorType = "internal"
)

// Sentinel errors for common scenarios
var (
	// ErrCorruptInput indicates the source file cannot be decoded
	ErrCorruptInput = errors.New("corrupt or unreadable input")

	// ErrZeroDuration indicates the source reports no playable duration
	ErrZeroDuration = errors.New("input has zero duration")

	// ErrQueueFull indicates the job queue is at capacity
	ErrQueueFull = errors.New("transcoding queue full")

	// ErrJobNotFound indicates a job ID doesn't exist
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotCancellable indicates the job is already in a terminal state
	ErrJobNotCancellable = errors.New("job not cancellable")

	// ErrHardwareUnavailable indicates the hardware encoder failed to initialize
	ErrHardwareUnavailable = errors.New("hardware encoder unavailable")

	// ErrEncoderExit indicates the encoder process exited with an error
	ErrEncoderExit = errors.New("encoder process failed")

	// ErrZeroByteOutput indicates the encoder produced an empty file
	ErrZeroByteOutput = errors.New("zero-byte output")

	// ErrOutputInflated indicates the output grew beyond the source size
	// while inflation prevention was enabled
	ErrOutputInflated = errors.New("transcoded output larger than source")

	// ErrCancelled indicates an operation was cancelled
	ErrCancelled = errors.New("operation cancelled")

	// ErrAlreadyPublished indicates a result for this job-quality pair exists
	ErrAlreadyPublished = errors.New("result already published")
)

// TranscodingError carries failure classification and context through the
// worker boundary, where it is recorded on the job row.
type TranscodingError struct {
	Type    ErrorType
	Op      string // operation that failed, e.g. "analyze", "encode", "publish"
	JobID   string
	Quality string
	Err     error
}

// Error implements the error interface
func (e *TranscodingError) Error() string {
	switch {
	case e.JobID != "" && e.Quality != "":
		return fmt.Sprintf("%s error in %s for job %s (%s): %v", e.Type, e.Op, e.JobID, e.Quality, e.Err)
	case e.JobID != "":
		return fmt.Sprintf("%s error in %s for job %s: %v", e.Type, e.Op, e.JobID, e.Err)
	default:
		return fmt.Sprintf("%s error in %s: %v", e.Type, e.Op, e.Err)
	}
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *TranscodingError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for sentinel errors
func (e *TranscodingError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// New creates a new TranscodingError
func New(errType ErrorType, op string, err error) *TranscodingError {
	return &TranscodingError{Type: errType, Op: op, Err: err}
}

// WithJob adds job context to the error
func (e *TranscodingError) WithJob(jobID string) *TranscodingError {
	e.JobID = jobID
	return e
}

// WithQuality adds the quality rendition context to the error
func (e *TranscodingError) WithQuality(quality string) *TranscodingError {
	e.Quality = quality
	return e
}

// IsRecoverable reports whether the failure may succeed on retry.
// Analysis failures are the only non-recoverable class: the source itself is
// broken and re-running the encode cannot fix it.
func (e *TranscodingError) IsRecoverable() bool {
	return e.Type != ErrorTypeAnalysis
}

// Error creation helpers

// AnalysisError creates a non-recoverable source analysis error
func AnalysisError(op string, err error) *TranscodingError {
	return New(ErrorTypeAnalysis, op, err)
}

// EncodeError creates an encoder process error
func EncodeError(op string, err error) *TranscodingError {
	return New(ErrorTypeEncode, op, err)
}

// HardwareError creates a hardware availability error
func HardwareError(op string, err error) *TranscodingError {
	return New(ErrorTypeHardware, op, err)
}

// ValidationError creates an output validation error
func ValidationError(op string, err error) *TranscodingError {
	return New(ErrorTypeValidation, op, err)
}

// IOError creates a filesystem error
func IOError(op string, err error) *TranscodingError {
	return New(ErrorTypeIO, op, err)
}

// QueueError creates a scheduling error
func QueueError(op string, err error) *TranscodingError {
	return New(ErrorTypeQueue, op, err)
}

// InternalError creates an internal engine error
func InternalError(op string, err error) *TranscodingError {
	return New(ErrorTypeInternal, op, err)
}

// Wrap wraps an error with classification unless it already carries one
func Wrap(err error, errType ErrorType, op string) error {
	if err == nil {
		return nil
	}
	var tErr *TranscodingError
	if errors.As(err, &tErr) {
		return err
	}
	return New(errType, op, err)
}

// GetType extracts the error classification from an error
func GetType(err error) ErrorType {
	var tErr *TranscodingError
	if errors.As(err, &tErr) {
		return tErr.Type
	}
	return ErrorTypeInternal
}

// IsRecoverable reports whether an arbitrary error is worth retrying.
// Unclassified errors are treated as recoverable so transient faults
// (database hiccups, I/O races) still get retried.
func IsRecoverable(err error) bool {
	var tErr *TranscodingError
	if errors.As(err, &tErr) {
		return tErr.IsRecoverable()
	}
	return true
}

// IsHardware reports whether the error is a hardware availability failure,
// which triggers the software fallback path instead of a retry.
func IsHardware(err error) bool {
	return GetType(err) == ErrorTypeHardware || errors.Is(err, ErrHardwareUnavailable)
}
