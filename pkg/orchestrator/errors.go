package orchestrator

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")

	ErrLLMFailed = errors.New("language model generation failed")

	ErrTTSFailed = errors.New("text-to-speech synthesis failed")

	ErrNilProvider = errors.New("required provider is nil")

	ErrContextCancelled = errors.New("operation cancelled by context")
)

// ErrorClass is the taxonomy the Session Controller dispatches on to decide
// whether an error leaves the session in its current state, retries, or
// forces cleanup.
type ErrorClass string

const (
	// ClassClientProtocol: malformed/out-of-order client frame. An error
	// frame is sent and the connection stays open; no vendor call is involved.
	ClassClientProtocol ErrorClass = "client_protocol"
	// ClassVendorTransient: a vendor call failed in a way that may succeed on
	// retry (timeout, 5xx, connection reset).
	ClassVendorTransient ErrorClass = "vendor_transient"
	// ClassVendorFatal: a vendor call failed in a way retrying won't fix
	// (bad credentials, 4xx other than rate limit, malformed response shape).
	ClassVendorFatal ErrorClass = "vendor_fatal"
	// ClassBackpressure: a bounded channel in the streaming pipeline filled
	// faster than its consumer drained it (slow_consumer).
	ClassBackpressure ErrorClass = "backpressure"
	// ClassInterrupted: the Turn was cancelled by a barge-in, not a failure.
	ClassInterrupted ErrorClass = "interrupted"
)

// ClassifiedError tags an underlying error with its ErrorClass so callers can
// errors.As into it instead of string-matching.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func Classify(class ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// ClassOf extracts the ErrorClass from err, defaulting to ClassVendorFatal
// when err wasn't produced through Classify (a defensive default rather than
// silently treating unknown errors as safe to retry).
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassVendorFatal
}
