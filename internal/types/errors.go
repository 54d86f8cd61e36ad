package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrRemoteService    = errors.New("remote service error")
	ErrNotMedia         = errors.New("not media")
	ErrMediaProcessing  = errors.New("media processing error")
	ErrTimeout          = errors.New("timeout")
	ErrStorage          = errors.New("storage error")
	ErrBusinessFailure  = errors.New("business failure")
	ErrSlateSkipped     = errors.New("slate skipped")
)

// InvalidParameter reports a bad enumerated input caught before any network call.
func InvalidParameter(name, detail string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidParameter, name, detail)
}

// RemoteServiceError is a transport or HTTP failure talking to a dependency.
type RemoteServiceError struct {
	Service string
	Op      string
	Status  int
	Detail  string
	Err     error
}

func (e *RemoteServiceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Service)
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RemoteServiceError) Is(target error) bool { return target == ErrRemoteService }
func (e *RemoteServiceError) Unwrap() error        { return e.Err }

// Transient reports whether retrying the same request could succeed.
func (e *RemoteServiceError) Transient() bool {
	return e.Status == 0 || e.Status == 408 || e.Status == 429 || e.Status >= 500
}

// NotMediaError means fetched bytes are not a recognisable image, video or audio file.
type NotMediaError struct {
	Source string
	Header string
	Reason string
}

func (e *NotMediaError) Error() string {
	msg := "not media"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Source != "" {
		msg += " (" + e.Source + ")"
	}
	if e.Header != "" {
		msg += " header=" + e.Header
	}
	return msg
}

func (e *NotMediaError) Is(target error) bool { return target == ErrNotMedia }

// MediaProcessingError wraps a failed media binary invocation.
type MediaProcessingError struct {
	Op     string
	Output string
	Err    error
}

func (e *MediaProcessingError) Error() string {
	msg := "media " + e.Op
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *MediaProcessingError) Is(target error) bool { return target == ErrMediaProcessing }
func (e *MediaProcessingError) Unwrap() error        { return e.Err }

// TimeoutError means polling exhausted its attempts without a terminal status.
type TimeoutError struct {
	Handle   JobHandle
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s timed out after %d attempts (%s)", e.Handle, e.Attempts, e.Elapsed.Round(time.Second))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// StorageError means every hosting fallback failed.
type StorageError struct {
	Attempts []error
}

func (e *StorageError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, err := range e.Attempts {
		parts = append(parts, err.Error())
	}
	return "storage: all hosting options failed: " + strings.Join(parts, "; ")
}

func (e *StorageError) Is(target error) bool { return target == ErrStorage }
func (e *StorageError) Unwrap() []error      { return e.Attempts }

// BusinessFailure means the remote service explicitly reported the job as failed.
type BusinessFailure struct {
	Handle JobHandle
	Reason string
}

func (e *BusinessFailure) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "no error detail reported"
	}
	return fmt.Sprintf("job %s failed: %s", e.Handle, reason)
}

func (e *BusinessFailure) Is(target error) bool { return target == ErrBusinessFailure }

// Kind is the coarse error class used by the server and queue layers.
type Kind string

const (
	KindClientInput Kind = "client_input"
	KindRetryLater  Kind = "retry_later"
	KindPermanent   Kind = "permanent"
	KindInternal    Kind = "internal"
)

// Classify maps an error onto the caller-facing kind.
func Classify(err error) Kind {
	var rse *RemoteServiceError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidParameter), errors.Is(err, ErrNotMedia):
		return KindClientInput
	case errors.Is(err, ErrStorage), errors.Is(err, ErrMediaProcessing):
		return KindInternal
	case errors.As(err, &rse):
		if rse.Transient() {
			return KindRetryLater
		}
		return KindPermanent
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrRemoteService):
		return KindRetryLater
	case errors.Is(err, ErrBusinessFailure):
		return KindPermanent
	default:
		return KindInternal
	}
}
