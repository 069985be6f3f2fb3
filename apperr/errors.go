// Package apperr classifies failures so the API layer can map them to
// responses and callers can branch without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind groups errors by how the caller should react.
type Kind int

const (
	// KindValidation covers bad request shape or unsupported input. No
	// state was mutated; the client can fix and retry.
	KindValidation Kind = iota
	// KindNotFound means the referenced job or session does not exist.
	KindNotFound
	// KindAuthorization means the session does not own the job.
	KindAuthorization
	// KindConflict means a concurrent operation won (cancellation in
	// progress, part-count mismatch). The job is unchanged and the request
	// is retryable.
	KindConflict
	// KindTransientInfrastructure covers object-store or durable-store call
	// failures. During a client-triggered terminal operation the job is
	// forced to ERRORED; otherwise state is untouched.
	KindTransientInfrastructure
	// KindTerminalConversion means the external converter failed; the job
	// is ERRORED with the captured message.
	KindTerminalConversion
)

// Error is a classified domain error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of err, defaulting to transient infrastructure
// for unclassified failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransientInfrastructure
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// FileTooLarge is returned when a file would need more multipart parts
// than the object store allows. SuggestedPartSize lets the client retry
// with a viable part size.
type FileTooLarge struct {
	FileSize          int64
	MaxFileSize       int64
	SuggestedPartSize int64
}

func (e *FileTooLarge) Error() string {
	return fmt.Sprintf("file too large for multipart upload: %d bytes exceeds max %d, use part size >= %d",
		e.FileSize, e.MaxFileSize, e.SuggestedPartSize)
}

// PartCountMismatch is returned by finalize when fewer parts were
// confirmed than expected. The job stays UPLOADING so the remaining parts
// can be completed and finalize retried.
type PartCountMismatch struct {
	Confirmed int
	Expected  int
}

func (e *PartCountMismatch) Error() string {
	return fmt.Sprintf("upload incomplete: only %d of %d parts were confirmed", e.Confirmed, e.Expected)
}
