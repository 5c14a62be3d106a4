package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Error classes shared by the engines and the Commons client. Concrete errors
// wrap one of these so callers can classify with errors.Is.
var (
	// ErrPrecondition covers missing assets, missing credentials, duplicate
	// target filenames and records that cannot be rendered. Never retried.
	ErrPrecondition = errors.New("precondition failed")

	// ErrRetryable marks transient transport failures (timeouts, throttling,
	// 5xx responses).
	ErrRetryable = errors.New("retryable transport error")

	// ErrConflict marks a write the remote rejected because the target
	// already exists.
	ErrConflict = errors.New("conflict")

	// ErrAuthentication aborts a whole batch.
	ErrAuthentication = errors.New("authentication failed")

	// ErrNotUploaded is returned when structured data is requested for a
	// record that has no upload URL yet.
	ErrNotUploaded = errors.New("record has not been uploaded")

	// ErrPersistence means the record store could not be written. The run
	// must stop because the store no longer reflects what was published.
	ErrPersistence = errors.New("record store persistence failed")
)

// MissingRequiredFieldError is returned by the renderer when the source
// attribution cannot be composed.
type MissingRequiredFieldError struct {
	Field string
}

func (e *MissingRequiredFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

func (e *MissingRequiredFieldError) Unwrap() error { return ErrPrecondition }

// DuplicateFilenameError reports two records resolving to the same target filename.
type DuplicateFilenameError struct {
	Filename string
	IDs      []string
}

func (e *DuplicateFilenameError) Error() string {
	return fmt.Sprintf("target filename %q is shared by records %v", e.Filename, e.IDs)
}

func (e *DuplicateFilenameError) Unwrap() error { return ErrPrecondition }

// ExhaustedRetriesError wraps the last error of a retryable operation that
// never succeeded.
type ExhaustedRetriesError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Err }

// PartialSuccessError is returned in "all" mode when the caption was written
// but the statements were not.
type PartialSuccessError struct {
	ID  string
	Err error
}

func (e *PartialSuccessError) Error() string {
	return fmt.Sprintf("%s: caption written but statements failed: %v", e.ID, e.Err)
}

func (e *PartialSuccessError) Unwrap() error { return e.Err }

// RecordError attributes an error to the record being processed.
type RecordError struct {
	ID  string
	Op  string
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Wrap attributes err to a record. A nil err stays nil.
func Wrap(id, op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RecordError
	if errors.As(err, &re) && re.ID == id {
		return err
	}
	return &RecordError{ID: id, Op: op, Err: err}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// IsFatal reports whether err must make the command exit nonzero.
// Exhausted retries are soft failures and a missing upload is a skip; every
// other failure is fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var exhausted *ExhaustedRetriesError
	if errors.As(err, &exhausted) {
		return false
	}
	return !errors.Is(err, ErrNotUploaded)
}

// AbortsBatch reports whether err must stop a batch instead of moving on to
// the next record.
func AbortsBatch(err error) bool {
	return errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrPersistence) ||
		errors.Is(err, context.Canceled)
}
