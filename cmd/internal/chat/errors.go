package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when a request is malformed (empty body,
	// missing room, bad sender reference). Rejected before any side effect.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a delete target is absent from both the
	// buffer and durable storage.
	ErrNotFound = errors.New("not found")

	// ErrWindowExpired is returned when a non-admin requests delete-for-everyone
	// past the allowed window.
	ErrWindowExpired = errors.New("delete window expired")

	// ErrStorage wraps transient storage failures on terminal operations.
	ErrStorage = errors.New("storage failure")

	// ErrObjectStore wraps file object deletion failures. Callers treat these
	// as best-effort and never abort the surrounding operation.
	ErrObjectStore = errors.New("object store failure")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind MUST be one of the sentinel errors above when applicable.
// Msg may include human-readable context; do not include message bodies.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsWindowExpired reports whether err represents ErrWindowExpired.
func IsWindowExpired(err error) bool { return errors.Is(err, ErrWindowExpired) }

// IsStorage reports whether err represents ErrStorage.
func IsStorage(err error) bool { return errors.Is(err, ErrStorage) }

// IsObjectStore reports whether err represents ErrObjectStore.
func IsObjectStore(err error) bool { return errors.Is(err, ErrObjectStore) }

func storageErr(op string, err error) error {
	return OpError{Op: op, Kind: ErrStorage, Msg: err.Error()}
}
