// Package perr defines the engine's error taxonomy shared by every internal
// package and re-exported from the root package for callers.
package perr

import "github.com/pkg/errors"

// Sentinel errors. Every error the engine returns across a package boundary
// satisfies errors.Is against exactly one of these; wrapped context is added
// with errors.Wrap so stack traces survive.
var (
	// ErrInUse indicates a claim timed out. Recoverable by retry.
	ErrInUse = errors.New("persistit: resource in use")

	// ErrInterrupted indicates a waiting goroutine's context was cancelled.
	ErrInterrupted = errors.New("persistit: interrupted")

	// ErrInvalidPageAddress indicates a page address is out of range for
	// its volume.
	ErrInvalidPageAddress = errors.New("persistit: invalid page address")

	// ErrInvalidPageStructure indicates an on-disk page failed CRC or
	// header validation.
	ErrInvalidPageStructure = errors.New("persistit: invalid page structure")

	// ErrVolumeClosed indicates an operation against a closed volume.
	ErrVolumeClosed = errors.New("persistit: volume closed")

	// ErrVolumeNotFound indicates an unknown volume handle or name.
	ErrVolumeNotFound = errors.New("persistit: volume not found")

	// ErrPersistitIO wraps a volume or journal I/O error.
	ErrPersistitIO = errors.New("persistit: I/O error")

	// ErrRollback indicates a transaction rolled back, explicitly or
	// because commit-time validation failed.
	ErrRollback = errors.New("persistit: transaction rolled back")

	// ErrWWRetry is internal: a write-write dependency wait timed out
	// during TimelyResource.AddVersion and the walk must retry.
	ErrWWRetry = errors.New("persistit: write-write dependency retry")

	// ErrCorrupt indicates a malformed journal record or a violated
	// checkpoint invariant found during recovery.
	ErrCorrupt = errors.New("persistit: corrupt journal")

	// ErrFatal indicates an invariant violation; the whole database
	// becomes unusable.
	ErrFatal = errors.New("persistit: fatal invariant violation")
)

// Wrap annotates err with msg while preserving errors.Is/As against the
// sentinel chain.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Wrapf is the formatted form of Wrap.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// IO wraps err as ErrPersistitIO with context, the shape every volume or
// journal file-system call returns its failure as.
func IO(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(joinCause(ErrPersistitIO, err), msg)
}

// joinCause produces an error that errors.Is matches against both sentinel
// and cause.
func joinCause(sentinel, cause error) error {
	return &causeError{sentinel: sentinel, cause: cause}
}

type causeError struct {
	sentinel error
	cause    error
}

func (e *causeError) Error() string {
	return e.sentinel.Error() + ": " + e.cause.Error()
}

func (e *causeError) Is(target error) bool {
	return target == e.sentinel
}

func (e *causeError) Unwrap() error {
	return e.cause
}
