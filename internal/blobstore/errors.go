package blobstore

import (
	"errors"
	"strings"
)

// Error kinds. Every error returned by the store unwraps to exactly one of these.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrIOFailure    = errors.New("io failure")
	ErrInconsistent = errors.New("inconsistent")
	ErrInvalid      = errors.New("invalid argument")
)

// Specific failures.
var (
	ErrDuplicateVolumeID  = errors.New("duplicate volume id")
	ErrVolumeNotFound     = errors.New("volume not found")
	ErrNoCurrentVolume    = errors.New("no current volume")
	ErrStagingWriteFailed = errors.New("staging write failed")
	ErrStagedBlobExpired  = errors.New("staged blob expired")
	ErrLinkFailed         = errors.New("link failed")
	ErrCopyFailed         = errors.New("copy failed")
	ErrDestinationExists  = errors.New("destination exists")
	ErrBlobMissing        = errors.New("blob missing")
	ErrMoveIncomplete     = errors.New("move incomplete")
	ErrInvalidIdentity    = errors.New("invalid identity")
	ErrReferenceNotFound  = errors.New("reference not found")
)

var kinds = map[error]error{
	ErrDuplicateVolumeID:  ErrConflict,
	ErrVolumeNotFound:     ErrNotFound,
	ErrNoCurrentVolume:    ErrNotFound,
	ErrStagingWriteFailed: ErrIOFailure,
	ErrStagedBlobExpired:  ErrNotFound,
	ErrLinkFailed:         ErrIOFailure,
	ErrCopyFailed:         ErrIOFailure,
	ErrDestinationExists:  ErrConflict,
	ErrBlobMissing:        ErrNotFound,
	ErrMoveIncomplete:     ErrInconsistent,
	ErrInvalidIdentity:    ErrInvalid,
	ErrReferenceNotFound:  ErrNotFound,
}

// Error is a typed store failure. It unwraps to its kind, its specific
// sentinel and the underlying cause, so errors.Is matches any of them.
type Error struct {
	Kind  error
	Err   error
	Op    string
	Path  string
	Cause error
}

// NewError builds an Error whose kind is derived from the specific sentinel.
func NewError(op, path string, specific, cause error) *Error {
	kind, ok := kinds[specific]
	if !ok {
		kind = ErrIOFailure
	}
	return &Error{Kind: kind, Err: specific, Op: op, Path: path, Cause: cause}
}

// Inconsistent marks err as a metadata/storage divergence.
func Inconsistent(op, path string, err error) *Error {
	return &Error{Kind: ErrInconsistent, Op: op, Path: path, Cause: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 4)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Path != "" {
		parts = append(parts, e.Path)
	}
	switch {
	case e.Err != nil:
		parts = append(parts, e.Err.Error())
	case e.Kind != nil:
		parts = append(parts, e.Kind.Error())
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 3)
	for _, err := range []error{e.Kind, e.Err, e.Cause} {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool     { return errors.Is(err, ErrConflict) }
func IsIOFailure(err error) bool    { return errors.Is(err, ErrIOFailure) }
func IsInconsistent(err error) bool { return errors.Is(err, ErrInconsistent) }

// KindOf returns a short machine-readable name for the error kind.
// Inconsistent wins over NotFound because a missing blob that metadata
// still references is a divergence, not a benign absence.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInconsistent):
		return "inconsistent"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalid):
		return "invalid_argument"
	case errors.Is(err, ErrIOFailure):
		return "io_failure"
	default:
		return "internal"
	}
}
