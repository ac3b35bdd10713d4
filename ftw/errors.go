package ftw

import (
	"github.com/pkg/errors"

	"github.com/mit-pdos/go-ftw/wal"
)

var (
	// ErrRegionTooLarge rejects a write before anything is modified.
	ErrRegionTooLarge = errors.New("ftw: write does not fit one region")
	// ErrAccessDenied means an operation is in flight, or the spare area is
	// owned by an unresolved update.
	ErrAccessDenied = errors.New("ftw: access denied")
	// ErrAborted wraps every BlockStore failure.
	ErrAborted          = errors.New("ftw: aborted")
	ErrWorkSpaceOverlap = errors.New("ftw: write overlaps the work space")
	ErrBadGeometry      = errors.New("ftw: bad geometry")

	ErrOutOfLogSpace     = wal.ErrOutOfLogSpace
	ErrInvalidTransition = wal.ErrInvalidTransition
	ErrInvalidWorkSpace  = wal.ErrInvalidWorkSpace
)

type abortError struct {
	op  string
	err error
}

func (e *abortError) Error() string {
	return "ftw: aborted in " + e.op + ": " + e.err.Error()
}

func (e *abortError) Cause() error { return e.err }

func (e *abortError) Unwrap() error { return e.err }

func (e *abortError) Is(target error) bool { return target == ErrAborted }

// geometryError reports a layout the journal cannot use while keeping the
// lower layer's reason reachable through errors.Is.
type geometryError struct {
	err error
}

func (e *geometryError) Error() string {
	return ErrBadGeometry.Error() + ": " + e.err.Error()
}

func (e *geometryError) Cause() error { return e.err }

func (e *geometryError) Unwrap() error { return e.err }

func (e *geometryError) Is(target error) bool { return target == ErrBadGeometry }

// aborted turns an I/O failure during op into an ErrAborted. Errors that are
// not I/O failures pass through unchanged.
func aborted(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAborted) || errors.Is(err, wal.ErrInvalidTransition) ||
		errors.Is(err, ErrAccessDenied) {
		return err
	}
	return &abortError{op: op, err: err}
}
