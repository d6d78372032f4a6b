package common

import (
	"fmt"

	"github.com/pkg/errors"
)

// The error taxonomy shared by every layer of the VFS. Callers classify with
// errors.Is, context is attached with errors.Wrap.

var (
	ErrNotFound               = errors.New("not found")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrLocked                 = errors.New("locked")
	ErrAlreadyExists          = errors.New("already exists")
	ErrMalformedPath          = errors.New("malformed path")
	ErrInvalidParameter       = errors.New("invalid parameter")
	ErrTypeMismatch           = errors.New("type mismatch")
	ErrNonDirComponent        = errors.New("non-directory path component")
	ErrRecursionDepthExceeded = errors.New("recursion depth exceeded")
	ErrBlockIo                = errors.New("block I/O error")
	ErrReadOnlyFilesystem     = errors.New("read-only filesystem")
	ErrInconsistentFilesystem = errors.New("inconsistent filesystem")
	ErrOutOfSpace             = errors.New("no space left on volume")
	ErrOutOfMemory            = errors.New("out of memory")
	ErrTransient              = errors.New("transient error")
	ErrNotEmpty               = errors.New("directory not empty")
	ErrUnknown                = errors.New("unknown error")
)

// IoErrorKind classifies a failure reported by a volume.
type IoErrorKind int

const (
	IoUnknown IoErrorKind = iota
	IoBadBlock
	IoReadOnly
	IoInvalidParameter
)

func (k IoErrorKind) String() string {
	switch k {
	case IoBadBlock:
		return "bad block"
	case IoReadOnly:
		return "read-only volume"
	case IoInvalidParameter:
		return "invalid parameter"
	}
	return "unknown"
}

// IoError is a volume-layer failure. It matches ErrBlockIo under errors.Is.
type IoError struct {
	Kind  IoErrorKind
	Block uint64
	Err   error
}

func NewIoError(kind IoErrorKind, block uint64, cause error) *IoError {
	return &IoError{Kind: kind, Block: block, Err: cause}
}

func (e *IoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("block I/O error (%s) at block %d: %s", e.Kind, e.Block, e.Err)
	}
	return fmt.Sprintf("block I/O error (%s) at block %d", e.Kind, e.Block)
}

func (e *IoError) Unwrap() error { return e.Err }

func (e *IoError) Is(target error) bool {
	return target == ErrBlockIo
}

// Unknown builds the escape-hatch error carrying a short diagnostic.
func Unknown(reason string) error {
	return errors.Wrap(ErrUnknown, reason)
}

// Inconsistent reports on-disk structural corruption found by a driver.
func Inconsistent(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInconsistentFilesystem, format, args...)
}
