package storage

import (
	"errors"
	"os"
	"syscall"
)

// Classify wraps a raw OS error from a file operation into a typed Error,
// inferring Kind from the underlying syscall errno where possible.
func Classify(path string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	kind := KindIO
	switch {
	case errors.Is(err, syscall.ENOSPC):
		kind = KindNoSpace
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES):
		kind = KindPermissionDenied
	case errors.Is(err, syscall.ENAMETOOLONG):
		kind = KindPathTooLong
	}
	return &Error{Path: path, Kind: kind, Err: err}
}
