package boot

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKernelImage = errors.New("invalid kernel image")
	ErrCommandLineTooLong = errors.New("command line too long")
	ErrOutOfMemory        = errors.New("out of guest memory")
)

// ImageError reports why an image could not be loaded. Err is one of the
// sentinel errors above; Cause, when set, is the underlying parse error.
type ImageError struct {
	Err    error
	Reason string
	Cause  error
}

func (e *ImageError) Error() string {
	msg := fmt.Sprintf("boot: %v: %s", e.Err, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ImageError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func invalidImage(cause error, format string, args ...any) error {
	return &ImageError{Err: ErrInvalidKernelImage, Reason: fmt.Sprintf(format, args...), Cause: cause}
}

func outOfMemory(format string, args ...any) error {
	return &ImageError{Err: ErrOutOfMemory, Reason: fmt.Sprintf(format, args...)}
}

func cmdlineTooLong(n, limit int) error {
	return &ImageError{Err: ErrCommandLineTooLong, Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", n, limit)}
}
