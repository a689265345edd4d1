package history

import (
	"errors"
	"fmt"
)

var (
	ErrStoreCorrupt   = errors.New("change store corrupt")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// PlatformError wraps a failure raised by the notification platform itself.
// It is the only error a tracked mutation returns.
type PlatformError struct {
	Op  string
	Err error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform %s: %v", e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// TrackingFault records a bookkeeping failure. The store is marked corrupt
// when one occurs; the caller's platform action is unaffected.
type TrackingFault struct {
	Op  string
	Err error
}

func (e *TrackingFault) Error() string {
	return fmt.Sprintf("tracking %s: %v", e.Op, e.Err)
}

func (e *TrackingFault) Unwrap() error {
	return e.Err
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStoreCorrupt, fmt.Sprintf(format, args...))
}
