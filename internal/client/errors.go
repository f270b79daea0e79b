package client

import (
	"context"
	"errors"
	"fmt"
)

// Capture failures. Each maps to a distinct message for the user.
var (
	ErrPermissionDenied = errors.New("capture permission denied")
	ErrNoDevice         = errors.New("no capture device found")
	ErrCaptureFailed    = errors.New("capture failed")
)

var (
	ErrClosed    = errors.New("session closed")
	ErrCancelled = errors.New("media start cancelled")

	errDeviceNotLoaded = errors.New("device capabilities not loaded")
	errJoinInProgress  = errors.New("join already in progress")
)

func captureError(err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrNoDevice), errors.Is(err, ErrCaptureFailed):
		return err
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	default:
		return fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
}
