package mapsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrClosed         = errors.New("engine closed")
	ErrNotImplemented = errors.New("not implemented")

	// Connector error taxonomy. Offline failures halt the whole processing
	// pass; cancelled is a no-op outcome; authentication and unknown are
	// isolated to the affected provider.
	ErrOffline        = errors.New("offline")
	ErrCancelled      = errors.New("cancelled")
	ErrAuthentication = errors.New("authentication failed")
)

// SyncError wraps a connector failure with its taxonomy sentinel and the
// provider/operation it occurred on. errors.Is matches the sentinel.
type SyncError struct {
	Kind     error
	Provider string
	Op       string
	Err      error
}

func (e *SyncError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func (e *SyncError) Is(target error) bool {
	return target == e.Kind
}

func Offline(provider, op string, err error) error {
	return &SyncError{Kind: ErrOffline, Provider: provider, Op: op, Err: err}
}

func Cancelled(provider, op string, err error) error {
	return &SyncError{Kind: ErrCancelled, Provider: provider, Op: op, Err: err}
}

func Authentication(provider, op string, err error) error {
	return &SyncError{Kind: ErrAuthentication, Provider: provider, Op: op, Err: err}
}

func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthentication)
}
