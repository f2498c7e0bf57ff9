// Copyright 2024-2026 Aiku AI

package relay

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by storage when a route does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSameChannel rejects routes whose source and target are identical.
	ErrSameChannel = errors.New("source and target channel must differ")
	// ErrMissingChannel rejects routes with an empty source or target.
	ErrMissingChannel = errors.New("source and target channel are required")
	// ErrInvalidPosture rejects unknown rate-limit postures.
	ErrInvalidPosture = errors.New("rate limit must be one of conservative, moderate, aggressive")
	// ErrInvalidLogLevel rejects log levels zerolog does not recognize.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrTransportDisconnected is wrapped by bindings when the gateway drops.
	ErrTransportDisconnected = errors.New("transport disconnected")
	// ErrNotConnected is returned by bindings asked to act while offline.
	ErrNotConnected = errors.New("not connected")
)

// ConfigurationError means no usable connection token could be resolved.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// QuotaExhaustedError means the platform's session-start allowance is
// depleted. No connection attempt may be made before RetryAfter elapses.
type QuotaExhaustedError struct {
	Total      int
	Remaining  int
	RetryAfter time.Duration
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("no session starts remaining (%d/%d), try again in ~%ds",
		e.Remaining, e.Total, int64(e.RetryAfter/time.Second))
}

// PreflightError means the session quota could not be confirmed.
type PreflightError struct {
	Err error
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("session preflight failed: %v", e.Err)
}

func (e *PreflightError) Unwrap() error {
	return e.Err
}

// ChannelResolutionError means a channel could not be found or accessed.
type ChannelResolutionError struct {
	ChannelID string
	Err       error
}

func (e *ChannelResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve channel %s: %v", e.ChannelID, e.Err)
}

func (e *ChannelResolutionError) Unwrap() error {
	return e.Err
}

// DeliveryError means the platform rejected a send.
type DeliveryError struct {
	ChannelID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver to channel %s: %v", e.ChannelID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// PacingError means a send never got a slot from the rate limiter. The
// platform was not called.
type PacingError struct {
	ChannelID string
	Err       error
}

func (e *PacingError) Error() string {
	return fmt.Sprintf("send to channel %s not paced in time: %v", e.ChannelID, e.Err)
}

func (e *PacingError) Unwrap() error {
	return e.Err
}
