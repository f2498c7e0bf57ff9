// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"time"
)

// DefaultPreflightTimeout bounds the session quota query.
const DefaultPreflightTimeout = 10 * time.Second

// sessionLimiter is the part of a Gateway the quota guard needs.
type sessionLimiter interface {
	SessionLimit(ctx context.Context, token string) (*SessionLimit, error)
}

// QuotaGuard checks the session-start allowance before every connect.
type QuotaGuard struct {
	gateway sessionLimiter
	timeout time.Duration
}

// NewQuotaGuard creates a guard querying gateway with the given timeout.
func NewQuotaGuard(gateway sessionLimiter, timeout time.Duration) *QuotaGuard {
	if timeout <= 0 {
		timeout = DefaultPreflightTimeout
	}
	return &QuotaGuard{gateway: gateway, timeout: timeout}
}

// Check returns nil if a session may be started with token. It returns a
// *QuotaExhaustedError when the allowance is used up and a *PreflightError
// when the allowance could not be confirmed.
func (qg *QuotaGuard) Check(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, qg.timeout)
	defer cancel()
	limit, err := qg.gateway.SessionLimit(ctx, token)
	if err != nil {
		return &PreflightError{Err: err}
	}
	if limit == nil || limit.Remaining > 0 {
		return nil
	}
	return &QuotaExhaustedError{
		Total:      limit.Total,
		Remaining:  limit.Remaining,
		RetryAfter: retryAfter(limit.ResetAfter),
	}
}

// retryAfter rounds reset up to whole seconds with a one second floor.
func retryAfter(reset time.Duration) time.Duration {
	secs := (reset + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}
