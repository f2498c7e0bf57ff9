// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

type staticLimiter struct {
	limit *SessionLimit
	err   error
	delay time.Duration
}

func (s staticLimiter) SessionLimit(ctx context.Context, _ string) (*SessionLimit, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.limit, s.err
}

func TestQuotaGuard_Check(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		limiter    staticLimiter
		wantQuota  bool
		wantRetry  time.Duration
		wantPrefly bool
	}{
		{name: "unlimited", limiter: staticLimiter{}},
		{name: "remaining", limiter: staticLimiter{limit: &SessionLimit{Total: 1000, Remaining: 3}}},
		{
			name:      "exhausted rounds up",
			limiter:   staticLimiter{limit: &SessionLimit{Total: 1000, Remaining: 0, ResetAfter: 1500 * time.Millisecond}},
			wantQuota: true,
			wantRetry: 2 * time.Second,
		},
		{
			name:      "exhausted zero reset floors to one second",
			limiter:   staticLimiter{limit: &SessionLimit{Total: 1000, Remaining: 0}},
			wantQuota: true,
			wantRetry: time.Second,
		},
		{
			name:      "negative remaining",
			limiter:   staticLimiter{limit: &SessionLimit{Total: 1000, Remaining: -1, ResetAfter: 3 * time.Second}},
			wantQuota: true,
			wantRetry: 3 * time.Second,
		},
		{name: "query error", limiter: staticLimiter{err: errors.New("boom")}, wantPrefly: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewQuotaGuard(tt.limiter, time.Second).Check(context.Background(), "token")
			var quotaErr *QuotaExhaustedError
			var preErr *PreflightError
			switch {
			case tt.wantQuota:
				if !errors.As(err, &quotaErr) {
					t.Fatalf("expected QuotaExhaustedError, got %v", err)
				}
				if quotaErr.RetryAfter != tt.wantRetry {
					t.Errorf("retry after: got %v, want %v", quotaErr.RetryAfter, tt.wantRetry)
				}
			case tt.wantPrefly:
				if !errors.As(err, &preErr) {
					t.Fatalf("expected PreflightError, got %v", err)
				}
			default:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}
		})
	}
}

func TestQuotaGuard_Timeout(t *testing.T) {
	t.Parallel()
	guard := NewQuotaGuard(staticLimiter{delay: time.Minute}, 20*time.Millisecond)
	err := guard.Check(context.Background(), "token")
	var preErr *PreflightError
	if !errors.As(err, &preErr) {
		t.Fatalf("expected PreflightError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestQuotaExhaustedError_Message(t *testing.T) {
	t.Parallel()
	err := &QuotaExhaustedError{Total: 1000, Remaining: 0, RetryAfter: 42 * time.Second}
	want := "no session starts remaining (0/1000), try again in ~42s"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
