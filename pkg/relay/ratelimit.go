// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPacingTimeout bounds how long a send may queue behind the posture
// limiter before it is dropped.
const DefaultPacingTimeout = 2 * time.Minute

type postureLimits struct {
	perSecond rate.Limit
	burst     int
}

var postureTable = map[RateLimitPosture]postureLimits{
	PostureConservative: {perSecond: 1, burst: 1},
	PostureModerate:     {perSecond: 5, burst: 5},
	PostureAggressive:   {perSecond: 20, burst: 10},
}

// PostureLimiter paces outbound platform sends according to the configured
// rate-limit posture. The posture can be changed while sends are waiting.
type PostureLimiter struct {
	mu      sync.RWMutex
	posture RateLimitPosture
	limiter *rate.Limiter
}

// NewPostureLimiter creates a limiter for the given posture, falling back to
// moderate for unknown values.
func NewPostureLimiter(posture RateLimitPosture) *PostureLimiter {
	if !posture.Valid() {
		posture = PostureModerate
	}
	limits := postureTable[posture]
	return &PostureLimiter{
		posture: posture,
		limiter: rate.NewLimiter(limits.perSecond, limits.burst),
	}
}

// Posture returns the active posture.
func (pl *PostureLimiter) Posture() RateLimitPosture {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.posture
}

// SetPosture switches the pacing parameters in place.
func (pl *PostureLimiter) SetPosture(posture RateLimitPosture) error {
	if !posture.Valid() {
		return ErrInvalidPosture
	}
	limits := postureTable[posture]
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.posture = posture
	pl.limiter.SetLimit(limits.perSecond)
	pl.limiter.SetBurst(limits.burst)
	return nil
}

// Wait blocks until a send is permitted or ctx is done.
func (pl *PostureLimiter) Wait(ctx context.Context) error {
	return pl.limiter.Wait(ctx)
}

// pacedMessenger applies a PostureLimiter to every outbound send. The
// send timeout starts only once the limiter has granted a slot, so queueing
// never eats into the platform call's own deadline.
type pacedMessenger struct {
	Messenger
	limiter       *PostureLimiter
	sendTimeout   time.Duration
	pacingTimeout time.Duration
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// pace waits for a send slot and returns the context the send must use.
func (pm *pacedMessenger) pace(ctx context.Context, channelID string) (context.Context, context.CancelFunc, error) {
	waitCtx, cancelWait := withOptionalTimeout(ctx, pm.pacingTimeout)
	err := pm.limiter.Wait(waitCtx)
	cancelWait()
	if err != nil {
		return nil, nil, &PacingError{ChannelID: channelID, Err: err}
	}
	sendCtx, cancel := withOptionalTimeout(ctx, pm.sendTimeout)
	return sendCtx, cancel, nil
}

func (pm *pacedMessenger) SendCard(ctx context.Context, channelID string, card *Card) error {
	sendCtx, cancel, err := pm.pace(ctx, channelID)
	if err != nil {
		return err
	}
	defer cancel()
	return pm.Messenger.SendCard(sendCtx, channelID, card)
}

func (pm *pacedMessenger) SendText(ctx context.Context, channelID, text string) error {
	sendCtx, cancel, err := pm.pace(ctx, channelID)
	if err != nil {
		return err
	}
	defer cancel()
	return pm.Messenger.SendText(sendCtx, channelID, text)
}

func (pm *pacedMessenger) Reply(ctx context.Context, to *Message, reply *Reply) error {
	sendCtx, cancel, err := pm.pace(ctx, to.ChannelID)
	if err != nil {
		return err
	}
	defer cancel()
	return pm.Messenger.Reply(sendCtx, to, reply)
}
