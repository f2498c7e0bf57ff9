// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// fakeStorage is an in-memory Storage guarded by a single mutex, which
// makes ApplyStatsDelta atomic.
type fakeStorage struct {
	mu         sync.Mutex
	routes     []*Route
	nextRoute  int
	stats      Stats
	activity   []*ActivityEntry
	nextEntry  int64
	config     BotConfig
	configSets int

	// FailListRoutes makes ListRoutes return an error.
	FailListRoutes bool
	// FailCreateRoute makes CreateRoute return an error.
	FailCreateRoute bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		stats:  Stats{Status: StatusOffline, Uptime: "0m"},
		config: BotConfig{RateLimit: PostureModerate, LogLevel: "info", AutoReconnect: true},
	}
}

func (f *fakeStorage) addRoute(r Route) *Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := r
	f.routes = append(f.routes, &cp)
	return &cp
}

func (f *fakeStorage) ListRoutes(_ context.Context) ([]*Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailListRoutes {
		return nil, errors.New("list routes failed")
	}
	out := make([]*Route, 0, len(f.routes))
	for _, r := range f.routes {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStorage) GetRoute(_ context.Context, id string) (*Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.routes {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStorage) CreateRoute(_ context.Context, nr NewRoute) (*Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreateRoute {
		return nil, errors.New("create route failed")
	}
	f.nextRoute++
	r := &Route{
		ID:                fmt.Sprintf("route-%d", f.nextRoute),
		Name:              nr.Name,
		SourceChannelID:   nr.SourceChannelID,
		TargetChannelID:   nr.TargetChannelID,
		SourceChannelName: nr.SourceChannelName,
		TargetChannelName: nr.TargetChannelName,
		Bidirectional:     nr.Bidirectional,
		Active:            nr.Active,
		CreatedAt:         time.Unix(0, 0),
	}
	f.routes = append(f.routes, r)
	cp := *r
	return &cp, nil
}

func (f *fakeStorage) UpdateRoute(_ context.Context, id string, patch RoutePatch) (*Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.routes {
		if r.ID == id {
			updated := patch.Apply(*r)
			f.routes[i] = &updated
			cp := updated
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStorage) DeleteRoute(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.routes {
		if r.ID == id {
			f.routes = append(f.routes[:i], f.routes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStorage) routeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.routes)
}

func (f *fakeStorage) GetStats(_ context.Context) (*Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.stats
	return &cp, nil
}

func (f *fakeStorage) ApplyStatsDelta(_ context.Context, delta StatsDelta) (*Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.MessagesRelayed += delta.MessagesRelayed
	f.stats.APICalls += delta.APICalls
	if delta.Status != nil {
		f.stats.Status = *delta.Status
	}
	if delta.Uptime != nil {
		f.stats.Uptime = *delta.Uptime
	}
	cp := f.stats
	return &cp, nil
}

func (f *fakeStorage) ResetStats(_ context.Context) (*Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.MessagesRelayed = 0
	f.stats.APICalls = 0
	cp := f.stats
	return &cp, nil
}

func (f *fakeStorage) AppendActivity(_ context.Context, entry ActivityEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextEntry++
	entry.ID = f.nextEntry
	f.activity = append(f.activity, &entry)
	return nil
}

func (f *fakeStorage) ListActivity(_ context.Context, limit int) ([]*ActivityEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ActivityEntry
	for i := len(f.activity) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *f.activity[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStorage) ClearActivity(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = nil
	return nil
}

// entries returns the activity entries of the given type in append order.
// An empty type returns all entries.
func (f *fakeStorage) entries(typ ActivityType) []ActivityEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ActivityEntry
	for _, e := range f.activity {
		if typ == "" || e.Type == typ {
			out = append(out, *e)
		}
	}
	return out
}

func (f *fakeStorage) GetBotConfig(_ context.Context) (*BotConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.config
	return &cp, nil
}

func (f *fakeStorage) UpdateBotConfig(_ context.Context, patch BotConfigPatch) (*BotConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configSets++
	if patch.BotToken != nil {
		f.config.BotToken = *patch.BotToken
	}
	if patch.RateLimit != nil {
		f.config.RateLimit = *patch.RateLimit
	}
	if patch.LogLevel != nil {
		f.config.LogLevel = *patch.LogLevel
	}
	if patch.AutoReconnect != nil {
		f.config.AutoReconnect = *patch.AutoReconnect
	}
	if patch.WebhookURL != nil {
		f.config.WebhookURL = *patch.WebhookURL
	}
	if patch.LastConnectedAt != nil {
		at := *patch.LastConnectedAt
		f.config.LastConnectedAt = &at
	}
	cp := f.config
	return &cp, nil
}

func (f *fakeStorage) setConfig(fn func(*BotConfig)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.config)
}

type sentCard struct {
	ChannelID string
	Card      Card
}

type sentText struct {
	ChannelID string
	Text      string
}

// fakePlatform records every outbound call and serves canned channels and
// session limits.
type fakePlatform struct {
	mu sync.Mutex

	// Channels maps channel ID to name. Unknown IDs fail to resolve.
	Channels map[string]string
	// FailSend makes sends to the given channel IDs fail.
	FailSend map[string]bool
	// BlockSend makes sends to the given channel IDs hang until their
	// context is done.
	BlockSend map[string]bool
	// Limit is returned by SessionLimit. Nil means unlimited.
	Limit    *SessionLimit
	LimitErr error
	OpenErr  error

	cards   []sentCard
	texts   []sentText
	replies []Reply
	opens   int
	closes  int
	tokens  []string
	limits  int
	handler EventHandler
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		Channels:  make(map[string]string),
		FailSend:  make(map[string]bool),
		BlockSend: make(map[string]bool),
	}
}

func (f *fakePlatform) Name() string { return "Fake" }

func (f *fakePlatform) SessionLimit(_ context.Context, _ string) (*SessionLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits++
	if f.LimitErr != nil {
		return nil, f.LimitErr
	}
	if f.Limit == nil {
		return nil, nil
	}
	cp := *f.Limit
	return &cp, nil
}

func (f *fakePlatform) Open(_ context.Context, token string, handler EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.tokens = append(f.tokens, token)
	if f.OpenErr != nil {
		return f.OpenErr
	}
	f.handler = handler
	return nil
}

func (f *fakePlatform) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakePlatform) ResolveChannel(_ context.Context, channelID string) (*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.Channels[channelID]
	if !ok {
		return nil, errors.New("unknown channel")
	}
	return &Channel{ID: channelID, Name: name}, nil
}

// block waits out ctx when sends to channelID are configured to hang.
func (f *fakePlatform) block(ctx context.Context, channelID string) error {
	f.mu.Lock()
	hang := f.BlockSend[channelID]
	f.mu.Unlock()
	if !hang {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakePlatform) SendCard(ctx context.Context, channelID string, card *Card) error {
	if err := f.block(ctx, channelID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSend[channelID] {
		return errors.New("missing permissions")
	}
	f.cards = append(f.cards, sentCard{ChannelID: channelID, Card: *card})
	return nil
}

func (f *fakePlatform) SendText(ctx context.Context, channelID, text string) error {
	if err := f.block(ctx, channelID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSend[channelID] {
		return errors.New("missing permissions")
	}
	f.texts = append(f.texts, sentText{ChannelID: channelID, Text: text})
	return nil
}

func (f *fakePlatform) Reply(_ context.Context, _ *Message, reply *Reply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, *reply)
	return nil
}

func (f *fakePlatform) Cards() []sentCard {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCard(nil), f.cards...)
}

func (f *fakePlatform) Texts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.texts...)
}

func (f *fakePlatform) Replies() []Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Reply(nil), f.replies...)
}

func (f *fakePlatform) lastReply(t *testing.T) Reply {
	t.Helper()
	replies := f.Replies()
	if len(replies) == 0 {
		t.Fatal("expected a reply, got none")
	}
	return replies[len(replies)-1]
}

func (f *fakePlatform) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakePlatform) setOpenErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenErr = err
}

// newTestService builds a Service over fakes with a mock clock. Sends are
// paced by the real limiter at the stored posture.
func newTestService(store *fakeStorage, platform *fakePlatform, mock *clock.Mock, opts Options) *Service {
	opts.Clock = mock
	opts.SetLogLevel = func(zerolog.Level) {}
	return NewService(opts, store, platform, zerolog.Nop())
}

func newMessage(id, channelID, content string) *Message {
	return &Message{
		ID:         id,
		ChannelID:  channelID,
		AuthorID:   "user1",
		AuthorName: "alice",
		Content:    content,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// waitFor polls cond until it holds or a second has passed. Timers on a
// mock clock fire their callbacks in separate goroutines.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
