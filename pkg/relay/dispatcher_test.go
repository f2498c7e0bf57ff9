// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestDestinationFor(t *testing.T) {
	t.Parallel()
	oneWay := &Route{SourceChannelID: "A", TargetChannelID: "B"}
	twoWay := &Route{SourceChannelID: "A", TargetChannelID: "B", Bidirectional: true}
	tests := []struct {
		name    string
		route   *Route
		channel string
		want    string
		wantOK  bool
	}{
		{"one-way forward", oneWay, "A", "B", true},
		{"one-way reverse", oneWay, "B", "", false},
		{"one-way unrelated", oneWay, "C", "", false},
		{"two-way forward", twoWay, "A", "B", true},
		{"two-way reverse", twoWay, "B", "A", true},
		{"two-way unrelated", twoWay, "C", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := destinationFor(tt.route, tt.channel)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("destinationFor(%q): got (%q, %v), want (%q, %v)", tt.channel, got, ok, tt.want, tt.wantOK)
			}
			if ok && got == tt.channel {
				t.Errorf("destination %q equals origin", got)
			}
		})
	}
}

func TestPlan_SkipsInactiveAndSelfRoutes(t *testing.T) {
	t.Parallel()
	routes := []*Route{
		{ID: "r1", SourceChannelID: "A", TargetChannelID: "B", Active: true},
		{ID: "r2", SourceChannelID: "A", TargetChannelID: "C", Active: false},
		{ID: "r3", SourceChannelID: "A", TargetChannelID: "A", Active: true, Bidirectional: true},
		{ID: "r4", SourceChannelID: "D", TargetChannelID: "A", Active: true, Bidirectional: true},
	}
	got := plan(routes, "A")
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0].route.ID != "r1" || got[0].destination != "B" {
		t.Errorf("first delivery: got %s->%s, want r1->B", got[0].route.ID, got[0].destination)
	}
	if got[1].route.ID != "r4" || got[1].destination != "D" {
		t.Errorf("second delivery: got %s->%s, want r4->D", got[1].route.ID, got[1].destination)
	}
}

func TestDispatch_BotMessageIgnored(t *testing.T) {
	t.Parallel()
	store := newFakeStorage()
	store.addRoute(Route{ID: "r1", SourceChannelID: "C1", TargetChannelID: "C2", Active: true})
	platform := newFakePlatform()
	platform.Channels["C2"] = "general"
	svc := newTestService(store, platform, clock.NewMock(), Options{})

	msg := newMessage("m1", "C1", "hello")
	msg.AuthorIsBot = true
	svc.dispatcher.Dispatch(context.Background(), msg)

	if n := len(platform.Cards()); n != 0 {
		t.Errorf("expected no sends, got %d", n)
	}
	if n := len(store.entries("")); n != 0 {
		t.Errorf("expected no activity entries, got %d", n)
	}
}

func TestDispatch_OneWayForward(t *testing.T) {
	t.Parallel()
	store := newFakeStorage()
	store.addRoute(Route{ID: "r1", SourceChannelID: "C1", TargetChannelID: "C2", Active: true})
	platform := newFakePlatform()
	platform.Channels["C1"] = "announcements"
	platform.Channels["C2"] = "general"
	svc := newTestService(store, platform, clock.NewMock(), Options{})

	msg := newMessage("m1", "C1", "hello")
	msg.AuthorDisplayName = "Alice"
	msg.AuthorIconURL = "https://cdn.example.com/alice.png"
	svc.dispatcher.Dispatch(context.Background(), msg)

	cards := platform.Cards()
	if len(cards) != 1 {
		t.Fatalf("expected 1 send, got %d", len(cards))
	}
	card := cards[0]
	if card.ChannelID != "C2" {
		t.Errorf("destination: got %q, want C2", card.ChannelID)
	}
	if card.Card.Footer != "Relayed from #announcements" {
		t.Errorf("footer: got %q", card.Card.Footer)
	}
	if card.Card.Description != "hello" {
		t.Errorf("description: got %q, want hello", card.Card.Description)
	}
	if card.Card.AuthorName != "Alice" || card.Card.AuthorIconURL != msg.AuthorIconURL {
		t.Errorf("author: got %q/%q", card.Card.AuthorName, card.Card.AuthorIconURL)
	}
	if card.Card.Color != RelayColor {
		t.Errorf("color: got %#x, want %#x", card.Card.Color, RelayColor)
	}
	if !card.Card.Timestamp.Equal(msg.CreatedAt) {
		t.Errorf("timestamp: got %v, want %v", card.Card.Timestamp, msg.CreatedAt)
	}

	stats, _ := store.GetStats(context.Background())
	if stats.MessagesRelayed != 1 || stats.APICalls != 1 {
		t.Errorf("stats: got relayed=%d calls=%d, want 1/1", stats.MessagesRelayed, stats.APICalls)
	}
	relays := store.entries(ActivityRelay)
	if len(relays) != 1 {
		t.Fatalf("expected 1 RELAY entry, got %d", len(relays))
	}
	want := "Message relayed from #announcements to #general (ID: m1)"
	if relays[0].Message != want {
		t.Errorf("entry message: got %q, want %q", relays[0].Message, want)
	}
	if relays[0].ChannelID != "C2" || relays[0].UserID != "user1" {
		t.Errorf("entry ids: got channel=%q user=%q", relays[0].ChannelID, relays[0].UserID)
	}
}

func TestDispatch_OneWayReverseIgnored(t *testing.T) {
	t.Parallel()
	store := newFakeStorage()
	store.addRoute(Route{ID: "r1", SourceChannelID: "C1", TargetChannelID: "C2", Active: true})
	platform := newFakePlatform()
	platform.Channels["C1"] = "announcements"
	platform.Channels["C2"] = "general"
	svc := newTestService(store, platform, clock.NewMock(), Options{})

	svc.dispatcher.Dispatch(context.Background(), newMessage("m1", "C2", "hello"))

	if n := len(platform.Cards()); n != 0 {
		t.Errorf("expected no sends, got %d", n)
	}
	if n := len(store.entries("")); n != 0 {
		t.Errorf("expected no activity entries, got %d", n)
	}
	stats, _ := store.GetStats(context.Background())
	if stats.MessagesRelayed != 0 || stats.APICalls != 0 {
		t.Errorf("stats changed: relayed=%d calls=%d", stats.MessagesRelayed, stats.APICalls)
	}
}

func TestDispatch_BidirectionalNeverEchoes(t *testing.T) {
	t.Parallel()
	store := newFakeStorage()
	// Several routes between the same pair must still never send back to
	// the origin.
	store.addRoute(Route{ID: "r1", SourceChannelID: "A", TargetChannelID: "B", Active: true, Bidirectional: true})
	store.addRoute(Route{ID: "r2", SourceChannelID: "B", TargetChannelID: "A", Active: true, Bidirectional: true})
	platform := newFakePlatform()
	platform.Channels["A"] = "alpha"
	platform.Channels["B"] = "beta"
	svc := newTestService(store, platform, clock.NewMock(), Options{})

	svc.dispatcher.Dispatch(context.Background(), newMessage("m1", "A", "ping"))
	for _, c := range platform.Cards() {
		if c.ChannelID != "B" {
			t.Errorf("message from A sent to %q", c.ChannelID)
		}
	}
	if n := len(platform.Cards()); n != 2 {
		t.Errorf("expected 2 sends to B, got %d", n)
	}

	// The relayed copy arrives on B authored by the bot and is ignored.
	echo := newMessage("m2", "B", "ping")
	echo.AuthorIsBot = true
	svc.HandleMessage(context.Background(), echo)
	if n := len(platform.Cards()); n != 2 {
		t.Errorf("bot echo triggered sends: got %d total", n)
	}
}

func TestDispatch_PartialFailuresIsolated(t *testing.T) {
	t.Parallel()
	store := newFakeStorage()
	store.addRoute(Route{ID: "ok1", SourceChannelID: "S", TargetChannelID: "T1", Active: true})
	store.addRoute(Route{ID: "unresolvable", SourceChannelID: "S", TargetChannelID: "T2", Active: true})
	store.addRoute(Route{ID: "forbidden", SourceChannelID: "S", TargetChannelID: "T3", Active: true})
	store.addRoute(Route{ID: "ok2", SourceChannelID: "S", TargetChannelID: "T4", Active: true})
	platform := newFakePlatform()
	platform.Channels["S"] = "source"
	platform.Channels["T1"] = "one"
	platform.Channels["T3"] = "three"
	platform.Channels["T4"] = "four"
	platform.FailSend["T3"] = true
	svc := newTestService(store, platform, clock.NewMock(), Options{})

	svc.dispatcher.Dispatch(context.Background(), newMessage("m1", "S", "fan out"))

	if n := len(platform.Cards()); n != 2 {
		t.Errorf("expected 2 successful sends, got %d", n)
	}
	if n := len(store.entries(ActivityRelay)); n != 2 {
		t.Errorf("expected 2 RELAY entries, got %d", n)
	}
	errs := store.entries(ActivityError)
	if len(errs) != 2 {
		t.Fatalf("expected 2 ERROR entries, got %d", len(errs))
	}
	seen := map[string]bool{}
	for _, e := range errs {
		seen[e.ChannelID] = true
		if !strings.Contains(e.Message, e.ChannelID) {
			t.Errorf("error entry does not name destination: %q", e.Message)
		}
	}
	if !seen["T2"] || !seen["T3"] {
		t.Errorf("error entries for wrong channels: %v", seen)
	}
	stats, _ := store.GetStats(context.Background())
	if stats.MessagesRelayed != 2 {
		t.Errorf("messages relayed: got %d, want 2", stats.MessagesRelayed)
	}
}

func TestDispatch_NoRoutesNoEntries(t *testing.T) {
	t.Parallel()
	store := newFakeStorage()
	store.addRoute(Route{ID: "r1", SourceChannelID: "C1", TargetChannelID: "C2", Active: false})
	platform := newFakePlatform()
	svc := newTestService(store, platform, clock.NewMock(), Options{})

	svc.dispatcher.Dispatch(context.Background(), newMessage("m1", "C1", "hello"))

	if n := len(store.entries("")); n != 0 {
		t.Errorf("expected no activity entries, got %d", n)
	}
}

func TestDispatch_SourceNameFallbacks(t *testing.T) {
	t.Parallel()
	store := newFakeStorage()
	store.addRoute(Route{ID: "r1", SourceChannelID: "C1", TargetChannelID: "C2", Active: true})
	platform := newFakePlatform()
	platform.Channels["C2"] = "general"
	svc := newTestService(store, platform, clock.NewMock(), Options{})

	// C1 cannot be resolved, so the footer falls back to the ID.
	svc.dispatcher.Dispatch(context.Background(), newMessage("m1", "C1", "a"))
	msg := newMessage("m2", "C1", "b")
	msg.ChannelName = "from-event"
	svc.dispatcher.Dispatch(context.Background(), msg)

	cards := platform.Cards()
	if len(cards) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(cards))
	}
	if cards[0].Card.Footer != "Relayed from #C1" {
		t.Errorf("first footer: got %q", cards[0].Card.Footer)
	}
	if cards[1].Card.Footer != "Relayed from #from-event" {
		t.Errorf("second footer: got %q", cards[1].Card.Footer)
	}
}

func TestDispatch_EmptyContentRelayed(t *testing.T) {
	t.Parallel()
	store := newFakeStorage()
	store.addRoute(Route{ID: "r1", SourceChannelID: "C1", TargetChannelID: "C2", Active: true})
	platform := newFakePlatform()
	platform.Channels["C2"] = "general"
	svc := newTestService(store, platform, clock.NewMock(), Options{})

	svc.dispatcher.Dispatch(context.Background(), newMessage("m1", "C1", ""))

	if n := len(platform.Cards()); n != 1 {
		t.Errorf("expected 1 send, got %d", n)
	}
}

func TestDispatch_ConcurrentStatsNoLostUpdate(t *testing.T) {
	t.Parallel()
	store := newFakeStorage()
	store.addRoute(Route{ID: "r1", SourceChannelID: "C1", TargetChannelID: "C2", Active: true})
	store.addRoute(Route{ID: "r2", SourceChannelID: "C3", TargetChannelID: "C4", Active: true})
	platform := newFakePlatform()
	platform.Channels["C2"] = "two"
	platform.Channels["C4"] = "four"
	svc := newTestService(store, platform, clock.NewMock(), Options{})

	var wg sync.WaitGroup
	for _, msg := range []*Message{newMessage("m1", "C1", "x"), newMessage("m2", "C3", "y")} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.dispatcher.Dispatch(context.Background(), msg)
		}()
	}
	wg.Wait()

	stats, _ := store.GetStats(context.Background())
	if stats.MessagesRelayed != 2 {
		t.Errorf("messages relayed: got %d, want 2", stats.MessagesRelayed)
	}
}

func TestDispatch_WebhookNotified(t *testing.T) {
	t.Parallel()
	var (
		mu       sync.Mutex
		payloads []WebhookPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p WebhookPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newFakeStorage()
	store.addRoute(Route{ID: "r1", SourceChannelID: "C1", TargetChannelID: "C2", Active: true})
	platform := newFakePlatform()
	platform.Channels["C2"] = "general"
	svc := newTestService(store, platform, clock.NewMock(), Options{})
	svc.notifier.SetURL(srv.URL)

	svc.dispatcher.Dispatch(context.Background(), newMessage("m1", "C1", "hello"))

	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 1 {
		t.Fatalf("expected 1 webhook call, got %d", len(payloads))
	}
	p := payloads[0]
	if p.Author != "alice" || p.Content != "hello" || p.SourceChannelID != "C1" ||
		p.TargetChannelID != "C2" || p.OriginalMessageID != "m1" {
		t.Errorf("unexpected payload: %+v", p)
	}
	if p.Timestamp != "2026-01-02T03:04:05Z" {
		t.Errorf("timestamp: got %q", p.Timestamp)
	}
}

func TestDispatch_ConservativePostureDeliversAll(t *testing.T) {
	t.Parallel()
	store := newFakeStorage()
	store.addRoute(Route{ID: "r1", SourceChannelID: "S", TargetChannelID: "T1", Active: true})
	store.addRoute(Route{ID: "r2", SourceChannelID: "S", TargetChannelID: "T2", Active: true})
	store.addRoute(Route{ID: "r3", SourceChannelID: "S", TargetChannelID: "T3", Active: true})
	platform := newFakePlatform()
	platform.Channels["S"] = "source"
	platform.Channels["T1"] = "one"
	platform.Channels["T2"] = "two"
	platform.Channels["T3"] = "three"
	// Each send is allowed far less than the second the limiter makes the
	// later routes wait.
	svc := newTestService(store, platform, clock.NewMock(), Options{SendTimeout: 200 * time.Millisecond})
	if err := svc.limiter.SetPosture(PostureConservative); err != nil {
		t.Fatalf("set posture: %v", err)
	}

	svc.dispatcher.Dispatch(context.Background(), newMessage("m1", "S", "slow and steady"))

	if n := len(platform.Cards()); n != 3 {
		t.Errorf("expected 3 sends, got %d", n)
	}
	if errs := store.entries(ActivityError); len(errs) != 0 {
		t.Errorf("expected no ERROR entries, got %+v", errs)
	}
	stats, _ := store.GetStats(context.Background())
	if stats.MessagesRelayed != 3 {
		t.Errorf("messages relayed: got %d, want 3", stats.MessagesRelayed)
	}
}

func TestDispatch_HangingSendTimesOut(t *testing.T) {
	t.Parallel()
	store := newFakeStorage()
	store.addRoute(Route{ID: "ok1", SourceChannelID: "S", TargetChannelID: "T1", Active: true})
	store.addRoute(Route{ID: "stuck", SourceChannelID: "S", TargetChannelID: "T2", Active: true})
	store.addRoute(Route{ID: "ok2", SourceChannelID: "S", TargetChannelID: "T3", Active: true})
	platform := newFakePlatform()
	platform.Channels["S"] = "source"
	platform.Channels["T1"] = "one"
	platform.Channels["T2"] = "two"
	platform.Channels["T3"] = "three"
	platform.BlockSend["T2"] = true
	svc := newTestService(store, platform, clock.NewMock(), Options{SendTimeout: 50 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.dispatcher.Dispatch(context.Background(), newMessage("m1", "S", "fan out"))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not return after the send timeout")
	}

	cards := platform.Cards()
	if len(cards) != 2 {
		t.Fatalf("expected 2 successful sends, got %d", len(cards))
	}
	for _, c := range cards {
		if c.ChannelID == "T2" {
			t.Errorf("hanging channel recorded a send")
		}
	}
	if n := len(store.entries(ActivityRelay)); n != 2 {
		t.Errorf("expected 2 RELAY entries, got %d", n)
	}
	errs := store.entries(ActivityError)
	if len(errs) != 1 {
		t.Fatalf("expected 1 ERROR entry, got %d", len(errs))
	}
	if errs[0].ChannelID != "T2" || !strings.Contains(errs[0].Message, "T2") {
		t.Errorf("error entry: got channel=%q message=%q", errs[0].ChannelID, errs[0].Message)
	}
	if !strings.Contains(errs[0].Message, "deadline exceeded") {
		t.Errorf("error entry does not mention the timeout: %q", errs[0].Message)
	}
	stats, _ := store.GetStats(context.Background())
	if stats.MessagesRelayed != 2 {
		t.Errorf("messages relayed: got %d, want 2", stats.MessagesRelayed)
	}
}
