// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/channel-relay/pkg/relay"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:         make(map[string]*model.User),
		TokenToUser:   make(map[string]string),
		Channels:      make(map[string]*model.Channel),
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// createdPosts decodes every POST /api/v4/posts body seen so far.
func (f *fakeMM) createdPosts() []*model.Post {
	var posts []*model.Post
	for _, c := range f.Calls() {
		if c.Method != http.MethodPost || c.Path != "/api/v4/posts" {
			continue
		}
		var post model.Post
		if err := json.Unmarshal([]byte(c.Body), &post); err == nil {
			posts = append(posts, &post)
		}
	}
	return posts
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
			return
		}
	}

	path := r.URL.Path

	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		_ = json.NewEncoder(w).Encode(&post)

	// GET /api/v4/channels/{channel_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && !strings.Contains(path[len("/api/v4/channels/"):], "/"):
		chID := path[len("/api/v4/channels/"):]
		if ch, ok := f.Channels[chID]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "channel not found"})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// recordingHandler captures events delivered by the binding.
type recordingHandler struct {
	mu          sync.Mutex
	messages    []*relay.Message
	disconnects []error
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg *relay.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleDisconnect(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, err)
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages), len(h.disconnects)
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// postedEvent builds a posted event carrying post, as the server sends it.
func postedEvent(post *model.Post, senderName string) *model.WebSocketEvent {
	raw, _ := json.Marshal(post)
	return newWebSocketEvent(model.WebsocketEventPosted, post.ChannelId, map[string]any{
		"post":         string(raw),
		"sender_name":  "@" + senderName,
		"channel_name": "town-square",
	})
}

// newConnectedPlatform returns a binding that behaves as if Open had
// succeeded against serverURL, without a WebSocket.
func newConnectedPlatform(serverURL string, h relay.EventHandler) *Platform {
	p := New(Config{ServerURL: serverURL, BotPrefix: "relaybot"}, zerolog.Nop())
	p.client = p.newClient("test-token")
	p.handler = h
	p.userID = "my-user-id"
	return p
}
