// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"time"
)

// RelayColor is the accent color of relayed cards.
const RelayColor = 0x5865F2

// Channel is a resolved channel handle.
type Channel struct {
	ID   string
	Name string
}

// Card is the rich-formatted copy of a relayed message.
type Card struct {
	AuthorName    string
	AuthorIconURL string
	Description   string
	Footer        string
	Color         int
	Timestamp     time.Time
}

// ReplyField is a labelled value in a structured reply.
type ReplyField struct {
	Name   string
	Value  string
	Inline bool
}

// Reply is a command response. Bindings render Fields as an embed or
// attachment when present and fall back to Text otherwise.
type Reply struct {
	Text   string
	Title  string
	Color  int
	Fields []ReplyField
}

// SessionLimit is the platform's session-start allowance.
type SessionLimit struct {
	Total      int
	Remaining  int
	ResetAfter time.Duration
}

// EventHandler receives events from a live gateway connection.
type EventHandler interface {
	HandleMessage(ctx context.Context, msg *Message)
	// HandleDisconnect is called when the transport drops without Close
	// having been called.
	HandleDisconnect(err error)
}

// Gateway is the connection side of a platform binding.
type Gateway interface {
	// Name is a short human-readable platform name used in logs.
	Name() string
	// SessionLimit reports the remaining session-start allowance for token.
	// A nil limit with a nil error means the platform imposes no quota.
	SessionLimit(ctx context.Context, token string) (*SessionLimit, error)
	// Open performs the handshake and returns once the connection is ready.
	Open(ctx context.Context, token string, handler EventHandler) error
	// Close tears down the connection. It must be safe to call repeatedly.
	Close() error
}

// Messenger is the delivery side of a platform binding.
type Messenger interface {
	ResolveChannel(ctx context.Context, channelID string) (*Channel, error)
	SendCard(ctx context.Context, channelID string, card *Card) error
	SendText(ctx context.Context, channelID, text string) error
	Reply(ctx context.Context, to *Message, reply *Reply) error
}

// Platform is a complete transport binding.
type Platform interface {
	Gateway
	Messenger
}
