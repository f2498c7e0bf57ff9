// Copyright 2024-2026 Aiku AI

package relay

import (
	"strings"
	"time"
)

// Route is a configured relay rule between two channels.
type Route struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	SourceChannelID   string    `json:"sourceChannelId"`
	TargetChannelID   string    `json:"targetChannelId"`
	SourceChannelName string    `json:"sourceChannelName,omitempty"`
	TargetChannelName string    `json:"targetChannelName,omitempty"`
	Bidirectional     bool      `json:"bidirectional"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"createdAt"`
}

// NewRoute holds the fields needed to create a route. The ID and creation
// time are assigned by the storage layer.
type NewRoute struct {
	Name              string `json:"name"`
	SourceChannelID   string `json:"sourceChannelId"`
	TargetChannelID   string `json:"targetChannelId"`
	SourceChannelName string `json:"sourceChannelName,omitempty"`
	TargetChannelName string `json:"targetChannelName,omitempty"`
	Bidirectional     bool   `json:"bidirectional"`
	Active            bool   `json:"active"`
}

// RoutePatch is a partial route update. Nil fields are left unchanged.
type RoutePatch struct {
	Name              *string `json:"name,omitempty"`
	SourceChannelID   *string `json:"sourceChannelId,omitempty"`
	TargetChannelID   *string `json:"targetChannelId,omitempty"`
	SourceChannelName *string `json:"sourceChannelName,omitempty"`
	TargetChannelName *string `json:"targetChannelName,omitempty"`
	Bidirectional     *bool   `json:"bidirectional,omitempty"`
	Active            *bool   `json:"active,omitempty"`
}

// Apply returns a copy of r with the patch applied.
func (p RoutePatch) Apply(r Route) Route {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.SourceChannelID != nil {
		r.SourceChannelID = *p.SourceChannelID
	}
	if p.TargetChannelID != nil {
		r.TargetChannelID = *p.TargetChannelID
	}
	if p.SourceChannelName != nil {
		r.SourceChannelName = *p.SourceChannelName
	}
	if p.TargetChannelName != nil {
		r.TargetChannelName = *p.TargetChannelName
	}
	if p.Bidirectional != nil {
		r.Bidirectional = *p.Bidirectional
	}
	if p.Active != nil {
		r.Active = *p.Active
	}
	return r
}

// ValidateRoute checks the route invariants shared by creation and update.
func ValidateRoute(sourceID, targetID string) error {
	if strings.TrimSpace(sourceID) == "" || strings.TrimSpace(targetID) == "" {
		return ErrMissingChannel
	}
	if sourceID == targetID {
		return ErrSameChannel
	}
	return nil
}

// ConnStatus is the connection state published in the stats row.
type ConnStatus string

const (
	StatusOffline    ConnStatus = "offline"
	StatusConnecting ConnStatus = "connecting"
	StatusOnline     ConnStatus = "online"
)

// Stats is the shared relay statistics row.
type Stats struct {
	MessagesRelayed int64      `json:"messagesRelayed"`
	APICalls        int64      `json:"apiCalls"`
	Status          ConnStatus `json:"status"`
	Uptime          string     `json:"uptime"`
	LastUpdated     time.Time  `json:"lastUpdated"`
}

// StatsDelta describes an atomic change to [Stats]. Counter fields are added
// to the stored values; nil fields are left unchanged.
type StatsDelta struct {
	MessagesRelayed int64
	APICalls        int64
	Status          *ConnStatus
	Uptime          *string
}

// ActivityType classifies an activity log entry.
type ActivityType string

const (
	ActivityRelay   ActivityType = "RELAY"
	ActivityCommand ActivityType = "CMD"
	ActivityInfo    ActivityType = "INFO"
	ActivityWarn    ActivityType = "WARN"
	ActivityError   ActivityType = "ERROR"
)

// ActivityEntry is one record in the capped activity log.
type ActivityEntry struct {
	ID        int64        `json:"id"`
	Type      ActivityType `json:"type"`
	Message   string       `json:"message"`
	ChannelID string       `json:"channelId,omitempty"`
	UserID    string       `json:"userId,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// RateLimitPosture selects how aggressively outbound sends are paced.
type RateLimitPosture string

const (
	PostureConservative RateLimitPosture = "conservative"
	PostureModerate     RateLimitPosture = "moderate"
	PostureAggressive   RateLimitPosture = "aggressive"
)

// Valid reports whether p is a known posture.
func (p RateLimitPosture) Valid() bool {
	switch p {
	case PostureConservative, PostureModerate, PostureAggressive:
		return true
	}
	return false
}

// BotConfig is the persisted bot configuration.
type BotConfig struct {
	BotToken        string           `json:"botToken"`
	RateLimit       RateLimitPosture `json:"rateLimit"`
	LogLevel        string           `json:"logLevel"`
	AutoReconnect   bool             `json:"autoReconnect"`
	WebhookURL      string           `json:"webhookUrl"`
	LastConnectedAt *time.Time       `json:"lastConnectedAt,omitempty"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// BotConfigPatch is a partial bot configuration update. Nil fields are left
// unchanged.
type BotConfigPatch struct {
	BotToken        *string           `json:"botToken,omitempty"`
	RateLimit       *RateLimitPosture `json:"rateLimit,omitempty"`
	LogLevel        *string           `json:"logLevel,omitempty"`
	AutoReconnect   *bool             `json:"autoReconnect,omitempty"`
	WebhookURL      *string           `json:"webhookUrl,omitempty"`
	LastConnectedAt *time.Time        `json:"-"`
}

// MaskedToken is shown instead of the real token on any outward surface.
const MaskedToken = "************************"

// Masked returns a copy of the config that is safe to expose.
func (c BotConfig) Masked() BotConfig {
	if c.BotToken != "" {
		c.BotToken = MaskedToken
	}
	return c
}

// Message is a transport-agnostic inbound chat message.
type Message struct {
	ID                string
	ChannelID         string
	ChannelName       string
	AuthorID          string
	AuthorName        string
	AuthorDisplayName string
	AuthorIconURL     string
	AuthorIsBot       bool
	Content           string
	CreatedAt         time.Time
}

// DisplayName returns the best available human-readable author name.
func (m *Message) DisplayName() string {
	if m.AuthorDisplayName != "" {
		return m.AuthorDisplayName
	}
	if m.AuthorName != "" {
		return m.AuthorName
	}
	return m.AuthorID
}
