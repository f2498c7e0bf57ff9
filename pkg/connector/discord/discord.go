// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discord binds the relay core to a Discord bot account using
// discordgo. The binding never reconnects on its own: every gateway drop is
// reported to the relay supervisor, which decides whether and when to open a
// new session.
package discord

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exhttp"

	"github.com/aiku/channel-relay/pkg/relay"
)

// Intents requested when identifying. MessageContent is privileged and must
// be enabled for the application in the developer portal.
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

const restTimeout = 20 * time.Second

// Platform implements relay.Platform on top of a discordgo session.
type Platform struct {
	log    zerolog.Logger
	client *http.Client

	mu      sync.Mutex
	session *discordgo.Session
	handler relay.EventHandler
	selfID  string
}

var _ relay.Platform = (*Platform)(nil)

// New creates an unconnected Discord binding.
func New(log zerolog.Logger) *Platform {
	return &Platform{
		log:    log.With().Str("component", "discord").Logger(),
		client: exhttp.SensibleClientSettings.WithGlobalTimeout(restTimeout).Compile(),
	}
}

// Name implements relay.Gateway.
func (p *Platform) Name() string {
	return "Discord"
}

// botToken adds the "Bot " scheme discordgo expects for bot accounts.
func botToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "Bot ") {
		return token
	}
	return "Bot " + token
}

func (p *Platform) newSession(token string) (*discordgo.Session, error) {
	sess, err := discordgo.New(botToken(token))
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	sess.Client = p.client
	sess.ShouldReconnectOnError = false
	sess.StateEnabled = true
	sess.Identify.Intents = Intents
	return sess, nil
}

// SessionLimit implements relay.Gateway by reading session_start_limit from
// GET /gateway/bot. It does not consume a session start.
func (p *Platform) SessionLimit(ctx context.Context, token string) (*relay.SessionLimit, error) {
	sess, err := p.newSession(token)
	if err != nil {
		return nil, err
	}
	resp, err := sess.GatewayBot(discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to query gateway bot info: %w", err)
	}
	return sessionLimitFrom(resp), nil
}

func sessionLimitFrom(resp *discordgo.GatewayBotResponse) *relay.SessionLimit {
	return &relay.SessionLimit{
		Total:      resp.SessionStartLimit.Total,
		Remaining:  resp.SessionStartLimit.Remaining,
		ResetAfter: time.Duration(resp.SessionStartLimit.ResetAfter) * time.Millisecond,
	}
}

// Open implements relay.Gateway. It returns once discordgo has received the
// READY dispatch, or when ctx expires.
func (p *Platform) Open(ctx context.Context, token string, handler relay.EventHandler) error {
	sess, err := p.newSession(token)
	if err != nil {
		return err
	}
	sess.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		p.onMessageCreate(s, m)
	})
	sess.AddHandler(func(s *discordgo.Session, _ *discordgo.Disconnect) {
		p.onDisconnect(s)
	})

	// Any previous session is dropped first so its close is not reported.
	_ = p.Close()

	p.mu.Lock()
	p.session = sess
	p.handler = handler
	p.mu.Unlock()

	opened := make(chan error, 1)
	go func() {
		opened <- sess.Open()
	}()
	select {
	case err = <-opened:
	case <-ctx.Done():
		err = ctx.Err()
		go func() {
			if <-opened == nil {
				_ = sess.Close()
			}
		}()
	}
	if err != nil {
		p.mu.Lock()
		if p.session == sess {
			p.session = nil
			p.handler = nil
		}
		p.mu.Unlock()
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}

	p.mu.Lock()
	if sess.State != nil && sess.State.User != nil {
		p.selfID = sess.State.User.ID
		p.log.Info().
			Str("user_id", sess.State.User.ID).
			Str("username", sess.State.User.Username).
			Msg("Logged in to Discord")
	}
	p.mu.Unlock()
	return nil
}

// Close implements relay.Gateway. The session reference is cleared before
// closing so the resulting Disconnect event is recognized as our own.
func (p *Platform) Close() error {
	p.mu.Lock()
	sess := p.session
	p.session = nil
	p.handler = nil
	p.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

func (p *Platform) current() (*discordgo.Session, relay.EventHandler, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, p.handler, p.selfID
}

func (p *Platform) onDisconnect(s *discordgo.Session) {
	p.mu.Lock()
	if p.session != s {
		p.mu.Unlock()
		return
	}
	handler := p.handler
	p.session = nil
	p.handler = nil
	p.mu.Unlock()

	p.log.Warn().Msg("Discord gateway connection dropped")
	if handler != nil {
		handler.HandleDisconnect(fmt.Errorf("discord gateway: %w", relay.ErrTransportDisconnected))
	}
}

func (p *Platform) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	sess, handler, selfID := p.current()
	if sess != s || handler == nil || m.Message == nil || m.Author == nil {
		return
	}
	msg := convertMessage(m.Message, selfID)
	if ch, err := s.State.Channel(m.ChannelID); err == nil {
		msg.ChannelName = ch.Name
	}
	handler.HandleMessage(context.Background(), msg)
}

func (p *Platform) liveSession() (*discordgo.Session, error) {
	sess, _, _ := p.current()
	if sess == nil {
		return nil, relay.ErrNotConnected
	}
	return sess, nil
}

// ResolveChannel implements relay.Messenger, preferring the state cache.
func (p *Platform) ResolveChannel(ctx context.Context, channelID string) (*relay.Channel, error) {
	sess, err := p.liveSession()
	if err != nil {
		return nil, err
	}
	if sess.State != nil {
		if ch, err := sess.State.Channel(channelID); err == nil {
			return &relay.Channel{ID: ch.ID, Name: ch.Name}, nil
		}
	}
	ch, err := sess.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return &relay.Channel{ID: ch.ID, Name: ch.Name}, nil
}

// SendCard implements relay.Messenger.
func (p *Platform) SendCard(ctx context.Context, channelID string, card *relay.Card) error {
	sess, err := p.liveSession()
	if err != nil {
		return err
	}
	_, err = sess.ChannelMessageSendEmbed(channelID, cardToEmbed(card), discordgo.WithContext(ctx))
	return err
}

// SendText implements relay.Messenger.
func (p *Platform) SendText(ctx context.Context, channelID, text string) error {
	sess, err := p.liveSession()
	if err != nil {
		return err
	}
	_, err = sess.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	return err
}

// Reply implements relay.Messenger as a message reply referencing to.
func (p *Platform) Reply(ctx context.Context, to *relay.Message, reply *relay.Reply) error {
	sess, err := p.liveSession()
	if err != nil {
		return err
	}
	ref := &discordgo.MessageReference{MessageID: to.ID, ChannelID: to.ChannelID}
	if len(reply.Fields) > 0 {
		_, err = sess.ChannelMessageSendEmbedReply(to.ChannelID, replyToEmbed(reply), ref, discordgo.WithContext(ctx))
	} else {
		_, err = sess.ChannelMessageSendReply(to.ChannelID, reply.Text, ref, discordgo.WithContext(ctx))
	}
	return err
}
