// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/channel-relay/pkg/relay"
)

// Config holds the Mattermost connection settings that are not part of the
// persisted bot configuration.
type Config struct {
	ServerURL string `yaml:"server_url"`
	// BotPrefix marks usernames of other relay or bridge bots whose posts
	// must never be relayed.
	BotPrefix string `yaml:"bot_prefix"`
}

// Platform implements relay.Platform for a Mattermost bot account.
type Platform struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	client   *model.Client4
	wsClient *model.WebSocketClient
	handler  relay.EventHandler
	userID   string
	stopChan chan struct{}
}

var _ relay.Platform = (*Platform)(nil)

// New creates an unconnected Mattermost binding.
func New(cfg Config, log zerolog.Logger) *Platform {
	cfg.ServerURL = strings.TrimSuffix(cfg.ServerURL, "/")
	return &Platform{
		cfg: cfg,
		log: log.With().Str("component", "mm_client").Logger(),
	}
}

// Name implements relay.Gateway.
func (p *Platform) Name() string {
	return "Mattermost"
}

func (p *Platform) newClient(token string) *model.Client4 {
	client := model.NewAPIv4Client(p.cfg.ServerURL)
	client.SetToken(strings.TrimSpace(token))
	return client
}

// SessionLimit implements relay.Gateway. Mattermost has no session-start
// quota, so this only verifies the token.
func (p *Platform) SessionLimit(ctx context.Context, token string) (*relay.SessionLimit, error) {
	if _, _, err := p.newClient(token).GetMe(ctx, ""); err != nil {
		return nil, fmt.Errorf("failed to verify Mattermost token: %w", err)
	}
	return nil, nil
}

// Open implements relay.Gateway.
func (p *Platform) Open(ctx context.Context, token string, handler relay.EventHandler) error {
	client := p.newClient(token)
	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	p.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	_ = p.Close()

	wsURL := httpToWS(p.cfg.ServerURL)
	wsClient, err := model.NewWebSocketClient4(wsURL, client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	stop := make(chan struct{})

	p.mu.Lock()
	p.client = client
	p.wsClient = wsClient
	p.handler = handler
	p.userID = me.Id
	p.stopChan = stop
	p.mu.Unlock()

	wsClient.Listen()
	go p.listenWebSocket(wsClient, stop)

	p.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (p *Platform) listenWebSocket(ws *model.WebSocketClient, stop chan struct{}) {
	responses := ws.ResponseChannel
	for {
		select {
		case <-stop:
			return
		case <-ws.PingTimeoutChannel:
			p.log.Warn().Msg("WebSocket ping timed out")
			ws.Close()
		case _, ok := <-responses:
			if !ok {
				responses = nil
			}
		case event, ok := <-ws.EventChannel:
			if !ok {
				p.handleWebSocketDisconnect(ws)
				return
			}
			if event == nil {
				continue
			}
			p.handleEvent(event)
		}
	}
}

// handleWebSocketDisconnect reports a drop of the live socket. Reconnection
// is left to the relay supervisor.
func (p *Platform) handleWebSocketDisconnect(ws *model.WebSocketClient) {
	p.mu.Lock()
	if p.wsClient != ws {
		p.mu.Unlock()
		return
	}
	handler := p.handler
	p.client = nil
	p.wsClient = nil
	p.handler = nil
	p.mu.Unlock()

	cause := fmt.Errorf("mattermost websocket: %w", relay.ErrTransportDisconnected)
	if ws.ListenError != nil {
		cause = fmt.Errorf("mattermost websocket: %w: %v", relay.ErrTransportDisconnected, ws.ListenError)
	}
	p.log.Warn().Err(cause).Msg("WebSocket event channel closed")
	if handler != nil {
		handler.HandleDisconnect(cause)
	}
}

// Close implements relay.Gateway. It closes the WebSocket connection and
// stops the event loop without reporting a drop.
func (p *Platform) Close() error {
	p.mu.Lock()
	ws := p.wsClient
	stop := p.stopChan
	p.client = nil
	p.wsClient = nil
	p.handler = nil
	p.stopChan = nil
	p.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if ws != nil {
		ws.Close()
	}
	return nil
}

func (p *Platform) restClient() (*model.Client4, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil, relay.ErrNotConnected
	}
	return p.client, nil
}

// ResolveChannel implements relay.Messenger.
func (p *Platform) ResolveChannel(ctx context.Context, channelID string) (*relay.Channel, error) {
	client, err := p.restClient()
	if err != nil {
		return nil, err
	}
	ch, _, err := client.GetChannel(ctx, channelID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get channel info: %w", err)
	}
	return &relay.Channel{ID: ch.Id, Name: ch.Name}, nil
}

// SendCard implements relay.Messenger using a message attachment.
func (p *Platform) SendCard(ctx context.Context, channelID string, card *relay.Card) error {
	client, err := p.restClient()
	if err != nil {
		return err
	}
	post := &model.Post{ChannelId: channelID}
	post.AddProp(model.PostPropsAttachments, []*model.SlackAttachment{cardToAttachment(card)})
	_, _, err = client.CreatePost(ctx, post)
	return err
}

// SendText implements relay.Messenger.
func (p *Platform) SendText(ctx context.Context, channelID, text string) error {
	client, err := p.restClient()
	if err != nil {
		return err
	}
	_, _, err = client.CreatePost(ctx, &model.Post{ChannelId: channelID, Message: text})
	return err
}

// Reply implements relay.Messenger as a threaded reply to the command post.
func (p *Platform) Reply(ctx context.Context, to *relay.Message, reply *relay.Reply) error {
	client, err := p.restClient()
	if err != nil {
		return err
	}
	post := &model.Post{ChannelId: to.ChannelID, RootId: to.ID}
	if len(reply.Fields) > 0 {
		post.AddProp(model.PostPropsAttachments, []*model.SlackAttachment{replyToAttachment(reply)})
	} else {
		post.Message = reply.Text
	}
	_, _, err = client.CreatePost(ctx, post)
	return err
}
