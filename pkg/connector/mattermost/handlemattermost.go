// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/channel-relay/pkg/relay"
)

// handleEvent dispatches a Mattermost WebSocket event. Only new posts are
// relevant to the relay.
func (p *Platform) handleEvent(evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		p.handlePosted(evt)
	default:
		p.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

func (p *Platform) handlePosted(evt *model.WebSocketEvent) {
	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	if handler == nil {
		return
	}
	msg, err := p.parsePostedEvent(evt)
	if err != nil {
		p.log.Err(err).Msg("Failed to parse posted event")
		return
	}
	if msg == nil {
		return
	}
	handler.HandleMessage(context.Background(), msg)
}

// parsePostedEvent extracts a post from a WebSocket event, applying the echo
// prevention layers. Returns (nil, nil) to skip silently, (nil, err) to log
// an error, or (msg, nil) to proceed.
func (p *Platform) parsePostedEvent(evt *model.WebSocketEvent) (*relay.Message, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	p.mu.Lock()
	selfID := p.userID
	p.mu.Unlock()

	// Echo prevention: skip own posts.
	if post.UserId == selfID {
		return nil, nil
	}

	// Echo prevention: skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	// Echo prevention: skip posts from usernames matching known bot patterns.
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if senderName != "" && isBotUsername(senderName, p.cfg.BotPrefix) {
		p.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Msg("Skipping bot username post (echo prevention)")
		return nil, nil
	}

	channelName, _ := evt.GetData()["channel_name"].(string)
	return &relay.Message{
		ID:            post.Id,
		ChannelID:     post.ChannelId,
		ChannelName:   channelName,
		AuthorID:      post.UserId,
		AuthorName:    senderName,
		AuthorIconURL: p.avatarURL(post.UserId),
		AuthorIsBot:   isFromBot(&post),
		Content:       post.Message,
		CreatedAt:     time.UnixMilli(post.CreateAt),
	}, nil
}

// isFromBot reports whether the post was made by a bot account or an
// integration (webhooks and slash commands set from_bot).
func isFromBot(post *model.Post) bool {
	switch v := post.GetProp(model.PostPropsFromBot).(type) {
	case string:
		return v == "true"
	case bool:
		return v
	}
	return false
}

func (p *Platform) avatarURL(userID string) string {
	if userID == "" || p.cfg.ServerURL == "" {
		return ""
	}
	return p.cfg.ServerURL + "/api/v4/users/" + userID + "/image"
}

// isBotUsername reports whether a username belongs to another relay or
// bridge bot.
func isBotUsername(username, botPrefix string) bool {
	switch {
	case username == "mattermost-bridge":
		return true
	case strings.HasPrefix(username, "mattermost_"):
		return true
	case botPrefix != "" && strings.HasPrefix(username, botPrefix):
		return true
	default:
		return false
	}
}

func hexColor(c int) string {
	if c == 0 {
		return ""
	}
	return fmt.Sprintf("#%06X", c)
}

func cardToAttachment(card *relay.Card) *model.SlackAttachment {
	att := &model.SlackAttachment{
		Fallback:   card.Description,
		Color:      hexColor(card.Color),
		AuthorName: card.AuthorName,
		AuthorIcon: card.AuthorIconURL,
		Text:       card.Description,
		Footer:     card.Footer,
	}
	if !card.Timestamp.IsZero() {
		att.Timestamp = card.Timestamp.Unix()
	}
	return att
}

func replyToAttachment(reply *relay.Reply) *model.SlackAttachment {
	att := &model.SlackAttachment{
		Fallback: reply.Title,
		Color:    hexColor(reply.Color),
		Title:    reply.Title,
		Text:     reply.Text,
	}
	for _, f := range reply.Fields {
		att.Fields = append(att.Fields, &model.SlackAttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: model.SlackCompatibleBool(f.Inline),
		})
	}
	return att
}
