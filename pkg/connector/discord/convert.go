// Copyright 2024-2026 Aiku AI

package discord

import (
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/channel-relay/pkg/relay"
)

// convertMessage maps a gateway message onto the transport-agnostic form.
// Messages from any bot account, including this one, are flagged so the
// dispatcher drops them.
func convertMessage(m *discordgo.Message, selfID string) *relay.Message {
	msg := &relay.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
		CreatedAt: m.Timestamp,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = m.Author.Username
		msg.AuthorDisplayName = m.Author.DisplayName()
		msg.AuthorIconURL = m.Author.AvatarURL("")
		msg.AuthorIsBot = m.Author.Bot || (selfID != "" && m.Author.ID == selfID)
	}
	if m.Member != nil && m.Member.Nick != "" {
		msg.AuthorDisplayName = m.Member.Nick
	}
	if m.WebhookID != "" {
		msg.AuthorIsBot = true
	}
	return msg
}

func cardToEmbed(card *relay.Card) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Description: card.Description,
		Color:       card.Color,
		Author: &discordgo.MessageEmbedAuthor{
			Name:    card.AuthorName,
			IconURL: card.AuthorIconURL,
		},
	}
	if card.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: card.Footer}
	}
	if !card.Timestamp.IsZero() {
		embed.Timestamp = card.Timestamp.UTC().Format(time.RFC3339)
	}
	return embed
}

func replyToEmbed(reply *relay.Reply) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       reply.Title,
		Description: reply.Text,
		Color:       reply.Color,
		Fields:      make([]*discordgo.MessageEmbedField, 0, len(reply.Fields)),
	}
	for _, f := range reply.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Inline,
		})
	}
	return embed
}
