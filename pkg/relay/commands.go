// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// DefaultCommandPrefix introduces in-channel commands.
const DefaultCommandPrefix = "!relay"

const (
	replyUnknownCommand = "Unknown command. Available commands: status, add, remove, test"
	replyAddUsage       = "Usage: %s add <source_channel_id> <target_channel_id> [bidirectional]"
	replyRemoveUsage    = "Usage: %s remove <relay_id>"
	replySameChannel    = "❌ Source and target channels must be different."
	replyUnresolvable   = "One or both channels not found or not accessible."
	replyCreateFailed   = "❌ Failed to create relay. Check channel IDs and permissions."
	replyRemoved        = "✅ Relay removed successfully."
	replyNotFound       = "❌ Relay not found."
	replyRemoveFailed   = "❌ Failed to remove relay."
	replyNoActive       = "No active relays to test."
	replyTestFailed     = "❌ Failed to load relays for testing."
	testMessageFormat   = "🧪 Test message from relay bot - %s"
)

// statusSource reports the live connection state for the status command.
type statusSource interface {
	Status() ConnectionStatus
}

// CommandHandler parses and executes in-channel commands.
type CommandHandler struct {
	prefix      string
	store       Storage
	messenger   *pacedMessenger
	status      statusSource
	journal     *journal
	metrics     *Metrics
	clock       clock.Clock
	sendTimeout time.Duration
	log         zerolog.Logger
}

// Command is a parsed command invocation.
type Command struct {
	Name string
	Args []string
}

// Parse returns the command in content, or false if content is not a
// command. A bare prefix parses as a command with an empty name.
func (ch *CommandHandler) Parse(content string) (*Command, bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 || fields[0] != ch.prefix {
		return nil, false
	}
	cmd := &Command{}
	if len(fields) > 1 {
		cmd.Name = fields[1]
		cmd.Args = fields[2:]
	}
	return cmd, true
}

// Handle executes cmd on behalf of msg. The API-call counter and the CMD
// activity entry are recorded before any sub-command logic runs.
func (ch *CommandHandler) Handle(ctx context.Context, msg *Message, cmd *Command) {
	log := ch.log.With().
		Str("command", cmd.Name).
		Str("user_id", msg.AuthorID).
		Str("channel_id", msg.ChannelID).
		Logger()

	if _, err := ch.store.ApplyStatsDelta(ctx, StatsDelta{APICalls: 1}); err != nil {
		log.Error().Err(err).Msg("Failed to count command invocation")
	}
	ch.metrics.APICalls.Inc()
	ch.metrics.Commands.WithLabelValues(metricCommandLabel(cmd.Name)).Inc()
	ch.journal.add(ctx, ActivityCommand, msg.ChannelID, msg.AuthorID,
		"User @%s executed command: %s %s", msg.AuthorName, ch.prefix, cmd.Name)
	log.Info().Strs("args", cmd.Args).Msg("Handling command")

	switch cmd.Name {
	case "status":
		ch.handleStatus(ctx, log, msg)
	case "add":
		ch.handleAdd(ctx, log, msg, cmd.Args)
	case "remove":
		ch.handleRemove(ctx, log, msg, cmd.Args)
	case "test":
		ch.handleTest(ctx, log, msg)
	default:
		ch.reply(ctx, log, msg, &Reply{Text: replyUnknownCommand})
	}
}

func metricCommandLabel(name string) string {
	switch name {
	case "status", "add", "remove", "test":
		return name
	default:
		return "unknown"
	}
}

func (ch *CommandHandler) reply(ctx context.Context, log zerolog.Logger, msg *Message, reply *Reply) {
	if err := ch.messenger.Reply(ctx, msg, reply); err != nil {
		log.Warn().Err(err).Msg("Failed to send command reply")
	}
}

func (ch *CommandHandler) handleStatus(ctx context.Context, log zerolog.Logger, msg *Message) {
	st := ch.status.Status()
	var relayed, calls int64
	if stats, err := ch.store.GetStats(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to read stats for status command")
	} else {
		relayed, calls = stats.MessagesRelayed, stats.APICalls
	}
	active := 0
	if routes, err := ch.store.ListRoutes(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to read routes for status command")
	} else {
		for _, r := range routes {
			if r.Active {
				active++
			}
		}
	}
	state := "🔴 Offline"
	if st.Connected {
		state = "🟢 Online"
	}
	ch.reply(ctx, log, msg, &Reply{
		Title: "Bot Status",
		Color: RelayColor,
		Text: "Status: " + state + " | Uptime: " + st.Uptime +
			" | Active Relays: " + strconv.Itoa(active) +
			" | Messages Relayed: " + humanize.Comma(relayed) +
			" | API Calls: " + humanize.Comma(calls),
		Fields: []ReplyField{
			{Name: "Status", Value: state, Inline: true},
			{Name: "Uptime", Value: st.Uptime, Inline: true},
			{Name: "Active Relays", Value: strconv.Itoa(active), Inline: true},
			{Name: "Messages Relayed", Value: humanize.Comma(relayed), Inline: true},
			{Name: "API Calls", Value: humanize.Comma(calls), Inline: true},
		},
	})
}

func (ch *CommandHandler) handleAdd(ctx context.Context, log zerolog.Logger, msg *Message, args []string) {
	if len(args) < 2 {
		ch.reply(ctx, log, msg, &Reply{Text: fmt.Sprintf(replyAddUsage, ch.prefix)})
		return
	}
	sourceID, targetID := args[0], args[1]
	bidirectional := len(args) > 2 && args[2] == "true"
	if err := ValidateRoute(sourceID, targetID); err != nil {
		ch.reply(ctx, log, msg, &Reply{Text: replySameChannel})
		return
	}

	source, err := ch.resolve(ctx, sourceID)
	if err == nil {
		var target *Channel
		target, err = ch.resolve(ctx, targetID)
		if err == nil {
			ch.createRoute(ctx, log, msg, source, target, bidirectional)
			return
		}
	}
	log.Warn().Err(err).Msg("Failed to resolve channels for new relay")
	ch.journal.add(ctx, ActivityError, msg.ChannelID, msg.AuthorID, "Failed to create relay: %v", err)
	ch.reply(ctx, log, msg, &Reply{Text: replyUnresolvable})
}

func (ch *CommandHandler) resolve(ctx context.Context, channelID string) (*Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, ch.sendTimeout)
	defer cancel()
	c, err := ch.messenger.ResolveChannel(ctx, channelID)
	if err != nil {
		return nil, &ChannelResolutionError{ChannelID: channelID, Err: err}
	}
	resolved := Channel{ID: channelID, Name: c.Name}
	if resolved.Name == "" {
		resolved.Name = channelID
	}
	return &resolved, nil
}

func (ch *CommandHandler) createRoute(ctx context.Context, log zerolog.Logger, msg *Message, source, target *Channel, bidirectional bool) {
	route, err := ch.store.CreateRoute(ctx, NewRoute{
		Name:              source.Name + " → " + target.Name,
		SourceChannelID:   source.ID,
		TargetChannelID:   target.ID,
		SourceChannelName: source.Name,
		TargetChannelName: target.Name,
		Bidirectional:     bidirectional,
		Active:            true,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create relay")
		ch.journal.add(ctx, ActivityError, msg.ChannelID, msg.AuthorID, "Failed to create relay: %v", err)
		ch.reply(ctx, log, msg, &Reply{Text: replyCreateFailed})
		return
	}
	log.Info().Str("route_id", route.ID).Bool("bidirectional", bidirectional).Msg("Created relay")
	ch.reply(ctx, log, msg, &Reply{Text: "✅ Relay created: " + route.Name + " (ID: " + route.ID + ")"})
	ch.journal.add(ctx, ActivityInfo, msg.ChannelID, msg.AuthorID, "New relay created: %s", route.Name)
}

func (ch *CommandHandler) handleRemove(ctx context.Context, log zerolog.Logger, msg *Message, args []string) {
	if len(args) < 1 {
		ch.reply(ctx, log, msg, &Reply{Text: fmt.Sprintf(replyRemoveUsage, ch.prefix)})
		return
	}
	routeID := args[0]
	removed, err := ch.store.DeleteRoute(ctx, routeID)
	switch {
	case err != nil && !errors.Is(err, ErrNotFound):
		log.Error().Err(err).Str("route_id", routeID).Msg("Failed to remove relay")
		ch.journal.add(ctx, ActivityError, msg.ChannelID, msg.AuthorID, "Failed to remove relay %s: %v", routeID, err)
		ch.reply(ctx, log, msg, &Reply{Text: replyRemoveFailed})
	case removed:
		ch.reply(ctx, log, msg, &Reply{Text: replyRemoved})
		ch.journal.add(ctx, ActivityInfo, msg.ChannelID, msg.AuthorID, "Relay removed: %s", routeID)
	default:
		ch.reply(ctx, log, msg, &Reply{Text: replyNotFound})
	}
}

func (ch *CommandHandler) handleTest(ctx context.Context, log zerolog.Logger, msg *Message) {
	routes, err := ch.store.ListRoutes(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load routes for test command")
		ch.journal.add(ctx, ActivityError, msg.ChannelID, msg.AuthorID, "Failed to load relays for test command: %v", err)
		ch.reply(ctx, log, msg, &Reply{Text: replyTestFailed})
		return
	}
	var active []*Route
	for _, r := range routes {
		if r.Active {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		ch.reply(ctx, log, msg, &Reply{Text: replyNoActive})
		return
	}

	text := fmt.Sprintf(testMessageFormat, ch.clock.Now().Format(time.DateTime))
	for _, route := range active {
		if err := ch.sendTest(ctx, route.TargetChannelID, text); err != nil {
			log.Warn().Err(err).Str("route_id", route.ID).Msg("Failed to send test message")
			ch.journal.add(ctx, ActivityError, route.TargetChannelID, msg.AuthorID,
				"Failed to send test message to channel %s (route %s): %v", route.TargetChannelID, route.ID, err)
		}
	}
	ch.reply(ctx, log, msg, &Reply{Text: "✅ Test messages sent to " + strconv.Itoa(len(active)) + " relay(s)."})
	ch.journal.add(ctx, ActivityInfo, msg.ChannelID, msg.AuthorID, "Test messages sent to %d relays", len(active))
}

func (ch *CommandHandler) sendTest(ctx context.Context, channelID, text string) error {
	err := ch.messenger.SendText(ctx, channelID, text)
	var pacingErr *PacingError
	if err != nil && !errors.As(err, &pacingErr) {
		return &DeliveryError{ChannelID: channelID, Err: err}
	}
	return err
}
