// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultSendTimeout bounds a single platform call. Time spent waiting on
// the rate limiter is not counted.
const DefaultSendTimeout = 10 * time.Second

// Dispatcher fans inbound messages out to the channels selected by the
// route table.
type Dispatcher struct {
	store       Storage
	messenger   *pacedMessenger
	journal     *journal
	notifier    *WebhookNotifier
	metrics     *Metrics
	clock       clock.Clock
	sendTimeout time.Duration
	log         zerolog.Logger
}

// destinationFor is the loop guard. It reports where a message that
// arrived on channelID must be delivered for route, or false if the route
// does not apply in that direction. The destination is never channelID.
func destinationFor(route *Route, channelID string) (string, bool) {
	switch {
	case channelID == route.SourceChannelID:
		return route.TargetChannelID, true
	case route.Bidirectional && channelID == route.TargetChannelID:
		return route.SourceChannelID, true
	default:
		return "", false
	}
}

// delivery is one planned send for an inbound message.
type delivery struct {
	route       *Route
	destination string
}

// plan selects the active routes that apply to a message arriving on
// channelID.
func plan(routes []*Route, channelID string) []delivery {
	var out []delivery
	for _, route := range routes {
		if !route.Active || route.SourceChannelID == route.TargetChannelID {
			continue
		}
		if dest, ok := destinationFor(route, channelID); ok {
			out = append(out, delivery{route: route, destination: dest})
		}
	}
	return out
}

// Dispatch relays msg along every applicable route. Failures are recorded
// in the activity log; nothing is returned to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) {
	if msg == nil || msg.AuthorIsBot {
		return
	}
	start := d.clock.Now()
	log := d.log.With().
		Str("message_id", msg.ID).
		Str("channel_id", msg.ChannelID).
		Logger()

	routes, err := d.store.ListRoutes(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load routes")
		return
	}
	deliveries := plan(routes, msg.ChannelID)
	if len(deliveries) == 0 {
		return
	}
	sourceName := d.sourceName(ctx, msg)

	var eg errgroup.Group
	for _, dl := range deliveries {
		eg.Go(func() error {
			d.deliver(ctx, log, msg, sourceName, dl)
			return nil
		})
	}
	_ = eg.Wait()

	d.metrics.DispatchDuration.Observe(d.clock.Since(start).Seconds())
	log.Debug().Int("routes", len(deliveries)).Msg("Dispatched message")
}

func (d *Dispatcher) sourceName(ctx context.Context, msg *Message) string {
	if msg.ChannelName != "" {
		return msg.ChannelName
	}
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	ch, err := d.messenger.ResolveChannel(ctx, msg.ChannelID)
	if err != nil || ch.Name == "" {
		return msg.ChannelID
	}
	return ch.Name
}

func (d *Dispatcher) deliver(ctx context.Context, log zerolog.Logger, msg *Message, sourceName string, dl delivery) {
	log = log.With().
		Str("route_id", dl.route.ID).
		Str("destination_id", dl.destination).
		Logger()
	resolveCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	target, err := d.messenger.ResolveChannel(resolveCtx, dl.destination)
	cancel()
	if err != nil {
		err = &ChannelResolutionError{ChannelID: dl.destination, Err: err}
		log.Warn().Err(err).Msg("Failed to resolve destination channel")
		d.metrics.DeliveryFailures.WithLabelValues("resolve").Inc()
		d.journal.add(ctx, ActivityError, dl.destination, msg.AuthorID,
			"Failed to relay message to channel %s (route %s): %v", dl.destination, dl.route.ID, err)
		return
	}

	card := &Card{
		AuthorName:    msg.DisplayName(),
		AuthorIconURL: msg.AuthorIconURL,
		Description:   msg.Content,
		Footer:        "Relayed from #" + sourceName,
		Color:         RelayColor,
		Timestamp:     msg.CreatedAt,
	}
	if err = d.messenger.SendCard(ctx, dl.destination, card); err != nil {
		reason := "pacing"
		var pacingErr *PacingError
		if !errors.As(err, &pacingErr) {
			reason = "send"
			err = &DeliveryError{ChannelID: dl.destination, Err: err}
		}
		log.Warn().Err(err).Str("reason", reason).Msg("Failed to relay message")
		d.metrics.DeliveryFailures.WithLabelValues(reason).Inc()
		d.journal.add(ctx, ActivityError, dl.destination, msg.AuthorID,
			"Failed to relay message to channel %s (route %s): %v", dl.destination, dl.route.ID, err)
		return
	}

	if _, err = d.store.ApplyStatsDelta(ctx, StatsDelta{MessagesRelayed: 1, APICalls: 1}); err != nil {
		log.Error().Err(err).Msg("Failed to update relay stats")
	}
	d.metrics.MessagesRelayed.Inc()
	d.metrics.APICalls.Inc()

	targetName := target.Name
	if targetName == "" {
		targetName = dl.destination
	}
	d.journal.add(ctx, ActivityRelay, dl.destination, msg.AuthorID,
		"Message relayed from #%s to #%s (ID: %s)", sourceName, targetName, msg.ID)
	log.Debug().Msg("Relayed message")

	d.notifier.Notify(ctx, &WebhookPayload{
		Author:            msg.AuthorName,
		Content:           msg.Content,
		SourceChannelID:   msg.ChannelID,
		TargetChannelID:   dl.destination,
		OriginalMessageID: msg.ID,
		Timestamp:         msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}
