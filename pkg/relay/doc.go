// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay implements the message relay engine: route matching and
// fan-out, the in-channel command surface, the connection supervisor and
// the session quota guard.
//
// The package is transport-agnostic. A platform binding (see the
// connector/discord and connector/mattermost packages) implements
// [Platform] and feeds inbound messages to [Service.HandleMessage].
// Persistence is behind the [Storage] interface; the SQL implementation
// lives in the store sub-package.
//
// # Core Types
//
// [Service] is the explicit service object constructed once at startup and
// handed to the binding and the admin API.
//
// [Dispatcher] evaluates the route table for every inbound message and
// delivers one rich copy per applicable route. Route delivery is isolated:
// a failing route never prevents delivery to its siblings.
//
// [CommandHandler] parses "!relay <sub-command>" messages.
//
// [Supervisor] owns the connection lifecycle. Every connect, including
// automatic reconnects, runs through the [QuotaGuard] first so the bot never
// burns its session-start allowance.
//
// # Loop Prevention
//
// Two layers keep relayed copies from bouncing between channels. Messages
// authored by bots (including the relay itself) are dropped before routing,
// and a route only ever delivers to the side opposite the channel a message
// arrived on. These layers must not be simplified or removed.
package relay
