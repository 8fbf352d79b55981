// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"

	"github.com/AleutianAI/streamchat/pkg/transport"
)

// Connection is the handle the machine keeps for the in-flight stream.
type Connection interface {
	// Source is the tag carried by every event of this connection.
	Source() transport.Source

	// Send writes the outbound request.
	Send(v any) error

	// Close ends the connection. It must be idempotent.
	Close() error
}

// Opener starts a connection whose events are written to sink.
//
// Open must not block on the network; the outcome of dialing arrives on
// sink as EventOpened or EventErrored.
type Opener interface {
	Open(ctx context.Context, generation uint64, sink chan<- transport.Event) Connection
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, generation uint64, sink chan<- transport.Event) Connection

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, generation uint64, sink chan<- transport.Event) Connection {
	return f(ctx, generation, sink)
}

// DialerOpener opens websocket connections through d.
func DialerOpener(d *transport.Dialer) Opener {
	return OpenerFunc(func(ctx context.Context, generation uint64, sink chan<- transport.Event) Connection {
		return d.Open(ctx, generation, sink)
	})
}
