// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"errors"
	"fmt"
)

// ErrConnection wraps every failure reported through an EventErrored event.
var ErrConnection = errors.New("connection error")

// EventKind tags a lifecycle Event.
type EventKind int

const (
	// EventOpened is delivered once, after the handshake succeeded. The
	// connection is ready for Send when this event is observed.
	EventOpened EventKind = iota

	// EventUnit carries one raw inbound message.
	EventUnit

	// EventClosed is the terminal event for a connection that ended without
	// error, either closed by the peer or by a local Close.
	EventClosed

	// EventErrored is the terminal event for a failed dial or a broken stream.
	EventErrored
)

// String returns a lowercase name for logs and metric labels.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventUnit:
		return "unit"
	case EventClosed:
		return "closed"
	case EventErrored:
		return "errored"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Terminal reports whether k ends a connection's event sequence.
func (k EventKind) Terminal() bool {
	return k == EventClosed || k == EventErrored
}

// Source identifies the connection an event came from.
//
// Generation is the caller's value captured at Open. ConnID is assigned by
// the Dialer and is unique per Dialer, so two connections opened in the same
// generation can still be told apart.
type Source struct {
	Generation uint64
	ConnID     uint64
}

// Opened builds an EventOpened from s.
func (s Source) Opened() Event { return Event{Source: s, Kind: EventOpened} }

// Unit builds an EventUnit carrying raw.
func (s Source) Unit(raw string) Event { return Event{Source: s, Kind: EventUnit, Raw: raw} }

// Closed builds an EventClosed from s.
func (s Source) Closed() Event { return Event{Source: s, Kind: EventClosed} }

// Errored builds an EventErrored. err is wrapped with ErrConnection unless it
// already matches it; a nil err becomes ErrConnection.
func (s Source) Errored(err error) Event {
	if err == nil {
		err = ErrConnection
	} else if !errors.Is(err, ErrConnection) {
		err = fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return Event{Source: s, Kind: EventErrored, Err: err}
}

// Event is one lifecycle notification from a connection. Raw is set for
// EventUnit, Err for EventErrored.
type Event struct {
	Source
	Kind EventKind
	Raw  string
	Err  error
}
