// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// TEST HELPERS
// =============================================================================

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newWSServer starts an httptest server whose single route upgrades and
// hands the connection to handle. The returned URL uses the ws scheme.
func newWSServer(t *testing.T, handle func(ws *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// collect reads events until a terminal one arrives or the timeout fires.
func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
			if ev.Kind.Terminal() {
				return events
			}
		case <-timeout:
			t.Fatalf("timed out waiting for terminal event, got %v", events)
			return nil
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

// =============================================================================
// TESTS
// =============================================================================

func TestConn_FullExchange(t *testing.T) {
	received := make(chan string, 1)
	url := newWSServer(t, func(ws *websocket.Conn) {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		received <- string(msg)
		for _, u := range []string{"<<ID:abc123>>", "Hi", " there", "<<END>>"} {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(u)); err != nil {
				return
			}
		}
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_, _, _ = ws.ReadMessage()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := make(chan Event, 16)
	conn := NewDialer(Config{URL: url}).Open(ctx, 7, sink)

	first := <-sink
	require.Equal(t, EventOpened, first.Kind)
	require.NoError(t, conn.Send(map[string]any{"query": "Hello", "history": []any{}}))

	assert.JSONEq(t, `{"query":"Hello","history":[]}`, <-received)

	events := collect(t, sink)
	assert.Equal(t, []EventKind{EventUnit, EventUnit, EventUnit, EventUnit, EventClosed}, kinds(events))
	var raws []string
	for _, ev := range events {
		assert.Equal(t, uint64(7), ev.Generation)
		if ev.Kind == EventUnit {
			raws = append(raws, ev.Raw)
		}
	}
	assert.Equal(t, []string{"<<ID:abc123>>", "Hi", " there", "<<END>>"}, raws)
	assert.Equal(t, uint64(7), conn.Generation())
	assert.Equal(t, conn.ID(), first.ConnID)
}

func TestDialer_AssignsDistinctConnectionIDs(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewDialer(Config{URL: url, HandshakeTimeout: time.Second})
	sink := make(chan Event, 4)
	a := d.Open(ctx, 5, sink)
	b := d.Open(ctx, 5, sink)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, a.Generation(), b.Generation())

	seen := map[uint64]bool{}
	for range 2 {
		ev := collect(t, sink)[0]
		seen[ev.ConnID] = true
	}
	assert.True(t, seen[a.ID()])
	assert.True(t, seen[b.ID()])
}

func TestConn_DialFailureReportsOnlyErrored(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := make(chan Event, 4)
	NewDialer(Config{URL: url, HandshakeTimeout: time.Second}).Open(ctx, 1, sink)

	events := collect(t, sink)
	require.Len(t, events, 1)
	assert.Equal(t, EventErrored, events[0].Kind)
	assert.True(t, errors.Is(events[0].Err, ErrConnection))
}

func TestConn_LocalCloseEndsWithClosed(t *testing.T) {
	url := newWSServer(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte("Partial"))
		_, _, _ = ws.ReadMessage() // until the client goes away
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := make(chan Event, 8)
	conn := NewDialer(Config{URL: url}).Open(ctx, 3, sink)

	require.Equal(t, EventOpened, (<-sink).Kind)
	unit := <-sink
	require.Equal(t, EventUnit, unit.Kind)
	assert.Equal(t, "Partial", unit.Raw)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "Close must be idempotent")

	events := collect(t, sink)
	assert.Equal(t, EventClosed, events[len(events)-1].Kind)
	assert.ErrorIs(t, conn.Send("late"), ErrClosed)
}

func TestConn_AbruptDropIsErrored(t *testing.T) {
	url := newWSServer(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte("Partial"))
		_ = ws.UnderlyingConn().Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := make(chan Event, 8)
	NewDialer(Config{URL: url}).Open(ctx, 9, sink)

	events := collect(t, sink)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, EventOpened, events[0].Kind)
	last := events[len(events)-1]
	assert.Equal(t, EventErrored, last.Kind)
	assert.ErrorIs(t, last.Err, ErrConnection)
}

func TestConn_CancelledConsumerStopsPump(t *testing.T) {
	stop := make(chan struct{})
	url := newWSServer(t, func(ws *websocket.Conn) {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := ws.WriteMessage(websocket.TextMessage, []byte("tick")); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
	defer close(stop)

	ctx, cancel := context.WithCancel(context.Background())
	sink := make(chan Event) // unbuffered and never drained after cancel
	NewDialer(Config{URL: url}).Open(ctx, 1, sink)
	require.Equal(t, EventOpened, (<-sink).Kind)
	cancel()
	// goleak in TestMain verifies the pump goroutine exits.
}

func TestErrored_WrapsOnce(t *testing.T) {
	src := Source{Generation: 2, ConnID: 1}
	ev := src.Errored(ErrConnection)
	assert.Equal(t, ErrConnection, ev.Err)
	assert.Equal(t, src, ev.Source)

	ev = src.Errored(nil)
	assert.ErrorIs(t, ev.Err, ErrConnection)

	cause := errors.New("boom")
	ev = src.Errored(cause)
	assert.ErrorIs(t, ev.Err, ErrConnection)
	assert.ErrorIs(t, ev.Err, cause)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "opened", EventOpened.String())
	assert.Equal(t, "unit", EventUnit.String())
	assert.Equal(t, "closed", EventClosed.String())
	assert.Equal(t, "errored", EventErrored.String())
	assert.True(t, EventErrored.Terminal())
	assert.False(t, EventUnit.Terminal())
}
