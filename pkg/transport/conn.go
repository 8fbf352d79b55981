// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport owns the per-query streaming connection.
//
// A Dialer opens one websocket connection per query. Everything a
// connection observes is reported as an Event on a single sink channel, in
// strict arrival order:
//
//	Opened → Unit* → (Closed | Errored)
//
// A failed dial reports only Errored. Each event carries the Source it came
// from: the generation captured at Open plus a connection id assigned by the
// Dialer. A consumer drops events whose Source it no longer owns.
//
// The package does not retry, reconnect or resend. It also does not stop a
// caller from opening a second connection; single-flight is the consumer's
// rule to enforce.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotOpen is returned by Send before the connection has opened.
	ErrNotOpen = errors.New("connection not open")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("connection closed")
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Dialer.
//
// # Fields
//
//   - URL: Required. Websocket endpoint, e.g. ws://localhost:8000/ws/stream.
//   - Header: Optional. Extra handshake headers.
//   - HandshakeTimeout: Optional. Default: 10 seconds.
//   - ReadLimit: Optional. Maximum inbound message size. Default: 1MB.
//   - WriteTimeout: Optional. Deadline for writing the request. Default: 10 seconds.
//   - CloseGrace: Optional. Deadline for the close control frame. Default: 1 second.
//   - Logger: Optional. Default: slog.Default().
type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	ReadLimit        int64
	WriteTimeout     time.Duration
	CloseGrace       time.Duration
	Logger           *slog.Logger
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 1 << 20
	defaultWriteTimeout     = 10 * time.Second
	defaultCloseGrace       = time.Second
)

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = defaultCloseGrace
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// =============================================================================
// Dialer
// =============================================================================

// Dialer opens streaming connections against one endpoint.
//
// A Dialer holds no per-connection state and is safe for concurrent use.
type Dialer struct {
	cfg    Config
	ws     *websocket.Dialer
	nextID atomic.Uint64
}

// NewDialer creates a Dialer for cfg.URL.
func NewDialer(cfg Config) *Dialer {
	cfg = cfg.withDefaults()
	return &Dialer{
		cfg: cfg,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// URL returns the endpoint this Dialer connects to.
func (d *Dialer) URL() string { return d.cfg.URL }

// Open starts a connection tagged with generation and returns its handle
// immediately.
//
// # Description
//
// Dialing and reading run on a background goroutine. Events are written to
// sink in arrival order. If ctx is cancelled the goroutine stops delivering,
// closes the socket and exits; the terminal event may then be lost, which is
// fine because the consumer that owned ctx is gone.
//
// # Inputs
//
//   - ctx: Lifetime of the consumer reading sink.
//   - generation: Opaque tag copied into every event.
//   - sink: Single-consumer event channel.
//
// # Outputs
//
//   - *Conn: Handle for Send and Close.
func (d *Dialer) Open(ctx context.Context, generation uint64, sink chan<- Event) *Conn {
	dialCtx, cancel := context.WithCancel(ctx)
	src := Source{Generation: generation, ConnID: d.nextID.Add(1)}
	c := &Conn{
		src:        src,
		sink:       sink,
		ctx:        ctx,
		cancelDial: cancel,
		grace:      d.cfg.CloseGrace,
		writeLimit: d.cfg.WriteTimeout,
		logger:     d.cfg.Logger.With("generation", generation, "conn_id", src.ConnID),
	}
	go c.run(dialCtx, d)
	return c
}

// =============================================================================
// Conn
// =============================================================================

// Conn is the handle of one streaming connection.
//
// Send and Close are safe to call from any goroutine. Close is idempotent.
type Conn struct {
	src        Source
	sink       chan<- Event
	ctx        context.Context
	cancelDial context.CancelFunc
	grace      time.Duration
	writeLimit time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	closing atomic.Bool
	once    sync.Once
}

// Generation returns the generation captured at Open.
func (c *Conn) Generation() uint64 { return c.src.Generation }

// ID returns the connection id carried by every event of this connection.
func (c *Conn) ID() uint64 { return c.src.ConnID }

// Source returns the tag carried by every event of this connection.
func (c *Conn) Source() Source { return c.src }

// Send writes v as a single JSON text message.
//
// Returns ErrNotOpen before EventOpened has been delivered and ErrClosed
// after Close.
func (c *Conn) Send(v any) error {
	if c.closing.Load() {
		return ErrClosed
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotOpen
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeLimit))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: write request: %w", ErrConnection, err)
	}
	return nil
}

// Close ends the connection. It is best effort: the peer may keep producing
// until it notices, and any events already in flight are still delivered.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closing.Store(true)
		c.cancelDial()

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.ws == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.grace))
		err = c.ws.Close()
	})
	return err
}

// run dials, then pumps inbound messages until the connection ends.
func (c *Conn) run(dialCtx context.Context, d *Dialer) {
	defer c.cancelDial()

	ws, resp, err := d.ws.DialContext(dialCtx, d.cfg.URL, d.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if c.closing.Load() {
			c.deliver(c.src.Closed())
			return
		}
		c.logger.Warn("stream dial failed", "url", d.cfg.URL, "error", err)
		c.deliver(c.src.Errored(fmt.Errorf("dial %s: %w", d.cfg.URL, err)))
		return
	}
	ws.SetReadLimit(d.cfg.ReadLimit)

	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		_ = ws.Close()
		c.deliver(c.src.Closed())
		return
	}
	c.ws = ws
	c.mu.Unlock()

	c.logger.Debug("stream opened", "url", d.cfg.URL)
	if !c.deliver(c.src.Opened()) {
		_ = c.Close()
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if !c.deliver(c.src.Unit(string(data))) {
			_ = c.Close()
			return
		}
	}
}

// finish reports the terminal event for a read error.
func (c *Conn) finish(err error) {
	switch {
	case c.closing.Load():
		c.logger.Debug("stream closed locally")
		c.deliver(c.src.Closed())
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Debug("stream closed by peer")
		_ = c.Close()
		c.deliver(c.src.Closed())
	default:
		c.logger.Warn("stream read failed", "error", err)
		_ = c.Close()
		c.deliver(c.src.Errored(fmt.Errorf("read: %w", err)))
	}
}

// deliver hands ev to the consumer. It returns false when the consumer's
// context is done.
func (c *Conn) deliver(ev Event) bool {
	select {
	case c.sink <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}
