// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/streamchat/pkg/datatypes"
	"github.com/AleutianAI/streamchat/pkg/transport"
)

var (
	// ErrStopped is returned by Controller methods once Run has returned.
	ErrStopped = errors.New("session controller stopped")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("session controller already running")
)

const eventBuffer = 64

// ControllerConfig wires a Controller. The embedded MachineConfig's Sink is
// ignored; the Controller owns the event channel.
type ControllerConfig struct {
	MachineConfig

	// StallTimeout ends a stream that has produced no event for this long.
	// Zero disables the guard.
	StallTimeout time.Duration
}

// Controller serialises commands and transport events onto one goroutine.
//
// # Description
//
// Run owns the Machine. Submit, Reset, ApplyFeedback and Snapshot post a
// closure to Run's loop and wait for it, so callers on any goroutine see a
// consistent session without locks. Transport goroutines only write to the
// event channel.
//
// # Example
//
//	ctrl := session.NewController(session.ControllerConfig{MachineConfig: session.MachineConfig{
//	    Opener: session.DialerOpener(dialer),
//	    Store:  store,
//	}})
//	go ctrl.Run(ctx)
//	err := ctrl.Submit(ctx, "Hello")
type Controller struct {
	machine  *Machine
	events   chan transport.Event
	commands chan func(context.Context)
	stall    time.Duration

	running atomic.Bool
	done    chan struct{}
}

// NewController creates a Controller. Nothing runs until Run is called.
func NewController(cfg ControllerConfig) *Controller {
	events := make(chan transport.Event, eventBuffer)
	mc := cfg.MachineConfig
	mc.Sink = events
	return &Controller{
		machine:  NewMachine(mc),
		events:   events,
		commands: make(chan func(context.Context)),
		stall:    cfg.StallTimeout,
		done:     make(chan struct{}),
	}
}

// Run restores persisted history, then processes commands and events until
// ctx is cancelled. Unreadable history starts the session empty. Run returns
// ctx.Err().
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)

	if err := c.machine.Restore(ctx); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}

	stall := newStallGuard(c.stall)
	defer stall.stop()

	for {
		select {
		case <-ctx.Done():
			c.machine.shutdown()
			return ctx.Err()
		case cmd := <-c.commands:
			cmd(ctx)
		case ev := <-c.events:
			c.machine.HandleEvent(ctx, ev)
		case <-stall.fired():
			if src, ok := c.machine.liveSource(); ok {
				c.machine.logger.Warn("stream stalled", "generation", src.Generation, "timeout", c.stall)
				c.machine.HandleEvent(ctx, src.Errored(ErrStalled))
			}
		}
		stall.track(c.machine)
	}
}

// Submit starts a stream for query. It returns ErrEmptyQuery or ErrBusy when
// the machine ignored the call.
func (c *Controller) Submit(ctx context.Context, query string) error {
	var err error
	if doErr := c.do(ctx, func(loop context.Context) { err = c.machine.Submit(loop, query) }); doErr != nil {
		return doErr
	}
	return err
}

// Reset starts a new conversation.
func (c *Controller) Reset(ctx context.Context) error {
	return c.do(ctx, func(loop context.Context) { c.machine.Reset(loop) })
}

// Snapshot copies the current session.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func(context.Context) { snap = c.machine.Snapshot() })
	return snap, err
}

// ApplyFeedback rates the assistant turn carrying correlationID. See
// Machine.ApplyFeedback.
func (c *Controller) ApplyFeedback(ctx context.Context, correlationID string, rating datatypes.Rating) (datatypes.Turn, bool, error) {
	var (
		turn    datatypes.Turn
		applied bool
	)
	err := c.do(ctx, func(loop context.Context) {
		turn, applied = c.machine.ApplyFeedback(loop, correlationID, rating)
	})
	return turn, applied, err
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} { return c.done }

// do runs fn on the loop and waits for it.
func (c *Controller) do(ctx context.Context, fn func(context.Context)) error {
	finished := make(chan struct{})
	cmd := func(loop context.Context) {
		defer close(finished)
		fn(loop)
	}
	select {
	case c.commands <- cmd:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// =============================================================================
// Stall guard
// =============================================================================

// stallGuard fires when the in-flight stream has shown no activity for the
// configured timeout. A zero timeout never fires.
type stallGuard struct {
	timeout  time.Duration
	timer    *time.Timer
	armed    bool
	activity uint64
}

func newStallGuard(timeout time.Duration) *stallGuard {
	return &stallGuard{timeout: timeout}
}

// fired returns the timer channel, or nil while disarmed.
func (g *stallGuard) fired() <-chan time.Time {
	if !g.armed {
		return nil
	}
	return g.timer.C
}

// track re-arms the guard after activity on the in-flight stream and
// disarms it while idle.
func (g *stallGuard) track(m *Machine) {
	if g.timeout <= 0 {
		return
	}
	if m.State() != StateStreaming {
		g.stop()
		return
	}
	if g.armed && m.activity == g.activity {
		return
	}
	g.activity = m.activity
	if g.timer == nil {
		g.timer = time.NewTimer(g.timeout)
	} else {
		g.timer.Reset(g.timeout)
	}
	g.armed = true
}

func (g *stallGuard) stop() {
	if g.timer != nil {
		g.timer.Stop()
	}
	g.armed = false
}
