// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/AleutianAI/streamchat/pkg/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn records what the machine does with a connection.
type fakeConn struct {
	src     transport.Source
	sendErr error

	mu     sync.Mutex
	sent   []any
	closed int
}

func (c *fakeConn) Source() transport.Source { return c.src }

func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) Sent() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.sent...)
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed > 0
}

// fakeOpener hands out fakeConns. When script is set, every Open starts a
// goroutine that writes Opened followed by one Unit per entry to the sink,
// the way a real connection would.
type fakeOpener struct {
	script  []string
	sendErr error

	mu    sync.Mutex
	next  uint64
	conns []*fakeConn
}

func (o *fakeOpener) Open(ctx context.Context, generation uint64, sink chan<- transport.Event) Connection {
	o.mu.Lock()
	o.next++
	c := &fakeConn{src: transport.Source{Generation: generation, ConnID: o.next}, sendErr: o.sendErr}
	o.conns = append(o.conns, c)
	script := o.script
	o.mu.Unlock()

	if script != nil {
		go func() {
			events := []transport.Event{c.src.Opened()}
			for _, raw := range script {
				events = append(events, c.src.Unit(raw))
			}
			for _, ev := range events {
				select {
				case sink <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	return c
}

func (o *fakeOpener) Conns() []*fakeConn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeConn(nil), o.conns...)
}

func (o *fakeOpener) Last() *fakeConn {
	conns := o.Conns()
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}
