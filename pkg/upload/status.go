// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package upload

import (
	"sync"
	"time"
)

// DefaultDisplayDuration is how long a status stays visible.
const DefaultDisplayDuration = 3 * time.Second

// StatusBoard holds the latest upload status and clears it after a fixed
// display duration. A newer status replaces the old one and restarts the
// clock. It is safe for concurrent use.
type StatusBoard struct {
	display  time.Duration
	onChange func(text string)

	mu      sync.Mutex
	current Status
	visible bool
	seq     uint64
	timer   *time.Timer
}

// NewStatusBoard creates a board. display <= 0 selects
// DefaultDisplayDuration. onChange, if set, receives the new text on every
// change, including "" when the status clears; it runs without the board's
// lock held, possibly on a timer goroutine.
func NewStatusBoard(display time.Duration, onChange func(text string)) *StatusBoard {
	if display <= 0 {
		display = DefaultDisplayDuration
	}
	return &StatusBoard{display: display, onChange: onChange}
}

// Show makes s the visible status.
func (b *StatusBoard) Show(s Status) {
	b.mu.Lock()
	b.seq++
	seq := b.seq
	b.current = s
	b.visible = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.display, func() { b.expire(seq) })
	b.mu.Unlock()

	b.notify(s.Text)
}

// Current returns the visible status, if any.
func (b *StatusBoard) Current() (Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.visible
}

// Text returns the visible status text, or "".
func (b *StatusBoard) Text() string {
	s, ok := b.Current()
	if !ok {
		return ""
	}
	return s.Text
}

// Stop cancels a pending clear. The current status stays visible.
func (b *StatusBoard) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *StatusBoard) expire(seq uint64) {
	b.mu.Lock()
	if seq != b.seq || !b.visible {
		b.mu.Unlock()
		return
	}
	b.current = Status{}
	b.visible = false
	b.timer = nil
	b.mu.Unlock()

	b.notify("")
}

func (b *StatusBoard) notify(text string) {
	if b.onChange != nil {
		b.onChange(text)
	}
}
