// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/streamchat/pkg/datatypes"
	"github.com/AleutianAI/streamchat/pkg/observability"
	"github.com/AleutianAI/streamchat/pkg/session"
)

// chatRenderer writes the conversation to a terminal. Session hooks call it
// from the controller goroutine while the input loop calls it from another,
// so every method takes the lock.
type chatRenderer struct {
	mu  sync.Mutex
	out io.Writer

	userLabel      lipgloss.Style
	assistantLabel lipgloss.Style
	dim            lipgloss.Style
	warn           lipgloss.Style
	status         lipgloss.Style

	inAnswer bool
}

func newChatRenderer(out io.Writer) *chatRenderer {
	r := lipgloss.NewRenderer(out)
	return &chatRenderer{
		out:            out,
		userLabel:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		assistantLabel: r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		dim:            r.NewStyle().Faint(true),
		warn:           r.NewStyle().Foreground(lipgloss.Color("11")),
		status:         r.NewStyle().Italic(true),
	}
}

func (r *chatRenderer) prompt() string {
	return r.userLabel.Render("you") + " › "
}

func (r *chatRenderer) printPrompt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.out, r.prompt())
}

// history prints a restored conversation.
func (r *chatRenderer) history(turns []datatypes.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(turns) == 0 {
		return
	}
	fmt.Fprintln(r.out, r.dim.Render(fmt.Sprintf("restored %d turns", len(turns))))
	for _, t := range turns {
		r.writeTurn(t)
	}
}

func (r *chatRenderer) writeTurn(t datatypes.Turn) {
	if t.Role == datatypes.RoleUser {
		fmt.Fprintf(r.out, "%s › %s\n", r.userLabel.Render("you"), t.Content)
		return
	}
	fmt.Fprintf(r.out, "%s › %s%s\n", r.assistantLabel.Render("assistant"), t.Content, r.ratingMark(t.Feedback))
}

func (r *chatRenderer) ratingMark(rating datatypes.Rating) string {
	switch rating {
	case datatypes.RatingUp:
		return r.dim.Render("  [👍]")
	case datatypes.RatingDown:
		return r.dim.Render("  [👎]")
	case datatypes.RatingNeutral:
		return r.dim.Render("  [😐]")
	default:
		return ""
	}
}

// draft is the session OnDraft hook.
func (r *chatRenderer) draft(delta, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inAnswer {
		r.inAnswer = true
		fmt.Fprintf(r.out, "%s › ", r.assistantLabel.Render("assistant"))
	}
	fmt.Fprint(r.out, delta)
}

// idle is the session OnIdle hook.
func (r *chatRenderer) idle(outcome string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inAnswer {
		fmt.Fprintln(r.out)
		r.inAnswer = false
	}
	switch {
	case errors.Is(err, session.ErrStalled):
		fmt.Fprintln(r.out, r.warn.Render("⚠ the answer stopped arriving; the partial answer was kept"))
	case err != nil:
		fmt.Fprintln(r.out, r.warn.Render(fmt.Sprintf("⚠ connection lost: %v", err)))
	case outcome == observability.OutcomeClosed:
		fmt.Fprintln(r.out, r.dim.Render("(the server closed the stream)"))
	}
}

// statusChanged is the upload StatusBoard callback. Clearing prints nothing
// on a line-oriented terminal.
func (r *chatRenderer) statusChanged(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, r.status.Render(text))
}

func (r *chatRenderer) notice(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, r.dim.Render(fmt.Sprintf(format, args...)))
}

func (r *chatRenderer) warning(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, r.warn.Render(fmt.Sprintf(format, args...)))
}

func (r *chatRenderer) turns(turns []datatypes.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range turns {
		r.writeTurn(t)
	}
}
