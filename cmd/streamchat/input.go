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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// InputReader is where chat lines come from. ReadLine returns one trimmed
// line, or io.EOF when there is no more input.
type InputReader interface {
	ReadLine() (string, error)
}

// PromptingInputReader draws its own prompt; the chat runner prints one for
// every other reader.
type PromptingInputReader interface {
	InputReader
	SetPrompt(prompt string)
}

// HistorySeeder readers get the user turns of a restored conversation.
type HistorySeeder interface {
	Seed(lines []string)
}

// NewInputReader picks the terminal editor when stdin is a TTY and a plain
// LineReader on stdin otherwise.
func NewInputReader(recallSize int) InputReader {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return &TerminalReader{recall: newRecall(recallSize), prompt: "> "}
	}
	return NewLineReader(os.Stdin)
}

// LineReader reads newline-terminated lines. A final unterminated line is
// returned before io.EOF.
type LineReader struct {
	br *bufio.Reader
}

// NewLineReader wraps r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{br: bufio.NewReader(r)}
}

// ReadLine implements InputReader.
func (r *LineReader) ReadLine() (string, error) {
	line, err := r.br.ReadString('\n')
	if errors.Is(err, io.EOF) && line != "" {
		err = nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// recall is the list of earlier queries walked with the arrow keys.
// pos == len(lines) means "not walking"; draft keeps what was typed before
// the walk started.
type recall struct {
	lines []string
	limit int
	pos   int
	draft string
}

func newRecall(limit int) *recall {
	return &recall{limit: limit}
}

// add appends line unless it is empty or repeats the newest entry.
func (h *recall) add(line string) {
	if line == "" || (len(h.lines) > 0 && h.lines[len(h.lines)-1] == line) {
		return
	}
	h.lines = append(h.lines, line)
	if h.limit > 0 && len(h.lines) > h.limit {
		h.lines = append([]string(nil), h.lines[len(h.lines)-h.limit:]...)
	}
	h.rewind()
}

func (h *recall) rewind() {
	h.pos = len(h.lines)
	h.draft = ""
}

// older moves one entry back. typed is the current editor content.
func (h *recall) older(typed string) (string, bool) {
	if h.pos == 0 {
		return "", false
	}
	if h.pos == len(h.lines) {
		h.draft = typed
	}
	h.pos--
	return h.lines[h.pos], true
}

// newer moves one entry forward, ending at the saved draft.
func (h *recall) newer() (string, bool) {
	if h.pos >= len(h.lines) {
		return "", false
	}
	h.pos++
	if h.pos == len(h.lines) {
		return h.draft, true
	}
	return h.lines[h.pos], true
}

// TerminalReader edits one line at a time in a bubbletea text input.
//
// Enter submits, Up/Down walk the recall list, Tab completes a slash
// command, Ctrl+C discards the line and Ctrl+D ends input. Slash commands
// are not recalled.
type TerminalReader struct {
	recall *recall
	prompt string
}

// SetPrompt implements PromptingInputReader.
func (r *TerminalReader) SetPrompt(prompt string) { r.prompt = prompt }

// Seed implements HistorySeeder. It replaces the recall list.
func (r *TerminalReader) Seed(lines []string) {
	r.recall = newRecall(r.recall.limit)
	for _, line := range lines {
		r.recall.add(line)
	}
}

// ReadLine implements InputReader.
func (r *TerminalReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.CharLimit = 4096
	ti.ShowSuggestions = true
	ti.SetSuggestions(slashCommands)
	ti.Focus()

	r.recall.rewind()
	final, err := tea.NewProgram(lineEditor{input: ti, recall: r.recall}, tea.WithOutput(os.Stderr)).Run()
	if err != nil {
		return "", fmt.Errorf("line editor: %w", err)
	}
	ed, ok := final.(lineEditor)
	if !ok {
		return "", fmt.Errorf("line editor returned %T", final)
	}
	if ed.eof {
		return "", io.EOF
	}

	line := strings.TrimSpace(ed.input.Value())
	if !strings.HasPrefix(line, "/") {
		r.recall.add(line)
	}
	return line, nil
}

type lineEditor struct {
	input  textinput.Model
	recall *recall
	closed bool
	eof    bool
}

func (e lineEditor) Init() tea.Cmd { return textinput.Blink }

func (e lineEditor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "enter":
			e.closed = true
			return e, tea.Quit
		case "ctrl+c":
			e.input.Reset()
			e.closed = true
			return e, tea.Quit
		case "ctrl+d":
			e.input.Reset()
			e.closed, e.eof = true, true
			return e, tea.Quit
		case "up":
			if line, ok := e.recall.older(e.input.Value()); ok {
				e.input.SetValue(line)
				e.input.CursorEnd()
			}
			return e, nil
		case "down":
			if line, ok := e.recall.newer(); ok {
				e.input.SetValue(line)
				e.input.CursorEnd()
			}
			return e, nil
		}
	}
	var cmd tea.Cmd
	e.input, cmd = e.input.Update(msg)
	return e, cmd
}

func (e lineEditor) View() string {
	if e.closed {
		return ""
	}
	return e.input.View()
}

// isExitCommand reports whether input ends the chat.
func isExitCommand(input string) bool {
	return input == "exit" || input == "quit"
}
