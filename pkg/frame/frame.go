// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package frame decodes raw inbound stream units into tagged frames.
//
// The streaming protocol is plain text with two magic forms:
//
//	<<ID:opaque-id>>   announces the correlation id of the answer
//	<<END>>            ends the answer
//
// Everything else is a content fragment. There is no escaping, so content
// that collides with either form is read as a control frame. Classification
// happens once, at the transport boundary; code downstream switches on
// Frame.Kind and never looks at the raw markers again.
package frame

import "strings"

const (
	// IDPrefix opens a control-identifier unit.
	IDPrefix = "<<ID:"

	// IDSuffix closes a control-identifier unit.
	IDSuffix = ">>"

	// TerminalSentinel is the exact unit that ends a stream.
	TerminalSentinel = "<<END>>"
)

// Kind is the tag of a Frame.
type Kind int

const (
	// KindContent is a fragment of answer text.
	KindContent Kind = iota

	// KindIdentifier carries the stream's correlation id.
	KindIdentifier

	// KindTerminal ends the stream.
	KindTerminal
)

// String returns a lowercase name, used as a metric label.
func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindIdentifier:
		return "identifier"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Frame is one classified unit of a streaming response.
//
// Text holds the fragment for KindContent and the id for KindIdentifier.
// It is empty for KindTerminal.
type Frame struct {
	Kind Kind
	Text string
}

// Content builds a content frame.
func Content(text string) Frame { return Frame{Kind: KindContent, Text: text} }

// Identifier builds an identifier frame.
func Identifier(id string) Frame { return Frame{Kind: KindIdentifier, Text: id} }

// Terminal builds the terminal frame.
func Terminal() Frame { return Frame{Kind: KindTerminal} }

// Classify turns one raw unit into a Frame. It never fails.
//
// # Description
//
// Rules are applied in order:
//
//  1. "<<ID:" + id + ">>" spanning the whole unit yields Identifier(id).
//     The id is opaque and may be empty.
//  2. A unit equal to "<<END>>" yields Terminal.
//  3. Anything else yields Content(raw), verbatim, including "".
//
// # Examples
//
//	Classify("<<ID:abc123>>") // Identifier("abc123")
//	Classify("<<END>>")       // Terminal
//	Classify(" <<END>>")      // Content(" <<END>>")
func Classify(raw string) Frame {
	if len(raw) >= len(IDPrefix)+len(IDSuffix) &&
		strings.HasPrefix(raw, IDPrefix) && strings.HasSuffix(raw, IDSuffix) {
		return Identifier(raw[len(IDPrefix) : len(raw)-len(IDSuffix)])
	}
	if raw == TerminalSentinel {
		return Terminal()
	}
	return Content(raw)
}

// FormatIdentifier renders an id as a control unit. Used by the stub server.
func FormatIdentifier(id string) string {
	return IDPrefix + id + IDSuffix
}
