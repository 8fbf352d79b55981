// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data structures shared by the streamchat
// client packages.
//
// This file contains the conversation model (Turn, Role, Rating). Wire
// payloads exchanged with the remote service live in payloads.go.
package datatypes

import (
	"fmt"
	"time"
)

// =============================================================================
// Roles
// =============================================================================

// Role identifies who authored a Turn.
type Role string

const (
	// RoleUser marks a turn submitted by the local user.
	RoleUser Role = "user"

	// RoleAssistant marks a turn assembled from a streamed answer.
	RoleAssistant Role = "assistant"
)

// =============================================================================
// Ratings
// =============================================================================

// Rating is the feedback attached to an assistant Turn.
//
// # Description
//
// The zero value RatingNone means "not rated yet". A Turn's rating moves away
// from RatingNone at most once; after that it is frozen.
type Rating string

const (
	// RatingNone is the unrated state. It serializes as an empty string.
	RatingNone Rating = ""

	// RatingUp is a positive rating.
	RatingUp Rating = "up"

	// RatingDown is a negative rating.
	RatingDown Rating = "down"

	// RatingNeutral records that the user looked at the answer without judging it.
	RatingNeutral Rating = "neutral"
)

// ParseRating converts user input into a Rating.
//
// # Description
//
// Accepts "up", "down" and "neutral". RatingNone is not a valid input: a
// caller cannot rate a turn back to "unrated".
//
// # Outputs
//
//   - Rating: The parsed rating.
//   - error: Non-nil when the input is not one of the three accepted values.
func ParseRating(s string) (Rating, error) {
	switch r := Rating(s); r {
	case RatingUp, RatingDown, RatingNeutral:
		return r, nil
	default:
		return RatingNone, fmt.Errorf("unknown rating %q: want up, down or neutral", s)
	}
}

// Valid reports whether r is a rating a user may submit.
func (r Rating) Valid() bool {
	return r == RatingUp || r == RatingDown || r == RatingNeutral
}

// String returns the wire form, or "none" for the unrated state.
func (r Rating) String() string {
	if r == RatingNone {
		return "none"
	}
	return string(r)
}

// =============================================================================
// Turn
// =============================================================================

// Turn is one message in a conversation.
//
// # Description
//
// A user Turn is created when a query is submitted; an assistant Turn is
// created when a stream finalizes. Turns are immutable except for Feedback,
// which transitions at most once from RatingNone.
//
// # Fields
//
//   - Role: Author of the turn.
//   - Content: Full text. For assistant turns this is the concatenation of
//     every content frame of the stream, in arrival order.
//   - CorrelationID: Identifier announced by the stream that produced this
//     turn. Empty for user turns and for streams that never announced one.
//   - Feedback: Rating applied by the user, RatingNone until then.
//   - CreatedAt: When the turn was appended locally. Informational only.
type Turn struct {
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Feedback      Rating    `json:"feedback,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitzero"`
}

// HasCorrelation reports whether the turn can receive feedback.
func (t Turn) HasCorrelation() bool {
	return t.CorrelationID != ""
}

// Rated reports whether feedback has already been applied.
func (t Turn) Rated() bool {
	return t.Feedback != RatingNone
}

// CloneTurns returns a copy of turns that shares no backing array with the
// input. A nil input yields an empty, non-nil slice.
func CloneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
