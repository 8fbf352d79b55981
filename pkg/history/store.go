// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history persists the ordered turns of one conversation.
//
// A Store is scoped to a single conversation: the scope is chosen when the
// store is built, not passed per call. The session controller calls Save
// after every mutation of its turns and Clear on reset. A store that cannot
// read its data returns an empty history instead of failing, so a corrupted
// file degrades to a fresh conversation.
//
// # Backends
//
//   - FileStore: one JSON document per scope in a directory; supports Watch.
//   - BadgerStore: one key per scope in a badger/v4 database.
//   - MemoryStore: process-local, for tests and ephemeral sessions.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/AleutianAI/streamchat/pkg/datatypes"
)

// ErrEmptyScope is returned by constructors given an empty scope.
var ErrEmptyScope = errors.New("history scope must not be empty")

// Store is the persistence contract for a conversation's turns.
//
// # Description
//
// Load returns the persisted turns, oldest first. Absent or unreadable data
// yields an empty, non-nil slice and a nil error; a non-nil error is reserved
// for the backend itself being unavailable, and even then the slice is
// empty and usable.
//
// Save replaces the stored turns with turns. Clear removes them.
//
// # Thread Safety
//
// Implementations in this package are safe for concurrent use, although the
// session controller only calls them from its event loop.
type Store interface {
	Load(ctx context.Context) ([]datatypes.Turn, error)
	Save(ctx context.Context, turns []datatypes.Turn) error
	Clear(ctx context.Context) error
}

// decodeTurns parses a persisted document. Corrupt input is logged and
// read as empty.
func decodeTurns(data []byte, logger *slog.Logger, scope string) []datatypes.Turn {
	if len(data) == 0 {
		return []datatypes.Turn{}
	}
	var turns []datatypes.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		logger.Warn("discarding unreadable history", "scope", scope, "error", err)
		return []datatypes.Turn{}
	}
	if turns == nil {
		return []datatypes.Turn{}
	}
	return turns
}

func encodeTurns(turns []datatypes.Turn) ([]byte, error) {
	if turns == nil {
		turns = []datatypes.Turn{}
	}
	return json.MarshalIndent(turns, "", "  ")
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
