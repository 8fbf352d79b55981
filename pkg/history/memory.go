// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"sync"

	"github.com/AleutianAI/streamchat/pkg/datatypes"
)

// MemoryStore keeps turns in process memory. Saves counts calls to Save so
// tests can check the one-mutation-one-persist rule.
type MemoryStore struct {
	mu    sync.Mutex
	turns []datatypes.Turn
	saves int
}

// NewMemoryStore returns a store seeded with a copy of turns.
func NewMemoryStore(turns ...datatypes.Turn) *MemoryStore {
	return &MemoryStore{turns: datatypes.CloneTurns(turns)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context) ([]datatypes.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return datatypes.CloneTurns(s.turns), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, turns []datatypes.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = datatypes.CloneTurns(turns)
	s.saves++
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	return nil
}

// Saves returns how many times Save has been called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

var _ Store = (*MemoryStore)(nil)
