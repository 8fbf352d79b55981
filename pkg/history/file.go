// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/AleutianAI/streamchat/pkg/datatypes"
	"github.com/fsnotify/fsnotify"
)

// FileStore keeps one conversation as <dir>/<scope>.json.
//
// Writes go to a temporary file that is renamed over the target, so a
// reader never observes a half-written document.
type FileStore struct {
	dir    string
	scope  string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStore returns a FileStore for scope under dir. The directory is
// created on first Save.
func NewFileStore(dir, scope string, logger *slog.Logger) (*FileStore, error) {
	if scope == "" {
		return nil, ErrEmptyScope
	}
	if dir == "" {
		return nil, errors.New("history directory must not be empty")
	}
	return &FileStore{dir: dir, scope: scope, logger: loggerOrDefault(logger)}, nil
}

// Path returns the file backing this store.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, s.scope+".json")
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context) ([]datatypes.Turn, error) {
	if err := ctx.Err(); err != nil {
		return []datatypes.Turn{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return []datatypes.Turn{}, nil
	}
	if err != nil {
		return []datatypes.Turn{}, fmt.Errorf("read history %s: %w", s.Path(), err)
	}
	return decodeTurns(data, s.logger, s.scope), nil
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, turns []datatypes.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeTurns(turns)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("create history dir %s: %w", s.dir, err)
	}
	tmp, err := os.CreateTemp(s.dir, s.scope+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp history file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close history: %w", err)
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}

// Clear implements Store. A missing file is not an error.
func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Watch calls fn with the current turns every time the backing file is
// written, replaced or removed, until ctx is done.
//
// # Description
//
// Lets a second process follow a conversation that another process is
// driving. The directory is watched rather than the file, because Save
// replaces the file by rename. A removal reports an empty history.
//
// # Outputs
//
//   - error: ctx.Err() on cancellation, or a watcher setup/runtime error.
func (s *FileStore) Watch(ctx context.Context, fn func([]datatypes.Turn)) error {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("create history dir %s: %w", s.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	target := filepath.Clean(s.Path())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			turns, err := s.Load(ctx)
			if err != nil {
				s.logger.Warn("reload watched history failed", "path", target, "error", err)
				continue
			}
			fn(turns)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", s.dir, err)
		}
	}
}

var _ Store = (*FileStore)(nil)
