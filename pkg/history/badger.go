// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/streamchat/pkg/datatypes"
	"github.com/dgraph-io/badger/v4"
)

// keyPrefix namespaces history documents inside a shared database.
const keyPrefix = "history/"

// =============================================================================
// Database Configuration
// =============================================================================

// BadgerConfig configures the database behind a BadgerStore.
//
// # Fields
//
//   - Path: Directory of the database. Required unless InMemory.
//   - InMemory: Keep everything in memory. Used by tests.
//   - SyncWrites: fsync on every commit. Default true via DefaultBadgerConfig.
//   - Logger: Receives badger's internal log lines. Nil silences them.
//   - GCInterval: Value log GC period. Zero disables the GC goroutine.
//   - GCDiscardRatio: Minimum garbage ratio before a value log is rewritten.
type BadgerConfig struct {
	Path           string
	InMemory       bool
	SyncWrites     bool
	Logger         *slog.Logger
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns durable settings for a database at path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for a throwaway database.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// Database Handle
// =============================================================================

// BadgerDB is an open database plus its optional value log GC goroutine.
// Several BadgerStores may share one BadgerDB.
type BadgerDB struct {
	db     *badger.DB
	stopGC chan struct{}
	doneGC chan struct{}
	logger *slog.Logger
}

// OpenBadger opens the database described by cfg.
func OpenBadger(cfg BadgerConfig) (*BadgerDB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	h := &BadgerDB{db: db, logger: loggerOrDefault(cfg.Logger)}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		h.stopGC = make(chan struct{})
		h.doneGC = make(chan struct{})
		go h.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return h, nil
}

func (h *BadgerDB) runGC(interval time.Duration, ratio float64) {
	defer close(h.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopGC:
			return
		case <-ticker.C:
			if err := h.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				h.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

// Close stops the GC goroutine and closes the database.
func (h *BadgerDB) Close() error {
	if h.stopGC != nil {
		close(h.stopGC)
		<-h.doneGC
	}
	return h.db.Close()
}

// =============================================================================
// Store
// =============================================================================

// BadgerStore stores one conversation under the key "history/<scope>".
type BadgerStore struct {
	db     *BadgerDB
	key    []byte
	scope  string
	logger *slog.Logger
}

// NewBadgerStore returns a store for scope in db. The caller owns db.
func NewBadgerStore(db *BadgerDB, scope string, logger *slog.Logger) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if scope == "" {
		return nil, ErrEmptyScope
	}
	return &BadgerStore{
		db:     db,
		key:    []byte(keyPrefix + scope),
		scope:  scope,
		logger: loggerOrDefault(logger),
	}, nil
}

// Load implements Store.
func (s *BadgerStore) Load(ctx context.Context) ([]datatypes.Turn, error) {
	if err := ctx.Err(); err != nil {
		return []datatypes.Turn{}, err
	}
	var data []byte
	err := s.db.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return []datatypes.Turn{}, nil
	}
	if err != nil {
		return []datatypes.Turn{}, fmt.Errorf("read history %s: %w", s.scope, err)
	}
	return decodeTurns(data, s.logger, s.scope), nil
}

// Save implements Store.
func (s *BadgerStore) Save(ctx context.Context, turns []datatypes.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeTurns(turns)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := s.db.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, data)
	}); err != nil {
		return fmt.Errorf("write history %s: %w", s.scope, err)
	}
	return nil
}

// Clear implements Store.
func (s *BadgerStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key)
	}); err != nil {
		return fmt.Errorf("clear history %s: %w", s.scope, err)
	}
	return nil
}

var _ Store = (*BadgerStore)(nil)
