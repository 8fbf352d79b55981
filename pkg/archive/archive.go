// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive copies conversations to Google Cloud Storage.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/streamchat/pkg/datatypes"
	"github.com/AleutianAI/streamchat/pkg/validation"
)

// ErrNoBucket is returned by New when no bucket is configured.
var ErrNoBucket = errors.New("archive bucket is not configured")

// Config locates the archive.
//
// # Fields
//
//   - Bucket: Required.
//   - Prefix: Optional. Object name prefix.
//   - CredentialsFile: Optional. Service account key. Default: application
//     default credentials.
//   - Logger: Optional. Default: slog.Default().
//   - Now: Optional. Default: time.Now.
type Config struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	Logger          *slog.Logger
	Now             func() time.Time
}

// Archiver writes one JSON object per archived conversation.
type Archiver struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Archiver. Extra client options, such as an endpoint, are
// passed to the storage client.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	prefix, err := validation.SanitizeObjectPrefix(cfg.Prefix)
	if err != nil {
		return nil, err
	}
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: cfg.Logger,
		now:    cfg.Now,
	}, nil
}

// ObjectName is where a conversation of scope archived at t is stored:
// <prefix>/<scope>/<UTC timestamp>.json.
func (a *Archiver) ObjectName(scope string, t time.Time) string {
	return path.Join(a.prefix, scope, t.UTC().Format("20060102T150405Z")+".json")
}

// Archive uploads turns and returns the gs:// URL of the new object.
func (a *Archiver) Archive(ctx context.Context, scope string, turns []datatypes.Turn) (string, error) {
	if turns == nil {
		turns = []datatypes.Turn{}
	}
	data, err := json.MarshalIndent(turns, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode conversation: %w", err)
	}

	name := a.ObjectName(scope, a.now())
	w := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	w.Metadata = map[string]string{
		"scope": scope,
		"turns": strconv.Itoa(len(turns)),
	}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write GCS object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w", name, err)
	}

	url := fmt.Sprintf("gs://%s/%s", a.bucket, name)
	a.logger.Info("conversation archived", "url", url, "turns", len(turns))
	return url, nil
}

// Close releases the storage client.
func (a *Archiver) Close() error {
	return a.client.Close()
}
