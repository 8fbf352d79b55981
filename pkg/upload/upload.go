// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package upload sends documents to the ingestion endpoint.
//
// Uploads are independent of the chat session: they share no state with it
// and never touch the conversation. The only product of an upload is a
// human-readable Status, which a StatusBoard shows for a few seconds.
package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/streamchat/pkg/datatypes"
	"github.com/AleutianAI/streamchat/pkg/observability"
)

// Status texts shown to the user.
const (
	successFormat   = "✅ Uploaded %s"
	failureFormat   = "❌ Upload failed: %s"
	ConnectionError = "❌ Connection error: could not reach the server"
)

const (
	defaultUploadTimeout = 60 * time.Second
	maxResponseBytes     = 1 << 20
)

// Status is the outcome of one upload.
type Status struct {
	OK       bool
	Text     string
	Filename string

	// Detail is the server's explanation for a rejected upload.
	Detail string
}

// ClientConfig configures a Client.
//
//   - BaseURL: Required. Service root; the client posts to <BaseURL>/upload_file.
//   - HTTPClient: Optional. Default: 60 second timeout.
//   - Logger: Optional. Default: slog.Default().
//   - Metrics: Optional.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *observability.StreamMetrics
}

// Client uploads documents.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
	metrics  *observability.StreamMetrics
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultUploadTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/upload_file",
		http:     cfg.HTTPClient,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Upload sends data as one base64 request.
//
// # Description
//
// Any 2xx response is a success. A rejected upload reports the server's
// detail; anything else (no response, or no detail to show) reports the
// generic connection error. Upload never returns an error: the Status is the
// whole result.
func (c *Client) Upload(ctx context.Context, data []byte, filename string) Status {
	req := datatypes.UploadRequest{
		FileData: base64.StdEncoding.EncodeToString(data),
		Filename: filename,
	}
	detail, err := c.post(ctx, req)

	var status Status
	switch {
	case err == nil:
		status = Status{OK: true, Text: fmt.Sprintf(successFormat, filename), Filename: filename}
		c.logger.Info("upload succeeded", "filename", filename, "bytes", len(data))
	case detail != "":
		status = Status{Text: fmt.Sprintf(failureFormat, detail), Filename: filename, Detail: detail}
		c.logger.Warn("upload rejected", "filename", filename, "detail", detail)
	default:
		status = Status{Text: ConnectionError, Filename: filename}
		c.logger.Warn("upload failed", "filename", filename, "error", err)
	}
	c.metrics.RecordUpload(status.OK)
	return status
}

// UploadFile reads path and uploads it under its base name. The error is
// non-nil only when the file cannot be read; nothing is sent then.
func (c *Client) UploadFile(ctx context.Context, path string) (Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Status{}, fmt.Errorf("read %s: %w", path, err)
	}
	return c.Upload(ctx, data, filepath.Base(path)), nil
}

var errRejected = errors.New("upload rejected")

// post sends req. On a non-2xx response it returns the server's detail, if
// the body carried one.
func (c *Client) post(ctx context.Context, req datatypes.UploadRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode upload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return "", nil
	}

	var errResp datatypes.ErrorResponse
	if json.Unmarshal(raw, &errResp) == nil && errResp.Detail != "" {
		return errResp.Detail, fmt.Errorf("%w: %d", errRejected, resp.StatusCode)
	}
	return "", fmt.Errorf("%w: %d without detail", errRejected, resp.StatusCode)
}
