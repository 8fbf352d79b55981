// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth performs the credential exchange with the chat service.
//
// The password is moved into a memguard LockedBuffer as soon as Login
// receives it and is destroyed when the exchange ends. Every failure,
// whatever its cause, surfaces as ErrInvalidCredentials.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

// ErrInvalidCredentials is the only error Login returns.
var ErrInvalidCredentials = errors.New("invalid credentials")

const defaultLoginTimeout = 15 * time.Second

// Config configures a Client.
//
//   - BaseURL: Required. The client posts to <BaseURL>/auth/login.
//   - HTTPClient: Optional. Default: 15 second timeout.
//   - Logger: Optional. Default: slog.Default().
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client logs in against one service.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultLoginTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/auth/login",
		http:     cfg.HTTPClient,
		logger:   cfg.Logger,
	}
}

// Login exchanges username and password.
//
// # Description
//
// password is copied into locked memory and the caller's slice is wiped
// before anything else happens. The request body is built in locked memory
// and destroyed once the transport has closed it.
// Success is signalled by a 2xx status alone; the response body is ignored.
//
// # Outputs
//
//   - error: nil on success, ErrInvalidCredentials otherwise. The cause is
//     logged at debug level and never returned.
func (c *Client) Login(ctx context.Context, username string, password []byte) error {
	checkSecureMemory(c.logger)

	if len(password) == 0 || strings.TrimSpace(username) == "" {
		memguard.WipeBytes(password)
		return ErrInvalidCredentials
	}
	secret := memguard.NewBufferFromBytes(password)
	defer secret.Destroy()

	body, n, err := encodeLogin(username, secret)
	if err != nil {
		c.logger.Debug("encode login failed", "error", err)
		return ErrInvalidCredentials
	}
	payload := newLockedBody(body.Bytes()[:n])
	// The transport may close the request body after Do returns.
	defer func() {
		<-payload.closed
		body.Destroy()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, payload)
	if err != nil {
		_ = payload.Close()
		c.logger.Debug("build login request failed", "error", err)
		return ErrInvalidCredentials
	}
	req.ContentLength = int64(n)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("login request failed", "endpoint", c.endpoint, "error", err)
		return ErrInvalidCredentials
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("login rejected", "status", resp.StatusCode)
		return ErrInvalidCredentials
	}
	c.logger.Info("login succeeded", "username", username)
	return nil
}

const (
	loginPrefix   = `{"username":`
	loginPassword = `,"password":"`
	loginSuffix   = `"}`
)

// encodeLogin builds {"username": ..., "password": ...} in a LockedBuffer
// sized for the worst case, where every password byte escapes to \u00XX.
// The body is the first n bytes; the caller destroys the buffer.
func encodeLogin(username string, secret *memguard.LockedBuffer) (*memguard.LockedBuffer, int, error) {
	user, err := json.Marshal(username)
	if err != nil {
		return nil, 0, err
	}
	size := len(loginPrefix) + len(user) + len(loginPassword) + 6*secret.Size() + len(loginSuffix)
	out := memguard.NewBuffer(size)
	dst := out.Bytes()

	n := copy(dst, loginPrefix)
	n += copy(dst[n:], user)
	n += copy(dst[n:], loginPassword)
	n += escapeJSONString(dst[n:], secret.Bytes())
	n += copy(dst[n:], loginSuffix)
	return out, n, nil
}

// escapeJSONString writes b into dst as the inside of a JSON string and
// returns the bytes written. dst must hold 6*len(b).
func escapeJSONString(dst, b []byte) int {
	const hex = "0123456789abcdef"
	n := 0
	for _, c := range b {
		switch {
		case c == '"' || c == '\\':
			dst[n], dst[n+1] = '\\', c
			n += 2
		case c < 0x20:
			n += copy(dst[n:], `\u00`)
			dst[n], dst[n+1] = hex[c>>4], hex[c&0xf]
			n += 2
		default:
			dst[n] = c
			n++
		}
	}
	return n
}

// lockedBody reads a request body out of locked memory and reports when
// the transport is done with it.
type lockedBody struct {
	r      *bytes.Reader
	once   sync.Once
	closed chan struct{}
}

func newLockedBody(b []byte) *lockedBody {
	return &lockedBody{r: bytes.NewReader(b), closed: make(chan struct{})}
}

func (b *lockedBody) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *lockedBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

var secureMemoryOnce sync.Once

// checkSecureMemory logs once whether locked memory is actually locked.
func checkSecureMemory(logger *slog.Logger) {
	secureMemoryOnce.Do(func() {
		sufficient, limitKB := mlockLimit()
		if sufficient {
			logger.Debug("secure memory available", "mlock_limit_kb", limitKB)
			return
		}
		logger.Warn("mlock limit is low, password buffers may be swappable",
			"mlock_limit_kb", limitKB,
			"required_kb", minMlockLimitKB)
	})
}
