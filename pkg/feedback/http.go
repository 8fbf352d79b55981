// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/streamchat/pkg/datatypes"
)

const defaultForwardTimeout = 10 * time.Second

// HTTPForwarder posts ratings to <BaseURL>/feedback.
type HTTPForwarder struct {
	endpoint string
	client   *http.Client
}

// NewHTTPForwarder creates a forwarder for the service at baseURL. A nil
// client gets a 10 second timeout.
func NewHTTPForwarder(baseURL string, client *http.Client) *HTTPForwarder {
	if client == nil {
		client = &http.Client{Timeout: defaultForwardTimeout}
	}
	return &HTTPForwarder{
		endpoint: strings.TrimRight(baseURL, "/") + "/feedback",
		client:   client,
	}
}

// Forward validates req and posts it. Any non-2xx status is an error.
func (f *HTTPForwarder) Forward(ctx context.Context, req datatypes.FeedbackRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrForward, err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrForward, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrForward, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrForward, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrForward, f.endpoint, resp.StatusCode)
	}
	return nil
}
