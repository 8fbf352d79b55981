// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type StreamchatConfig struct {
	// Server: where the chat service lives
	Server ServerConfig `yaml:"server"`

	// History: where the conversation is persisted between runs
	History HistoryConfig `yaml:"history"`

	// Session: stream handling
	Session SessionConfig `yaml:"session"`

	// Upload: side-channel status display
	Upload UploadConfig `yaml:"upload"`

	// Logging: console level and the optional JSON log directory
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry: OpenTelemetry exporters and the Prometheus listener
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Archive: GCS bucket for `history archive`
	Archive ArchiveConfig `yaml:"archive"`
}

type ServerConfig struct {
	BaseURL    string `yaml:"base_url" validate:"required,url"`             // e.g. http://localhost:12210
	StreamPath string `yaml:"stream_path" validate:"required,startswith=/"` // e.g. /ws/stream
}

type HistoryConfig struct {
	// Backend is "file", "badger" or "memory".
	Backend string `yaml:"backend" validate:"oneof=file badger memory"`
	Dir     string `yaml:"dir"`
}

type SessionConfig struct {
	// StallTimeout ends a stream that has been silent this long. 0 waits forever.
	StallTimeout time.Duration `yaml:"stall_timeout" validate:"gte=0"`
}

type UploadConfig struct {
	StatusDisplay time.Duration `yaml:"status_display" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	Traces       string `yaml:"traces" validate:"oneof=none stdout otlp"`
	Metrics      string `yaml:"metrics" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" validate:"omitempty,hostname_port"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	// MetricsAddr serves /metrics while chatting, e.g. 127.0.0.1:9464. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`

	// Influx: one point per finished stream. Disabled when URL is empty.
	Influx InfluxConfig `yaml:"influx"`
}

type InfluxConfig struct {
	URL      string `yaml:"url,omitempty" validate:"omitempty,url"`
	TokenEnv string `yaml:"token_env,omitempty"` // name of the env var holding the token
	Org      string `yaml:"org,omitempty" validate:"required_with=URL"`
	Bucket   string `yaml:"bucket,omitempty" validate:"required_with=URL"`
}

type ArchiveConfig struct {
	Bucket          string `yaml:"bucket,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// StreamURL is the websocket URL of the stream endpoint: the base URL with
// http(s) swapped for ws(s) and StreamPath appended.
func (c StreamchatConfig) StreamURL() (string, error) {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("base_url scheme %q is not http(s)", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + c.Server.StreamPath
	return u.String(), nil
}

// DefaultConfig points at a service on localhost and keeps history in files
// under ~/.streamchat/history.
func DefaultConfig() StreamchatConfig {
	return StreamchatConfig{
		Server: ServerConfig{
			BaseURL:    "http://localhost:12210",
			StreamPath: "/ws/stream",
		},
		History: HistoryConfig{
			Backend: "file",
			Dir:     "~/.streamchat/history",
		},
		Session: SessionConfig{StallTimeout: 0},
		Upload:  UploadConfig{StatusDisplay: 3 * time.Second},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.streamchat/logs",
		},
		Telemetry: TelemetryConfig{
			Traces:       "none",
			Metrics:      "none",
			OTLPEndpoint: "localhost:4317",
			OTLPInsecure: true,
			Influx:       InfluxConfig{TokenEnv: "STREAMCHAT_INFLUX_TOKEN"},
		},
		Archive: ArchiveConfig{Prefix: "streamchat"},
	}
}
