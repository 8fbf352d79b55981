// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// StreamMeasurement is the InfluxDB measurement every finished stream is
// written to.
const StreamMeasurement = "streamchat_stream"

// StreamRecord describes one finished stream.
type StreamRecord struct {
	Outcome       string
	CorrelationID string
	Generation    uint64
	AnswerBytes   int
	Duration      time.Duration
	FinishedAt    time.Time
}

// StreamRecorder receives a record per finished stream. It is called on the
// session loop and must not block for long.
type StreamRecorder interface {
	RecordStream(ctx context.Context, rec StreamRecord)
}

// PointWriter is the part of the InfluxDB blocking write API the recorder
// needs. api.WriteAPIBlocking satisfies it.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxRecorder writes stream records as InfluxDB points.
type InfluxRecorder struct {
	writer PointWriter
	logger *slog.Logger
}

// NewInfluxRecorder wraps w. Write failures are logged and dropped.
func NewInfluxRecorder(w PointWriter, logger *slog.Logger) *InfluxRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &InfluxRecorder{writer: w, logger: logger}
}

// InfluxConfig locates an InfluxDB v2 bucket.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// DialInflux creates a client for cfg and a recorder writing to its bucket.
// The returned func closes the client.
func DialInflux(cfg InfluxConfig, logger *slog.Logger) (*InfluxRecorder, func()) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return NewInfluxRecorder(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), logger), client.Close
}

// RecordStream writes rec. The correlation id is a field, not a tag, to keep
// series cardinality bounded.
func (r *InfluxRecorder) RecordStream(ctx context.Context, rec StreamRecord) {
	if r == nil {
		return
	}
	at := rec.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}
	p := influxdb2.NewPoint(
		StreamMeasurement,
		map[string]string{"outcome": rec.Outcome},
		map[string]interface{}{
			"answer_bytes":   rec.AnswerBytes,
			"duration_ms":    float64(rec.Duration) / float64(time.Millisecond),
			"generation":     strconv.FormatUint(rec.Generation, 10),
			"correlation_id": rec.CorrelationID,
		},
		at,
	)
	if err := r.writer.WritePoint(ctx, p); err != nil {
		r.logger.Warn("write stream point failed", "outcome", rec.Outcome, "error", err)
	}
}
