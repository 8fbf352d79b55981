// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StreamLatency holds the OpenTelemetry timing instruments of a stream.
// A nil *StreamLatency records nothing.
type StreamLatency struct {
	// FirstContent is the time from Submit to the first content frame.
	FirstContent metric.Float64Histogram

	// Duration is the time from Submit until the stream leaves Streaming.
	Duration metric.Float64Histogram
}

// NewStreamLatency creates the instruments on meter.
func NewStreamLatency(meter metric.Meter) (*StreamLatency, error) {
	l := &StreamLatency{}
	var err error

	l.FirstContent, err = meter.Float64Histogram(
		"streamchat_stream_first_content_seconds",
		metric.WithDescription("Time from submit to the first content frame"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create first_content histogram: %w", err)
	}

	l.Duration, err = meter.Float64Histogram(
		"streamchat_stream_duration_seconds",
		metric.WithDescription("Time from submit until the stream finished"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	return l, nil
}

// RecordFirstContent records the wait for the first content frame.
func (l *StreamLatency) RecordFirstContent(ctx context.Context, d time.Duration) {
	if l == nil {
		return
	}
	l.FirstContent.Record(ctx, d.Seconds())
}

// RecordDuration records a finished stream.
func (l *StreamLatency) RecordDuration(ctx context.Context, d time.Duration, outcome string) {
	if l == nil {
		return
	}
	l.Duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}
