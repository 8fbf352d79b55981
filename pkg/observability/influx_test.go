// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPointWriter struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
}

func (m *mockPointWriter) WritePoint(_ context.Context, point ...*write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, point...)
	return m.err
}

func TestInfluxRecorder_WritesPoint(t *testing.T) {
	w := &mockPointWriter{}
	r := NewInfluxRecorder(w, slog.New(slog.NewTextHandler(io.Discard, nil)))
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	r.RecordStream(context.Background(), StreamRecord{
		Outcome:       OutcomeCompleted,
		CorrelationID: "abc123",
		Generation:    2,
		AnswerBytes:   8,
		Duration:      1500 * time.Millisecond,
		FinishedAt:    at,
	})

	require.Len(t, w.points, 1)
	p := w.points[0]
	assert.Equal(t, StreamMeasurement, p.Name())
	assert.Equal(t, at, p.Time())

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"outcome": "completed"}, tags)

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, "abc123", fields["correlation_id"])
	assert.EqualValues(t, 8, fields["answer_bytes"])
	assert.InDelta(t, 1500.0, fields["duration_ms"], 0.001)
}

func TestInfluxRecorder_WriteFailureIsSwallowed(t *testing.T) {
	w := &mockPointWriter{err: errors.New("influx down")}
	r := NewInfluxRecorder(w, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NotPanics(t, func() {
		r.RecordStream(context.Background(), StreamRecord{Outcome: OutcomeErrored})
	})
	assert.Len(t, w.points, 1)
}

func TestInfluxRecorder_NilIsNoop(t *testing.T) {
	var r *InfluxRecorder
	assert.NotPanics(t, func() { r.RecordStream(context.Background(), StreamRecord{}) })
}

func TestDialInflux_WritesLineProtocol(t *testing.T) {
	var (
		mu    sync.Mutex
		query string
		body  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			http.NotFound(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		query = r.URL.RawQuery
		body = string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r, closeFn := DialInflux(InfluxConfig{URL: srv.URL, Token: "t", Org: "home", Bucket: "chat"}, nil)
	defer closeFn()

	r.RecordStream(context.Background(), StreamRecord{Outcome: OutcomeClosed, AnswerBytes: 3})

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, query, "bucket=chat")
	assert.Contains(t, query, "org=home")
	assert.Contains(t, body, "streamchat_stream,outcome=closed")
	assert.Contains(t, body, "answer_bytes=3i")
}
