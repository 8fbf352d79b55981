// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the streamchat client.
//
// # Metrics
//
// All metrics use the "streamchat" namespace:
//
//   - streamchat_stream_started_total
//   - streamchat_stream_finished_total{outcome}
//   - streamchat_stream_answer_bytes
//   - streamchat_stream_active
//   - streamchat_stream_frames_total{kind}
//   - streamchat_stream_stale_events_total{event}
//   - streamchat_feedback_applied_total{rating}
//   - streamchat_feedback_forward_failures_total
//   - streamchat_upload_total{status}
//
// A nil *StreamMetrics is valid and records nothing, so library packages can
// take one unconditionally.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "streamchat"

// Stream outcomes used as the "outcome" label.
const (
	OutcomeCompleted = "completed"
	OutcomeErrored   = "errored"
	OutcomeClosed    = "closed"
	OutcomeReset     = "reset"
)

// StreamMetrics holds every collector the client reports.
type StreamMetrics struct {
	// StreamsStarted counts connections opened by Submit.
	StreamsStarted prometheus.Counter

	// StreamsFinished counts streams leaving the Streaming state.
	// Labels: outcome (completed, errored, closed, reset)
	StreamsFinished *prometheus.CounterVec

	// AnswerBytes observes the size of finalized assistant turns.
	AnswerBytes prometheus.Histogram

	// ActiveStreams is 1 while a stream is in flight.
	ActiveStreams prometheus.Gauge

	// Frames counts classified frames of the current generation.
	// Labels: kind (content, identifier, terminal)
	Frames *prometheus.CounterVec

	// StaleEvents counts events dropped because their generation was stale.
	// Labels: event (opened, unit, closed, errored)
	StaleEvents *prometheus.CounterVec

	// FeedbackApplied counts ratings applied locally.
	// Labels: rating (up, down, neutral)
	FeedbackApplied *prometheus.CounterVec

	// FeedbackForwardFailures counts ratings the remote side did not accept.
	FeedbackForwardFailures prometheus.Counter

	// Uploads counts upload attempts.
	// Labels: status (success, failure)
	Uploads *prometheus.CounterVec
}

// NewStreamMetrics creates and registers the collectors on reg. Passing
// prometheus.DefaultRegisterer exposes them through promhttp; tests pass a
// fresh prometheus.NewRegistry().
func NewStreamMetrics(reg prometheus.Registerer) *StreamMetrics {
	f := promauto.With(reg)
	return &StreamMetrics{
		StreamsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "started_total",
			Help:      "Streaming connections opened for a submitted query",
		}),
		StreamsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "finished_total",
			Help:      "Streams that left the streaming state, by outcome",
		}, []string{"outcome"}),
		AnswerBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "answer_bytes",
			Help:      "Size of finalized assistant answers in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Whether a stream is currently in flight",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Frames applied to the current stream, by kind",
		}, []string{"kind"}),
		StaleEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "stale_events_total",
			Help:      "Transport events discarded because their generation was stale",
		}, []string{"event"}),
		FeedbackApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "feedback",
			Name:      "applied_total",
			Help:      "Ratings applied to assistant turns",
		}, []string{"rating"}),
		FeedbackForwardFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "feedback",
			Name:      "forward_failures_total",
			Help:      "Ratings that could not be forwarded to the feedback service",
		}),
		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upload_total",
			Help:      "Document uploads by status",
		}, []string{"status"}),
	}
}

// RecordStreamStarted marks a new in-flight stream.
func (m *StreamMetrics) RecordStreamStarted() {
	if m == nil {
		return
	}
	m.StreamsStarted.Inc()
	m.ActiveStreams.Set(1)
}

// RecordStreamFinished marks the end of the in-flight stream. answerBytes
// is observed only when an assistant turn was produced (answerBytes > 0).
func (m *StreamMetrics) RecordStreamFinished(outcome string, answerBytes int) {
	if m == nil {
		return
	}
	m.StreamsFinished.WithLabelValues(outcome).Inc()
	m.ActiveStreams.Set(0)
	if answerBytes > 0 {
		m.AnswerBytes.Observe(float64(answerBytes))
	}
}

// RecordFrame counts one applied frame.
func (m *StreamMetrics) RecordFrame(kind string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(kind).Inc()
}

// RecordStaleEvent counts one discarded event.
func (m *StreamMetrics) RecordStaleEvent(event string) {
	if m == nil {
		return
	}
	m.StaleEvents.WithLabelValues(event).Inc()
}

// RecordFeedbackApplied counts one applied rating.
func (m *StreamMetrics) RecordFeedbackApplied(rating string) {
	if m == nil {
		return
	}
	m.FeedbackApplied.WithLabelValues(rating).Inc()
}

// RecordFeedbackForwardFailure counts one failed forward.
func (m *StreamMetrics) RecordFeedbackForwardFailure() {
	if m == nil {
		return
	}
	m.FeedbackForwardFailures.Inc()
}

// RecordUpload counts one upload attempt.
func (m *StreamMetrics) RecordUpload(ok bool) {
	if m == nil {
		return
	}
	status := "failure"
	if ok {
		status = "success"
	}
	m.Uploads.WithLabelValues(status).Inc()
}
