// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/streamchat/pkg/datatypes"
	"github.com/AleutianAI/streamchat/pkg/observability"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type mapLedger struct {
	mu    sync.Mutex
	turns map[string]datatypes.Turn
	err   error
}

func newLedger(ids ...string) *mapLedger {
	l := &mapLedger{turns: map[string]datatypes.Turn{}}
	for _, id := range ids {
		l.turns[id] = datatypes.Turn{Role: datatypes.RoleAssistant, Content: "answer", CorrelationID: id}
	}
	return l
}

func (l *mapLedger) ApplyFeedback(_ context.Context, id string, rating datatypes.Rating) (datatypes.Turn, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return datatypes.Turn{}, false, l.err
	}
	t, ok := l.turns[id]
	if !ok || t.Rated() {
		return t, false, nil
	}
	t.Feedback = rating
	l.turns[id] = t
	return t, true, nil
}

type recordingForwarder struct {
	mu   sync.Mutex
	reqs []datatypes.FeedbackRequest
	err  error
}

func (f *recordingForwarder) Forward(_ context.Context, req datatypes.FeedbackRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// CORRELATOR
// =============================================================================

func TestCorrelator_AppliesAndForwardsOnce(t *testing.T) {
	ledger := newLedger("abc123")
	fwd := &recordingForwarder{}
	c := NewCorrelator(Config{Ledger: ledger, Forwarder: fwd, Logger: quietLogger()})
	ctx := context.Background()

	applied, err := c.Submit(ctx, "abc123", datatypes.RatingUp)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = c.Submit(ctx, "abc123", datatypes.RatingDown)
	require.NoError(t, err)
	assert.False(t, applied, "second rating is a no-op")

	assert.Equal(t, datatypes.RatingUp, ledger.turns["abc123"].Feedback)
	assert.Equal(t, []datatypes.FeedbackRequest{{InteractionID: "abc123", Feedback: datatypes.RatingUp}}, fwd.reqs)
}

func TestCorrelator_UnknownIDIsNoop(t *testing.T) {
	fwd := &recordingForwarder{}
	c := NewCorrelator(Config{Ledger: newLedger("abc123"), Forwarder: fwd, Logger: quietLogger()})

	applied, err := c.Submit(context.Background(), "nope", datatypes.RatingNeutral)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Empty(t, fwd.reqs)
}

func TestCorrelator_RejectsInvalidRating(t *testing.T) {
	c := NewCorrelator(Config{Ledger: newLedger("abc123"), Logger: quietLogger()})

	for _, r := range []datatypes.Rating{datatypes.RatingNone, "sideways"} {
		applied, err := c.Submit(context.Background(), "abc123", r)
		assert.ErrorIs(t, err, ErrInvalidRating)
		assert.False(t, applied)
	}
}

func TestCorrelator_ForwardFailureKeepsLocalRating(t *testing.T) {
	ledger := newLedger("abc123")
	metrics := observability.NewStreamMetrics(prometheus.NewRegistry())
	c := NewCorrelator(Config{
		Ledger:    ledger,
		Forwarder: &recordingForwarder{err: ErrForward},
		Logger:    quietLogger(),
		Metrics:   metrics,
	})

	applied, err := c.Submit(context.Background(), "abc123", datatypes.RatingDown)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, datatypes.RatingDown, ledger.turns["abc123"].Feedback)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FeedbackForwardFailures))
}

func TestCorrelator_LedgerErrorIsReturned(t *testing.T) {
	ledger := newLedger("abc123")
	ledger.err = errors.New("controller stopped")
	c := NewCorrelator(Config{Ledger: ledger, Logger: quietLogger()})

	applied, err := c.Submit(context.Background(), "abc123", datatypes.RatingUp)
	assert.ErrorIs(t, err, ledger.err)
	assert.False(t, applied)
}

func TestCorrelator_WithoutForwarderStaysLocal(t *testing.T) {
	ledger := newLedger("abc123")
	c := NewCorrelator(Config{Ledger: ledger})

	applied, err := c.Submit(context.Background(), "abc123", datatypes.RatingNeutral)
	require.NoError(t, err)
	assert.True(t, applied)
}

// =============================================================================
// HTTP FORWARDER
// =============================================================================

func TestHTTPForwarder_PostsRating(t *testing.T) {
	var got datatypes.FeedbackRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/feedback", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	fwd := NewHTTPForwarder(srv.URL+"/", nil)
	err := fwd.Forward(context.Background(), datatypes.FeedbackRequest{InteractionID: "abc123", Feedback: datatypes.RatingUp})
	require.NoError(t, err)
	assert.Equal(t, datatypes.FeedbackRequest{InteractionID: "abc123", Feedback: datatypes.RatingUp}, got)
}

func TestHTTPForwarder_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"nope"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()
	valid := datatypes.FeedbackRequest{InteractionID: "abc123", Feedback: datatypes.RatingUp}

	err := NewHTTPForwarder(srv.URL, srv.Client()).Forward(context.Background(), valid)
	assert.ErrorIs(t, err, ErrForward)

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	err = NewHTTPForwarder(dead.URL, nil).Forward(context.Background(), valid)
	assert.ErrorIs(t, err, ErrForward)

	err = NewHTTPForwarder(srv.URL, nil).Forward(context.Background(), datatypes.FeedbackRequest{Feedback: datatypes.RatingUp})
	assert.ErrorIs(t, err, ErrForward, "missing interaction id never leaves the client")
}
