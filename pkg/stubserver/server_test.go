// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stubserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/streamchat/pkg/datatypes"
	"github.com/AleutianAI/streamchat/pkg/frame"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	s := New(cfg)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stream"
}

func postJSON(t *testing.T, url string, v any) (*http.Response, datatypes.ErrorResponse) {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var errResp datatypes.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	return resp, errResp
}

// readUntilTerminal reads frames until <<END>> or an error.
func readUntilTerminal(t *testing.T, ws *websocket.Conn) []string {
	t.Helper()
	var frames []string
	for {
		_, msg, err := ws.ReadMessage()
		require.NoError(t, err)
		frames = append(frames, string(msg))
		if string(msg) == frame.TerminalSentinel {
			return frames
		}
	}
}

// =============================================================================
// STREAM
// =============================================================================

func TestStream_EmitsIdentifierChunksAndTerminal(t *testing.T) {
	s, srv := startServer(t, Config{
		Responder: FixedResponder("Hi there"),
		ChunkSize: 3,
		NewID:     func() string { return "abc123" },
	})

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer ws.Close()

	req := datatypes.NewQueryRequest("Hello", nil)
	require.NoError(t, ws.WriteJSON(req))
	assert.Equal(t, []string{"<<ID:abc123>>", "Hi ", "the", "re", "<<END>>"}, readUntilTerminal(t, ws))

	// The socket stays open for another query.
	require.NoError(t, ws.WriteJSON(datatypes.NewQueryRequest("Again", nil)))
	assert.Len(t, readUntilTerminal(t, ws), 5)

	queries := s.Queries()
	require.Len(t, queries, 2)
	assert.Equal(t, "Hello", queries[0].Query)
}

func TestStream_MissingQuery(t *testing.T) {
	_, srv := startServer(t, Config{})
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"history": []any{}}))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, NoQueryFrame, string(msg))
	assert.Equal(t, frame.KindContent, frame.Classify(string(msg)).Kind)

	_, _, err = ws.ReadMessage()
	assert.Error(t, err, "server closes after rejecting the request")
}

func TestChunk(t *testing.T) {
	assert.Equal(t, []string{"ab", "cd", "e"}, Chunk("abcde", 2))
	assert.Equal(t, []string{"ün", "ïc"}, Chunk("ünïc", 2))
	assert.Empty(t, Chunk("", 3))
	assert.Equal(t, []string{"abcd", "e"}, Chunk("abcde", 0))
}

// =============================================================================
// HTTP ROUTES
// =============================================================================

func TestUpload_Route(t *testing.T) {
	s, srv := startServer(t, Config{})

	resp, _ := postJSON(t, srv.URL+"/upload_file", datatypes.UploadRequest{FileData: "aGVsbG8=", Filename: "h.txt"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, s.Uploads(), 1)
	assert.Equal(t, "h.txt", s.Uploads()[0].Filename)

	resp, detail := postJSON(t, srv.URL+"/upload_file", datatypes.UploadRequest{FileData: "", Filename: "e.txt"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid file data: File is empty or null...", detail.Detail)

	resp, detail = postJSON(t, srv.URL+"/upload_file", datatypes.UploadRequest{FileData: "%%%", Filename: "b.txt"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.True(t, strings.HasPrefix(detail.Detail, "Decode error:"))
}

func TestLogin_Route(t *testing.T) {
	_, srv := startServer(t, Config{Username: "alice", Password: "s3cret"})

	resp, _ := postJSON(t, srv.URL+"/auth/login", datatypes.LoginRequest{Username: "alice", Password: "s3cret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, detail := postJSON(t, srv.URL+"/auth/login", datatypes.LoginRequest{Username: "alice", Password: "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid credentials", detail.Detail)
}

func TestLogin_NoConfiguredUserRejectsAll(t *testing.T) {
	_, srv := startServer(t, Config{})
	resp, _ := postJSON(t, srv.URL+"/auth/login", datatypes.LoginRequest{Username: "", Password: ""})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFeedback_Route(t *testing.T) {
	s, srv := startServer(t, Config{})

	resp, _ := postJSON(t, srv.URL+"/feedback", datatypes.FeedbackRequest{InteractionID: "abc123", Feedback: datatypes.RatingUp})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = postJSON(t, srv.URL+"/feedback", map[string]string{"interactionId": "abc123", "feedback": "sideways"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, []datatypes.FeedbackRequest{{InteractionID: "abc123", Feedback: datatypes.RatingUp}}, s.Feedback())
}

func TestMetrics_Route(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "stub_probe_total", Help: "probe"})
	reg.MustRegister(c)
	c.Inc()
	_, srv := startServer(t, Config{Gatherer: reg})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "stub_probe_total 1")

	_, bare := startServer(t, Config{})
	resp2, err := http.Get(bare.URL + "/metrics")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestServer_TracesRequests(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	_, srv := startServer(t, Config{})
	resp, _ := postJSON(t, srv.URL+"/feedback", datatypes.FeedbackRequest{InteractionID: "abc123", Feedback: datatypes.RatingDown})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	var names []string
	for _, span := range rec.Ended() {
		names = append(names, span.Name())
	}
	require.NotEmpty(t, names)
	assert.Contains(t, strings.Join(names, ","), "/feedback")
}
