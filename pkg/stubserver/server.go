// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stubserver is a local stand-in for the chat service.
//
// It speaks the same protocol the client expects:
//
//	GET  /ws/stream     websocket: one JSON query in, frames out
//	POST /upload_file   {file_data, filename} → 201 or 400 {detail}
//	POST /auth/login    {username, password}  → 200 or 401 {detail}
//	POST /feedback      {interactionId, feedback}
//	GET  /metrics       Prometheus exposition, when a Gatherer is configured
//
// Answers come from a Responder and are streamed as an identifier frame,
// the answer split into chunks, and the terminal frame. The connection then
// waits for another query until the client closes it.
package stubserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/streamchat/pkg/datatypes"
	"github.com/AleutianAI/streamchat/pkg/frame"
)

// NoQueryFrame is sent when a request carries no query.
const NoQueryFrame = "<<E:NO_QUERY>>"

// Responder produces the full answer for a query.
type Responder func(req datatypes.QueryRequest) string

// EchoResponder answers with the query itself.
func EchoResponder(req datatypes.QueryRequest) string {
	return fmt.Sprintf("You asked: %s", req.Query)
}

// FixedResponder always answers with answer.
func FixedResponder(answer string) Responder {
	return func(datatypes.QueryRequest) string { return answer }
}

// Config configures a Server.
//
// # Fields
//
//   - Responder: Optional. Default: EchoResponder.
//   - ChunkSize: Optional. Runes per content frame. Default: 4.
//   - ChunksPerSecond: Optional. Pacing of content frames. 0 sends as fast as possible.
//   - Username, Password: Optional. Credentials /auth/login accepts. Empty rejects every login.
//   - NewID: Optional. Interaction id source. Default: uuid.NewString.
//   - Gatherer: Optional. Exposed on /metrics when set.
//   - ServiceName: Optional. Server span service name. Default: "streamchat-stub".
//   - Logger: Optional. Default: slog.Default().
type Config struct {
	Responder       Responder
	ChunkSize       int
	ChunksPerSecond float64
	Username        string
	Password        string
	NewID           func() string
	Gatherer        prometheus.Gatherer
	ServiceName     string
	Logger          *slog.Logger
}

const (
	defaultChunkSize   = 4
	defaultServiceName = "streamchat-stub"
)

// Server is the stub chat service.
type Server struct {
	cfg      Config
	engine   *gin.Engine
	upgrader websocket.Upgrader

	mu       sync.Mutex
	queries  []datatypes.QueryRequest
	uploads  []datatypes.UploadRequest
	feedback []datatypes.FeedbackRequest
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	if cfg.Responder == nil {
		cfg.Responder = EchoResponder
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}

	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.GET("/ws/stream", s.handleStream)
	r.POST("/upload_file", s.handleUpload)
	r.POST("/auth/login", s.handleLogin)
	r.POST("/feedback", s.handleFeedback)
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Queries returns every query received so far.
func (s *Server) Queries() []datatypes.QueryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datatypes.QueryRequest(nil), s.queries...)
}

// Uploads returns every accepted upload.
func (s *Server) Uploads() []datatypes.UploadRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datatypes.UploadRequest(nil), s.uploads...)
}

// Feedback returns every rating received.
func (s *Server) Feedback() []datatypes.FeedbackRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datatypes.FeedbackRequest(nil), s.feedback...)
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleStream(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.cfg.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	ctx := c.Request.Context()
	for {
		var req datatypes.QueryRequest
		if err := ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.cfg.Logger.Debug("stream request read ended", "error", err)
			}
			return
		}
		if req.Query == "" {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(NoQueryFrame))
			return
		}
		if err := req.Validate(); err != nil {
			s.cfg.Logger.Warn("invalid stream request", "error", err)
			_ = ws.WriteMessage(websocket.TextMessage, []byte(NoQueryFrame))
			return
		}

		s.mu.Lock()
		s.queries = append(s.queries, req)
		s.mu.Unlock()

		if err := s.stream(ctx, ws, req); err != nil {
			s.cfg.Logger.Debug("stream aborted", "error", err)
			return
		}
	}
}

// stream writes one answer: identifier, content chunks, terminal.
func (s *Server) stream(ctx context.Context, ws *websocket.Conn, req datatypes.QueryRequest) error {
	id := s.cfg.NewID()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame.FormatIdentifier(id))); err != nil {
		return err
	}

	var limiter *rate.Limiter
	if s.cfg.ChunksPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.ChunksPerSecond), 1)
	}
	for _, chunk := range Chunk(s.cfg.Responder(req), s.cfg.ChunkSize) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := ws.WriteMessage(websocket.TextMessage, []byte(chunk)); err != nil {
			return err
		}
	}
	s.cfg.Logger.Debug("answer streamed", "interaction_id", id)
	return ws.WriteMessage(websocket.TextMessage, []byte(frame.TerminalSentinel))
}

func (s *Server) handleUpload(c *gin.Context) {
	var req datatypes.UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: fmt.Sprintf("Decode error: %v", err)})
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.FileData)
	if err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: fmt.Sprintf("Decode error: %v", err)})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: "Invalid file data: File is empty or null..."})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: fmt.Sprintf("Invalid upload: %v", err)})
		return
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, req)
	s.mu.Unlock()

	s.cfg.Logger.Info("upload accepted", "filename", req.Filename, "bytes", len(data))
	c.JSON(http.StatusCreated, datatypes.UploadResponse{
		Status:      http.StatusCreated,
		UploadedIDs: []string{s.cfg.NewID()},
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req datatypes.LoginRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.Validate() == nil &&
		s.cfg.Username != "" && req.Username == s.cfg.Username && req.Password == s.cfg.Password {
		c.JSON(http.StatusOK, gin.H{"message": "Login successful"})
		return
	}
	c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Detail: "Invalid credentials"})
}

func (s *Server) handleFeedback(c *gin.Context) {
	var req datatypes.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: err.Error()})
		return
	}

	s.mu.Lock()
	s.feedback = append(s.feedback, req)
	s.mu.Unlock()
	c.Status(http.StatusNoContent)
}

// Chunk splits text into pieces of at most size runes.
func Chunk(text string, size int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
