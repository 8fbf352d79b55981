// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

// Chat runner architecture:
//
//	                 errgroup
//	   ┌────────────────┼──────────────────┐
//	   ▼                ▼                  ▼
//	Controller.Run   readLoop          metrics server (optional)
//	(session loop)   InputReader → Submit / slash commands
//	   │                │
//	   │ hooks          ├── feedback.Correlator → Controller.ApplyFeedback
//	   ▼                └── upload.Client → StatusBoard
//	chatRenderer ◄──────────────────────────┘

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/streamchat/pkg/datatypes"
	"github.com/AleutianAI/streamchat/pkg/feedback"
	"github.com/AleutianAI/streamchat/pkg/history"
	"github.com/AleutianAI/streamchat/pkg/observability"
	"github.com/AleutianAI/streamchat/pkg/session"
	"github.com/AleutianAI/streamchat/pkg/upload"
	"github.com/AleutianAI/streamchat/pkg/validation"
)

// slashCommands are offered as completions by the terminal reader.
var slashCommands = []string{"/new", "/up", "/down", "/neutral", "/upload ", "/history", "/help"}

const chatHelp = `commands:
  /new                 start a new conversation
  /up, /down, /neutral rate the last answer (or /up <id>)
  /upload <path>       upload a document
  /history             print the conversation
  exit, quit           leave`

// chatRunnerConfig wires a chat session.
//
// # Fields
//
//   - Opener, Store: Required. Passed to the session controller.
//   - Forwarder: Optional. Sends ratings to the service.
//   - Uploader: Optional. /upload is unavailable without it.
//   - Input: Required. Where lines come from.
//   - Out: Required. Where the conversation is printed.
//   - MetricsAddr, Gatherer: Optional. Serve /metrics while chatting.
type chatRunnerConfig struct {
	Opener        session.Opener
	Store         history.Store
	Forwarder     feedback.Forwarder
	Uploader      *upload.Client
	Logger        *slog.Logger
	Metrics       *observability.StreamMetrics
	Latency       *observability.StreamLatency
	Recorder      observability.StreamRecorder
	StallTimeout  time.Duration
	StatusDisplay time.Duration
	MetricsAddr   string
	Gatherer      prometheus.Gatherer
	Input         InputReader
	Out           io.Writer
}

type chatRunner struct {
	cfg    chatRunnerConfig
	ctrl   *session.Controller
	corr   *feedback.Correlator
	board  *upload.StatusBoard
	render *chatRenderer
	idle   chan struct{}
}

func newChatRunner(cfg chatRunnerConfig) *chatRunner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &chatRunner{
		cfg:    cfg,
		render: newChatRenderer(cfg.Out),
		idle:   make(chan struct{}, 1),
	}
	c.ctrl = session.NewController(session.ControllerConfig{
		MachineConfig: session.MachineConfig{
			Opener:   cfg.Opener,
			Store:    cfg.Store,
			Logger:   cfg.Logger,
			Metrics:  cfg.Metrics,
			Latency:  cfg.Latency,
			Recorder: cfg.Recorder,
			Hooks: session.Hooks{
				OnDraft: c.render.draft,
				OnIdle:  c.onIdle,
			},
		},
		StallTimeout: cfg.StallTimeout,
	})
	c.corr = feedback.NewCorrelator(feedback.Config{
		Ledger:    c.ctrl,
		Forwarder: cfg.Forwarder,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
	})
	c.board = upload.NewStatusBoard(cfg.StatusDisplay, c.render.statusChanged)
	return c
}

// Run chats until the input ends, the user exits, or ctx is cancelled.
//
// # Limitations
//
//   - A LineReader blocked on stdin only notices cancellation after its
//     next line.
func (c *chatRunner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		if err := c.ctrl.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if c.cfg.MetricsAddr != "" && c.cfg.Gatherer != nil {
		g.Go(func() error { return serveMetrics(loopCtx, c.cfg.MetricsAddr, c.cfg.Gatherer, c.cfg.Logger) })
	}
	g.Go(func() error {
		defer stop()
		return c.readLoop(loopCtx)
	})

	err := g.Wait()
	c.board.Stop()
	return err
}

func (c *chatRunner) onIdle(outcome string, err error) {
	c.render.idle(outcome, err)
	select {
	case c.idle <- struct{}{}:
	default:
	}
}

func (c *chatRunner) readLoop(ctx context.Context) error {
	snap, err := c.ctrl.Snapshot(ctx)
	if err != nil {
		return err
	}
	c.render.history(snap.Turns)
	if s, ok := c.cfg.Input.(HistorySeeder); ok {
		s.Seed(userQueries(snap.Turns))
	}

	for {
		if p, ok := c.cfg.Input.(PromptingInputReader); ok {
			p.SetPrompt(c.render.prompt())
		} else {
			c.render.printPrompt()
		}

		line, err := c.cfg.Input.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case line == "":
			continue
		case isExitCommand(line):
			return nil
		case strings.HasPrefix(line, "/"):
			if err := c.command(ctx, line); err != nil {
				return err
			}
		default:
			if err := c.ask(ctx, line); err != nil {
				return err
			}
		}
	}
}

// ask submits query and waits for its stream to end.
func (c *chatRunner) ask(ctx context.Context, query string) error {
	err := c.ctrl.Submit(ctx, query)
	switch {
	case errors.Is(err, session.ErrEmptyQuery):
		return nil
	case errors.Is(err, session.ErrBusy):
		c.render.warning("still answering the previous question")
		return nil
	case err != nil:
		return err
	}
	select {
	case <-c.idle:
	case <-ctx.Done():
	}
	return nil
}

func (c *chatRunner) command(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/new":
		if err := c.ctrl.Reset(ctx); err != nil {
			return err
		}
		c.render.notice("started a new conversation")

	case "/up", "/down", "/neutral":
		return c.rate(ctx, fields)

	case "/upload":
		path := strings.TrimSpace(strings.TrimPrefix(line, "/upload"))
		if path == "" {
			c.render.warning("usage: /upload <path>")
			return nil
		}
		if c.cfg.Uploader == nil {
			c.render.warning("uploads are not configured")
			return nil
		}
		status, err := c.cfg.Uploader.UploadFile(ctx, path)
		if err != nil {
			c.render.warning("%v", err)
			return nil
		}
		c.board.Show(status)

	case "/history":
		snap, err := c.ctrl.Snapshot(ctx)
		if err != nil {
			return err
		}
		c.render.turns(snap.Turns)

	case "/help":
		c.render.notice(chatHelp)

	default:
		c.render.warning("unknown command %s, try /help", fields[0])
	}
	return nil
}

var ratingCommands = map[string]datatypes.Rating{
	"/up":      datatypes.RatingUp,
	"/down":    datatypes.RatingDown,
	"/neutral": datatypes.RatingNeutral,
}

func (c *chatRunner) rate(ctx context.Context, fields []string) error {
	rating := ratingCommands[fields[0]]
	var id string
	if len(fields) > 1 {
		id = fields[1]
		if err := validation.ValidateCorrelationID(id); err != nil {
			c.render.warning("%v", err)
			return nil
		}
	} else {
		snap, err := c.ctrl.Snapshot(ctx)
		if err != nil {
			return err
		}
		id = lastCorrelationID(snap.Turns)
	}
	if id == "" {
		c.render.warning("no answer to rate yet")
		return nil
	}

	applied, err := c.corr.Submit(ctx, id, rating)
	if errors.Is(err, session.ErrStopped) {
		return err
	}
	if err != nil {
		c.render.warning("%v", err)
		return nil
	}
	if applied {
		c.render.notice("rated %s %s", id, rating)
	} else {
		c.render.notice("%s was already rated or is unknown", id)
	}
	return nil
}

func lastCorrelationID(turns []datatypes.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == datatypes.RoleAssistant && turns[i].CorrelationID != "" {
			return turns[i].CorrelationID
		}
	}
	return ""
}

func userQueries(turns []datatypes.Turn) []string {
	var out []string
	for _, t := range turns {
		if t.Role == datatypes.RoleUser {
			out = append(out, t.Content)
		}
	}
	return out
}

// serveMetrics exposes gatherer on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
