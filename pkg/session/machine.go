// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session turns a stream of transport events into conversation turns.
//
// # Architecture
//
//	Controller (one goroutine)
//	├── commands:   Submit, Reset, ApplyFeedback, Snapshot
//	├── events:     transport.Event from every connection of the session
//	└── Machine     Idle ⇄ Streaming, turns, draft, pending correlation id
//	        ├── Opener        → one connection per query
//	        ├── history.Store → one Save per turns mutation
//	        └── Hooks         → OnDraft / OnTurn / OnIdle for renderers
//
// The Machine is not safe for concurrent use. The Controller owns it and
// runs every command and event on its loop goroutine, so the Machine itself
// holds no locks.
//
// # Staleness
//
// Reset increments the session generation. An event is applied only when
// its Source matches the connection the Machine is currently streaming on:
// same generation and same connection id. Anything else is dropped and
// counted as stale.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/streamchat/pkg/datatypes"
	"github.com/AleutianAI/streamchat/pkg/frame"
	"github.com/AleutianAI/streamchat/pkg/history"
	"github.com/AleutianAI/streamchat/pkg/observability"
	"github.com/AleutianAI/streamchat/pkg/transport"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrEmptyQuery is returned by Submit for an empty or whitespace query.
	// Nothing changes.
	ErrEmptyQuery = errors.New("query is empty")

	// ErrBusy is returned by Submit while a stream is in flight. Nothing
	// changes.
	ErrBusy = errors.New("a response is still streaming")

	// ErrStalled marks a stream ended by the stall guard.
	ErrStalled = errors.New("stream stalled")
)

// =============================================================================
// State
// =============================================================================

// State is the machine's coarse state.
type State int

const (
	StateIdle State = iota
	StateStreaming
)

// String returns "idle" or "streaming".
func (s State) String() string {
	if s == StateStreaming {
		return "streaming"
	}
	return "idle"
}

// Snapshot is a copy of the session for renderers. It shares nothing with
// the Machine.
type Snapshot struct {
	Turns      []datatypes.Turn
	Draft      string
	State      State
	Generation uint64

	// PendingID is the correlation id announced by the current stream, if any.
	PendingID string
}

// Streaming reports whether a stream was in flight when the snapshot was taken.
func (s Snapshot) Streaming() bool { return s.State == StateStreaming }

// Hooks lets a renderer follow the machine. Every hook runs on the goroutine
// driving the machine and must not call back into it.
type Hooks struct {
	// OnDraft receives each content delta and the draft after appending it.
	OnDraft func(delta, draft string)

	// OnTurn receives every turn appended to the session.
	OnTurn func(turn datatypes.Turn)

	// OnIdle fires when a stream ends. err is nil for a stream ended by its
	// terminal frame or a clean close, and nil after Reset.
	OnIdle func(outcome string, err error)
}

// =============================================================================
// Configuration
// =============================================================================

// MachineConfig wires a Machine.
//
// # Fields
//
//   - Opener: Required. Opens one connection per submitted query.
//   - Sink: Required. Channel every connection writes its events to.
//   - Store: Optional. Default: an in-memory store.
//   - Logger: Optional. Default: slog.Default().
//   - Metrics: Optional. Nil records nothing.
//   - Latency: Optional. OpenTelemetry stream timings. Nil records nothing.
//   - Recorder: Optional. Receives one record per finished stream.
//   - Tracer: Optional. Default: observability.Tracer().
//   - Hooks: Optional.
//   - Now: Optional. Clock for Turn.CreatedAt. Default: time.Now.
type MachineConfig struct {
	Opener   Opener
	Sink     chan<- transport.Event
	Store    history.Store
	Logger   *slog.Logger
	Metrics  *observability.StreamMetrics
	Latency  *observability.StreamLatency
	Recorder observability.StreamRecorder
	Tracer   trace.Tracer
	Hooks    Hooks
	Now      func() time.Time
}

// =============================================================================
// Machine
// =============================================================================

// Machine is the session state machine.
type Machine struct {
	opener   Opener
	sink     chan<- transport.Event
	store    history.Store
	logger   *slog.Logger
	metrics  *observability.StreamMetrics
	latency  *observability.StreamLatency
	recorder observability.StreamRecorder
	tracer   trace.Tracer
	hooks    Hooks
	now      func() time.Time

	turns      []datatypes.Turn
	draft      strings.Builder
	state      State
	generation uint64
	pendingID  string

	conn     Connection
	live     transport.Source
	retired  transport.Source
	payload  datatypes.QueryRequest
	sent     bool
	span     trace.Span
	activity uint64

	startedAt   time.Time
	seenContent bool
}

// NewMachine creates an idle machine with an empty session. Call Restore to
// load persisted turns.
func NewMachine(cfg MachineConfig) *Machine {
	if cfg.Store == nil {
		cfg.Store = history.NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.Tracer()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{
		opener:   cfg.Opener,
		sink:     cfg.Sink,
		store:    cfg.Store,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		latency:  cfg.Latency,
		recorder: cfg.Recorder,
		tracer:   cfg.Tracer,
		hooks:    cfg.Hooks,
		now:      cfg.Now,
		turns:    []datatypes.Turn{},
	}
}

// Restore replaces the turns with what the store holds. It only runs while
// Idle. A corrupt or unreadable store yields an empty session.
func (m *Machine) Restore(ctx context.Context) error {
	if m.state == StateStreaming {
		return ErrBusy
	}
	turns, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("history unavailable, starting empty", "error", err)
		turns = nil
	}
	m.turns = datatypes.CloneTurns(turns)
	m.logger.Debug("session restored", "turns", len(m.turns))
	return nil
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Generation returns the current session generation.
func (m *Machine) Generation() uint64 { return m.generation }

// Snapshot copies the session.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		Turns:      datatypes.CloneTurns(m.turns),
		Draft:      m.draft.String(),
		State:      m.state,
		Generation: m.generation,
		PendingID:  m.pendingID,
	}
}

// Submit starts streaming an answer to query.
//
// # Description
//
// Appends the user turn, persists it and opens a connection tagged with the
// current generation. The request, carrying query and every turn before
// it, is sent once the connection reports EventOpened.
//
// # Outputs
//
//   - error: ErrEmptyQuery or ErrBusy when the call was a no-op.
//
// # Limitations
//
//   - The connection uses ctx for its lifetime, so ctx must outlive the stream.
func (m *Machine) Submit(ctx context.Context, query string) error {
	if strings.TrimSpace(query) == "" {
		return ErrEmptyQuery
	}
	if m.state == StateStreaming {
		return ErrBusy
	}

	m.payload = datatypes.NewQueryRequest(query, m.turns)
	m.sent = false
	m.appendTurn(ctx, datatypes.Turn{Role: datatypes.RoleUser, Content: query, CreatedAt: m.now()})

	m.draft.Reset()
	m.pendingID = ""
	m.state = StateStreaming
	m.activity++
	m.startedAt = time.Now()
	m.seenContent = false

	_, m.span = m.tracer.Start(ctx, "session.stream", trace.WithAttributes(
		attribute.Int64("streamchat.generation", int64(m.generation)),
		attribute.Int("streamchat.history_turns", len(m.payload.History)),
	))
	m.metrics.RecordStreamStarted()

	m.conn = m.opener.Open(ctx, m.generation, m.sink)
	m.live = m.conn.Source()
	m.logger.Debug("stream started", "generation", m.generation, "conn_id", m.live.ConnID)
	return nil
}

// HandleEvent applies one transport event.
//
// Events that do not belong to the in-flight connection are dropped.
func (m *Machine) HandleEvent(ctx context.Context, ev transport.Event) {
	if m.state != StateStreaming || ev.Source != m.live || ev.Generation != m.generation {
		if ev.Kind.Terminal() && ev.Source == m.retired && m.retired != (transport.Source{}) {
			// the connection finalize closed reporting its own end
			m.retired = transport.Source{}
			return
		}
		m.metrics.RecordStaleEvent(ev.Kind.String())
		m.logger.Debug("stale event dropped",
			"event", ev.Kind.String(),
			"event_generation", ev.Generation,
			"generation", m.generation)
		return
	}
	m.activity++

	switch ev.Kind {
	case transport.EventOpened:
		m.sendPayload(ctx)
	case transport.EventUnit:
		m.applyUnit(ctx, ev.Raw)
	case transport.EventErrored:
		m.logger.Warn("stream failed", "generation", m.generation, "error", ev.Err)
		m.finalize(ctx, observability.OutcomeErrored, ev.Err)
	case transport.EventClosed:
		m.finalize(ctx, observability.OutcomeClosed, nil)
	}
}

// Reset starts a new conversation.
//
// Works in any state. The in-flight connection, if any, is closed and its
// remaining events become stale. The history store is cleared.
func (m *Machine) Reset(ctx context.Context) {
	wasStreaming := m.state == StateStreaming
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if wasStreaming {
		m.metrics.RecordStreamFinished(observability.OutcomeReset, 0)
		m.record(ctx, observability.OutcomeReset, m.pendingID, 0)
		m.endSpan(observability.OutcomeReset, nil)
	}

	m.turns = []datatypes.Turn{}
	m.draft.Reset()
	m.pendingID = ""
	m.state = StateIdle
	m.live = transport.Source{}
	m.generation++

	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("clear history failed", "error", err)
	}
	m.logger.Info("session reset", "generation", m.generation)
	if wasStreaming && m.hooks.OnIdle != nil {
		m.hooks.OnIdle(observability.OutcomeReset, nil)
	}
}

// ApplyFeedback rates the assistant turn carrying correlationID.
//
// Returns the updated turn and true when the rating was applied. A missing
// turn, an already rated turn, or RatingNone leave the session untouched.
func (m *Machine) ApplyFeedback(ctx context.Context, correlationID string, rating datatypes.Rating) (datatypes.Turn, bool) {
	if correlationID == "" || rating == datatypes.RatingNone || !rating.Valid() {
		return datatypes.Turn{}, false
	}
	for i := len(m.turns) - 1; i >= 0; i-- {
		t := &m.turns[i]
		if t.CorrelationID != correlationID {
			continue
		}
		if t.Rated() {
			return *t, false
		}
		t.Feedback = rating
		m.persist(ctx)
		m.metrics.RecordFeedbackApplied(string(rating))
		return *t, true
	}
	return datatypes.Turn{}, false
}

// =============================================================================
// Internal
// =============================================================================

// liveSource reports the source of the in-flight stream.
func (m *Machine) liveSource() (transport.Source, bool) {
	return m.live, m.state == StateStreaming
}

func (m *Machine) sendPayload(ctx context.Context) {
	if m.sent {
		return
	}
	m.sent = true
	if err := m.conn.Send(m.payload); err != nil {
		m.logger.Warn("send query failed", "generation", m.generation, "error", err)
		m.finalize(ctx, observability.OutcomeErrored, err)
	}
}

func (m *Machine) applyUnit(ctx context.Context, raw string) {
	f := frame.Classify(raw)
	m.metrics.RecordFrame(f.Kind.String())

	switch f.Kind {
	case frame.KindContent:
		if !m.seenContent {
			m.seenContent = true
			m.latency.RecordFirstContent(ctx, time.Since(m.startedAt))
		}
		m.draft.WriteString(f.Text)
		if m.hooks.OnDraft != nil {
			m.hooks.OnDraft(f.Text, m.draft.String())
		}
	case frame.KindIdentifier:
		if m.pendingID != "" && m.pendingID != f.Text {
			m.logger.Warn("stream announced a second identifier, keeping the first",
				"kept", m.pendingID, "ignored", f.Text)
			return
		}
		m.pendingID = f.Text
		if m.span != nil {
			m.span.SetAttributes(attribute.String("streamchat.correlation_id", f.Text))
		}
	case frame.KindTerminal:
		m.finalize(ctx, observability.OutcomeCompleted, nil)
	}
}

// finalize ends the in-flight stream and turns a non-empty draft into an
// assistant turn.
func (m *Machine) finalize(ctx context.Context, outcome string, cause error) {
	answer := m.draft.String()
	m.record(ctx, outcome, m.pendingID, len(answer))
	if answer != "" {
		m.appendTurn(ctx, datatypes.Turn{
			Role:          datatypes.RoleAssistant,
			Content:       answer,
			CorrelationID: m.pendingID,
			CreatedAt:     m.now(),
		})
	}

	m.draft.Reset()
	m.pendingID = ""
	m.state = StateIdle
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.retired = m.live
	m.live = transport.Source{}

	m.metrics.RecordStreamFinished(outcome, len(answer))
	if m.span != nil {
		m.span.SetAttributes(attribute.Int("streamchat.answer_bytes", len(answer)))
	}
	m.endSpan(outcome, cause)
	m.logger.Debug("stream finished", "outcome", outcome, "answer_bytes", len(answer))

	if m.hooks.OnIdle != nil {
		m.hooks.OnIdle(outcome, cause)
	}
}

// record reports a finished stream to the latency histograms and the
// stream recorder.
func (m *Machine) record(ctx context.Context, outcome, correlationID string, answerBytes int) {
	elapsed := time.Since(m.startedAt)
	m.latency.RecordDuration(ctx, elapsed, outcome)
	if m.recorder != nil {
		m.recorder.RecordStream(ctx, observability.StreamRecord{
			Outcome:       outcome,
			CorrelationID: correlationID,
			Generation:    m.generation,
			AnswerBytes:   answerBytes,
			Duration:      elapsed,
			FinishedAt:    m.now(),
		})
	}
}

func (m *Machine) appendTurn(ctx context.Context, turn datatypes.Turn) {
	m.turns = append(m.turns, turn)
	m.persist(ctx)
	if m.hooks.OnTurn != nil {
		m.hooks.OnTurn(turn)
	}
}

func (m *Machine) persist(ctx context.Context) {
	if err := m.store.Save(ctx, m.turns); err != nil {
		m.logger.Warn("save history failed", "turns", len(m.turns), "error", err)
	}
}

func (m *Machine) endSpan(outcome string, cause error) {
	if m.span == nil {
		return
	}
	m.span.SetAttributes(attribute.String("streamchat.outcome", outcome))
	if cause != nil {
		m.span.RecordError(cause)
		m.span.SetStatus(codes.Error, cause.Error())
	}
	m.span.End()
	m.span = nil
}

// shutdown closes the in-flight connection without touching the session.
func (m *Machine) shutdown() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.endSpan("shutdown", nil)
}
