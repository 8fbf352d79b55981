// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package feedback attaches user ratings to assistant turns and forwards
// them to the feedback service.
//
// A rating is applied locally first and then forwarded. If forwarding fails
// the local rating stays; the failure is logged and counted.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/streamchat/pkg/datatypes"
	"github.com/AleutianAI/streamchat/pkg/observability"
)

var (
	// ErrInvalidRating is returned for ratings other than up, down or neutral.
	ErrInvalidRating = errors.New("invalid rating")

	// ErrForward wraps failures to deliver a rating to the feedback service.
	ErrForward = errors.New("forward feedback")
)

// Ledger owns the turns. ApplyFeedback sets the rating of the turn carrying
// correlationID if that turn is still unrated, and reports whether it did.
type Ledger interface {
	ApplyFeedback(ctx context.Context, correlationID string, rating datatypes.Rating) (datatypes.Turn, bool, error)
}

// Forwarder delivers an applied rating to the remote side.
type Forwarder interface {
	Forward(ctx context.Context, req datatypes.FeedbackRequest) error
}

// Config wires a Correlator. Ledger is required; a nil Forwarder keeps
// ratings local.
type Config struct {
	Ledger    Ledger
	Forwarder Forwarder
	Logger    *slog.Logger
	Metrics   *observability.StreamMetrics
}

// Correlator maps a rating to the turn it belongs to.
type Correlator struct {
	ledger    Ledger
	forwarder Forwarder
	logger    *slog.Logger
	metrics   *observability.StreamMetrics
}

// NewCorrelator creates a Correlator.
func NewCorrelator(cfg Config) *Correlator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Correlator{
		ledger:    cfg.Ledger,
		forwarder: cfg.Forwarder,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Submit rates the turn carrying correlationID.
//
// # Description
//
// The rating is applied through the Ledger. Unknown ids and turns that are
// already rated are a no-op and nothing is forwarded. An applied rating is
// forwarded as {interactionId, feedback}; a forwarding failure does not undo
// the local rating and is not returned.
//
// # Outputs
//
//   - bool: True when the rating was applied locally.
//   - error: ErrInvalidRating, or the Ledger's error.
func (c *Correlator) Submit(ctx context.Context, correlationID string, rating datatypes.Rating) (bool, error) {
	if !rating.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidRating, string(rating))
	}

	turn, applied, err := c.ledger.ApplyFeedback(ctx, correlationID, rating)
	if err != nil {
		return false, fmt.Errorf("apply feedback: %w", err)
	}
	if !applied {
		if turn.Rated() {
			c.logger.Debug("turn already rated", "correlation_id", correlationID, "rating", turn.Feedback)
		} else {
			c.logger.Debug("no turn for correlation id", "correlation_id", correlationID)
		}
		return false, nil
	}

	if c.forwarder == nil {
		return true, nil
	}
	req := datatypes.FeedbackRequest{InteractionID: correlationID, Feedback: rating}
	if err := c.forwarder.Forward(ctx, req); err != nil {
		c.metrics.RecordFeedbackForwardFailure()
		c.logger.Warn("feedback not forwarded, keeping local rating",
			"correlation_id", correlationID,
			"rating", rating,
			"error", err)
	}
	return true, nil
}
