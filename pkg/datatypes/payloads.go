// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxQueryBytes bounds the query text accepted by the stub server.
	MaxQueryBytes = 32 * 1024 // 32KB

	// MaxFilenameBytes bounds the filename field of an upload.
	MaxFilenameBytes = 255
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// payloadValidate is the validator instance for wire payloads.
var payloadValidate *validator.Validate

func init() {
	payloadValidate = validator.New()
	_ = payloadValidate.RegisterValidation("querybytes", validateQueryBytes)
}

// validateQueryBytes checks the byte length (not rune count) of a query.
func validateQueryBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQueryBytes
}

// =============================================================================
// Streaming Request
// =============================================================================

// HistoryEntry is the slimmed-down turn sent with every query.
//
// Correlation ids and ratings are local state and never leave the client.
type HistoryEntry struct {
	Role    Role   `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content"`
}

// QueryRequest is the single outbound frame sent right after a streaming
// connection opens.
//
// # Description
//
// Carries the query text and the full prior history, oldest first. The
// history does not include the user turn for Query itself.
//
// # Validation
//
//   - Query: required, at most MaxQueryBytes bytes
//   - History: each entry must carry a known role
type QueryRequest struct {
	Query   string         `json:"query" validate:"required,querybytes"`
	History []HistoryEntry `json:"history" validate:"dive"`
}

// Validate checks the request against its struct tags.
func (r *QueryRequest) Validate() error {
	return payloadValidate.Struct(r)
}

// NewQueryRequest builds the outbound payload from the query and the turns
// that preceded it.
func NewQueryRequest(query string, prior []Turn) QueryRequest {
	history := make([]HistoryEntry, 0, len(prior))
	for _, t := range prior {
		history = append(history, HistoryEntry{Role: t.Role, Content: t.Content})
	}
	return QueryRequest{Query: query, History: history}
}

// =============================================================================
// Upload Exchange
// =============================================================================

// UploadRequest is the body of an upload. FileData is base64 (standard
// alphabet, padded).
type UploadRequest struct {
	FileData string `json:"file_data" validate:"required,base64"`
	Filename string `json:"filename" validate:"required,max=255"`
}

// Validate checks the request against its struct tags.
func (r *UploadRequest) Validate() error {
	return payloadValidate.Struct(r)
}

// ErrorResponse is the failure body used by the upload and login endpoints.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// UploadResponse is the success body of an upload. Clients do not require it.
type UploadResponse struct {
	Status      int      `json:"status"`
	UploadedIDs []string `json:"uploaded_ids,omitempty"`
}

// =============================================================================
// Feedback Exchange
// =============================================================================

// FeedbackRequest forwards a rating for one assistant turn.
type FeedbackRequest struct {
	InteractionID string `json:"interactionId" validate:"required"`
	Feedback      Rating `json:"feedback" validate:"required,oneof=up down neutral"`
}

// Validate checks the request against its struct tags.
func (r *FeedbackRequest) Validate() error {
	return payloadValidate.Struct(r)
}

// =============================================================================
// Authentication Exchange
// =============================================================================

// LoginRequest carries credentials. Success is signalled by the response
// status alone.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Validate checks the request against its struct tags.
func (r *LoginRequest) Validate() error {
	return payloadValidate.Struct(r)
}
