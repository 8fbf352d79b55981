// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCorrelationID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"hex", "abc123", false},
		{"uuid", "3f0c9a52-7b1e-4c1a-9d57-0c3e8f1a2b4d", false},
		{"dotted", "run.42:7", false},
		{"max length", strings128(), false},

		{"empty", "", true},
		{"spaces", "abc 123", true},
		{"quote injection", `abc","feedback":"up`, true},
		{"newline", "abc\n123", true},
		{"starts with hyphen", "-abc", true},
		{"too long", strings128() + "x", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCorrelationID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateObjectPrefix(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		wantErr bool
	}{
		{"empty", "", false},
		{"single", "streamchat", false},
		{"nested", "streamchat/archive_v2", false},

		{"parent", "streamchat/../other", true},
		{"dot", "./streamchat", true},
		{"double slash", "a//b", true},
		{"hidden", ".secret", true},
		{"spaces", "my chats", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateObjectPrefix(tt.prefix)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSanitizeObjectPrefix(t *testing.T) {
	got, err := SanitizeObjectPrefix("  /streamchat/archive/ ")
	require.NoError(t, err)
	assert.Equal(t, "streamchat/archive", got)

	_, err = SanitizeObjectPrefix("/../")
	assert.Error(t, err)
}

func strings128() string {
	b := make([]byte, 128)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
