// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Frame
	}{
		{"identifier", "<<ID:abc123>>", Identifier("abc123")},
		{"identifier with punctuation", "<<ID:run-7/turn:2>>", Identifier("run-7/turn:2")},
		{"empty identifier", "<<ID:>>", Identifier("")},
		{"terminal", "<<END>>", Terminal()},
		{"plain text", "Hi", Content("Hi")},
		{"leading space kept", " there", Content(" there")},
		{"empty unit", "", Content("")},
		{"padded sentinel is content", "<<END>> ", Content("<<END>> ")},
		{"unterminated identifier", "<<ID:abc", Content("<<ID:abc")},
		{"identifier inside text", "see <<ID:abc>>", Content("see <<ID:abc>>")},
		{"server error marker", "<<E:NO_QUERY>>", Content("<<E:NO_QUERY>>")},
		{"overlapping markers", "<<ID>>", Content("<<ID>>")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.raw))
		})
	}
}

func TestFormatIdentifier_RoundTrips(t *testing.T) {
	got := Classify(FormatIdentifier("xyz"))
	assert.Equal(t, KindIdentifier, got.Kind)
	assert.Equal(t, "xyz", got.Text)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "content", KindContent.String())
	assert.Equal(t, "identifier", KindIdentifier.String())
	assert.Equal(t, "terminal", KindTerminal.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
