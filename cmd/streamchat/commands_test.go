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

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/streamchat/cmd/streamchat/config"
	"github.com/AleutianAI/streamchat/pkg/datatypes"
	"github.com/AleutianAI/streamchat/pkg/history"
)

func TestOpenStore_Backends(t *testing.T) {
	turns := []datatypes.Turn{{Role: datatypes.RoleUser, Content: "Hello"}}

	for _, backend := range []string{"file", "badger"} {
		t.Run(backend, func(t *testing.T) {
			c := config.DefaultConfig()
			c.History.Backend = backend
			c.History.Dir = t.TempDir()

			store, scope, closeStore, err := openStore(c, quietLogger())
			require.NoError(t, err)
			assert.Len(t, scope, 36)
			require.NoError(t, store.Save(context.Background(), turns))
			require.NoError(t, closeStore())

			// Reopening finds the same scope and the saved turns.
			store2, scope2, closeStore2, err := openStore(c, quietLogger())
			require.NoError(t, err)
			defer closeStore2()
			assert.Equal(t, scope, scope2)
			got, err := store2.Load(context.Background())
			require.NoError(t, err)
			assert.Equal(t, turns, got)
		})
	}
}

func TestOpenStore_Memory(t *testing.T) {
	c := config.DefaultConfig()
	c.History.Backend = "memory"

	store, scope, closeStore, err := openStore(c, quietLogger())
	require.NoError(t, err)
	assert.Empty(t, scope)
	assert.IsType(t, &history.MemoryStore{}, store)
	assert.NoError(t, closeStore())
}

func TestRootCommand_Tree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"chat", "upload", "login", "history", "stub"} {
		assert.True(t, names[want], want)
	}

	sub := map[string]bool{}
	for _, c := range historyCmd.Commands() {
		sub[c.Name()] = true
	}
	assert.Equal(t, map[string]bool{"show": true, "clear": true, "archive": true}, sub)
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("ephemeral"))
}
