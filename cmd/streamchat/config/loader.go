// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var (
	// Global is a singleton instance
	Global StreamchatConfig
	once   sync.Once

	validate = validator.New(validator.WithRequiredStructEnabled())
)

// scopeFile holds the conversation scope id inside the history directory.
const scopeFile = "scope"

// DefaultPath is ~/.streamchat/streamchat.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".streamchat", "streamchat.yaml"), nil
}

// Load ensures the config is loaded into the Global variable. path may be
// empty for DefaultPath.
func Load(path string) error {
	var err error
	once.Do(func() {
		if path == "" {
			if path, err = DefaultPath(); err != nil {
				return
			}
		}
		Global, err = LoadFrom(path)
	})
	return err
}

// LoadFrom reads and validates the config at path, writing the defaults
// there first if the file does not exist. Keys missing from the file keep
// their default values.
func LoadFrom(path string) (StreamchatConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, " First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return StreamchatConfig{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return StreamchatConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return StreamchatConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return StreamchatConfig{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field constraints and returns one error naming every
// offending key.
func Validate(cfg StreamchatConfig) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ScopeID returns the conversation scope stored in dir, minting a new UUID
// the first time. The scope names the history file or badger key so that
// one directory can hold several conversations.
func ScopeID(dir string) (string, error) {
	path := filepath.Join(dir, scopeFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id, perr := uuid.Parse(strings.TrimSpace(string(data))); perr == nil {
			return id.String(), nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read scope: %w", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create history dir: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write scope: %w", err)
	}
	return id, nil
}
