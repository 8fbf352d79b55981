// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided strings before they are placed in
// request bodies or storage object names.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// correlationIDPattern matches identifiers announced by the chat service.
// Allows: letters, digits, dots, colons, underscores, hyphens
// Max length: 128 characters
var correlationIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]{0,127}$`)

// prefixSegmentPattern matches one segment of an object name prefix.
var prefixSegmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,62}$`)

// ValidateCorrelationID validates an id typed by the user, as in "/up <id>".
//
// Example:
//
//	if err := validation.ValidateCorrelationID(id); err != nil {
//	    return err
//	}
func ValidateCorrelationID(id string) error {
	if id == "" {
		return fmt.Errorf("correlation id cannot be empty")
	}
	if !correlationIDPattern.MatchString(id) {
		return fmt.Errorf("invalid correlation id: %q", id)
	}
	return nil
}

// ValidateObjectPrefix validates a slash-separated storage prefix such as
// "streamchat/archive". Empty prefixes are allowed. Segments may not be
// "." or "..", or start with a dot.
func ValidateObjectPrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	var invalid []string
	for _, seg := range strings.Split(prefix, "/") {
		if !prefixSegmentPattern.MatchString(seg) {
			invalid = append(invalid, seg)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid object prefix %q: bad segments %q", prefix, invalid)
	}
	return nil
}

// SanitizeObjectPrefix trims surrounding slashes and spaces, then validates.
func SanitizeObjectPrefix(prefix string) (string, error) {
	normalized := strings.Trim(strings.TrimSpace(prefix), "/")
	if err := ValidateObjectPrefix(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
