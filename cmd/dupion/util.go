package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// parseSize parses a human-readable size string into bytes.
// Supports formats: "100", "1K", "1MB", "1GiB", etc. A bare unit letter
// (k/M/G/T/P/E) is 1024-based, so "1K" is 1024; "1MB" is 1000000.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n := len(s); n > 0 && strings.ContainsRune("kKmMgGtTpPeE", rune(s[n-1])) {
		s += "i"
	}
	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(bytes), nil
}

// validateGlobPatterns checks that all patterns are valid filepath.Match patterns.
func validateGlobPatterns(patterns []string) error {
	for _, pattern := range patterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("pattern %q: %w", pattern, err)
		}
	}
	return nil
}
