package config

import (
	"fmt"
	"strings"

	"github.com/inhies/go-bytesize"
)

// ParseSize parses a human-readable size string like "100M", "8MB" or
// "1.5GiB". Suffixes are binary multiples; a bare number is bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	norm := strings.ReplaceAll(strings.ToUpper(s), "IB", "B")
	if last := rune(norm[len(norm)-1]); strings.ContainsRune("0123456789.KMGTPE", last) {
		norm += "B"
	}

	b, err := bytesize.Parse(norm)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if b < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return int64(b), nil
}
