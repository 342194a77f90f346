package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// NewID returns a random 128-bit hex identifier, optionally prefixed as "prefix_<hex>".
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NormalizeLabel folds a concept label for uniqueness checks.
func NormalizeLabel(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}
