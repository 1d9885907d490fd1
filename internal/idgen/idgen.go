// Package idgen provides random ID generation for domain objects.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New generates a random UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a prefixed random ID (e.g. "esc_", "evt_").
// Result is prefix + 32 hex chars (UUID without dashes).
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
