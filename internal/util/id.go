// Package util holds the id helper shared by the backup manager and the
// apply-lock holder tokens.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random hex id, prefixed like "bak_3f2a..." when a prefix
// is given. Backup ids double as git tag names, so the charset stays
// tag-safe.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
