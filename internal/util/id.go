// Package util holds small helpers shared across packages.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

const idEntropyBytes = 16

// NewID returns a random identifier such as "tsk_3f2a...". The prefix encodes
// the entity kind so ids are self-describing in logs and API payloads.
func NewID(prefix string) string {
	buf := make([]byte, idEntropyBytes)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
