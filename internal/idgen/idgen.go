// Package idgen mints the opaque identifiers used across the API, for
// example "saga_", "pay_", "ctx_" and "risk_" prefixed IDs.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// idBytes gives 24 hex chars of entropy after the prefix, enough that
// collisions are not a practical concern for payment volumes.
const idBytes = 12

// WithPrefix returns prefix followed by 24 random hex characters.
// It panics only if the OS entropy source is unavailable.
func WithPrefix(prefix string) string {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
