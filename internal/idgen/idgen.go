// Package idgen mints the identifiers used across the service: UUIDv4
// session ids (they name control sockets on disk, so the format is fixed)
// and prefixed ids for rows ("acct_", "key_", "conn_", "tok_", "led_",
// "aud_", "oid_").
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand failed: " + err.Error())
	}
	return b
}

// New generates a random UUIDv4 (RFC 4122 version and variant bits set).
// Session ids use this form; the control socket path embeds it verbatim.
func New() string {
	b := randomBytes(16)
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant 10
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix generates a prefixed row id: prefix + 24 hex chars.
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(randomBytes(12))
}

// Hex generates a random hex string of the given byte length. The OAuth
// flow uses this for state and verifier values.
func Hex(numBytes int) string {
	return hex.EncodeToString(randomBytes(numBytes))
}
