// Package requestid mints the correlation ids carried in the X-Request-Id
// header. The gateway stamps one on every request it forwards; backend
// services reuse it in logs, error bodies, and audit rows.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

const entropyBytes = 16

// New returns a fresh id: entropyBytes of randomness, hex encoded.
func New() (string, error) {
	var b [entropyBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
