// Package guuid generates the short random session-correlation ID each
// sender/receiver engine stamps onto its log lines, so one session's
// output can be told apart from another run against the same peer.
package guuid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GUUID is a 16-byte random session identifier.
type GUUID [16]byte

// New generates a fresh GUUID from crypto/rand.
func New() (GUUID, error) {
	var g GUUID
	if _, err := rand.Read(g[:]); err != nil {
		return GUUID{}, fmt.Errorf("guuid: generate: %w", err)
	}
	return g, nil
}

// String returns the lowercase hex encoding of g.
func (g GUUID) String() string {
	return hex.EncodeToString(g[:])
}
