package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a random hex id, optionally prefixed ("post_ab12...").
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewConnectionID returns the id assigned to a websocket connection. Voter
// identities on reactions and polls are these ids, so they are socket-level,
// not account-level.
func NewConnectionID() string {
	return "conn_" + uuid.NewString()
}
