package server

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// nonceSource issues the single-use tokens that tie a data connection to
// its control connection. Each nonce mixes 64 random bits with a counter
// that only moves forward, so a value can never repeat within one server
// lifetime even if the random source were to collide.
type nonceSource struct {
	salt uint64
}

func (n *nonceSource) next() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generate nonce: %w", err)
	}
	n.salt++
	return binary.BigEndian.Uint64(buf[:]) + n.salt, nil
}

// consumeNonce checks the presented nonce against the client's pending one
// and burns it: whatever the outcome, the stored nonce is gone after the
// first check.
func consumeNonce(c *Client, presented uint64) bool {
	if !c.hasNonce {
		return false
	}
	expected := c.nonce
	c.hasNonce = false
	c.nonce = 0
	return expected == presented
}
