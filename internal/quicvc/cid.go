package quicvc

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// This file generates connection IDs: crypto/rand sourced, retried within
// a bounded attempt count when a draw is unusable.

// maxCIDAllocAttempts bounds the retry loop against a pathological RNG.
// CIDs are 8 or 16 bytes, so rejected draws are vanishingly rare in
// practice.
const maxCIDAllocAttempts = 100

// ErrCIDSpaceExhausted is returned if maxCIDAllocAttempts consecutive draws
// were all zero.
var ErrCIDSpaceExhausted = errors.New("quicvc: connection id space exhausted")

// CIDAllocator generates random, non-all-zero connection IDs of a fixed
// length. It keeps no record of the CIDs it has issued; uniqueness rests
// on the randomness of the draw.
type CIDAllocator struct {
	length int
}

// NewCIDAllocator returns an allocator producing CIDs of the given length:
// 8 to match the embedded peer, or 16.
func NewCIDAllocator(length int) *CIDAllocator {
	if length <= 0 {
		length = DefaultCIDLen
	}
	return &CIDAllocator{length: length}
}

// Generate returns a fresh random CID, retrying on an all-zero draw,
// which this engine treats as invalid.
func (a *CIDAllocator) Generate() ([]byte, error) {
	for attempt := 0; attempt < maxCIDAllocAttempts; attempt++ {
		cid := make([]byte, a.length)
		if _, err := rand.Read(cid); err != nil {
			return nil, fmt.Errorf("quicvc: generate cid: %w", err)
		}
		if !allZero(cid) {
			return cid, nil
		}
	}
	return nil, ErrCIDSpaceExhausted
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// NewChallenge returns a fresh 32-byte random handshake challenge.
func NewChallenge() ([32]byte, error) {
	var challenge [32]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return challenge, fmt.Errorf("quicvc: generate challenge: %w", err)
	}
	return challenge, nil
}
