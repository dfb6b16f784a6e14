package quicvc

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// This file implements the QUICVC key schedule: HKDF-SHA256 derivation of
// initial/handshake/application keys, the legacy SHA256-only session-key
// formula kept for interop with the embedded peer's fixed derivation, and
// the XOR keystream cipher. The cipher is explicitly NOT authenticated
// encryption -- it is a placeholder until the embedded peer supports AEAD;
// do not extend it into an AEAD here without also revising the key
// schedule.

const (
	initialSaltLabel     = "quicvc-initial-salt-v1"
	handshakeSaltLabel   = "quicvc-handshake-salt-v1"
	applicationSaltLabel = "quicvc-application-salt-v1"

	// sessionKeySalt and sessionKeySuffix implement the embedded peer's
	// fixed (non-HKDF) session-key formula:
	// SHA256(salt || owner_id || suffix).
	sessionKeySalt   = "quicvc-esp32-v1"
	sessionKeySuffix = "esp32-session-key"
)

func deriveHKDF(saltLabel string, ikm ...[]byte) [32]byte {
	secret := make([]byte, 0, 64)
	for _, b := range ikm {
		secret = append(secret, b...)
	}

	r := hkdf.New(sha256.New, secret, []byte(saltLabel), nil)
	var out [32]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		// hkdf.New's Reader only fails if more output is requested than
		// HKDF-Expand can produce (255*hash-len); 32 bytes never hits that.
		panic("quicvc: hkdf expand failed: " + err.Error())
	}
	return out
}

// DeriveInitialKey derives the initial key from both peers' credential IDs.
func DeriveInitialKey(localVCID, remoteVCID []byte) [32]byte {
	return deriveHKDF(initialSaltLabel, localVCID, remoteVCID)
}

// DeriveHandshakeKey derives the handshake key from the handshake challenge
// and both peers' credential proofs.
func DeriveHandshakeKey(challenge, localProof, remoteProof []byte) [32]byte {
	return deriveHKDF(handshakeSaltLabel, challenge, localProof, remoteProof)
}

// DeriveApplicationKey derives the application key from both peers' public
// keys.
func DeriveApplicationKey(localPublicKey, remotePublicKey []byte) [32]byte {
	return deriveHKDF(applicationSaltLabel, localPublicKey, remotePublicKey)
}

// DeriveSessionKey computes the 32-byte session key that drives the
// data-path XOR cipher; the other key families exist for a future AEAD
// expansion and are not exercised on the data path. This is deliberately
// not HKDF -- the embedded peer computes it as a single SHA256 over a
// fixed salt, the owner's person id, and a fixed suffix, and the
// controller must match it bit-for-bit.
func DeriveSessionKey(ownerPersonID string) [32]byte {
	h := sha256.New()
	h.Write([]byte(sessionKeySalt))
	h.Write([]byte(ownerPersonID))
	h.Write([]byte(sessionKeySuffix))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// XORKeystream applies the QUICVC data-path stream cipher in place to data
// and returns it. The keystream is generated by hashing the session key
// with an incrementing block counter, restarting at index 0 for every
// PROTECTED packet; encryption and decryption are the same operation.
func XORKeystream(key [32]byte, data []byte) []byte {
	var counter uint32
	var block [32]byte

	for i := 0; i < len(data); i++ {
		if i%32 == 0 {
			h := sha256.New()
			h.Write(key[:])
			h.Write([]byte{
				byte(counter >> 24), byte(counter >> 16),
				byte(counter >> 8), byte(counter),
			})
			copy(block[:], h.Sum(nil))
			counter++
		}
		data[i] ^= block[i%32]
	}

	return data
}
