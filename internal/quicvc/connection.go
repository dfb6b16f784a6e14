package quicvc

import (
	"net/netip"
	"time"

	"github.com/quicvc-project/quicvc/internal/verifier"
)

// This file defines the per-connection record and the default timing
// configuration. Connections are owned exclusively by the Manager's
// single event loop; nothing outside that loop ever mutates a *Connection
// directly -- external callers only ever see a copy-out
// ConnectionSnapshot.

// ServiceHandler receives STREAM frame data for a stream_id that has no
// built-in meaning to the engine.
type ServiceHandler func(deviceID string, streamID uint64, data []byte)

// Config holds the engine's recognized options.
type Config struct {
	Port              int
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	ConnectionIDLen   int
	EnableEncryption  bool
}

// DefaultConfig returns the engine defaults: the well-known QUICVC port,
// 5 s handshake deadline, 30 s heartbeats, 120 s idle close, 8-byte CIDs.
func DefaultConfig() Config {
	return Config{
		Port:              49497,
		HandshakeTimeout:  5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ConnectionIDLen:   DefaultCIDLen,
		EnableEncryption:  true,
	}
}

// Connection is the per-connection record.
type Connection struct {
	DeviceID string
	DCID     []byte
	SCID     []byte
	Peer     netip.AddrPort

	State    State
	IsServer bool

	NextTx    uint64
	HighestRx uint64

	LocalCred     verifier.Credential
	RemoteVC      *verifier.VerifiedInfo
	Challenge     [32]byte
	SessionKey    [32]byte
	HasSessionKey bool

	Handlers map[uint64]ServiceHandler

	CreatedAt    time.Time
	LastActivity time.Time

	consecutiveDecryptFailures int

	// tableKey is the string(SCID) this connection is keyed by in the
	// Manager's table: client connections are keyed by our SCID because
	// the peer echoes it back as DCID.
	tableKey string

	// pendingCloseReason carries a human-readable close reason set by the
	// caller (e.g. handleVCResponse's "Owned by different user: ...")
	// just before a transition whose Actions include ActionNotifyClosed,
	// so the resulting connection_closed event carries it instead of an
	// empty string. Cleared once consumed.
	pendingCloseReason string
}

// decryptFailureThreshold is the number of consecutive decryption
// failures before a connection is closed as fatal.
const decryptFailureThreshold = 5

// touch resets LastActivity; called on every received packet regardless
// of frame content.
func (c *Connection) touch(now time.Time) {
	c.LastActivity = now
}

// allocatePacketNumber returns the next strictly-increasing packet number
// for this connection and advances the counter.
func (c *Connection) allocatePacketNumber() uint64 {
	pn := c.NextTx
	c.NextTx++
	return pn
}

// recordRx tracks the highest packet number seen from the peer.
// Out-of-order delivery is still accepted; the high-water mark feeds the
// replay window once one exists.
func (c *Connection) recordRx(pn uint64) {
	if pn > c.HighestRx {
		c.HighestRx = pn
	}
}
