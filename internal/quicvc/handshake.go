package quicvc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/quicvc-project/quicvc/internal/verifier"
)

// This file implements the client and server handshake flows: each
// inbound packet is matched against the connection's current state and a
// fixed sequence of checks, producing an FSM event that the Manager then
// applies.

type credentialWire struct {
	ID         string `json:"id"`
	Issuer     string `json:"issuer"`
	Subject    string `json:"subject"`
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type"`
	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
	Proof      string `json:"proof"` // base64
}

func toCredentialWire(c verifier.Credential) credentialWire {
	return credentialWire{
		ID: c.ID, Issuer: c.Issuer, Subject: c.Subject,
		DeviceID: c.DeviceID, DeviceType: c.DeviceType,
		IssuedAt: c.IssuedAt, ExpiresAt: c.ExpiresAt,
		Proof: base64.StdEncoding.EncodeToString(c.Proof),
	}
}

func fromCredentialWire(w credentialWire) (verifier.Credential, error) {
	proof, err := base64.StdEncoding.DecodeString(w.Proof)
	if err != nil {
		return verifier.Credential{}, fmt.Errorf("%w: bad proof encoding", ErrMalformedFramePayload)
	}
	return verifier.Credential{
		ID: w.ID, Issuer: w.Issuer, Subject: w.Subject,
		DeviceID: w.DeviceID, DeviceType: w.DeviceType,
		IssuedAt: w.IssuedAt, ExpiresAt: w.ExpiresAt, Proof: proof,
	}, nil
}

type vcInitPayload struct {
	Credential credentialWire `json:"credential"`
	Challenge  string         `json:"challenge"`
	Timestamp  int64          `json:"timestamp"`
}

type vcResponsePayload struct {
	Status   string `json:"status"`
	Owner    string `json:"owner"`
	DeviceID string `json:"device_id"`
	Message  string `json:"message,omitempty"`
}

// doConnect opens a client-side connection: generate CIDs and a
// challenge, table-key by our SCID, and send an INITIAL packet carrying
// VC_INIT with our credential.
func (m *Manager) doConnect(ctx context.Context, deviceID string, addr netip.AddrPort, cred verifier.Credential) error {
	// Claim restart: a connect() for an already-present peer closes the
	// existing record first, since a mid-claim credential change
	// invalidates the old session. The superseded record is dropped
	// without a connection_closed event -- the caller that triggered the
	// restart replaces it in the same call, so there is no session left
	// for a subscriber to react to.
	if existing := m.lookupByPeerOrDevice(deviceID, addr); existing != nil {
		m.closeConnection(existing)
	}

	dcid, err := m.cidAlloc.Generate()
	if err != nil {
		return err
	}
	scid, err := m.cidAlloc.Generate()
	if err != nil {
		return err
	}
	challenge, err := NewChallenge()
	if err != nil {
		return err
	}

	now := time.Now()
	c := &Connection{
		DeviceID:     deviceID,
		DCID:         dcid,
		SCID:         scid,
		Peer:         addr,
		State:        StateInitial,
		IsServer:     false,
		LocalCred:    cred,
		Challenge:    challenge,
		CreatedAt:    now,
		LastActivity: now,
		Handlers:     m.snapshotHandlers(),
		tableKey:     string(scid),
	}
	m.insert(c)
	m.schedule(c.tableKey, timerHandshakeDeadline, now.Add(m.cfg.HandshakeTimeout))

	payload, err := json.Marshal(vcInitPayload{
		Credential: toCredentialWire(cred),
		Challenge:  base64.StdEncoding.EncodeToString(challenge[:]),
		Timestamp:  now.Unix(),
	})
	if err != nil {
		return fmt.Errorf("quicvc: encode vc_init: %w", err)
	}

	framed := AppendLegacyFrame(nil, FrameTypeVCInit, payload)
	pkt, err := BuildLong(LongHeader{
		Type:         PacketTypeInitial,
		Version:      Version1,
		DCID:         dcid,
		SCID:         scid,
		PacketNumber: c.allocatePacketNumber(),
	}, framed)
	if err != nil {
		return fmt.Errorf("quicvc: build initial packet: %w", err)
	}

	return m.sendDatagram(ctx, pkt, addr)
}

func (m *Manager) lookupByPeerOrDevice(deviceID string, addr netip.AddrPort) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.byPeer[addr]; ok {
		return c
	}
	if deviceID != "" {
		for _, c := range m.byCID {
			if c.DeviceID == deviceID {
				return c
			}
		}
	}
	return nil
}

func (m *Manager) closeConnection(c *Connection) {
	m.cancelAll(c.tableKey)
	m.remove(c)
	if m.metrics != nil {
		m.metrics.ConnectionClosed()
	}
}

func (m *Manager) snapshotHandlers() map[uint64]ServiceHandler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	out := make(map[uint64]ServiceHandler, len(m.handlers))
	for k, v := range m.handlers {
		out[k] = v
	}
	return out
}

// handleVCInit is the server side of the handshake: verify the peer's
// credential and require its issuer to be us; on success send a HANDSHAKE
// packet carrying VC_RESPONSE.
func (m *Manager) handleVCInit(ctx context.Context, c *Connection, f Frame) {
	var p vcInitPayload
	if err := json.Unmarshal(f.Raw, &p); err != nil {
		m.logger.Debug("malformed vc_init", slog.Any("err", err))
		m.transition(ctx, c, EventServerVCInitInvalid)
		return
	}

	cred, err := fromCredentialWire(p.Credential)
	if err != nil {
		m.transition(ctx, c, EventServerVCInitInvalid)
		return
	}

	verified, err := m.verifier.Verify(ctx, cred, cred.Subject)
	if err != nil || verified.IssuerPersonID != m.ownerID {
		if m.metrics != nil {
			m.metrics.HandshakeFailure()
		}
		m.emit(Event{Kind: EventError, DeviceID: c.DeviceID, Err: ErrInvalidCredential})
		m.transition(ctx, c, EventServerVCInitInvalid)
		return
	}

	c.RemoteVC = &verified
	m.mu.Lock()
	c.DeviceID = verified.SubjectDeviceID
	if c.DeviceID == "" {
		c.DeviceID = synthesizeDeviceID(c.SCID)
	}
	m.mu.Unlock()

	m.transition(ctx, c, EventServerVCInitValid)
	m.sendVCResponse(ctx, c, "provisioned", m.ownerID, c.DeviceID, "")
	m.transition(ctx, c, EventKeysEstablished)
}

func (m *Manager) sendVCResponse(ctx context.Context, c *Connection, status, owner, deviceID, message string) {
	payload, err := json.Marshal(vcResponsePayload{
		Status: status, Owner: owner, DeviceID: deviceID, Message: message,
	})
	if err != nil {
		m.logger.Error("encode vc_response", slog.Any("err", err))
		return
	}

	framed := AppendLegacyFrame(nil, FrameTypeVCResponse, payload)
	pkt, err := BuildLong(LongHeader{
		Type:         PacketTypeHandshake,
		Version:      Version1,
		DCID:         c.DCID,
		SCID:         c.SCID,
		PacketNumber: c.allocatePacketNumber(),
	}, framed)
	if err != nil {
		m.logger.Error("build handshake packet", slog.Any("err", err))
		return
	}

	if err := m.sendDatagram(ctx, pkt, c.Peer); err != nil {
		m.logger.Warn("send vc_response failed", slog.Any("err", err))
	}
}

// handleVCResponse is the client side of the handshake: act on the peer's
// claim status. already_owned matches our ownership iff the response's
// owner is our own person id; a mismatch is a permanent rejection, not a
// retry.
func (m *Manager) handleVCResponse(ctx context.Context, c *Connection, f Frame) {
	ack, err := DecodeHandshakeAck(f.Raw)
	if err != nil {
		m.logger.Debug("malformed vc_response", slog.Any("err", err))
		return
	}

	if ack.DeviceID != "" && c.DeviceID == "" {
		m.mu.Lock()
		c.DeviceID = ack.DeviceID
		m.mu.Unlock()
	}

	switch ack.Status {
	case "provisioned":
		c.RemoteVC = &verifier.VerifiedInfo{IssuerPersonID: ack.Owner, SubjectDeviceID: ack.DeviceID}
		m.transition(ctx, c, EventClientVCResponseOK)
		m.transition(ctx, c, EventKeysEstablished)
	case "already_owned":
		if ack.Owner == m.ownerID {
			c.RemoteVC = &verifier.VerifiedInfo{IssuerPersonID: ack.Owner, SubjectDeviceID: ack.DeviceID}
			m.transition(ctx, c, EventClientVCResponseOK)
			m.transition(ctx, c, EventKeysEstablished)
		} else {
			// Correct-issuer rule: permanent rejection, not a retry.
			m.emit(Event{Kind: EventError, DeviceID: c.DeviceID, Err: ErrAlreadyOwnedByOther})
			c.pendingCloseReason = fmt.Sprintf("Owned by different user: %s", ack.Owner)
			m.transition(ctx, c, EventClientRejected)
		}
	case "revoked", "ownership_revoked":
		m.transition(ctx, c, EventClientRejected)
	default:
		m.logger.Debug("unrecognized vc_response status", slog.String("status", ack.Status))
	}
}

// synthesizeDeviceID derives a device id from the peer's MAC (first 6
// bytes of their SCID) when no device id was ever learned.
func synthesizeDeviceID(scid []byte) string {
	n := len(scid)
	if n > 6 {
		n = 6
	}
	return fmt.Sprintf("esp32-%x", scid[:n])
}
