package quicvc

import (
	"context"
	"net/netip"
	"strings"
	"testing"

	"github.com/quicvc-project/quicvc/internal/verifier"
)

func newClientInitialConnection(m *Manager, tableKey, deviceID string, peer netip.AddrPort) *Connection {
	c := newEstablishedConnection(m, tableKey, deviceID, peer)
	c.State = StateInitial
	return c
}

// TestHandleVCResponseProvisioned covers the unclaimed-claim flow: a
// VC_RESPONSE with status=provisioned walks the client through HANDSHAKE
// to ESTABLISHED, derives the session key from the owner id, and emits
// handshake_complete before connection_established.
func TestHandleVCResponseProvisioned(t *testing.T) {
	m := newTestManager()
	peer := netip.MustParseAddrPort("192.168.1.50:49497")
	conn := newClientInitialConnection(m, "cid-cl01", "esp32-aabbcc", peer)

	resp := Frame{Type: FrameTypeVCResponse,
		Raw: []byte(`{"status":"provisioned","owner":"owner-1","device_id":"esp32-aabbcc"}`)}
	m.handleVCResponse(context.Background(), conn, resp)

	if conn.State != StateEstablished {
		t.Fatalf("state = %v, want ESTABLISHED", conn.State)
	}
	if !conn.HasSessionKey {
		t.Fatal("no session key after provisioned response")
	}
	if conn.SessionKey != DeriveSessionKey("owner-1") {
		t.Fatal("session key not derived from the response's owner id")
	}

	first, ok := drainUntil(t, m, EventHandshakeComplete)
	if !ok {
		t.Fatal("no handshake_complete event")
	}
	if first.DeviceID != "esp32-aabbcc" {
		t.Errorf("handshake_complete device = %q", first.DeviceID)
	}
	if _, ok := drainUntil(t, m, EventConnectionEstablished); !ok {
		t.Fatal("no connection_established event after handshake_complete")
	}
}

// TestHandleVCResponseAlreadyOwnedByUs: status=already_owned with our own
// person id is equivalent to provisioned.
func TestHandleVCResponseAlreadyOwnedByUs(t *testing.T) {
	m := newTestManager()
	peer := netip.MustParseAddrPort("192.168.1.51:49497")
	conn := newClientInitialConnection(m, "cid-cl02", "esp32-ddeeff", peer)

	resp := Frame{Type: FrameTypeVCResponse,
		Raw: []byte(`{"status":"already_owned","owner":"owner-1"}`)}
	m.handleVCResponse(context.Background(), conn, resp)

	if conn.State != StateEstablished {
		t.Fatalf("state = %v, want ESTABLISHED", conn.State)
	}
	if !conn.HasSessionKey {
		t.Fatal("no session key for already_owned-by-us")
	}
}

// TestHandleVCResponseAlreadyOwnedByOther: a different owner is a
// permanent rejection: connection closed with a reason naming the owner,
// removed from the table, no connection_established.
func TestHandleVCResponseAlreadyOwnedByOther(t *testing.T) {
	m := newTestManager()
	peer := netip.MustParseAddrPort("192.168.1.52:49497")
	conn := newClientInitialConnection(m, "cid-cl03", "esp32-001122", peer)

	resp := Frame{Type: FrameTypeVCResponse,
		Raw: []byte(`{"status":"already_owned","owner":"owner-intruder"}`)}
	m.handleVCResponse(context.Background(), conn, resp)

	if conn.State != StateClosed {
		t.Fatalf("state = %v, want CLOSED", conn.State)
	}
	if len(m.Connections()) != 0 {
		t.Fatal("rejected connection still in the table")
	}

	var sawClosed bool
	var closeReason string
	for {
		var ev Event
		select {
		case ev = <-m.events:
		default:
			if !sawClosed {
				t.Fatal("no connection_closed event")
			}
			if !strings.Contains(closeReason, "owner-intruder") {
				t.Errorf("close reason = %q, want it to name the foreign owner", closeReason)
			}
			return
		}

		switch ev.Kind {
		case EventConnectionEstablished:
			t.Fatal("connection_established emitted despite foreign owner")
		case EventConnectionClosed:
			sawClosed = true
			closeReason = ev.Reason
		}
	}
}

// TestHandleVCResponseRevoked closes without establishing.
func TestHandleVCResponseRevoked(t *testing.T) {
	m := newTestManager()
	peer := netip.MustParseAddrPort("192.168.1.53:49497")
	conn := newClientInitialConnection(m, "cid-cl04", "esp32-334455", peer)

	resp := Frame{Type: FrameTypeVCResponse, Raw: []byte(`{"status":"revoked"}`)}
	m.handleVCResponse(context.Background(), conn, resp)

	if conn.State != StateClosed {
		t.Fatalf("state = %v, want CLOSED", conn.State)
	}
}

// TestHandleVCResponseFillsEmptyDeviceID: the response's device_id is
// adopted when connect() was called without one.
func TestHandleVCResponseFillsEmptyDeviceID(t *testing.T) {
	m := newTestManager()
	peer := netip.MustParseAddrPort("192.168.1.54:49497")
	conn := newClientInitialConnection(m, "cid-cl05", "", peer)

	resp := Frame{Type: FrameTypeVCResponse,
		Raw: []byte(`{"status":"provisioned","owner":"owner-1","device_id":"esp32-late"}`)}
	m.handleVCResponse(context.Background(), conn, resp)

	if conn.DeviceID != "esp32-late" {
		t.Fatalf("DeviceID = %q, want esp32-late", conn.DeviceID)
	}
}

func TestSynthesizeDeviceID(t *testing.T) {
	scid := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x01, 0x02}
	if got := synthesizeDeviceID(scid); got != "esp32-aabbccddeeff" {
		t.Errorf("synthesizeDeviceID = %q, want esp32-aabbccddeeff", got)
	}

	short := []byte{0xAA, 0xBB}
	if got := synthesizeDeviceID(short); got != "esp32-aabb" {
		t.Errorf("synthesizeDeviceID(short) = %q, want esp32-aabb", got)
	}
}

// TestDoConnectClaimRestart covers the claim-restart rule: a connect()
// for an already-present peer drops the existing record before creating
// the new one.
func TestDoConnectClaimRestart(t *testing.T) {
	m := newTestManager()
	peer := netip.MustParseAddrPort("192.168.1.55:49497")
	old := newEstablishedConnection(m, "cid-old1", "esp32-restart", peer)

	cred := verifier.Credential{
		ID: "cred-restart", Issuer: "owner-1", Subject: "esp32-restart",
		DeviceID: "esp32-restart", DeviceType: "esp32",
	}
	if err := m.doConnect(context.Background(), "esp32-restart", peer, cred); err != nil {
		t.Fatalf("doConnect: %v", err)
	}

	m.mu.RLock()
	_, oldPresent := m.byCID[old.tableKey]
	total := len(m.byCID)
	m.mu.RUnlock()

	if oldPresent {
		t.Fatal("stale connection survived a claim restart")
	}
	if total != 1 {
		t.Fatalf("table size = %d after restart, want 1", total)
	}
}
