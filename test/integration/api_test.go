//go:build integration

package integration_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/quicvc-project/quicvc/internal/api"
	"github.com/quicvc-project/quicvc/internal/quicvc"
)

// noopSender discards every outbound datagram; the API tests only need the
// Manager's own bookkeeping, not a working peer.
type noopSender struct{}

func (noopSender) SendPacket(context.Context, []byte, netip.AddrPort) error { return nil }

func newTestServer(t *testing.T) (*api.Server, *quicvc.Manager) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	mgr := quicvc.NewManager(logger, testEngineConfig(), noopSender{}, &allowAllVerifier{wantIssuer: "owner-1"},
		quicvc.WithOwnerID("owner-1"))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = mgr.Run(ctx) }()

	return api.NewServer(mgr, false), mgr
}

func doJSON(t *testing.T, srv *api.Server, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, "http://quicvcd"+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := srv.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// TestAPIHealthz verifies the liveness endpoint used by external health
// probes.
func TestAPIHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, srv, http.MethodGet, "/v1/healthz", nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "ok" {
		t.Errorf("status field = %q, want ok", out["status"])
	}
}

// TestAPIConnectListDisconnect exercises the admin surface's full
// connect -> list -> disconnect cycle against a real Manager event loop.
func TestAPIConnectListDisconnect(t *testing.T) {
	srv, mgr := newTestServer(t)

	connectBody := map[string]any{
		"device_id": "device-9",
		"addr":      "192.0.2.9",
		"port":      49497,
		"credential": map[string]any{
			"id":          "cred-9",
			"issuer":      "owner-1",
			"subject":     "device-9",
			"device_id":   "device-9",
			"device_type": "esp32",
			"proof":       base64.StdEncoding.EncodeToString([]byte("proof-bytes")),
		},
	}

	resp := doJSON(t, srv, http.MethodPost, "/v1/connect", connectBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("connect status = %d, body = %s", resp.StatusCode, body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(mgr.Connections()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	listResp := doJSON(t, srv, http.MethodGet, "/v1/connections", nil)
	defer listResp.Body.Close()

	var conns []map[string]any
	if err := json.NewDecoder(listResp.Body).Decode(&conns); err != nil {
		t.Fatalf("decode connections: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("connections = %d, want 1", len(conns))
	}
	if conns[0]["device_id"] != "device-9" {
		t.Errorf("device_id = %v, want device-9", conns[0]["device_id"])
	}

	getResp := doJSON(t, srv, http.MethodGet, "/v1/connections/device-9", nil)
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get connection status = %d, want 200", getResp.StatusCode)
	}

	var single map[string]any
	if err := json.NewDecoder(getResp.Body).Decode(&single); err != nil {
		t.Fatalf("decode connection: %v", err)
	}
	if single["device_id"] != "device-9" {
		t.Errorf("get device_id = %v, want device-9", single["device_id"])
	}

	disconnectResp := doJSON(t, srv, http.MethodPost, "/v1/disconnect", map[string]any{
		"device_id": "device-9",
		"addr":      "192.0.2.9",
		"port":      49497,
	})
	defer disconnectResp.Body.Close()
	if disconnectResp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect status = %d", disconnectResp.StatusCode)
	}
}

// TestAPIGetConnectionNotFound verifies the per-id lookup 404s for an
// unknown device.
func TestAPIGetConnectionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, srv, http.MethodGet, "/v1/connections/no-such-device", nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

// TestAPISendServiceDataRequiresEstablished verifies that sending on an
// unknown device is rejected rather than silently dropped.
func TestAPISendServiceDataRequiresEstablished(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/v1/service-data", map[string]any{
		"device_id": "no-such-device",
		"stream_id": 3,
		"data":      base64.StdEncoding.EncodeToString([]byte("on")),
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["error"] == "" {
		t.Error("expected a non-empty error message")
	}
}

// TestAPIConnectRejectsBadCredentialEncoding verifies request validation
// happens before the Manager is ever consulted.
func TestAPIConnectRejectsBadCredentialEncoding(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/v1/connect", map[string]any{
		"device_id": "device-bad",
		"addr":      "192.0.2.9",
		"port":      49497,
		"credential": map[string]any{
			"proof": "not valid base64!!",
		},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
