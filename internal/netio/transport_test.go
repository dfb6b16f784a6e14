package netio_test

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/quicvc-project/quicvc/internal/netio"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTransportSendRecv(t *testing.T) {
	t.Parallel()

	a, err := netio.NewTransport(0)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer a.Close()

	b, err := netio.NewTransport(0)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer b.Close()

	bAddr := localAddr(t, b)

	ctx := context.Background()
	payload := []byte("vc_init")
	if err := a.SendPacket(ctx, payload, bAddr); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	buf := make([]byte, 1500)
	n, _, err := b.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Errorf("Recv payload = %q, want %q", buf[:n], payload)
	}
}

func TestTransportSendAfterClose(t *testing.T) {
	t.Parallel()

	tr, err := netio.NewTransport(0)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = tr.SendPacket(context.Background(), []byte("x"), netip.MustParseAddrPort("127.0.0.1:1"))
	if err == nil {
		t.Fatal("SendPacket after Close: want error, got nil")
	}
}

type recordingSink struct {
	ch chan []byte
}

func (s *recordingSink) HandleInbound(data []byte, _ netip.AddrPort) {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.ch <- cp
}

func TestReceiverForwardsDatagrams(t *testing.T) {
	t.Parallel()

	server, err := netio.NewTransport(0)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer server.Close()

	client, err := netio.NewTransport(0)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer client.Close()

	sink := &recordingSink{ch: make(chan []byte, 1)}
	r := netio.NewReceiver(server, sink, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	if err := client.SendPacket(ctx, []byte("discovery"), localAddr(t, server)); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	select {
	case got := <-sink.ch:
		if string(got) != "discovery" {
			t.Errorf("forwarded payload = %q, want %q", got, "discovery")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not forward datagram in time")
	}

	// Recv blocks until the socket closes; close before waiting for the
	// receiver goroutine so goleak sees it exit.
	cancel()
	_ = server.Close()
	<-done
}

// localAddr returns a loopback address targeting the ephemeral port
// NewTransport(0) bound to. The socket itself is bound to the wildcard
// address, so the host is pinned to 127.0.0.1 for test delivery.
func localAddr(t *testing.T, tr *netio.Transport) netip.AddrPort {
	t.Helper()

	port := tr.LocalAddr().Port()
	if port == 0 {
		t.Fatal("transport reported port 0")
	}
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}
