//go:build linux

package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Sentinel errors for the transport.
var (
	ErrSocketClosed       = errors.New("netio: socket closed")
	ErrUnexpectedConnType = errors.New("netio: listen returned unexpected connection type")
)

// Transport is the single UDP socket quicvcd sends and receives QUICVC
// datagrams over. SO_BROADCAST is enabled so this peer can emit or answer
// DISCOVERY broadcasts the way a physical peer would.
type Transport struct {
	conn   *net.UDPConn
	mu     sync.Mutex
	closed bool
}

// NewTransport binds a UDP socket on port with SO_BROADCAST enabled.
func NewTransport(port int) (*Transport, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setBroadcast(c)
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, fmt.Errorf("netio: listen udp :%d: %w", port, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("netio: listen udp :%d: %w", port, ErrUnexpectedConnType)
	}

	return &Transport{conn: conn}, nil
}

func setBroadcast(c syscall.RawConn) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd is always a small positive kernel descriptor.
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("set SO_BROADCAST: %w", sockErr)
	}

	return nil
}

// SendPacket implements internal/quicvc.PacketSender.
func (t *Transport) SendPacket(_ context.Context, buf []byte, addr netip.AddrPort) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("netio: send to %s: %w", addr, ErrSocketClosed)
	}
	t.mu.Unlock()

	if _, err := t.conn.WriteToUDPAddrPort(buf, addr); err != nil {
		return fmt.Errorf("netio: send to %s: %w", addr, err)
	}
	return nil
}

// LocalAddr reports the address the socket is bound to; with port 0 this
// is how callers learn the ephemeral port the OS picked.
func (t *Transport) LocalAddr() netip.AddrPort {
	udpAddr, ok := t.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	return udpAddr.AddrPort()
}

// Recv reads a single datagram into buf.
func (t *Transport) Recv(buf []byte) (int, netip.AddrPort, error) {
	n, addr, err := t.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return 0, netip.AddrPort{}, fmt.Errorf("netio: recv: %w", err)
	}
	return n, addr, nil
}

// Close closes the underlying socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("netio: close: %w", err)
	}
	return nil
}
