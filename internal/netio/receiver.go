package netio

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
)

// Inbound is the narrow contract the receive loop needs from
// internal/quicvc.Manager, kept as an interface so netio does not need to
// know about connections, FSMs, or frames -- it only ever hands off raw
// datagrams; the engine's single event loop owns all parsing and state.
type Inbound interface {
	HandleInbound(data []byte, addr netip.AddrPort)
}

// maxDatagramSize bounds a single read; matches the engine's packet size
// limit.
const maxDatagramSize = 1452

// Receiver reads datagrams from a Transport and forwards them to an
// Inbound sink until ctx is cancelled.
type Receiver struct {
	transport *Transport
	sink      Inbound
	logger    *slog.Logger
}

// NewReceiver creates a Receiver.
func NewReceiver(transport *Transport, sink Inbound, logger *slog.Logger) *Receiver {
	return &Receiver{
		transport: transport,
		sink:      sink,
		logger:    logger.With(slog.String("component", "netio.receiver")),
	}
}

// Run reads datagrams in a loop until ctx is cancelled or the transport is
// closed.
func (r *Receiver) Run(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, addr, err := r.transport.Recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrSocketClosed) {
				return nil
			}
			r.logger.Warn("recv error", slog.Any("err", err))
			continue
		}

		r.sink.HandleInbound(buf[:n], addr)
	}
}
