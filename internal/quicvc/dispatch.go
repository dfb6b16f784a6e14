package quicvc

import (
	"container/heap"
	"context"
	"encoding/json"
	"log/slog"
	"net/netip"
	"time"
)

// This file implements inbound datagram demultiplexing, the stream
// dispatcher, and the heartbeat / idle / handshake-deadline timer
// handling.

func (m *Manager) handleInboundDatagram(ctx context.Context, dg inboundDatagram) {
	hdr, _, payload, err := ParseHeader(dg.data, m.cfg.ConnectionIDLen)
	if err != nil {
		m.logger.Debug("drop: malformed header", slog.Any("err", err), slog.String("peer", dg.addr.String()))
		if m.metrics != nil {
			m.metrics.PacketDropped()
		}
		return
	}

	if hdr.Long != nil {
		m.handleLongPacket(ctx, hdr.Long, payload, dg.addr)
		return
	}
	m.handleShortPacket(ctx, hdr.Short, payload, dg.addr)
}

// handleLongPacket demultiplexes INITIAL and HANDSHAKE packets: an exact
// DCID hit wins, then a peer-address match, then server-side acceptance or
// connectionless discovery ingestion for unmatched INITIAL packets.
func (m *Manager) handleLongPacket(ctx context.Context, lh *LongHeader, payload []byte, addr netip.AddrPort) {
	isInitial := lh.Type == PacketTypeInitial

	frames, err := ParseFrames(payload, isInitial)
	if err != nil {
		m.logger.Debug("drop: malformed frames", slog.Any("err", err))
		if m.metrics != nil {
			m.metrics.PacketDropped()
		}
		return
	}

	hasDiscovery := false
	for _, f := range frames {
		if f.Type == FrameTypeDiscovery {
			hasDiscovery = true
			break
		}
	}

	conn := m.lookup(lh.DCID, addr)

	// A stale DISCOVERY rebroadcast never commandeers an established
	// session -- treated as no match, except the ownership=unclaimed
	// carve-out.
	if conn != nil && isInitial && hasDiscovery && conn.State == StateEstablished {
		m.handleDiscoveryOnEstablished(ctx, conn, frames)
		return
	}

	if conn != nil {
		if m.metrics != nil {
			m.metrics.PacketReceived()
		}
		m.mu.Lock()
		conn.touch(time.Now())
		m.mu.Unlock()
		conn.recordRx(lh.PacketNumber)
		m.dispatchFrames(ctx, conn, frames)
		return
	}

	// No match.
	if hasDiscovery {
		m.ingestDiscoveryFrames(frames)
		return
	}
	if isInitial {
		m.acceptServerConnection(ctx, lh, frames, addr)
		return
	}

	m.logger.Debug("drop", slog.Any("err", ErrUnknownConnection), slog.String("peer", addr.String()))
	if m.metrics != nil {
		m.metrics.PacketDropped()
	}
}

func (m *Manager) handleShortPacket(ctx context.Context, sh *ShortHeader, payload []byte, addr netip.AddrPort) {
	conn := m.lookup(sh.DCID, addr)
	if conn == nil || conn.State != StateEstablished {
		m.logger.Debug("drop: protected packet", slog.Any("err", ErrUnknownConnection), slog.String("peer", addr.String()))
		if m.metrics != nil {
			m.metrics.PacketDropped()
		}
		return
	}

	cleartext := payload
	if m.cfg.EnableEncryption {
		cleartext = XORKeystream(conn.SessionKey, append([]byte(nil), payload...))
	}

	frames, err := ParseFrames(cleartext, false)
	if err != nil {
		conn.consecutiveDecryptFailures++
		if m.metrics != nil {
			m.metrics.PacketDropped()
		}
		if conn.consecutiveDecryptFailures >= decryptFailureThreshold {
			m.transition(ctx, conn, EventDecryptFailureThreshold)
		}
		return
	}

	conn.consecutiveDecryptFailures = 0
	if m.metrics != nil {
		m.metrics.PacketReceived()
	}
	m.mu.Lock()
	conn.touch(time.Now())
	m.mu.Unlock()
	conn.recordRx(sh.PacketNumber)
	m.dispatchFrames(ctx, conn, frames)
}

// dispatchFrames routes each decoded frame by type. Shared by the long-
// and short-header paths.
func (m *Manager) dispatchFrames(ctx context.Context, conn *Connection, frames []Frame) {
	m.emit(Event{Kind: EventPacketReceived, DeviceID: conn.DeviceID})

	if conn.State == StateEstablished {
		// Every received packet resets the idle timer.
		m.schedule(conn.tableKey, timerIdle, time.Now().Add(m.cfg.IdleTimeout))
	}

	for _, f := range frames {
		switch f.Type {
		case FrameTypeVCInit:
			if conn.IsServer && conn.State == StateInitial {
				m.handleVCInit(ctx, conn, f)
			}
		case FrameTypeVCResponse:
			if !conn.IsServer && conn.State == StateInitial {
				m.handleVCResponse(ctx, conn, f)
			}
		case FrameTypeDiscovery:
			da, err := DecodeDeviceAnnounce(f.Raw)
			if err == nil {
				m.emit(Event{Kind: EventDeviceDiscovered, DeviceID: da.DeviceID, Discovery: da})
			}
		case FrameTypeStream:
			m.dispatchStream(ctx, conn, f)
		case FrameTypeConnectionClose:
			m.transition(ctx, conn, EventPeerClose)
		case FrameTypeHeartbeat, FrameTypeAck, FrameTypePing, FrameTypeVCAck:
			// Heartbeat/ACK/PING/VC_ACK require no action beyond the idle
			// timer reset already applied above.
		}
	}
}

// dispatchStream routes a STREAM frame by stream id: 2 is the credential
// service, 3 the LED/device-command service, anything else goes to a
// registered service handler.
func (m *Manager) dispatchStream(ctx context.Context, conn *Connection, f Frame) {
	if conn.DeviceID == "" {
		m.mu.Lock()
		conn.DeviceID = synthesizeDeviceID(conn.SCID)
		m.mu.Unlock()
	}

	switch f.StreamID {
	case 2: // credential service
		if IsOwnershipRemovalAck(f.Raw) {
			m.emit(Event{Kind: EventOwnershipRemovalAck, DeviceID: conn.DeviceID, Payload: f.Raw})
			return
		}
	case 3: // LED / device command
		if led, err := DecodeLedStatus(f.Raw); err == nil {
			m.emit(Event{Kind: EventLedResponse, DeviceID: conn.DeviceID, LedStatus: led})
			return
		}
	}

	if handler, ok := conn.Handlers[f.StreamID]; ok {
		handler(conn.DeviceID, f.StreamID, f.Raw)
		return
	}
	m.logger.Debug("drop: no handler registered for stream", slog.Uint64("stream_id", f.StreamID))
}

// handleDiscoveryOnEstablished: an established peer's DISCOVERY broadcast
// still surfaces device_discovered, and if it asserts ownership=unclaimed,
// resets the connection to INITIAL so a fresh claim can proceed. Any other
// ownership value leaves the connection untouched.
func (m *Manager) handleDiscoveryOnEstablished(ctx context.Context, conn *Connection, frames []Frame) {
	for _, f := range frames {
		if f.Type != FrameTypeDiscovery {
			continue
		}
		da, err := DecodeDeviceAnnounce(f.Raw)
		if err != nil {
			continue
		}
		m.emit(Event{Kind: EventDeviceDiscovered, DeviceID: da.DeviceID, Discovery: da})
		if da.Ownership == "unclaimed" {
			m.transition(ctx, conn, EventDiscoveryUnclaimed)
		}
	}
}

// ingestDiscoveryFrames surfaces discovery events from an unmatched
// broadcast without creating a connection.
func (m *Manager) ingestDiscoveryFrames(frames []Frame) {
	for _, f := range frames {
		if f.Type != FrameTypeDiscovery {
			continue
		}
		da, err := DecodeDeviceAnnounce(f.Raw)
		if err != nil {
			continue
		}
		m.emit(Event{Kind: EventDeviceDiscovered, DeviceID: da.DeviceID, Discovery: da})
	}
}

// acceptServerConnection creates a server-side connection for an unmatched
// INITIAL packet: CIDs swapped at acceptance, keyed by our SCID = their
// DCID, since that is what the peer will address subsequent packets to.
func (m *Manager) acceptServerConnection(ctx context.Context, lh *LongHeader, frames []Frame, addr netip.AddrPort) {
	now := time.Now()
	conn := &Connection{
		DCID:         append([]byte(nil), lh.SCID...),
		SCID:         append([]byte(nil), lh.DCID...),
		Peer:         addr,
		State:        StateInitial,
		IsServer:     true,
		CreatedAt:    now,
		LastActivity: now,
		Handlers:     m.snapshotHandlers(),
		tableKey:     string(lh.DCID),
	}
	m.insert(conn)
	m.schedule(conn.tableKey, timerHandshakeDeadline, now.Add(m.cfg.HandshakeTimeout))
	m.dispatchFrames(ctx, conn, frames)
}

// doDisconnect closes every connection matching (addr, port) if provided,
// else by device_id; silent if none. Idempotent: a closed connection is
// already removed from the table, so a second call matches nothing.
func (m *Manager) doDisconnect(ctx context.Context, deviceID string, addr netip.AddrPort, hasAddr bool) {
	m.mu.RLock()
	var matches []*Connection
	if hasAddr {
		if c, ok := m.byPeer[addr]; ok {
			matches = append(matches, c)
		}
	} else {
		for _, c := range m.byCID {
			if c.DeviceID == deviceID {
				matches = append(matches, c)
			}
		}
	}
	m.mu.RUnlock()

	for _, c := range matches {
		m.sendConnectionClose(ctx, c)
		m.transition(ctx, c, EventDisconnect)
	}
}

func (m *Manager) sendConnectionClose(ctx context.Context, c *Connection) {
	framed := AppendLegacyFrame(nil, FrameTypeConnectionClose, nil)
	out := framed
	if c.State == StateEstablished && m.cfg.EnableEncryption {
		out = XORKeystream(c.SessionKey, append([]byte(nil), framed...))
	}

	var pkt []byte
	var err error
	if c.State == StateEstablished {
		pkt, err = BuildShort(ShortHeader{DCID: c.DCID, PacketNumber: c.allocatePacketNumber()}, out)
	} else {
		pkt, err = BuildLong(LongHeader{
			Type: PacketTypeHandshake, Version: Version1,
			DCID: c.DCID, SCID: c.SCID, PacketNumber: c.allocatePacketNumber(),
		}, out)
	}
	if err != nil {
		return
	}
	_ = m.sendDatagram(ctx, pkt, c.Peer)
}

// doSendServiceData wraps data into a STREAM frame inside a PROTECTED
// packet; fails with ErrNotEstablished before the handshake completes.
func (m *Manager) doSendServiceData(ctx context.Context, deviceID string, streamID uint64, data []byte) error {
	conn := m.findEstablishedByDevice(deviceID)
	if conn == nil {
		return ErrNotEstablished
	}

	framed := AppendStreamFrame(nil, streamID, 0, false, true, data)
	out := framed
	if m.cfg.EnableEncryption {
		out = XORKeystream(conn.SessionKey, append([]byte(nil), framed...))
	}

	pkt, err := BuildShort(ShortHeader{DCID: conn.DCID, PacketNumber: conn.allocatePacketNumber()}, out)
	if err != nil {
		return err
	}
	return m.sendDatagram(ctx, pkt, conn.Peer)
}

func (m *Manager) findEstablishedByDevice(deviceID string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.byCID {
		if c.DeviceID == deviceID && c.State == StateEstablished {
			return c
		}
	}
	return nil
}

func (m *Manager) byKey(key string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byCID[key]
}

// handleTimerFire pops every deadline that has elapsed and routes it to
// the appropriate handler, then re-arms the single underlying timer.
func (m *Manager) handleTimerFire(ctx context.Context) {
	now := time.Now()
	for len(m.timers) > 0 && !m.timers[0].deadline.After(now) {
		entry := heap.Pop(&m.timers).(*timerEntry)

		if cur := m.generations[entry.connKey+"/"+entry.kind.string()]; cur != entry.generation {
			continue // stale: cancelled or superseded since scheduling
		}

		conn := m.byKey(entry.connKey)
		if conn == nil {
			continue
		}

		switch entry.kind {
		case timerHandshakeDeadline:
			m.fireHandshakeTimeout(ctx, conn)
		case timerHeartbeat:
			m.fireHeartbeat(ctx, conn)
		case timerIdle:
			m.logger.Info("closing connection",
				slog.Any("err", ErrIdleTimeout),
				slog.String("device_id", conn.DeviceID))
			conn.pendingCloseReason = "Idle timeout"
			m.transition(ctx, conn, EventIdleTimeout)
		}
	}
	m.rearm()
}

// fireHandshakeTimeout applies the handshake-timeout defensive rule: if a
// newer ESTABLISHED connection to the same peer exists, the stale record
// is dropped silently; otherwise the connection closes with an error.
func (m *Manager) fireHandshakeTimeout(ctx context.Context, conn *Connection) {
	if conn.State == StateEstablished {
		return
	}

	if newer := m.findNewerEstablished(conn); newer != nil {
		m.closeConnection(conn) // silent drop: no event
		return
	}

	m.emit(Event{Kind: EventError, DeviceID: conn.DeviceID, Err: ErrHandshakeTimeout})
	conn.pendingCloseReason = "Handshake timeout"
	m.transition(ctx, conn, EventHandshakeTimeout)
}

func (m *Manager) findNewerEstablished(conn *Connection) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.byCID {
		if c == conn || c.State != StateEstablished {
			continue
		}
		sameDevice := conn.DeviceID != "" && c.DeviceID == conn.DeviceID
		samePeer := c.Peer == conn.Peer
		if (sameDevice || samePeer) && c.CreatedAt.After(conn.CreatedAt) {
			return c
		}
	}
	return nil
}

// fireHeartbeat sends a keep-alive HEARTBEAT frame in a PROTECTED packet
// and reschedules itself; no acknowledgement is expected.
func (m *Manager) fireHeartbeat(ctx context.Context, conn *Connection) {
	if conn.State != StateEstablished {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"timestamp": time.Now().Unix(),
		"sequence":  conn.NextTx,
	})
	if err == nil {
		framed := AppendLegacyFrame(nil, FrameTypeHeartbeat, payload)
		out := framed
		if m.cfg.EnableEncryption {
			out = XORKeystream(conn.SessionKey, append([]byte(nil), framed...))
		}
		if pkt, buildErr := BuildShort(ShortHeader{DCID: conn.DCID, PacketNumber: conn.allocatePacketNumber()}, out); buildErr == nil {
			_ = m.sendDatagram(ctx, pkt, conn.Peer)
		}
	}

	m.schedule(conn.tableKey, timerHeartbeat, time.Now().Add(m.cfg.HeartbeatInterval))
}
