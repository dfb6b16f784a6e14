package quicvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/quicvc-project/quicvc/internal/verifier"
)

// This file implements the connection table and demux and the Manager's
// public API. The Manager runs a SINGLE cooperative event loop: all state
// mutation happens in Run's select loop; everything else only reads a
// mutex-guarded snapshot or enqueues a command/packet for the loop to
// process.

// Sentinel errors for the engine's failure modes.
var (
	ErrUnknownConnection   = errors.New("quicvc: unknown connection")
	ErrInvalidCredential   = errors.New("quicvc: invalid credential")
	ErrHandshakeTimeout    = errors.New("quicvc: handshake timeout")
	ErrIdleTimeout         = errors.New("quicvc: idle timeout")
	ErrAlreadyOwnedByOther = errors.New("quicvc: already owned by a different user")
	ErrSendFailure         = errors.New("quicvc: send failure")
	ErrNotEstablished      = errors.New("quicvc: connection not established")
)

// PacketSender is the external UDP transport collaborator: it accepts a
// serialized datagram and a destination address.
type PacketSender interface {
	SendPacket(ctx context.Context, buf []byte, addr netip.AddrPort) error
}

// ConnectionSnapshot is a copy-out view of a Connection for external
// callers, never a live pointer into the event loop's state.
type ConnectionSnapshot struct {
	DeviceID     string
	Peer         netip.AddrPort
	State        State
	IsServer     bool
	CreatedAt    time.Time
	LastActivity time.Time
}

type commandKind uint8

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdSendServiceData
	cmdRegisterHandler
)

type command struct {
	kind       commandKind
	deviceID   string
	addr       netip.AddrPort
	hasAddr    bool
	credential verifier.Credential
	streamID   uint64
	data       []byte
	handler    ServiceHandler
	reply      chan error
}

type inboundDatagram struct {
	data []byte
	addr netip.AddrPort
}

// Manager owns the connection table, the timer queue, and the single
// cooperative event loop.
type Manager struct {
	logger   *slog.Logger
	cfg      Config
	sender   PacketSender
	verifier verifier.Verifier
	cidAlloc *CIDAllocator
	ownerID  string // our own person id, matched against credential issuers
	metrics  MetricsRecorder

	// mu guards the two lookup maps and the Connection fields external
	// readers (IsConnected, Connections) observe: State, DeviceID,
	// LastActivity. The event loop is the only writer; it takes the write
	// lock for those field updates so snapshot reads stay race-free.
	mu     sync.RWMutex
	byCID  map[string]*Connection // keyed by our SCID; peers echo it as DCID
	byPeer map[netip.AddrPort]*Connection

	handlerMu sync.RWMutex
	handlers  map[uint64]ServiceHandler

	cmdCh     chan command
	inboundCh chan inboundDatagram
	events    chan Event

	timers      timerQueue
	timerC      *time.Timer
	generations map[string]uint64
}

// MetricsRecorder is the narrow metrics contract the manager depends on
// (satisfied by internal/metrics.Collector); kept as an interface so the
// engine package does not import prometheus directly.
type MetricsRecorder interface {
	ConnectionOpened()
	ConnectionClosed()
	PacketSent()
	PacketReceived()
	PacketDropped()
	HandshakeFailure()
	StateTransition(from, to string)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics installs a MetricsRecorder.
func WithMetrics(m MetricsRecorder) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithOwnerID sets our own person id used in the handshake.
func WithOwnerID(id string) ManagerOption {
	return func(mgr *Manager) { mgr.ownerID = id }
}

// NewManager constructs a Manager. sender is the UDP transport
// collaborator; v is the external credential verifier.
func NewManager(logger *slog.Logger, cfg Config, sender PacketSender, v verifier.Verifier, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:      logger,
		cfg:         cfg,
		sender:      sender,
		verifier:    v,
		cidAlloc:    NewCIDAllocator(cfg.ConnectionIDLen),
		byCID:       make(map[string]*Connection),
		byPeer:      make(map[netip.AddrPort]*Connection),
		handlers:    make(map[uint64]ServiceHandler),
		cmdCh:       make(chan command, 64),
		inboundCh:   make(chan inboundDatagram, 256),
		events:      make(chan Event, 256),
		generations: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the Manager's event channel.
func (m *Manager) Events() <-chan Event { return m.events }

// HandleInbound enqueues a received datagram for processing by the event
// loop. Called by the netio receiver; never touches connection state
// directly.
func (m *Manager) HandleInbound(data []byte, addr netip.AddrPort) {
	cp := make([]byte, len(data))
	copy(cp, data)

	select {
	case m.inboundCh <- inboundDatagram{data: cp, addr: addr}:
	default:
		m.logger.Warn("dropping inbound datagram: queue full", slog.String("peer", addr.String()))
		if m.metrics != nil {
			m.metrics.PacketDropped()
		}
	}
}

// Run is the single cooperative event loop. It processes commands,
// inbound datagrams, and timer expirations strictly serially until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		var timerC <-chan time.Time
		if m.timerC != nil {
			timerC = m.timerC.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-m.cmdCh:
			m.handleCommand(ctx, cmd)
		case dg := <-m.inboundCh:
			m.handleInboundDatagram(ctx, dg)
		case <-timerC:
			m.handleTimerFire(ctx)
		}
	}
}

func (m *Manager) handleCommand(ctx context.Context, cmd command) {
	var err error
	switch cmd.kind {
	case cmdConnect:
		err = m.doConnect(ctx, cmd.deviceID, cmd.addr, cmd.credential)
	case cmdDisconnect:
		m.doDisconnect(ctx, cmd.deviceID, cmd.addr, cmd.hasAddr)
	case cmdSendServiceData:
		err = m.doSendServiceData(ctx, cmd.deviceID, cmd.streamID, cmd.data)
	case cmdRegisterHandler:
		m.doRegisterHandler(cmd.streamID, cmd.handler)
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

// Connect initiates a client handshake toward addr, presenting cred.
// Returns once the INITIAL packet is sent; establishment is reported
// asynchronously on the event channel.
func (m *Manager) Connect(ctx context.Context, deviceID string, addr netip.AddrPort, cred verifier.Credential) error {
	reply := make(chan error, 1)
	select {
	case m.cmdCh <- command{kind: cmdConnect, deviceID: deviceID, addr: addr, credential: cred, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes matching connections. If hasAddr is false, matching
// is by deviceID alone. Silent when nothing matches.
func (m *Manager) Disconnect(ctx context.Context, deviceID string, addr netip.AddrPort, hasAddr bool) {
	reply := make(chan error, 1)
	select {
	case m.cmdCh <- command{kind: cmdDisconnect, deviceID: deviceID, addr: addr, hasAddr: hasAddr, reply: reply}:
		<-reply
	case <-ctx.Done():
	}
}

// SendServiceData sends data on streamID of the device's established
// connection; fails with ErrNotEstablished otherwise.
func (m *Manager) SendServiceData(ctx context.Context, deviceID string, streamID uint64, data []byte) error {
	reply := make(chan error, 1)
	select {
	case m.cmdCh <- command{kind: cmdSendServiceData, deviceID: deviceID, streamID: streamID, data: data, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterServiceHandler installs handler for streamID on all current and
// future connections.
func (m *Manager) RegisterServiceHandler(streamID uint64, handler ServiceHandler) {
	m.cmdCh <- command{kind: cmdRegisterHandler, streamID: streamID, handler: handler}
}

func (m *Manager) doRegisterHandler(streamID uint64, handler ServiceHandler) {
	m.handlerMu.Lock()
	m.handlers[streamID] = handler
	m.mu.RLock()
	for _, c := range m.byCID {
		c.Handlers[streamID] = handler
	}
	m.mu.RUnlock()
	m.handlerMu.Unlock()
}

// IsConnected reports whether some connection with that device id is
// ESTABLISHED. Pure read, does not go through the loop.
func (m *Manager) IsConnected(deviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.byCID {
		if c.DeviceID == deviceID && c.State == StateEstablished {
			return true
		}
	}
	return false
}

// Connections returns a snapshot of every live connection.
func (m *Manager) Connections() []ConnectionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ConnectionSnapshot, 0, len(m.byCID))
	for _, c := range m.byCID {
		out = append(out, ConnectionSnapshot{
			DeviceID:     c.DeviceID,
			Peer:         c.Peer,
			State:        c.State,
			IsServer:     c.IsServer,
			CreatedAt:    c.CreatedAt,
			LastActivity: c.LastActivity,
		})
	}
	return out
}

// lookup demultiplexes by DCID, falling back to a peer-address match.
func (m *Manager) lookup(dcid []byte, peer netip.AddrPort) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.byCID[string(dcid)]; ok {
		return c
	}
	if c, ok := m.byPeer[peer]; ok {
		return c
	}
	return nil
}

func (m *Manager) insert(c *Connection) {
	m.mu.Lock()
	m.byCID[c.tableKey] = c
	m.byPeer[c.Peer] = c
	m.mu.Unlock()
}

// remove deletes a connection from both tables. Always runs before the
// close event is surfaced, so no bytes can be sent or accepted on the
// CIDs of a connection whose close the caller has already observed.
func (m *Manager) remove(c *Connection) {
	m.mu.Lock()
	delete(m.byCID, c.tableKey)
	if m.byPeer[c.Peer] == c {
		delete(m.byPeer, c.Peer)
	}
	m.mu.Unlock()
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("dropping event: subscriber too slow", slog.String("kind", ev.Kind.String()))
	}
}

func (m *Manager) sendDatagram(ctx context.Context, buf []byte, addr netip.AddrPort) error {
	if err := m.sender.SendPacket(ctx, buf, addr); err != nil {
		if m.metrics != nil {
			m.metrics.PacketDropped()
		}
		return fmt.Errorf("%w: %v", ErrSendFailure, err)
	}
	if m.metrics != nil {
		m.metrics.PacketSent()
	}
	return nil
}

// transition applies an FSM event to c, executes the returned actions, and
// records the state change. Centralizes the one piece of logic every flow
// in handshake.go/dispatch.go/timer handling needs.
func (m *Manager) transition(ctx context.Context, c *Connection, event FSMEvent) {
	result := ApplyEvent(c.State, event)
	if !result.Changed && len(result.Actions) == 0 {
		return
	}

	old := c.State
	m.mu.Lock()
	c.State = result.NewState
	m.mu.Unlock()
	if m.metrics != nil && result.Changed {
		m.metrics.StateTransition(old.String(), c.State.String())
	}

	for _, action := range result.Actions {
		m.executeAction(ctx, c, action)
	}
}

func (m *Manager) executeAction(ctx context.Context, c *Connection, action Action) {
	switch action {
	case ActionDeriveSessionKey:
		m.deriveAndStoreSessionKey(c)
	case ActionStartHeartbeat:
		m.schedule(c.tableKey, timerHeartbeat, time.Now().Add(m.cfg.HeartbeatInterval))
	case ActionStartIdleTimer:
		m.schedule(c.tableKey, timerIdle, time.Now().Add(m.cfg.IdleTimeout))
	case ActionCancelTimers:
		m.cancelAll(c.tableKey)
	case ActionNotifyHandshakeComplete:
		m.emit(Event{Kind: EventHandshakeComplete, DeviceID: c.DeviceID})
	case ActionNotifyEstablished:
		if m.metrics != nil {
			m.metrics.ConnectionOpened()
		}
		var vi verifier.VerifiedInfo
		if c.RemoteVC != nil {
			vi = *c.RemoteVC
		}
		m.emit(Event{Kind: EventConnectionEstablished, DeviceID: c.DeviceID, VerifiedInfo: vi})
	case ActionNotifyClosed:
		m.remove(c)
		if m.metrics != nil {
			m.metrics.ConnectionClosed()
		}
		reason := c.pendingCloseReason
		c.pendingCloseReason = ""
		m.emit(Event{Kind: EventConnectionClosed, DeviceID: c.DeviceID, Reason: reason})
	case ActionResetSessionKey:
		c.HasSessionKey = false
		c.SessionKey = [32]byte{}
	}
}

func (m *Manager) deriveAndStoreSessionKey(c *Connection) {
	if c.RemoteVC == nil {
		return
	}
	c.SessionKey = DeriveSessionKey(c.RemoteVC.IssuerPersonID)
	c.HasSessionKey = true
}
