package quicvc

// This file implements the QUICVC connection state machine as a pure
// function over a transition table: no Connection dependency, trivially
// testable, side effects expressed as Actions the caller executes.
//
// State diagram:
//
//	            connect()          VC_RESPONSE(ok)
//	  ─────▶ INITIAL ────────▶ HANDSHAKE ─────────▶ ESTABLISHED
//	  (client role)                 ▲                    │
//	                                │ VC_INIT(valid)     │ idle/close/invalid
//	  INITIAL (server accept) ──────┘                    ▼
//	                                                  CLOSED

// State is a QUICVC connection state.
type State uint8

const (
	StateInitial State = iota
	StateHandshake
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateHandshake:
		return "HANDSHAKE"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// FSMEvent is a QUICVC FSM event.
type FSMEvent uint8

const (
	// EventClientVCResponseOK is the client event for VC_RESPONSE with
	// status=provisioned, or status=already_owned with a matching owner.
	EventClientVCResponseOK FSMEvent = iota

	// EventClientRejected is the client event for VC_RESPONSE with
	// status=already_owned (different owner) or status=revoked, or a
	// verifier rejection of the peer's credential.
	EventClientRejected

	// EventServerVCInitValid is the server event for a VC_INIT whose
	// credential verifies and whose issuer matches our person id.
	EventServerVCInitValid

	// EventServerVCInitInvalid is the server event for a VC_INIT that
	// fails verification or issuer matching.
	EventServerVCInitInvalid

	// EventKeysEstablished fires once both peers' credentials are known
	// and the session key has been derived.
	EventKeysEstablished

	// EventHandshakeTimeout fires when the handshake deadline expires
	// while not yet ESTABLISHED. The manager applies the defensive
	// silent-drop rule *before* raising this event; by the time the FSM
	// sees it, a hard close is warranted.
	EventHandshakeTimeout

	// EventIdleTimeout fires when no packet has been received within the
	// idle window.
	EventIdleTimeout

	// EventDisconnect is a local explicit disconnect request.
	EventDisconnect

	// EventPeerClose is a received CONNECTION_CLOSE frame.
	EventPeerClose

	// EventDecryptFailureThreshold fires after N consecutive decryption
	// failures on an ESTABLISHED connection; fatal.
	EventDecryptFailureThreshold

	// EventDiscoveryUnclaimed fires when an ESTABLISHED peer broadcasts
	// ownership=unclaimed, which resets the connection back to INITIAL so
	// a fresh claim can proceed.
	EventDiscoveryUnclaimed
)

func (e FSMEvent) String() string {
	switch e {
	case EventClientVCResponseOK:
		return "ClientVCResponseOK"
	case EventClientRejected:
		return "ClientRejected"
	case EventServerVCInitValid:
		return "ServerVCInitValid"
	case EventServerVCInitInvalid:
		return "ServerVCInitInvalid"
	case EventKeysEstablished:
		return "KeysEstablished"
	case EventHandshakeTimeout:
		return "HandshakeTimeout"
	case EventIdleTimeout:
		return "IdleTimeout"
	case EventDisconnect:
		return "Disconnect"
	case EventPeerClose:
		return "PeerClose"
	case EventDecryptFailureThreshold:
		return "DecryptFailureThreshold"
	case EventDiscoveryUnclaimed:
		return "DiscoveryUnclaimed"
	default:
		return "Unknown"
	}
}

// Action is a side-effect the caller must execute after an FSM transition.
// The FSM itself performs no side effects.
type Action uint8

const (
	ActionDeriveSessionKey Action = iota + 1
	ActionStartHeartbeat
	ActionStartIdleTimer
	ActionCancelTimers
	ActionNotifyHandshakeComplete
	ActionNotifyEstablished
	ActionNotifyClosed
	ActionResetSessionKey
)

func (a Action) String() string {
	switch a {
	case ActionDeriveSessionKey:
		return "DeriveSessionKey"
	case ActionStartHeartbeat:
		return "StartHeartbeat"
	case ActionStartIdleTimer:
		return "StartIdleTimer"
	case ActionCancelTimers:
		return "CancelTimers"
	case ActionNotifyHandshakeComplete:
		return "NotifyHandshakeComplete"
	case ActionNotifyEstablished:
		return "NotifyEstablished"
	case ActionNotifyClosed:
		return "NotifyClosed"
	case ActionResetSessionKey:
		return "ResetSessionKey"
	default:
		return "Unknown"
	}
}

type stateEvent struct {
	state State
	event FSMEvent
}

type transition struct {
	newState State
	actions  []Action
}

// FSMResult holds the outcome of applying an event.
type FSMResult struct {
	OldState State
	NewState State
	Actions  []Action
	Changed  bool
}

//nolint:gochecknoglobals // transition table is intentionally package-level.
var fsmTable = map[stateEvent]transition{
	// client: INITIAL -> HANDSHAKE on VC_RESPONSE(ok).
	{StateInitial, EventClientVCResponseOK}: {
		newState: StateHandshake,
		actions:  []Action{ActionDeriveSessionKey},
	},

	// server: INITIAL -> HANDSHAKE on valid VC_INIT.
	{StateInitial, EventServerVCInitValid}: {
		newState: StateHandshake,
		actions:  []Action{ActionDeriveSessionKey},
	},

	// client/server: INITIAL -> CLOSED on rejection.
	{StateInitial, EventClientRejected}: {
		newState: StateClosed,
		actions:  []Action{ActionNotifyClosed},
	},
	{StateInitial, EventServerVCInitInvalid}: {
		newState: StateClosed,
		actions:  []Action{ActionNotifyClosed},
	},
	{StateInitial, EventHandshakeTimeout}: {
		newState: StateClosed,
		actions:  []Action{ActionNotifyClosed},
	},
	{StateInitial, EventDisconnect}: {
		newState: StateClosed,
		actions:  []Action{ActionCancelTimers, ActionNotifyClosed},
	},
	{StateInitial, EventPeerClose}: {
		newState: StateClosed,
		actions:  []Action{ActionCancelTimers, ActionNotifyClosed},
	},

	// HANDSHAKE -> ESTABLISHED once both sides hold derived keys.
	{StateHandshake, EventKeysEstablished}: {
		newState: StateEstablished,
		actions: []Action{
			ActionNotifyHandshakeComplete,
			ActionStartHeartbeat,
			ActionStartIdleTimer,
			ActionNotifyEstablished,
		},
	},
	{StateHandshake, EventHandshakeTimeout}: {
		newState: StateClosed,
		actions:  []Action{ActionNotifyClosed},
	},
	{StateHandshake, EventDisconnect}: {
		newState: StateClosed,
		actions:  []Action{ActionCancelTimers, ActionNotifyClosed},
	},
	{StateHandshake, EventPeerClose}: {
		newState: StateClosed,
		actions:  []Action{ActionCancelTimers, ActionNotifyClosed},
	},

	// ESTABLISHED -> CLOSED on idle timeout, disconnect, peer close, or a
	// fatal decrypt-failure run.
	{StateEstablished, EventIdleTimeout}: {
		newState: StateClosed,
		actions:  []Action{ActionCancelTimers, ActionNotifyClosed},
	},
	{StateEstablished, EventDisconnect}: {
		newState: StateClosed,
		actions:  []Action{ActionCancelTimers, ActionNotifyClosed},
	},
	{StateEstablished, EventPeerClose}: {
		newState: StateClosed,
		actions:  []Action{ActionCancelTimers, ActionNotifyClosed},
	},
	{StateEstablished, EventDecryptFailureThreshold}: {
		newState: StateClosed,
		actions:  []Action{ActionCancelTimers, ActionNotifyClosed},
	},

	// ESTABLISHED -> INITIAL: peer re-broadcasts ownership=unclaimed.
	// Timers are cancelled and restarted by the caller once a fresh claim
	// begins; the session key is discarded here.
	{StateEstablished, EventDiscoveryUnclaimed}: {
		newState: StateInitial,
		actions:  []Action{ActionCancelTimers, ActionResetSessionKey},
	},
}

// ApplyEvent applies event to currentState and returns the outcome. Pure
// function, no side effects; unlisted (state, event) pairs are ignored.
func ApplyEvent(currentState State, event FSMEvent) FSMResult {
	tr, ok := fsmTable[stateEvent{currentState, event}]
	if !ok {
		return FSMResult{OldState: currentState, NewState: currentState}
	}

	return FSMResult{
		OldState: currentState,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  currentState != tr.newState,
	}
}
