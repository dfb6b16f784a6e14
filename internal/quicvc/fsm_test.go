package quicvc

import "testing"

func containsAction(actions []Action, want Action) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

func TestApplyEventClientHandshakeToEstablished(t *testing.T) {
	r := ApplyEvent(StateInitial, EventClientVCResponseOK)
	if !r.Changed || r.NewState != StateHandshake {
		t.Fatalf("client VC_RESPONSE(ok): state = %v, changed = %v", r.NewState, r.Changed)
	}
	if !containsAction(r.Actions, ActionDeriveSessionKey) {
		t.Error("expected ActionDeriveSessionKey")
	}

	r = ApplyEvent(r.NewState, EventKeysEstablished)
	if !r.Changed || r.NewState != StateEstablished {
		t.Fatalf("keys established: state = %v, changed = %v", r.NewState, r.Changed)
	}
	for _, want := range []Action{ActionNotifyHandshakeComplete, ActionStartHeartbeat, ActionStartIdleTimer, ActionNotifyEstablished} {
		if !containsAction(r.Actions, want) {
			t.Errorf("missing action %v on HANDSHAKE->ESTABLISHED", want)
		}
	}
}

func TestApplyEventServerHandshakeToEstablished(t *testing.T) {
	r := ApplyEvent(StateInitial, EventServerVCInitValid)
	if !r.Changed || r.NewState != StateHandshake {
		t.Fatalf("server VC_INIT(valid): state = %v, changed = %v", r.NewState, r.Changed)
	}

	r = ApplyEvent(r.NewState, EventKeysEstablished)
	if r.NewState != StateEstablished {
		t.Fatalf("state = %v, want ESTABLISHED", r.NewState)
	}
}

func TestApplyEventRejectionClosesFromAnyPreEstablishedState(t *testing.T) {
	cases := []struct {
		state State
		event FSMEvent
	}{
		{StateInitial, EventClientRejected},
		{StateInitial, EventServerVCInitInvalid},
		{StateInitial, EventHandshakeTimeout},
		{StateHandshake, EventHandshakeTimeout},
	}

	for _, c := range cases {
		r := ApplyEvent(c.state, c.event)
		if r.NewState != StateClosed {
			t.Errorf("ApplyEvent(%v, %v) = %v, want CLOSED", c.state, c.event, r.NewState)
		}
		if !containsAction(r.Actions, ActionNotifyClosed) {
			t.Errorf("ApplyEvent(%v, %v) missing ActionNotifyClosed", c.state, c.event)
		}
	}
}

func TestApplyEventEstablishedTerminalTransitions(t *testing.T) {
	for _, event := range []FSMEvent{EventIdleTimeout, EventDisconnect, EventPeerClose, EventDecryptFailureThreshold} {
		r := ApplyEvent(StateEstablished, event)
		if r.NewState != StateClosed {
			t.Errorf("ApplyEvent(ESTABLISHED, %v) = %v, want CLOSED", event, r.NewState)
		}
		if !containsAction(r.Actions, ActionCancelTimers) || !containsAction(r.Actions, ActionNotifyClosed) {
			t.Errorf("ApplyEvent(ESTABLISHED, %v) missing CancelTimers/NotifyClosed", event)
		}
	}
}

func TestApplyEventDiscoveryUnclaimedResetsToInitial(t *testing.T) {
	r := ApplyEvent(StateEstablished, EventDiscoveryUnclaimed)
	if r.NewState != StateInitial {
		t.Fatalf("state = %v, want INITIAL", r.NewState)
	}
	if !containsAction(r.Actions, ActionResetSessionKey) {
		t.Error("expected ActionResetSessionKey")
	}
}

func TestApplyEventUnlistedPairIsNoOp(t *testing.T) {
	r := ApplyEvent(StateClosed, EventKeysEstablished)
	if r.Changed {
		t.Errorf("unlisted (CLOSED, KeysEstablished) reported Changed=true")
	}
	if len(r.Actions) != 0 {
		t.Errorf("unlisted pair produced actions: %v", r.Actions)
	}
}

func TestStateAndEventStringersCoverAllValues(t *testing.T) {
	for s := StateInitial; s <= StateClosed; s++ {
		if got := s.String(); got == "UNKNOWN" {
			t.Errorf("State(%d).String() = UNKNOWN", s)
		}
	}
	if State(99).String() != "UNKNOWN" {
		t.Error("out-of-range State should stringify to UNKNOWN")
	}

	for e := EventClientVCResponseOK; e <= EventDiscoveryUnclaimed; e++ {
		if got := e.String(); got == "Unknown" {
			t.Errorf("FSMEvent(%d).String() = Unknown", e)
		}
	}
}
