package quicvc

import (
	"container/heap"
	"time"
)

// This file implements the engine's timer queue as deadlines on a
// priority queue inside the event loop rather than per-connection
// scheduler handles, which keeps cancellation on connection drop trivial.
// One queue backs the handshake-deadline, heartbeat, and idle timers for
// every connection.

// timerKind distinguishes the three timer roles a connection schedules.
type timerKind uint8

const (
	timerHandshakeDeadline timerKind = iota
	timerHeartbeat
	timerIdle
)

// timerEntry is one scheduled deadline. generation lets a connection
// invalidate a stale entry (e.g. after resetting its idle timer) without
// scanning the heap: the loop drops any popped entry whose generation no
// longer matches the connection's current counter for that kind.
type timerEntry struct {
	deadline   time.Time
	connKey    string
	kind       timerKind
	generation uint64
	index      int // heap.Interface bookkeeping
}

type timerQueue []*timerEntry

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool { return q[i].deadline.Before(q[j].deadline) }

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// schedule adds a deadline to the queue.
func (m *Manager) schedule(connKey string, kind timerKind, deadline time.Time) {
	m.generations[connKey+"/"+kind.string()]++
	gen := m.generations[connKey+"/"+kind.string()]

	heap.Push(&m.timers, &timerEntry{
		deadline:   deadline,
		connKey:    connKey,
		kind:       kind,
		generation: gen,
	})
	m.rearm()
}

// cancelAll bumps the generation for every kind of connKey's timers so any
// already-queued entries are dropped as stale when popped; no heap scan
// needed.
func (m *Manager) cancelAll(connKey string) {
	for _, k := range []timerKind{timerHandshakeDeadline, timerHeartbeat, timerIdle} {
		m.generations[connKey+"/"+k.string()]++
	}
}

// rearm resets the single underlying time.Timer to fire at the earliest
// queued deadline.
func (m *Manager) rearm() {
	if m.timerC != nil {
		m.timerC.Stop()
	}
	if len(m.timers) == 0 {
		m.timerC = nil
		return
	}

	d := time.Until(m.timers[0].deadline)
	if d < 0 {
		d = 0
	}
	m.timerC = time.NewTimer(d)
}

func (k timerKind) string() string {
	switch k {
	case timerHandshakeDeadline:
		return "handshake"
	case timerHeartbeat:
		return "heartbeat"
	case timerIdle:
		return "idle"
	default:
		return "unknown"
	}
}
