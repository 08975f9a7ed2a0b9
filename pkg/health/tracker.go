// Package health implements the tri-state peer failure detector. A
// leader tracks every follower; a follower tracks only its leader under
// a fixed peer key. State is derived from the time since the last
// successful contact and the configured heartbeat timeout.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/probelab/kvbeat/internal/telemetry"
)

type State uint8

const (
	StateAlive State = iota
	StateSuspected
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "Alive"
	case StateSuspected:
		return "Suspected"
	case StateDead:
		return "Dead"
	}
	return "Unknown"
}

// EventSink receives one event per actual state transition.
// *eventlog.Logger satisfies it.
type EventSink interface {
	Emit(event string, fields ...zap.Field)
}

type record struct {
	lastOK time.Time
	everOK bool
	state  State
}

// Tracker holds one health record per known peer. Records are created
// lazily on first Observe and never destroyed while the process runs.
type Tracker struct {
	timeout time.Duration
	sink    EventSink

	mu    sync.Mutex
	peers map[string]*record
}

func NewTracker(timeout time.Duration, sink EventSink) *Tracker {
	return &Tracker{
		timeout: timeout,
		sink:    sink,
		peers:   make(map[string]*record),
	}
}

// Observe feeds one probe or replication outcome into the detector and
// returns the resulting state. Rules:
//
//   - before the first recorded success a peer can only be Suspected,
//     never Dead (start-up grace);
//   - a success moves the peer to Alive unless it is already Dead;
//   - a failure older than the timeout since the last success is Dead;
//   - Dead is sticky: no path transitions a peer out of it.
//
// Exactly one fd_state_change event is emitted per actual transition;
// repeating the same outcome produces no event. The sink is called
// outside the tracker mutex.
func (t *Tracker) Observe(peerID string, ok bool, at time.Time) State {
	t.mu.Lock()
	r, found := t.peers[peerID]
	if !found {
		r = &record{state: StateAlive}
		t.peers[peerID] = r
	}
	if ok {
		r.lastOK = at
		r.everOK = true
	}

	next := r.state
	switch {
	case r.state == StateDead:
		next = StateDead
	case !r.everOK:
		next = StateSuspected
	case ok:
		next = StateAlive
	case at.Sub(r.lastOK) > t.timeout:
		next = StateDead
	default:
		next = StateSuspected
	}

	prev := r.state
	changed := next != prev
	if changed {
		r.state = next
	}
	t.mu.Unlock()

	if changed {
		telemetry.PeerState.WithLabelValues(peerID).Set(float64(next))
		telemetry.FDTransitionsTotal.WithLabelValues(peerID, next.String()).Inc()
		if t.sink != nil {
			t.sink.Emit("fd_state_change",
				zap.String("peer_id", peerID),
				zap.String("from", prev.String()),
				zap.String("to", next.String()),
			)
		}
	}
	return next
}

// State returns the current state for a peer and whether the peer has
// ever been observed.
func (t *Tracker) State(peerID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.peers[peerID]
	if !ok {
		return StateAlive, false
	}
	return r.state, true
}

func (t *Tracker) IsDead(peerID string) bool {
	s, ok := t.State(peerID)
	return ok && s == StateDead
}

// Snapshot renders every tracked peer's state, for the status endpoint.
func (t *Tracker) Snapshot() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.peers))
	for id, r := range t.peers {
		out[id] = r.state.String()
	}
	return out
}
