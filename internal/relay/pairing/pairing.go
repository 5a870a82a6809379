// Package pairing implements the per-peer pairing state machine and its
// global mutual-exclusivity invariant (spec.md §4.3).
package pairing

import (
	"sync"

	"rillnet/internal/relay"
)

// State is a peer's pairing state: Free, Dialing a counterpart, or Paired
// with a counterpart.
type State int

const (
	Free State = iota
	Dialing
	Paired
)

func (s State) String() string {
	switch s {
	case Dialing:
		return "dialing"
	case Paired:
		return "paired"
	default:
		return "free"
	}
}

// Outcome tells the caller what happened to an inbound signal and what (if
// anything) should be forwarded or synthesized back to the sender.
type Outcome struct {
	Forward    bool
	TargetCode relay.PeerCode // who to forward to, when Forward is true
	SynthBusy  bool           // reply {from: to-peer, type:"signal", payload:{type:"busy"}} to sender
}

type entry struct {
	state      State
	counterpart relay.PeerCode
}

// Table tracks Pairing[code] for every locally known code and enforces
// I1 (mutual exclusivity), I2 (self-freedom) and I3 (cleanup) for entries
// that originate locally. Per I4, Pairing may reference codes not present
// locally (peer hosted on another instance) — the table does not require a
// counterpart to be registered anywhere to record intent toward it.
type Table struct {
	mu      sync.Mutex
	entries map[relay.PeerCode]*entry
}

func New() *Table {
	return &Table{entries: make(map[relay.PeerCode]*entry)}
}

func (t *Table) get(code relay.PeerCode) *entry {
	e, ok := t.entries[code]
	if !ok {
		e = &entry{state: Free}
		t.entries[code] = e
	}
	return e
}

// State returns a peer's current pairing state and counterpart (the
// counterpart is meaningless when state is Free).
func (t *Table) State(code relay.PeerCode) (State, relay.PeerCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.get(code)
	return e.state, e.counterpart
}

// HandleOffer applies the offer transition from A (from) to B (to).
func (t *Table) HandleOffer(from, to relay.PeerCode) Outcome {
	if from == to {
		return Outcome{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.get(from)
	b := t.get(to)

	aOK := a.state == Free || (a.state == Dialing && a.counterpart == to)
	bOK := b.state == Free || (b.state == Dialing && b.counterpart == from)

	if !aOK || !bOK {
		// A is already busy elsewhere, or B is busy with someone else.
		// Reply busy to A about B without touching existing state.
		return Outcome{SynthBusy: true, TargetCode: to}
	}

	a.state = Dialing
	a.counterpart = to
	return Outcome{Forward: true, TargetCode: to}
}

// HandleAnswer applies the answer transition from A (from) to B (to).
func (t *Table) HandleAnswer(from, to relay.PeerCode) Outcome {
	if from == to {
		return Outcome{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.get(from)
	b := t.get(to)

	aMatches := (a.state == Dialing || a.state == Paired) && a.counterpart == to
	bMatches := (b.state == Dialing || b.state == Paired) && b.counterpart == from

	// The answering side is normally still Free: one side dialing or paired
	// with the other is enough, as long as neither is engaged with a third.
	aAvailable := a.state == Free || aMatches
	bAvailable := b.state == Free || bMatches
	if !(aMatches || bMatches) || !aAvailable || !bAvailable {
		return Outcome{} // pairing mismatch: drop silently
	}

	a.state, a.counterpart = Paired, to
	b.state, b.counterpart = Paired, from
	return Outcome{Forward: true, TargetCode: to}
}

// HandleCandidate applies the candidate-forwarding gate from A (from) to B
// (to). The relay never deduplicates candidates: repeated identical frames
// are each forwarded independently.
func (t *Table) HandleCandidate(from, to relay.PeerCode) Outcome {
	if from == to {
		return Outcome{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.get(from)
	b := t.get(to)

	mutuallyPaired := a.state == Paired && a.counterpart == to && b.state == Paired && b.counterpart == from
	dialingPair := (a.state == Dialing && a.counterpart == to) || (b.state == Dialing && b.counterpart == from)
	bothFree := a.state == Free && b.state == Free

	if mutuallyPaired || dialingPair || bothFree {
		return Outcome{Forward: true, TargetCode: to}
	}
	return Outcome{}
}

// HandleBye applies the unconditional bye transition (I3 cleanup), freeing
// both A and its counterpart B when applicable, and forwards to B if A was
// actually dialing or paired with B.
func (t *Table) HandleBye(from, to relay.PeerCode) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.get(from)
	forward := (a.state == Dialing || a.state == Paired) && a.counterpart == to

	if forward {
		a.state, a.counterpart = Free, ""
	}

	if to != "" {
		if b, ok := t.entries[to]; ok && b.state == Paired && b.counterpart == from {
			b.state, b.counterpart = Free, ""
		}
	}

	return Outcome{Forward: forward, TargetCode: to}
}

// Close applies I3 on connection teardown: Pairing[code] := Free, and if
// the counterpart considered code its pairing, that is cleared too.
// Returns the counterpart that was freed, if any, so the caller can notify
// it (e.g. via a synthetic bye) -- the relay does not send one per spec.md,
// but tests rely on this to assert I3 held.
func (t *Table) Close(code relay.PeerCode) (counterpart relay.PeerCode, hadCounterpart bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[code]
	if !ok {
		return "", false
	}

	counterpart = e.counterpart
	hadCounterpart = e.state != Free
	e.state, e.counterpart = Free, ""

	if counterpart != "" {
		if other, ok := t.entries[counterpart]; ok && other.counterpart == code {
			other.state, other.counterpart = Free, ""
		}
	}

	delete(t.entries, code)
	return counterpart, hadCounterpart
}

// PairCount scans the table and counts mutual pairings, for the ws_pairs
// gauge (spec.md §4.8). Each mutual pair is counted once.
func (t *Table) PairCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for code, e := range t.entries {
		if e.state != Paired {
			continue
		}
		other, ok := t.entries[e.counterpart]
		if ok && other.state == Paired && other.counterpart == code && code < e.counterpart {
			count++
		}
	}
	return count
}
