// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package conntable holds the per-connection classification state.
//
// The table is owned by the single consumer task and is not safe for
// concurrent use. Entries expire lazily: an entry idle longer than the TTL
// is treated as absent on next access, and a time-gated sweep reclaims
// quiescent entries so the TTL also bounds memory.
package conntable

import (
	"time"

	"github.com/SenberHu/winredirect/internal/packet"
	"github.com/SenberHu/winredirect/internal/windivert"
)

// Action is the resolved classification of a connection.
type Action int

const (
	// ActionPass re-injects packets unchanged.
	ActionPass Action = iota
	// ActionIntercept forwards packets to the controller.
	ActionIntercept
)

func (a Action) String() string {
	switch a {
	case ActionPass:
		return "pass"
	case ActionIntercept:
		return "intercept"
	default:
		return "unknown"
	}
}

// BufferedPacket is a packet held while its connection awaits a socket
// event, together with its arrival metadata.
type BufferedPacket struct {
	Addr   windivert.Address
	Packet *packet.Packet
}

// State is the classification state of a connection: *Known or *Pending.
type State interface {
	connState()
}

// Known is a resolved connection. Known is terminal within the TTL.
type Known struct {
	Action Action
}

func (*Known) connState() {}

// Pending buffers packets, in arrival order, for a connection whose
// process identity has not been seen yet.
type Pending struct {
	Packets []BufferedPacket
}

func (*Pending) connState() {}

// Append adds a packet to the pending buffer.
func (p *Pending) Append(addr windivert.Address, pkt *packet.Packet) {
	p.Packets = append(p.Packets, BufferedPacket{Addr: addr, Packet: pkt})
}

// Clear drops the buffered packets but keeps the entry alive. Used on
// socket close, when final packets may still arrive for the flow.
func (p *Pending) Clear() {
	p.Packets = nil
}

// DefaultTTL is the idle lifetime of a connection entry.
const DefaultTTL = 10 * time.Minute

const sweepInterval = time.Minute

type entry struct {
	state    State
	lastSeen time.Time
}

// Table maps connection ids to their classification state with an idle TTL.
type Table struct {
	ttl     time.Duration
	entries map[packet.ConnectionID]*entry

	lastSweep time.Time
	now       func() time.Time
}

// New creates a table with the given idle TTL; ttl <= 0 uses DefaultTTL.
func New(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{
		ttl:     ttl,
		entries: make(map[packet.ConnectionID]*entry),
		now:     time.Now,
	}
}

// Get returns the live state for key, refreshing its idle timer.
// Expired entries are treated as absent.
func (t *Table) Get(key packet.ConnectionID) (State, bool) {
	t.maybeSweep()
	e, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	now := t.now()
	if now.Sub(e.lastSeen) > t.ttl {
		delete(t.entries, key)
		return nil, false
	}
	e.lastSeen = now
	return e.state, true
}

// Insert sets the state for key and returns the previous live state, if
// any. Replacing a Pending entry is the resolution point: the caller owns
// the returned buffer and must drain it.
func (t *Table) Insert(key packet.ConnectionID, s State) (State, bool) {
	t.maybeSweep()
	now := t.now()
	prev, ok := t.entries[key]
	t.entries[key] = &entry{state: s, lastSeen: now}
	if !ok || now.Sub(prev.lastSeen) > t.ttl {
		return nil, false
	}
	return prev.state, true
}

// Len returns the number of entries, including any not yet swept.
func (t *Table) Len() int {
	return len(t.entries)
}

// maybeSweep reclaims expired entries, at most once per sweep interval.
func (t *Table) maybeSweep() {
	now := t.now()
	if now.Sub(t.lastSweep) < sweepInterval {
		return
	}
	t.lastSweep = now
	for key, e := range t.entries {
		if now.Sub(e.lastSeen) > t.ttl {
			delete(t.entries, key)
		}
	}
}
