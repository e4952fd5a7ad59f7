/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package engine

import (
	"math"
	"sort"
	"sync"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"

	"github.com/aevnet/mvccp/protocol"
)

// NeighborEntry is the per-neighbor state of the 1-hop table
type NeighborEntry struct {
	ID        protocol.NodeID
	LastHello float64

	Position protocol.Vec2
	Velocity protocol.Vec2

	BatteryPct   float64
	Willingness  uint8
	Provider     bool
	ShareableKWh float64
	Direction    protocol.Vec2

	// Advertised is the neighbor's own one-hop set with link status
	Advertised map[protocol.NodeID]protocol.LinkStatus

	// SelectedUs is true when we appear in the neighbor's MPR selection
	SelectedUs bool

	// link metrics the neighbor advertised about the link to us
	LinkETX  float64
	LinkLane float64

	// locally measured link quality
	arrivals    *welford.Stats
	lastArrival float64
	firstHello  float64
	helloCount  uint64
}

// JitterMS is the measured standard deviation of HELLO inter-arrival
// times, in milliseconds
func (e *NeighborEntry) JitterMS(_ float64) float64 {
	if e.helloCount < 3 {
		return 0
	}
	return e.arrivals.Stddev() * 1000
}

// Stability is the fraction of expected HELLOs actually received since
// the neighbor appeared, capped at 1
func (e *NeighborEntry) Stability(now, helloInterval float64) float64 {
	elapsed := now - e.firstHello
	if elapsed <= helloInterval {
		return 1
	}
	expected := elapsed/helloInterval + 1
	s := float64(e.helloCount) / expected
	if s > 1 {
		return 1
	}
	return s
}

// neighborLayer is Layer A: HELLO exchange, the 1-hop/2-hop topology view
// and MPR selection
type neighborLayer struct {
	mu  sync.RWMutex
	ctx *Context

	entries map[protocol.NodeID]*NeighborEntry

	// twoHop maps each two-hop id to the one-hop ids that cover it
	twoHop map[protocol.NodeID]map[protocol.NodeID]struct{}
	// mpr is this node's current MPR selection
	mpr map[protocol.NodeID]struct{}

	lastHello float64
}

func newNeighborLayer(ctx *Context) *neighborLayer {
	return &neighborLayer{
		ctx:       ctx,
		entries:   map[protocol.NodeID]*NeighborEntry{},
		twoHop:    map[protocol.NodeID]map[protocol.NodeID]struct{}{},
		mpr:       map[protocol.NodeID]struct{}{},
		lastHello: math.Inf(-1),
	}
}

func (l *neighborLayer) tick(now float64) {
	l.mu.Lock()
	if l.pruneLocked(now) {
		l.recomputeLocked(now)
	}
	l.mu.Unlock()

	if now-l.lastHello >= l.ctx.cfg.HelloInterval {
		l.ctx.transmit(l.buildHello(now))
		l.lastHello = now
	}
}

// pruneLocked drops entries older than NEIGHBOR_TIMEOUT; reports whether
// anything changed
func (l *neighborLayer) pruneLocked(now float64) bool {
	changed := false
	for id, e := range l.entries {
		if now-e.LastHello > l.ctx.cfg.NeighborTimeout {
			delete(l.entries, id)
			changed = true
			log.Debugf("neighbor %s timed out", id)
		}
	}
	return changed
}

func (l *neighborLayer) handleHello(h *protocol.Hello, now float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[h.SenderID]
	if !ok {
		e = &NeighborEntry{
			ID:         h.SenderID,
			arrivals:   welford.New(),
			firstHello: now,
		}
		l.entries[h.SenderID] = e
	}
	if e.lastArrival > 0 || e.helloCount > 0 {
		e.arrivals.Add(now - e.lastArrival)
	}
	e.lastArrival = now
	e.helloCount++

	e.LastHello = now
	e.Position = h.Position
	e.Velocity = h.Velocity
	e.BatteryPct = h.BatteryPct
	e.Willingness = h.Willingness
	e.Provider = h.Provider
	e.ShareableKWh = h.ShareableKWh
	e.Direction = h.Direction

	e.Advertised = make(map[protocol.NodeID]protocol.LinkStatus, len(h.Neighbors))
	e.SelectedUs = false
	self := l.ctx.state.ID
	for i := range h.Neighbors {
		n := &h.Neighbors[i]
		e.Advertised[n.ID] = n.LinkStatus
		if n.ID == self {
			e.SelectedUs = n.MPR
			e.LinkETX = n.QoS.ETX
			e.LinkLane = n.QoS.LaneWeight
		}
	}

	l.pruneLocked(now)
	l.recomputeLocked(now)
}

// recomputeLocked rebuilds the two-hop set and reruns MPR selection. Must
// run after every table change.
func (l *neighborLayer) recomputeLocked(now float64) {
	self := l.ctx.state.ID
	l.twoHop = map[protocol.NodeID]map[protocol.NodeID]struct{}{}
	for _, e := range l.entries {
		for adv, st := range e.Advertised {
			if adv == self || st == protocol.LinkLost {
				continue
			}
			if _, oneHop := l.entries[adv]; oneHop {
				continue
			}
			cover, ok := l.twoHop[adv]
			if !ok {
				cover = map[protocol.NodeID]struct{}{}
				l.twoHop[adv] = cover
			}
			cover[e.ID] = struct{}{}
		}
	}
	l.mpr = l.selectMPRsLocked(now)
}

func (l *neighborLayer) buildHello(now float64) *protocol.Hello {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := l.ctx.state
	h := &protocol.Hello{
		Header: protocol.Header{
			SenderID: st.ID,
		},
		Position:    st.Position,
		Velocity:    st.Velocity,
		BatteryPct:  st.BatteryPct,
		Willingness: st.Willingness,
	}
	if st.Role.Provider() && st.ShareableKWh > 0 {
		h.Provider = true
		h.ShareableKWh = st.ShareableKWh
		h.Direction = st.Velocity.Unit()
	}

	for _, id := range l.sortedIDsLocked() {
		e := l.entries[id]
		status := protocol.LinkHeard
		if _, sym := e.Advertised[st.ID]; sym {
			status = protocol.LinkSymmetric
		}
		_, isMPR := l.mpr[id]
		stability := e.Stability(now, l.ctx.cfg.HelloInterval)
		etx := 1.0
		if stability > 0 {
			etx = 1.0 / stability
		}
		h.Neighbors = append(h.Neighbors, protocol.HelloNeighbor{
			ID:         id,
			LinkStatus: status,
			MPR:        isMPR,
			QoS: protocol.LinkQoS{
				ETX:         etx,
				JitterMS:    e.JitterMS(now),
				RelSpeed:    st.Velocity.Sub(e.Velocity).Norm(),
				LaneWeight:  e.LinkLane,
				Stability:   stability,
				BatteryPct:  e.BatteryPct,
				Willingness: e.Willingness,
			},
		})
	}
	return h
}

func (l *neighborLayer) sortedIDsLocked() []protocol.NodeID {
	ids := make([]protocol.NodeID, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *neighborLayer) sortedIDs() []protocol.NodeID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sortedIDsLocked()
}

// Neighbor returns a copy of the entry for the given id
func (l *neighborLayer) Neighbor(id protocol.NodeID) (NeighborEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return NeighborEntry{}, false
	}
	return *e, true
}

// Count returns the current one-hop neighbor count
func (l *neighborLayer) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// MPRSet returns this node's current MPR selection, sorted
func (l *neighborLayer) MPRSet() []protocol.NodeID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]protocol.NodeID, 0, len(l.mpr))
	for id := range l.mpr {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsMPRActive reports whether at least one neighbor selected us as MPR
func (l *neighborLayer) IsMPRActive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.SelectedUs {
			return true
		}
	}
	return false
}

// OneHopProviders returns the one-hop neighbors advertising provider=true,
// sorted by id
func (l *neighborLayer) OneHopProviders() []NeighborEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []NeighborEntry
	for _, id := range l.sortedIDsLocked() {
		if e := l.entries[id]; e.Provider {
			out = append(out, *e)
		}
	}
	return out
}

// TwoHopSet returns the current two-hop ids, sorted
func (l *neighborLayer) TwoHopSet() []protocol.NodeID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]protocol.NodeID, 0, len(l.twoHop))
	for id := range l.twoHop {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
