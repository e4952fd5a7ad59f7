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

	log "github.com/sirupsen/logrus"

	"github.com/aevnet/mvccp/protocol"
)

// Member is one platoon member as seen by the head
type Member struct {
	ID          protocol.NodeID
	RelIndex    uint8
	RelPosition protocol.Vec2
	BatteryPct  float64
	LastStatus  float64
}

// Platoon is the head-owned platoon record
type Platoon struct {
	ID     protocol.NodeID
	HeadID protocol.NodeID
	// Members is ordered by relative index
	Members []*Member
	// Formation holds the current advisory targets, including the head's
	Formation []protocol.FormationTarget
}

// PlatoonEntry is one row of a consumer's platoon table
type PlatoonEntry struct {
	PlatoonID           protocol.NodeID
	HeadID              protocol.NodeID
	Position            protocol.Vec2
	Destination         protocol.Vec2
	Direction           protocol.Vec2
	AvailableSlots      uint8
	SurplusKWh          float64
	FormationEfficiency float64
	LastSeen            float64
	Score               float64
}

// platoonLayer is Layer D: the head-side platoon record with its energy
// edge graph and formation, the member-side beacon watch, and the
// consumer-side platoon table
type platoonLayer struct {
	mu  sync.RWMutex
	ctx *Context

	neighbors *neighborLayer
	providers *providerLayer

	// head side
	plt           *Platoon
	authorized    map[protocol.NodeID]struct{}
	lastBeacon    float64
	lastAnnounce  float64
	lastFormation float64

	// member side
	memberOf     protocol.NodeID
	headID       protocol.NodeID
	relIndex     uint8
	lastBeaconRx float64
	safeMode     bool
	target       protocol.Vec2
	lastStatus   float64

	// consumer side
	table map[protocol.NodeID]*PlatoonEntry
}

func newPlatoonLayer(ctx *Context, neighbors *neighborLayer, providers *providerLayer) *platoonLayer {
	return &platoonLayer{
		ctx:           ctx,
		neighbors:     neighbors,
		providers:     providers,
		authorized:    map[protocol.NodeID]struct{}{},
		table:         map[protocol.NodeID]*PlatoonEntry{},
		lastBeacon:    math.Inf(-1),
		lastAnnounce:  math.Inf(-1),
		lastFormation: math.Inf(-1),
		lastStatus:    math.Inf(-1),
	}
}

func (l *platoonLayer) tick(now float64) {
	l.pruneTable(now)

	switch l.ctx.state.Role {
	case RolePlatoonHead:
		l.headTick(now)
	case RolePlatoonMember:
		l.memberTick(now)
	}
}

// OwnsPlatoon reports whether this node currently owns a platoon record
func (l *platoonLayer) OwnsPlatoon() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.plt != nil
}

// MemberOf returns the platoon id this node is a member of, or zero
func (l *platoonLayer) MemberOf() protocol.NodeID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.memberOf
}

// FreeSlots returns how many members the platoon can still take
func (l *platoonLayer) FreeSlots() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.freeSlotsLocked()
}

func (l *platoonLayer) freeSlotsLocked() int {
	max := l.ctx.cfg.PlatoonMaxSize
	if l.plt == nil {
		return max
	}
	free := max - 1 - len(l.plt.Members) // head takes one seat
	if free < 0 {
		free = 0
	}
	return free
}

// authorize marks a consumer as allowed to join; the member is added on
// its first PLATOON_STATUS
func (l *platoonLayer) authorize(id protocol.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authorized[id] = struct{}{}
}

// ---- head side ----

func (l *platoonLayer) headTick(now float64) {
	l.mu.Lock()
	if l.plt == nil {
		self := l.ctx.state.ID
		l.plt = &Platoon{ID: self, HeadID: self}
		log.Debugf("platoon %s formed", self)
	}
	l.pruneMembersLocked(now)
	l.mu.Unlock()

	cfg := l.ctx.cfg
	if now-l.lastFormation >= cfg.FormationUpdateInterval {
		l.computeOptimalFormation(now)
		l.lastFormation = now
	}
	if now-l.lastBeacon >= cfg.BeaconInterval {
		newHead := l.maybeElectSuccessor(now)
		l.emitBeacon(now, newHead)
		l.lastBeacon = now
		if newHead != 0 {
			l.handOff(newHead, now)
			return
		}
	}
	if now-l.lastAnnounce >= cfg.PlatoonAnnounceInterval {
		l.emitAnnounce(now)
		l.lastAnnounce = now
	}
}

func (l *platoonLayer) pruneMembersLocked(now float64) {
	if l.plt == nil {
		return
	}
	cfg := l.ctx.cfg
	timeout := float64(cfg.NMissedBeacons) * cfg.BeaconInterval
	kept := l.plt.Members[:0]
	for _, m := range l.plt.Members {
		if now-m.LastStatus > timeout {
			log.Debugf("member %s went silent, dropped", m.ID)
			continue
		}
		kept = append(kept, m)
	}
	l.plt.Members = kept
}

// handlePlatoonStatus records a member report; authorized consumers become
// members on their first status
func (l *platoonLayer) handlePlatoonStatus(ps *protocol.PlatoonStatus, now float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.plt == nil || ps.PlatoonID != l.plt.ID {
		return
	}
	head := l.ctx.state
	for _, m := range l.plt.Members {
		if m.ID == ps.SenderID {
			m.BatteryPct = ps.BatteryPct
			m.RelPosition = ps.Position.Sub(head.Position)
			m.LastStatus = now
			return
		}
	}
	if _, ok := l.authorized[ps.SenderID]; !ok {
		return
	}
	if l.freeSlotsLocked() == 0 {
		l.ctx.stats.IncErr(cntCapacityExhausted)
		return
	}
	delete(l.authorized, ps.SenderID)
	l.plt.Members = append(l.plt.Members, &Member{
		ID:          ps.SenderID,
		RelIndex:    uint8(len(l.plt.Members) + 1),
		RelPosition: ps.Position.Sub(head.Position),
		BatteryPct:  ps.BatteryPct,
		LastStatus:  now,
	})
	log.Debugf("member %s joined platoon %s", ps.SenderID, l.plt.ID)
}

func (l *platoonLayer) emitBeacon(_ float64, newHead protocol.NodeID) {
	l.mu.RLock()
	st := l.ctx.state
	b := &protocol.PlatoonBeacon{
		Header:         protocol.Header{SenderID: st.ID},
		PlatoonID:      l.plt.ID,
		HeadID:         l.plt.HeadID,
		Position:       st.Position,
		Velocity:       st.Velocity,
		AvailableSlots: uint8(l.freeSlotsLocked()),
		NewHead:        newHead,
	}
	for _, m := range l.plt.Members {
		b.Members = append(b.Members, protocol.MemberInfo{
			ID:          m.ID,
			RelIndex:    m.RelIndex,
			RelPosition: m.RelPosition,
			BatteryPct:  m.BatteryPct,
		})
	}
	b.Formation = append(b.Formation, l.plt.Formation...)
	l.mu.RUnlock()
	l.ctx.transmit(b)
}

func (l *platoonLayer) emitAnnounce(_ float64) {
	l.mu.RLock()
	st := l.ctx.state
	a := &protocol.PlatoonAnnounce{
		Header: protocol.Header{
			TTL:      l.providers.computeTTL(),
			SenderID: st.ID,
		},
		PreviousHop:         st.ID,
		PlatoonID:           l.plt.ID,
		HeadID:              l.plt.HeadID,
		Position:            st.Position,
		Destination:         st.Destination,
		Direction:           st.Velocity.Unit(),
		AvailableSlots:      uint8(l.freeSlotsLocked()),
		SurplusKWh:          st.ShareableKWh,
		FormationEfficiency: l.formationEfficiencyLocked(),
	}
	l.mu.RUnlock()
	seq := l.ctx.transmit(a)
	l.providers.dedupe(st.ID, seq)
}

// maybeElectSuccessor picks the handoff candidate when the head's battery
// dropped below the threshold: best by battery, then relative position
// (closest to the front), then lower id
func (l *platoonLayer) maybeElectSuccessor(_ float64) protocol.NodeID {
	st := l.ctx.state
	if st.BatteryPct >= l.ctx.cfg.PHHandoffBatteryPct {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.plt == nil || len(l.plt.Members) == 0 {
		return 0
	}
	cands := append([]*Member(nil), l.plt.Members...)
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].BatteryPct != cands[j].BatteryPct {
			return cands[i].BatteryPct > cands[j].BatteryPct
		}
		di := cands[i].RelPosition.Norm()
		dj := cands[j].RelPosition.Norm()
		if di != dj {
			return di < dj
		}
		return cands[i].ID < cands[j].ID
	})
	return cands[0].ID
}

// handOff transfers platoon ownership after the distinguished beacon went
// out; this node stays with the platoon as a regular member
func (l *platoonLayer) handOff(newHead protocol.NodeID, now float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log.Debugf("handing platoon %s to %s", l.plt.ID, newHead)
	platoonID := l.plt.ID
	l.plt = nil
	l.authorized = map[protocol.NodeID]struct{}{}
	// follow the platoon we just left as a regular member
	l.memberOf = platoonID
	l.headID = newHead
	l.lastBeaconRx = now
}

// ---- member side ----

func (l *platoonLayer) memberTick(now float64) {
	cfg := l.ctx.cfg
	l.mu.Lock()
	if l.memberOf != 0 && now-l.lastBeaconRx > float64(cfg.NMissedBeacons)*cfg.BeaconInterval {
		// lost the head: safe-mode spacing, then standalone
		l.safeMode = true
		l.ctx.stats.IncErr(cntStaleBeacon)
		log.Debugf("missed %d beacons from %s, leaving platoon", cfg.NMissedBeacons, l.headID)
		l.memberOf = 0
		l.headID = 0
		l.mu.Unlock()
		return
	}
	memberOf := l.memberOf
	l.mu.Unlock()

	if memberOf != 0 && now-l.lastStatus >= cfg.BeaconInterval {
		st := l.ctx.state
		l.ctx.transmit(&protocol.PlatoonStatus{
			Header:      protocol.Header{SenderID: st.ID},
			PlatoonID:   memberOf,
			BatteryPct:  st.BatteryPct,
			RelIndex:    l.relIndex,
			ReceiveRate: l.ctx.cfg.EdgeTransferRateKW,
			Position:    st.Position,
		})
		l.lastStatus = now
	}
}

// joinPlatoon makes this node a member of the given platoon
func (l *platoonLayer) joinPlatoon(platoonID, headID protocol.NodeID, now float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.memberOf = platoonID
	l.headID = headID
	l.lastBeaconRx = now
	l.safeMode = false
	log.Debugf("joined platoon %s", platoonID)
}

// leavePlatoon returns this node to standalone operation
func (l *platoonLayer) leavePlatoon(reason string, _ float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.memberOf == 0 {
		return
	}
	log.Debugf("leaving platoon %s: %s", l.memberOf, reason)
	l.memberOf = 0
	l.headID = 0
	l.relIndex = 0
	l.safeMode = false
}

// handlePlatoonBeacon processes a head broadcast on the member side
func (l *platoonLayer) handlePlatoonBeacon(pb *protocol.PlatoonBeacon, now float64) {
	self := l.ctx.state.ID

	// ownership transfer addressed to us
	if pb.NewHead == self {
		l.adoptPlatoon(pb, now)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.memberOf == 0 || pb.PlatoonID != l.memberOf {
		return
	}
	l.lastBeaconRx = now
	l.safeMode = false
	if pb.NewHead != 0 {
		l.headID = pb.NewHead
	} else {
		l.headID = pb.HeadID
	}
	for i := range pb.Members {
		if pb.Members[i].ID == self {
			l.relIndex = pb.Members[i].RelIndex
		}
	}
	for i := range pb.Formation {
		if pb.Formation[i].ID == self {
			l.target = pb.Formation[i].Target
		}
	}
}

// adoptPlatoon makes this node the new head after a handoff beacon
func (l *platoonLayer) adoptPlatoon(pb *protocol.PlatoonBeacon, now float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	self := l.ctx.state.ID
	plt := &Platoon{ID: pb.PlatoonID, HeadID: self}
	for i := range pb.Members {
		m := pb.Members[i]
		if m.ID == self {
			continue
		}
		plt.Members = append(plt.Members, &Member{
			ID:          m.ID,
			RelIndex:    m.RelIndex,
			RelPosition: m.RelPosition,
			BatteryPct:  m.BatteryPct,
			LastStatus:  now,
		})
	}
	// the departing head keeps driving with us
	plt.Members = append(plt.Members, &Member{
		ID:          pb.HeadID,
		RelIndex:    uint8(len(plt.Members) + 1),
		RelPosition: pb.Position.Sub(l.ctx.state.Position),
		BatteryPct:  0,
		LastStatus:  now,
	})
	l.plt = plt
	l.memberOf = 0
	l.headID = 0
	log.Debugf("adopted platoon %s as new head", pb.PlatoonID)
}

// FormationTargetFor returns the member's current advisory target
func (l *platoonLayer) FormationTargetFor() protocol.Vec2 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.target
}

// ---- consumer side ----

// handlePlatoonAnnounce stores the announcement and its score in the
// platoon table
func (l *platoonLayer) handlePlatoonAnnounce(pa *protocol.PlatoonAnnounce, now float64) {
	if pa.HeadID == l.ctx.state.ID {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.table[pa.PlatoonID]
	if !ok {
		e = &PlatoonEntry{}
		l.table[pa.PlatoonID] = e
	}
	e.PlatoonID = pa.PlatoonID
	e.HeadID = pa.HeadID
	e.Position = pa.Position
	e.Destination = pa.Destination
	e.Direction = pa.Direction
	e.AvailableSlots = pa.AvailableSlots
	e.SurplusKWh = pa.SurplusKWh
	e.FormationEfficiency = pa.FormationEfficiency
	e.LastSeen = now
	st := l.ctx.state
	e.Score = l.scorePlatoonLocked(e, st.Position, st.Velocity.Unit(), st.NeedKWh)
}

// scorePlatoonLocked computes the inter-platoon score:
// w_dir*direction_match + w_dist*(1/max(1,distance)) + w_energy*energy_match
// + efficiency bonus
func (l *platoonLayer) scorePlatoonLocked(e *PlatoonEntry, pos, dir protocol.Vec2, needKWh float64) float64 {
	w := l.ctx.cfg.PlatoonScore
	dirMatch := dir.Dot(e.Direction)
	if dirMatch < 0 {
		dirMatch = 0
	}
	dist := protocol.Distance(pos, e.Position)
	if dist < 1 {
		dist = 1
	}
	energyMatch := 1.0
	if needKWh > 0 {
		energyMatch = e.SurplusKWh / needKWh
		if energyMatch > 1 {
			energyMatch = 1
		}
	}
	return w.Direction*dirMatch + w.Distance*(1/dist) + w.Energy*energyMatch +
		w.Efficiency*e.FormationEfficiency
}

func (l *platoonLayer) pruneTable(now float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.table {
		if now-e.LastSeen > l.ctx.cfg.PlatoonEntryTimeout {
			delete(l.table, id)
		}
	}
}

// FindBestPlatoon returns the highest-scoring platoon with free slots,
// ties broken by lowest platoon id
func (l *platoonLayer) FindBestPlatoon(pos, dir protocol.Vec2, needKWh float64) *PlatoonEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var best *PlatoonEntry
	bestScore := 0.0
	for _, id := range l.sortedTableIDsLocked() {
		e := l.table[id]
		if e.AvailableSlots == 0 {
			continue
		}
		score := l.scorePlatoonLocked(e, pos, dir, needKWh)
		if best == nil || score > bestScore {
			best = e
			bestScore = score
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	cp.Score = bestScore
	return &cp
}

func (l *platoonLayer) sortedTableIDsLocked() []protocol.NodeID {
	ids := make([]protocol.NodeID, 0, len(l.table))
	for id := range l.table {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PlatoonTable returns a snapshot of the consumer platoon table
func (l *platoonLayer) PlatoonTable() []PlatoonEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PlatoonEntry, 0, len(l.table))
	for _, id := range l.sortedTableIDsLocked() {
		out = append(out, *l.table[id])
	}
	return out
}

// Members returns a snapshot of the head's member list
func (l *platoonLayer) Members() []Member {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.plt == nil {
		return nil
	}
	out := make([]Member, 0, len(l.plt.Members))
	for _, m := range l.plt.Members {
		out = append(out, *m)
	}
	return out
}
