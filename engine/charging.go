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
	"encoding/binary"
	"sync"

	"github.com/Knetic/govaluate"
	"github.com/cespare/xxhash"
	log "github.com/sirupsen/logrus"

	"github.com/aevnet/mvccp/protocol"
)

// SessionState tracks one charging session through the four-way handshake
type SessionState uint8

// Session states
const (
	SessionPendingOffer SessionState = iota + 1
	SessionPendingAccept
	SessionPendingAck
	SessionPendingAckAck
	SessionAllocated
	SessionTravel
	SessionCharging
	SessionDone
	SessionFailed
)

// SessionStateToString is a map from SessionState to string
var SessionStateToString = map[SessionState]string{
	SessionPendingOffer:  "PENDING_OFFER",
	SessionPendingAccept: "PENDING_ACCEPT",
	SessionPendingAck:    "PENDING_ACK",
	SessionPendingAckAck: "PENDING_ACKACK",
	SessionAllocated:     "ALLOCATED",
	SessionTravel:        "TRAVEL",
	SessionCharging:      "CHARGING",
	SessionDone:          "DONE",
	SessionFailed:        "FAILED",
}

func (s SessionState) String() string {
	return SessionStateToString[s]
}

func (s SessionState) pending() bool {
	switch s {
	case SessionPendingOffer, SessionPendingAccept, SessionPendingAck, SessionPendingAckAck:
		return true
	}
	return false
}

// Session is one charging negotiation between a consumer and a provider
type Session struct {
	ID           uint64
	Consumer     protocol.NodeID
	Provider     protocol.NodeID
	RequiredKWh  float64
	MeetingPoint protocol.Vec2
	State        SessionState
	Deadline     float64
	Err          error
}

// DeriveSessionID computes the session id both endpoints agree on without
// extra round trips: a hash of (consumer, provider, offer seq)
func DeriveSessionID(consumer, provider protocol.NodeID, seq uint32) uint64 {
	var b [20]byte
	binary.BigEndian.PutUint64(b[0:], uint64(consumer))
	binary.BigEndian.PutUint64(b[8:], uint64(provider))
	binary.BigEndian.PutUint32(b[16:], seq)
	return xxhash.Sum64(b[:])
}

// pendingOffer is a JOIN_OFFER collected during the provider offer window
type pendingOffer struct {
	consumer protocol.NodeID
	seq      uint32
	required float64
	position protocol.Vec2
	deadline float64
	arrived  float64
}

// consumerPhase is the consumer state machine position outside the
// per-session handshake states
type consumerPhase uint8

const (
	phaseDiscover consumerPhase = iota + 1
	phaseWaitAccept
	phaseWaitAckAck
	phaseTravel
	phaseCharge
	phaseLeave
)

// chargingLayer is Layer C: the role manager and the consumer, provider
// and RREH charging state machines
type chargingLayer struct {
	mu  sync.RWMutex
	ctx *Context

	providers *providerLayer
	platoons  *platoonLayer

	policyExpr *govaluate.EvaluableExpression

	sessions map[uint64]*Session

	// consumer side
	phase  consumerPhase
	active uint64

	// mobile provider / platoon head side
	windowEnd float64
	pending   []pendingOffer
	bookedKWh float64

	// rreh side
	queue []pendingOffer
	grid  protocol.GridState
}

func newChargingLayer(ctx *Context, providers *providerLayer, platoons *platoonLayer) *chargingLayer {
	return &chargingLayer{
		ctx:        ctx,
		providers:  providers,
		platoons:   platoons,
		policyExpr: compilePolicy(ctx.cfg),
		sessions:   map[uint64]*Session{},
		phase:      phaseDiscover,
	}
}

func (l *chargingLayer) tick(now float64) {
	l.evaluateRole(now)

	switch l.ctx.state.Role {
	case RoleConsumer, RolePlatoonMember:
		l.consumerTick(now)
	case RoleMobileProvider, RolePlatoonHead:
		l.providerTick(now)
	case RoleRREH:
		l.rrehTick(now)
	}
}

// evaluateRole selects the node role for this tick. Transitions are
// atomic: pending sessions of the abandoned role are cancelled with
// ErrRoleSwitched before the new role becomes visible.
func (l *chargingLayer) evaluateRole(now float64) {
	st := &l.ctx.state
	cfg := l.ctx.cfg

	var want Role
	switch {
	case st.Stationary:
		want = RoleRREH
	case l.platoons.MemberOf() != 0:
		want = RolePlatoonMember
	case st.NeedKWh > 0:
		want = RoleConsumer
	case l.platoons.OwnsPlatoon():
		want = RolePlatoonHead
	case st.ProviderCapable && st.BatteryPct >= cfg.PHEnergyThresholdPct &&
		st.Willingness >= cfg.PHWillingnessThreshold:
		want = RolePlatoonHead
	case st.ProviderCapable && st.ShareableKWh > 0:
		want = RoleMobileProvider
	default:
		want = RoleConsumer
	}

	if st.Role == want {
		return
	}
	old := st.Role
	// consumer and platoon member share the consumer state machine, so
	// moving between the two abandons no role
	if old.Provider() || want.Provider() {
		l.cancelPending(old, now)
	}
	st.Role = want
	log.Debugf("role %s -> %s at %f", old, want, now)
}

// cancelPending fails every pending session owned by the abandoned role
func (l *chargingLayer) cancelPending(old Role, _ float64) {
	if old == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	self := l.ctx.state.ID
	for id, s := range l.sessions {
		if !s.State.pending() {
			continue
		}
		asConsumer := s.Consumer == self
		if (asConsumer && !old.Provider()) || (!asConsumer && old.Provider()) {
			s.State = SessionFailed
			s.Err = ErrRoleSwitched
			l.ctx.stats.IncErr(cntRoleSwitched)
			delete(l.sessions, id)
		}
	}
	if !old.Provider() {
		l.phase = phaseDiscover
		l.active = 0
	} else {
		l.windowEnd = 0
		l.pending = nil
		l.queue = nil
		l.bookedKWh = 0
	}
}

func (l *chargingLayer) session(id uint64) *Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessions[id]
}

// Sessions returns a snapshot of all live sessions
func (l *chargingLayer) Sessions() []Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, *s)
	}
	return out
}

func (l *chargingLayer) putSession(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[s.ID] = s
}

func (l *chargingLayer) dropSession(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, id)
}
