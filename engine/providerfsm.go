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
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/aevnet/mvccp/protocol"
)

// providerTick drives the mobile-provider / platoon-head machine:
// ANNOUNCE -> WAIT_OFFERS -> SELECT -> SEND_ACCEPT -> WAIT_ACK ->
// SEND_ACKACK -> CHARGE. Announcing itself rides on Layers A and B.
func (l *chargingLayer) providerTick(now float64) {
	if l.windowEnd > 0 && now >= l.windowEnd {
		l.selectOffers(now)
	}
	l.sweepProviderDeadlines(now)
}

// handleJoinOffer collects JOIN_OFFERs during the offer window
func (l *chargingLayer) handleJoinOffer(jo *protocol.JoinOffer, now float64) {
	st := l.ctx.state
	if jo.Target != st.ID {
		return
	}
	switch st.Role {
	case RoleRREH:
		l.rrehEnqueue(jo, now)
		return
	case RoleMobileProvider, RolePlatoonHead:
	default:
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.windowEnd == 0 {
		l.windowEnd = now + l.ctx.cfg.OfferWindow
	}
	l.pending = append(l.pending, pendingOffer{
		consumer: jo.SenderID,
		seq:      jo.SeqNum,
		required: jo.RequiredKWh,
		position: jo.Position,
		deadline: jo.Deadline,
		arrived:  now,
	})
}

// selectOffers closes the offer window and applies the provider policy:
// smallest requests first so the pool serves the most consumers, ties on
// consumer id. Accepts until slots or energy run out; refused offers get
// no reply and time out on the consumer.
func (l *chargingLayer) selectOffers(now float64) {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.windowEnd = 0
	l.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].required != pending[j].required {
			return pending[i].required < pending[j].required
		}
		return pending[i].consumer < pending[j].consumer
	})

	st := l.ctx.state
	slots := 1
	if st.Role == RolePlatoonHead {
		slots = l.platoons.FreeSlots()
	}
	pool := st.ShareableKWh - l.bookedKWh

	for i := range pending {
		o := &pending[i]
		if slots <= 0 || o.required > pool {
			l.ctx.stats.IncErr(cntCapacityExhausted)
			continue
		}
		l.acceptOffer(o, now)
		slots--
		pool -= o.required
	}
}

func (l *chargingLayer) acceptOffer(o *pendingOffer, now float64) {
	st := l.ctx.state
	sid := DeriveSessionID(o.consumer, st.ID, o.seq)
	meeting := st.Position
	if !st.Stationary {
		// meet halfway between the two moving parties
		meeting = protocol.Vec2{
			X: (st.Position.X + o.position.X) / 2,
			Y: (st.Position.Y + o.position.Y) / 2,
		}
	}
	l.ctx.transmit(&protocol.JoinAccept{
		Header:        protocol.Header{SenderID: st.ID},
		Target:        o.consumer,
		SessionID:     sid,
		OfferedKWh:    o.required,
		MeetingPoint:  meeting,
		AvailabilityS: o.deadline - now,
	})
	s := &Session{
		ID:           sid,
		Consumer:     o.consumer,
		Provider:     st.ID,
		RequiredKWh:  o.required,
		MeetingPoint: meeting,
		State:        SessionPendingAck,
		Deadline:     now + l.ctx.cfg.JoinAcceptTimeout,
	}
	l.putSession(s)
	l.mu.Lock()
	l.bookedKWh += o.required
	l.mu.Unlock()
	log.Debugf("accepted %0.1f kWh from %s, session %x", o.required, o.consumer, sid)
}

// handleAck books the session on the provider side and answers ACKACK
func (l *chargingLayer) handleAck(a *protocol.Ack, _ float64) {
	st := l.ctx.state
	if a.Target != st.ID {
		return
	}
	s := l.session(a.SessionID)
	if s == nil || s.Provider != st.ID || s.State != SessionPendingAck {
		return
	}
	l.ctx.transmit(&protocol.AckAck{
		Header:    protocol.Header{SenderID: st.ID},
		Target:    s.Consumer,
		SessionID: s.ID,
	})
	s.State = SessionAllocated
	if st.Role == RolePlatoonHead {
		l.platoons.authorize(s.Consumer)
	}
	log.Debugf("session %x allocated with %s", s.ID, s.Consumer)
}

// sweepProviderDeadlines discards allocations whose ACK never came and
// returns their capacity to the announce pool
func (l *chargingLayer) sweepProviderDeadlines(now float64) {
	self := l.ctx.state.ID
	l.mu.Lock()
	var expired []*Session
	for _, s := range l.sessions {
		if s.Provider == self && s.State == SessionPendingAck && now >= s.Deadline {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		s.State = SessionFailed
		s.Err = ErrAckTimeout
		l.bookedKWh -= s.RequiredKWh
		if l.bookedKWh < 0 {
			l.bookedKWh = 0
		}
		delete(l.sessions, s.ID)
	}
	l.mu.Unlock()
	for range expired {
		l.ctx.stats.IncErr(cntAckTimeout)
	}
}
