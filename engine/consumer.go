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
	log "github.com/sirupsen/logrus"

	"github.com/aevnet/mvccp/protocol"
)

// consumerTick drives the consumer state machine:
// DISCOVER/EVALUATE -> SEND_OFFER -> WAIT_ACCEPT -> ACK -> WAIT_ACKACK ->
// ALLOCATED -> TRAVEL -> CHARGE -> LEAVE
func (l *chargingLayer) consumerTick(now float64) {
	switch l.phase {
	case phaseDiscover:
		if l.ctx.state.NeedKWh <= 0 {
			return
		}
		l.evaluateAndOffer(now)
	case phaseWaitAccept:
		s := l.session(l.active)
		if s == nil {
			l.phase = phaseDiscover
			return
		}
		if now >= s.Deadline {
			// unresponsive provider: forget it and re-enter EVALUATE
			l.providers.Remove(s.Provider)
			l.failSession(s, ErrAcceptTimeout, cntAcceptTimeout)
			l.phase = phaseDiscover
		}
	case phaseWaitAckAck:
		s := l.session(l.active)
		if s == nil {
			l.phase = phaseDiscover
			return
		}
		if now >= s.Deadline {
			l.failSession(s, ErrAckAckTimeout, cntAckAckTimeout)
			l.phase = phaseDiscover
		}
	case phaseTravel:
		s := l.session(l.active)
		if s == nil {
			l.phase = phaseDiscover
			return
		}
		if s.State == SessionAllocated {
			s.State = SessionTravel
		}
		if protocol.Distance(l.ctx.state.Position, s.MeetingPoint) <= l.ctx.cfg.MeetingPointRadiusM {
			s.State = SessionCharging
			l.phase = phaseCharge
			if e, ok := l.providers.Lookup(s.Provider); ok && e.Type == protocol.ProviderPH {
				l.platoons.joinPlatoon(s.Provider, s.Provider, now)
			}
		}
	case phaseCharge:
		s := l.session(l.active)
		if s == nil {
			l.phase = phaseDiscover
			return
		}
		// the energy collaborator refills the battery; done when the need
		// is satisfied
		if l.ctx.state.NeedKWh <= 0 {
			l.phase = phaseLeave
		}
	case phaseLeave:
		s := l.session(l.active)
		if s != nil {
			s.State = SessionDone
			l.dropSession(s.ID)
		}
		if l.platoons.MemberOf() != 0 {
			l.platoons.leavePlatoon("charged", now)
		}
		l.active = 0
		l.phase = phaseDiscover
	}
}

// evaluateAndOffer is the EVALUATE + SEND_OFFER step: rank all candidates
// from the provider and platoon tables and open a session with the best
func (l *chargingLayer) evaluateAndOffer(now float64) {
	st := l.ctx.state
	cands := l.providers.Candidates()
	if best := l.platoons.FindBestPlatoon(st.Position, st.Velocity.Unit(), st.NeedKWh); best != nil {
		known := false
		for i := range cands {
			if cands[i].ID == best.HeadID {
				known = true
				break
			}
		}
		if !known {
			cands = append(cands, ProviderEntry{
				ProviderInfo: protocol.ProviderInfo{
					ID:           best.HeadID,
					Type:         protocol.ProviderPH,
					Position:     best.Position,
					Direction:    best.Direction,
					ShareableKWh: best.SurplusKWh,
				},
				LastSeen: best.LastSeen,
			})
		}
	}
	if len(cands) == 0 {
		return
	}

	var chosen *ProviderEntry
	bestScore := 0.0
	for i := range cands {
		e := &cands[i]
		if e.ID == st.ID {
			continue
		}
		score := l.scoreCandidate(e)
		if chosen == nil || score > bestScore || (score == bestScore && e.ID < chosen.ID) {
			chosen = e
			bestScore = score
		}
	}
	if chosen == nil {
		return
	}

	offer := &protocol.JoinOffer{
		Header:      protocol.Header{SenderID: st.ID},
		Target:      chosen.ID,
		RequiredKWh: st.NeedKWh,
		Position:    st.Position,
		Deadline:    now + l.ctx.cfg.OfferDeadlineS,
	}
	seq := l.ctx.transmit(offer)
	s := &Session{
		ID:          DeriveSessionID(st.ID, chosen.ID, seq),
		Consumer:    st.ID,
		Provider:    chosen.ID,
		RequiredKWh: st.NeedKWh,
		State:       SessionPendingAccept,
		Deadline:    now + l.ctx.cfg.JoinAcceptTimeout,
	}
	l.putSession(s)
	l.active = s.ID
	l.phase = phaseWaitAccept
	log.Debugf("offered %0.1f kWh to %s, session %x", st.NeedKWh, chosen.ID, s.ID)
}

// handleJoinAccept processes a provider's JOIN_ACCEPT and answers with ACK
func (l *chargingLayer) handleJoinAccept(ja *protocol.JoinAccept, now float64) {
	st := l.ctx.state
	if ja.Target != st.ID {
		return
	}
	s := l.session(ja.SessionID)
	if s == nil || s.Consumer != st.ID || s.State != SessionPendingAccept {
		return
	}
	if _, ok := l.providers.Lookup(s.Provider); !ok {
		// accepted by a provider we already pruned
		l.ctx.stats.IncErr(cntStaleProvider)
		l.failSession(s, ErrStaleProvider, "")
		l.phase = phaseDiscover
		return
	}
	s.MeetingPoint = ja.MeetingPoint
	l.ctx.transmit(&protocol.Ack{
		Header:    protocol.Header{SenderID: st.ID},
		Target:    s.Provider,
		SessionID: s.ID,
	})
	s.State = SessionPendingAckAck
	s.Deadline = now + l.ctx.cfg.JoinAcceptTimeout
	l.phase = phaseWaitAckAck
}

// handleAckAck books the session on the consumer side
func (l *chargingLayer) handleAckAck(aa *protocol.AckAck, _ float64) {
	st := l.ctx.state
	if aa.Target != st.ID {
		return
	}
	s := l.session(aa.SessionID)
	if s == nil || s.Consumer != st.ID || s.State != SessionPendingAckAck {
		return
	}
	s.State = SessionAllocated
	l.phase = phaseTravel
	log.Debugf("session %x allocated with %s", s.ID, s.Provider)
}

func (l *chargingLayer) failSession(s *Session, err error, counter string) {
	s.State = SessionFailed
	s.Err = err
	if counter != "" {
		l.ctx.stats.IncErr(counter)
	}
	l.dropSession(s.ID)
	if l.active == s.ID {
		l.active = 0
	}
}
