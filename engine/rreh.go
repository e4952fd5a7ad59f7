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

// rrehTick drives the RREH machine. Same shape as the mobile provider but
// with a FIFO queue instead of a selection policy, and no mobility.
func (l *chargingLayer) rrehTick(now float64) {
	l.updateGridState(now)
	if l.windowEnd > 0 && now >= l.windowEnd {
		l.serveQueue(now)
	}
	l.sweepProviderDeadlines(now)
}

// rrehEnqueue admits a JOIN_OFFER to the FIFO queue. A full queue refuses
// the offer: no JOIN_ACCEPT is sent and the consumer times out normally.
func (l *chargingLayer) rrehEnqueue(jo *protocol.JoinOffer, now float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) >= l.ctx.cfg.RREHQueueMax {
		l.ctx.stats.IncErr(cntCapacityExhausted)
		log.Debugf("queue full, refusing offer from %s", jo.SenderID)
		return
	}
	if l.windowEnd == 0 {
		l.windowEnd = now + l.ctx.cfg.OfferWindow
	}
	l.queue = append(l.queue, pendingOffer{
		consumer: jo.SenderID,
		seq:      jo.SeqNum,
		required: jo.RequiredKWh,
		position: jo.Position,
		deadline: jo.Deadline,
		arrived:  now,
	})
}

// serveQueue accepts queued offers in arrival order while energy lasts
func (l *chargingLayer) serveQueue(now float64) {
	l.mu.Lock()
	queue := l.queue
	l.queue = nil
	l.windowEnd = 0
	l.mu.Unlock()

	st := l.ctx.state
	pool := st.ShareableKWh - l.bookedKWh
	for i := range queue {
		o := &queue[i]
		if o.required > pool {
			l.ctx.stats.IncErr(cntCapacityExhausted)
			continue
		}
		l.acceptOffer(o, now)
		pool -= o.required
	}
}

// updateGridState derives the grid state from queue occupancy and the
// remaining energy; any transition emits GRID_STATUS immediately
func (l *chargingLayer) updateGridState(now float64) {
	st := l.ctx.state
	cfg := l.ctx.cfg

	l.mu.RLock()
	queueLen := len(l.queue)
	l.mu.RUnlock()

	next := protocol.GridOnline
	switch {
	case st.ShareableKWh <= 0:
		next = protocol.GridOffline
	case queueLen >= cfg.RREHQueueMax:
		next = protocol.GridCongested
	case st.ShareableKWh < cfg.RREHLowEnergyKWh:
		next = protocol.GridLimited
	}
	if next == l.grid {
		return
	}
	l.grid = next
	l.emitGridStatus(now)
}

func (l *chargingLayer) emitGridStatus(_ float64) {
	st := l.ctx.state
	l.mu.RLock()
	queueLen := uint8(len(l.queue))
	grid := l.grid
	l.mu.RUnlock()
	seq := l.ctx.transmit(&protocol.GridStatus{
		Header: protocol.Header{
			TTL:      l.providers.computeTTL(),
			SenderID: st.ID,
		},
		PreviousHop:  st.ID,
		State:        grid,
		QueueLen:     queueLen,
		AvailableKWh: st.ShareableKWh,
		Position:     st.Position,
	})
	l.providers.dedupe(st.ID, seq)
	log.Debugf("grid state now %s", grid)
}

// GridState returns the RREH's current grid state
func (l *chargingLayer) GridState() protocol.GridState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.grid
}
