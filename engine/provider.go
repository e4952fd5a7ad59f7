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

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/aevnet/mvccp/protocol"
)

// ProviderEntry is one known provider in the provider table
type ProviderEntry struct {
	protocol.ProviderInfo
	LastSeen float64

	// grid state, RREH providers only
	Grid     protocol.GridState
	QueueLen uint8
}

// dedupKey identifies a forwardable frame. Keyed on originator, never on
// previous hop.
type dedupKey struct {
	origin protocol.NodeID
	seq    uint32
}

// providerLayer is Layer B: PA origination at MPR-active nodes, duplicate
// suppression, TTL-bounded forwarding and the provider table
type providerLayer struct {
	mu  sync.RWMutex
	ctx *Context

	neighbors *neighborLayer

	entries map[protocol.NodeID]*ProviderEntry
	dedup   *lru.Cache[dedupKey, struct{}]

	lastPA float64
}

func newProviderLayer(ctx *Context, neighbors *neighborLayer) (*providerLayer, error) {
	cache, err := lru.New[dedupKey, struct{}](ctx.cfg.DedupCacheSize)
	if err != nil {
		return nil, err
	}
	return &providerLayer{
		ctx:       ctx,
		neighbors: neighbors,
		entries:   map[protocol.NodeID]*ProviderEntry{},
		dedup:     cache,
		lastPA:    math.Inf(-1),
	}, nil
}

func (l *providerLayer) tick(now float64) {
	l.mu.Lock()
	l.pruneLocked(now)
	l.mu.Unlock()

	if !l.neighbors.IsMPRActive() {
		return
	}
	if now-l.lastPA < l.ctx.cfg.PAInterval {
		return
	}
	pa := l.buildPA(now)
	if len(pa.Providers) == 0 {
		return
	}
	seq := l.ctx.transmit(pa)
	// own announcements count against the dedup budget too, so a copy
	// bounced back by a neighbor is not forwarded again
	l.dedupe(l.ctx.state.ID, seq)
	l.lastPA = now
}

func (l *providerLayer) pruneLocked(now float64) {
	for id, e := range l.entries {
		if now-e.LastSeen > l.ctx.cfg.ProviderTimeout {
			delete(l.entries, id)
			log.Debugf("provider %s timed out", id)
		}
	}
}

// computeTTL returns the origination TTL per TTL_MODE
func (l *providerLayer) computeTTL() uint8 {
	cfg := l.ctx.cfg
	if cfg.TTLMode == TTLModeFixed {
		return cfg.PATTLDefault
	}
	n := l.neighbors.Count()
	if n < 1 {
		n = 1
	}
	ttl := 8 - int(math.Floor(math.Log2(float64(n))))
	if ttl < int(cfg.PATTLMin) {
		ttl = int(cfg.PATTLMin)
	}
	if ttl > int(cfg.PATTLMax) {
		ttl = int(cfg.PATTLMax)
	}
	return uint8(ttl)
}

// buildPA aggregates the currently known providers: self if provider plus
// one-hop neighbors that advertised provider=true
func (l *providerLayer) buildPA(now float64) *protocol.PA {
	st := l.ctx.state
	pa := &protocol.PA{
		Header: protocol.Header{
			TTL:      l.computeTTL(),
			SenderID: st.ID,
		},
		PreviousHop: st.ID,
	}
	if st.Role.Provider() && st.ShareableKWh > 0 {
		ptype := protocol.ProviderMP
		switch st.Role {
		case RolePlatoonHead:
			ptype = protocol.ProviderPH
		case RoleRREH:
			ptype = protocol.ProviderRREH
		}
		pa.Providers = append(pa.Providers, protocol.ProviderInfo{
			ID:           st.ID,
			Type:         ptype,
			Position:     st.Position,
			Destination:  st.Destination,
			Direction:    st.Velocity.Unit(),
			ShareableKWh: st.ShareableKWh,
		})
	}
	for _, n := range l.neighbors.OneHopProviders() {
		pa.Providers = append(pa.Providers, protocol.ProviderInfo{
			ID:           n.ID,
			Type:         protocol.ProviderMP,
			Position:     n.Position,
			Direction:    n.Direction,
			ShareableKWh: n.ShareableKWh,
		})
	}
	return pa
}

// dedupe records the (originator, seq) pair; reports false when the frame
// was seen before and must be dropped
func (l *providerLayer) dedupe(origin protocol.NodeID, seq uint32) bool {
	key := dedupKey{origin: origin, seq: seq}
	if l.dedup.Contains(key) {
		return false
	}
	l.dedup.Add(key, struct{}{})
	return true
}

// maybeForward re-emits a forwardable frame when TTL allows, this node is
// MPR-active and the previous hop was someone else. The payload is not
// mutated; only ttl and PREVIOUS_HOP change.
func (l *providerLayer) maybeForward(raw []byte, prevHop protocol.NodeID, t protocol.MessageType) {
	self := l.ctx.state.ID
	if prevHop == self {
		return
	}
	if !l.neighbors.IsMPRActive() {
		return
	}
	ttl, err := protocol.ProbeTTL(raw)
	if err != nil || ttl < 2 {
		// ttl would hit zero after decrement: stop here
		return
	}
	cp := append([]byte(nil), raw...)
	if err := protocol.RewriteForForward(cp, self); err != nil {
		log.Errorf("rewriting %s for forward: %v", t, err)
		l.ctx.stats.IncErr("forward_rewrite")
		return
	}
	l.ctx.transmitRaw(cp, t)
}

// handlePA upserts every announced provider
func (l *providerLayer) handlePA(pa *protocol.PA, now float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range pa.Providers {
		info := pa.Providers[i]
		if info.ID == l.ctx.state.ID {
			continue
		}
		e, ok := l.entries[info.ID]
		if !ok {
			e = &ProviderEntry{}
			l.entries[info.ID] = e
		}
		e.ProviderInfo = info
		e.LastSeen = now
		if info.Type == protocol.ProviderRREH && e.Grid == 0 {
			e.Grid = protocol.GridOnline
		}
	}
}

// handleGridStatus upserts the announcing RREH with its grid state
func (l *providerLayer) handleGridStatus(gs *protocol.GridStatus, now float64) {
	if gs.SenderID == l.ctx.state.ID {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[gs.SenderID]
	if !ok {
		e = &ProviderEntry{}
		l.entries[gs.SenderID] = e
	}
	e.ID = gs.SenderID
	e.Type = protocol.ProviderRREH
	e.Position = gs.Position
	e.ShareableKWh = gs.AvailableKWh
	e.Grid = gs.State
	e.QueueLen = gs.QueueLen
	e.LastSeen = now
}

// Candidates returns providers usable for charging, sorted by id.
// Offline RREHs are excluded.
func (l *providerLayer) Candidates() []ProviderEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ProviderEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Grid == protocol.GridOffline {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns a copy of the entry for the given provider
func (l *providerLayer) Lookup(id protocol.NodeID) (ProviderEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return ProviderEntry{}, false
	}
	return *e, true
}

// Remove drops a provider, typically after a handshake timeout
func (l *providerLayer) Remove(id protocol.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
}

// Len returns the provider table size
func (l *providerLayer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
