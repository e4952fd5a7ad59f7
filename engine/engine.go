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

/*
Package engine implements the MVCCP core protocol engine: a deterministic,
simulation-time driven state machine where every node consumes ticks and
incoming frames in a single ordered stream. The four protocol layers
(neighbor discovery, provider announcements, charging coordination,
platoon coordination) share a Context and are driven strictly in order.
*/
package engine

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/aevnet/mvccp/protocol"
	"github.com/aevnet/mvccp/stats"
)

// Engine is one node's protocol engine. Both entry points, Tick and
// Receive, advance simulation time first and never suspend.
type Engine struct {
	ctx *Context

	neighbors *neighborLayer
	providers *providerLayer
	charging  *chargingLayer
	platoons  *platoonLayer
}

// New assembles an engine from config, initial node state, the PHY sink
// and a stats sink
func New(cfg *Config, state NodeState, sender Sender, sts stats.Stats) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if state.ID == 0 {
		return nil, fmt.Errorf("node identity must be set")
	}
	if sts == nil {
		sts = stats.NoopStats{}
	}
	ctx := &Context{
		cfg:    cfg,
		stats:  sts,
		sender: sender,
		state:  state,
	}
	neighbors := newNeighborLayer(ctx)
	providers, err := newProviderLayer(ctx, neighbors)
	if err != nil {
		return nil, err
	}
	platoons := newPlatoonLayer(ctx, neighbors, providers)
	charging := newChargingLayer(ctx, providers, platoons)
	e := &Engine{
		ctx:       ctx,
		neighbors: neighbors,
		providers: providers,
		charging:  charging,
		platoons:  platoons,
	}
	// settle the initial role before the first tick
	charging.evaluateRole(0)
	return e, nil
}

// Tick advances the node to simulation time t and runs every layer's
// periodic work in the fixed order A, B, C, D
func (e *Engine) Tick(t float64) error {
	if err := e.ctx.UpdateTime(t); err != nil {
		return err
	}
	now := e.ctx.Now()
	e.neighbors.tick(now)
	e.providers.tick(now)
	e.charging.tick(now)
	e.platoons.tick(now)
	return nil
}

// Receive processes one raw frame delivered by the transport at
// eventTime. Codec failures are dropped and counted, never surfaced.
func (e *Engine) Receive(frame []byte, eventTime float64) error {
	if err := e.ctx.UpdateTime(eventTime); err != nil {
		return err
	}
	now := e.ctx.Now()

	// the orchestrator owns the buffer it handed us
	raw := append([]byte(nil), frame...)
	p, err := protocol.DecodePacket(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrCodec) {
			log.Debugf("dropping malformed frame: %v", err)
			e.ctx.stats.IncDrop("codec")
			return nil
		}
		return err
	}

	t := p.MessageType()
	e.ctx.stats.IncRX(t)

	switch msg := p.(type) {
	case *protocol.Hello:
		e.neighbors.handleHello(msg, now)
	case *protocol.PA:
		if !e.providers.dedupe(msg.SenderID, msg.SeqNum) {
			e.ctx.stats.IncDrop("duplicate")
			return nil
		}
		e.providers.handlePA(msg, now)
		e.providers.maybeForward(raw, msg.PreviousHop, t)
	case *protocol.PlatoonAnnounce:
		if !e.providers.dedupe(msg.SenderID, msg.SeqNum) {
			e.ctx.stats.IncDrop("duplicate")
			return nil
		}
		e.platoons.handlePlatoonAnnounce(msg, now)
		e.providers.maybeForward(raw, msg.PreviousHop, t)
	case *protocol.GridStatus:
		if !e.providers.dedupe(msg.SenderID, msg.SeqNum) {
			e.ctx.stats.IncDrop("duplicate")
			return nil
		}
		e.providers.handleGridStatus(msg, now)
		e.providers.maybeForward(raw, msg.PreviousHop, t)
	case *protocol.JoinOffer:
		e.charging.handleJoinOffer(msg, now)
	case *protocol.JoinAccept:
		e.charging.handleJoinAccept(msg, now)
	case *protocol.Ack:
		e.charging.handleAck(msg, now)
	case *protocol.AckAck:
		e.charging.handleAckAck(msg, now)
	case *protocol.PlatoonBeacon:
		e.platoons.handlePlatoonBeacon(msg, now)
	case *protocol.PlatoonStatus:
		e.platoons.handlePlatoonStatus(msg, now)
	}
	return nil
}

// ApplyMobilityAndEnergy is the authoritative mobility/energy push from
// the mobility simulator. Apart from SetNeed and SetShareable, only this
// call and the role manager mutate NodeState.
func (e *Engine) ApplyMobilityAndEnergy(t float64, position, velocity protocol.Vec2, batteryKWh float64) error {
	if err := e.ctx.UpdateTime(t); err != nil {
		return err
	}
	st := &e.ctx.state
	st.Position = position
	st.Velocity = velocity

	charged := batteryKWh - st.BatteryKWh
	st.BatteryKWh = batteryKWh
	if st.CapacityKWh > 0 {
		st.BatteryPct = 100 * batteryKWh / st.CapacityKWh
		if st.BatteryPct > 100 {
			st.BatteryPct = 100
		}
	}
	// an active need shrinks as energy arrives
	if st.NeedKWh > 0 && charged > 0 {
		st.NeedKWh -= charged
		if st.NeedKWh < 0 {
			st.NeedKWh = 0
		}
	}
	return nil
}

// SetNeed registers an active charging need, turning the node into a
// consumer at the next tick boundary
func (e *Engine) SetNeed(kwh float64) {
	e.ctx.state.NeedKWh = kwh
}

// SetShareable updates the energy the node offers as a provider
func (e *Engine) SetShareable(kwh float64) {
	e.ctx.state.ShareableKWh = kwh
}

// State returns a copy of the node state
func (e *Engine) State() NodeState {
	return e.ctx.State()
}

// Now returns the node's current simulation time
func (e *Engine) Now() float64 {
	return e.ctx.Now()
}

// Neighbors returns the neighbor table snapshot accessors
func (e *Engine) Neighbors() ([]protocol.NodeID, []protocol.NodeID, []protocol.NodeID) {
	var oneHop []protocol.NodeID
	for _, id := range e.neighbors.sortedIDs() {
		oneHop = append(oneHop, id)
	}
	return oneHop, e.neighbors.TwoHopSet(), e.neighbors.MPRSet()
}

// Neighbor looks up one neighbor entry
func (e *Engine) Neighbor(id protocol.NodeID) (NeighborEntry, bool) {
	return e.neighbors.Neighbor(id)
}

// IsMPRActive reports whether any neighbor selected this node as MPR
func (e *Engine) IsMPRActive() bool {
	return e.neighbors.IsMPRActive()
}

// Providers returns the provider table snapshot without OFFLINE hubs
func (e *Engine) Providers() []ProviderEntry {
	return e.providers.Candidates()
}

// Provider looks up one provider entry
func (e *Engine) Provider(id protocol.NodeID) (ProviderEntry, bool) {
	return e.providers.Lookup(id)
}

// Sessions returns the live charging sessions
func (e *Engine) Sessions() []Session {
	return e.charging.Sessions()
}

// Platoons returns the consumer-side platoon table
func (e *Engine) Platoons() []PlatoonEntry {
	return e.platoons.PlatoonTable()
}

// PlatoonMembers returns the head-side member list
func (e *Engine) PlatoonMembers() []Member {
	return e.platoons.Members()
}

// EnergyPaths computes the current surplus-to-deficit transfer routes
func (e *Engine) EnergyPaths() []EnergyPath {
	return e.platoons.DijkstraEnergyPaths()
}

// GridState returns the RREH grid state
func (e *Engine) GridState() protocol.GridState {
	return e.charging.GridState()
}
