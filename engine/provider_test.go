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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aevnet/mvccp/protocol"
	"github.com/aevnet/mvccp/stats"
)

// makeMPRActive injects a HELLO that selects the node as MPR
func makeMPRActive(t *testing.T, e *Engine, self, from protocol.NodeID, ts float64) {
	t.Helper()
	require.NoError(t, e.Receive(helloFrom(t, from, 1, []protocol.HelloNeighbor{
		{ID: self, LinkStatus: protocol.LinkSymmetric, MPR: true},
	}), ts))
}

func paFrame(t *testing.T, origin protocol.NodeID, seq uint32, ttl uint8, prevHop protocol.NodeID) []byte {
	t.Helper()
	pa := &protocol.PA{
		Header:      protocol.Header{SenderID: origin, SeqNum: seq, TTL: ttl},
		PreviousHop: prevHop,
		Providers: []protocol.ProviderInfo{
			{ID: origin, Type: protocol.ProviderMP, ShareableKWh: 25, Position: protocol.Vec2{X: 1}},
		},
	}
	b, err := protocol.Bytes(pa)
	require.NoError(t, err)
	return b
}

// TestPAForwardingWithDedup is the line-topology scenario: an MPR-active
// node forwards a PA exactly once, rewriting ttl and PREVIOUS_HOP only
func TestPAForwardingWithDedup(t *testing.T) {
	const (
		nodeA = protocol.NodeID(0x0a)
		nodeB = protocol.NodeID(0x0b)
		nodeX = protocol.NodeID(0x1a)
	)
	e, sender, sts := testEngine(t, nil, vehicleState(nodeB))
	makeMPRActive(t, e, nodeB, nodeX, 0.1)
	sender.drain()

	orig := paFrame(t, nodeA, 7, 4, nodeA)
	require.NoError(t, e.Receive(orig, 0.5))

	// provider recorded
	p, ok := e.Provider(nodeA)
	require.True(t, ok)
	require.Equal(t, 25.0, p.ShareableKWh)
	require.Equal(t, 0.5, p.LastSeen)

	// forwarded once with ttl-1 and PREVIOUS_HOP rewritten
	fwd := sender.byKind(t, protocol.MessagePA)
	require.Len(t, fwd, 1)
	fwdPA := fwd[0].(*protocol.PA)
	require.Equal(t, nodeA, fwdPA.SenderID)
	require.Equal(t, uint32(7), fwdPA.SeqNum)
	require.Equal(t, uint8(3), fwdPA.TTL)
	require.Equal(t, nodeB, fwdPA.PreviousHop)
	// payload content untouched
	require.Equal(t, []protocol.ProviderInfo{
		{ID: nodeA, Type: protocol.ProviderMP, ShareableKWh: 25, Position: protocol.Vec2{X: 1}},
	}, fwdPA.Providers)

	// a replay of the same (originator, seq) is dropped silently
	sender.drain()
	require.NoError(t, e.Receive(paFrame(t, nodeA, 7, 3, nodeX), 0.7))
	require.Empty(t, sender.byKind(t, protocol.MessagePA))
	require.Equal(t, int64(1), sts.Get(stats.DropPrefix+"duplicate"))
}

// ttl that would hit zero after decrement stops forwarding
func TestPATTLStop(t *testing.T) {
	e, sender, _ := testEngine(t, nil, vehicleState(0x0b))
	makeMPRActive(t, e, 0x0b, 0x1a, 0.1)
	sender.drain()

	require.NoError(t, e.Receive(paFrame(t, 0x0a, 9, 1, 0x0a), 0.5))
	_, ok := e.Provider(0x0a)
	require.True(t, ok)
	require.Empty(t, sender.byKind(t, protocol.MessagePA))
}

// a node that is not MPR-active never forwards
func TestPANoForwardWhenNotMPRActive(t *testing.T) {
	e, sender, _ := testEngine(t, nil, vehicleState(0x0b))
	require.NoError(t, e.Receive(paFrame(t, 0x0a, 3, 4, 0x0a), 0.5))
	_, ok := e.Provider(0x0a)
	require.True(t, ok)
	require.Empty(t, sender.byKind(t, protocol.MessagePA))
}

// a PA whose PREVIOUS_HOP already says self must not loop back out
func TestPANoForwardOwnHop(t *testing.T) {
	e, sender, _ := testEngine(t, nil, vehicleState(0x0b))
	makeMPRActive(t, e, 0x0b, 0x1a, 0.1)
	sender.drain()

	require.NoError(t, e.Receive(paFrame(t, 0x0a, 4, 4, 0x0b), 0.5))
	require.Empty(t, sender.byKind(t, protocol.MessagePA))
}

// MPR-active nodes originate PAs aggregating self and one-hop providers
func TestPAOrigination(t *testing.T) {
	st := vehicleState(0x0b)
	st.ProviderCapable = true
	st.BatteryPct = 90
	st.Willingness = 6
	st.ShareableKWh = 30
	e, sender, _ := testEngine(t, nil, st)
	makeMPRActive(t, e, 0x0b, 0x1a, 0.1)

	// a provider neighbor shows up in HELLO
	h := &protocol.Hello{
		Header:       protocol.Header{SenderID: 0x0c, SeqNum: 1},
		Provider:     true,
		ShareableKWh: 12,
		BatteryPct:   70,
	}
	b, err := protocol.Bytes(h)
	require.NoError(t, err)
	require.NoError(t, e.Receive(b, 0.2))

	sender.drain()
	require.NoError(t, e.Tick(1.0))

	pas := sender.byKind(t, protocol.MessagePA)
	require.Len(t, pas, 1)
	pa := pas[0].(*protocol.PA)
	require.Equal(t, protocol.NodeID(0x0b), pa.SenderID)
	require.Equal(t, protocol.NodeID(0x0b), pa.PreviousHop)
	require.Equal(t, DefaultConfig().PATTLDefault, pa.TTL)
	require.Len(t, pa.Providers, 2)
	require.Equal(t, protocol.NodeID(0x0b), pa.Providers[0].ID)
	require.Equal(t, protocol.ProviderPH, pa.Providers[0].Type)
	require.Equal(t, protocol.NodeID(0x0c), pa.Providers[1].ID)
	require.Equal(t, 12.0, pa.Providers[1].ShareableKWh)
}

func TestDensityTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTLMode = TTLModeDensity

	l := &providerLayer{ctx: &Context{cfg: cfg}, neighbors: newNeighborLayer(&Context{cfg: cfg, state: NodeState{ID: 0x01}})}
	// no neighbors: clamp(8 - log2(1)) = 8
	require.Equal(t, uint8(8), l.computeTTL())

	// 16 neighbors: 8 - 4 = 4
	for i := 0; i < 16; i++ {
		l.neighbors.entries[protocol.NodeID(0x20+i)] = &NeighborEntry{}
	}
	require.Equal(t, uint8(4), l.computeTTL())

	// 512 neighbors: clamps at pa_ttl_min
	for i := 0; i < 512; i++ {
		l.neighbors.entries[protocol.NodeID(0x1000+i)] = &NeighborEntry{}
	}
	require.Equal(t, cfg.PATTLMin, l.computeTTL())
}

func TestProviderPruning(t *testing.T) {
	e, _, _ := testEngine(t, nil, vehicleState(0x0b))
	require.NoError(t, e.Receive(paFrame(t, 0x0a, 1, 4, 0x0a), 0.5))
	_, ok := e.Provider(0x0a)
	require.True(t, ok)

	// within timeout
	require.NoError(t, e.Tick(10.0))
	_, ok = e.Provider(0x0a)
	require.True(t, ok)

	// past timeout
	require.NoError(t, e.Tick(10.6))
	_, ok = e.Provider(0x0a)
	require.False(t, ok)
}

func TestGridStatusUpdatesProviderTable(t *testing.T) {
	e, _, _ := testEngine(t, nil, vehicleState(0x0b))
	gs := &protocol.GridStatus{
		Header:       protocol.Header{SenderID: 0x0e, SeqNum: 1, TTL: 4},
		PreviousHop:  0x0e,
		State:        protocol.GridLimited,
		QueueLen:     3,
		AvailableKWh: 9,
	}
	b, err := protocol.Bytes(gs)
	require.NoError(t, err)
	require.NoError(t, e.Receive(b, 1.0))

	p, ok := e.Provider(0x0e)
	require.True(t, ok)
	require.Equal(t, protocol.ProviderRREH, p.Type)
	require.Equal(t, protocol.GridLimited, p.Grid)
	require.Equal(t, uint8(3), p.QueueLen)

	// an OFFLINE hub disappears from the candidate list but not the table
	gs.State = protocol.GridOffline
	gs.SeqNum = 2
	b, err = protocol.Bytes(gs)
	require.NoError(t, err)
	require.NoError(t, e.Receive(b, 1.5))
	require.Empty(t, e.Providers())
	_, ok = e.Provider(0x0e)
	require.True(t, ok)
}
