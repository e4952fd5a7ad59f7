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

const (
	headID = protocol.NodeID(0x30)
	m1ID   = protocol.NodeID(0x31)
	m2ID   = protocol.NodeID(0x32)
	m3ID   = protocol.NodeID(0x33)
)

func statusFrame(t *testing.T, from protocol.NodeID, platoon protocol.NodeID, battery float64, pos protocol.Vec2) []byte {
	t.Helper()
	ps := &protocol.PlatoonStatus{
		Header:     protocol.Header{SenderID: from, SeqNum: 1},
		PlatoonID:  platoon,
		BatteryPct: battery,
		Position:   pos,
	}
	b, err := protocol.Bytes(ps)
	require.NoError(t, err)
	return b
}

// headWithMembers forms a platoon {H, M1, M2, M3} at the given road
// offsets from the head
func headWithMembers(t *testing.T, cfg *Config) (*Engine, *captureSender, *stats.JSONStats) {
	t.Helper()
	st := providerState(headID)
	st.BatteryKWh = 85
	st.BatteryPct = 85
	st.Velocity = protocol.Vec2{}
	e, sender, sts := testEngine(t, cfg, st)
	require.NoError(t, e.Tick(0.0))
	require.Equal(t, RolePlatoonHead, e.State().Role)

	e.platoons.authorize(m1ID)
	e.platoons.authorize(m2ID)
	e.platoons.authorize(m3ID)
	require.NoError(t, e.Receive(statusFrame(t, m1ID, headID, 50, protocol.Vec2{X: 2}), 0.1))
	require.NoError(t, e.Receive(statusFrame(t, m2ID, headID, 50, protocol.Vec2{X: 5}), 0.2))
	require.NoError(t, e.Receive(statusFrame(t, m3ID, headID, 25, protocol.Vec2{X: 8}), 0.3))
	require.Len(t, e.PlatoonMembers(), 3)
	return e, sender, sts
}

// TestDijkstraEnergyPaths: the surplus head routes energy to the deficit
// tail through intermediate members because short hops keep the link
// efficiency high
func TestDijkstraEnergyPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EdgeWeight = EdgeWeights{Distance: 1, Efficiency: 10, TransferTime: 0}
	e, _, _ := headWithMembers(t, cfg)

	paths := e.EnergyPaths()
	require.Len(t, paths, 1)
	ep := paths[0]
	require.Equal(t, headID, ep.Source)
	require.Equal(t, m3ID, ep.Sink)
	require.Equal(t, []protocol.NodeID{headID, m1ID, m2ID, m3ID}, ep.Path)
	require.InDelta(t, 0.81, ep.CumulativeEfficiency, 0.01)

	// direct link would have been worse: d=8 vs three short hops
	direct := 8 + 10*(1-edgeEfficiency(cfg.EdgeEfficiencyScale, 8))
	require.Greater(t, direct, ep.Weight)
}

func TestEdgeModel(t *testing.T) {
	require.InDelta(t, 0.962, edgeEfficiency(0.01, 2), 0.001)
	require.InDelta(t, 0.917, edgeEfficiency(0.01, 3), 0.001)
	require.InDelta(t, 0.610, edgeEfficiency(0.01, 8), 0.001)

	// edges past max range are excluded: with range 6 there is no direct
	// H->M3 (d=8) link, and with the default transfer-time weight the
	// two-hop route through M2 wins over three short hops
	cfg := DefaultConfig()
	cfg.EdgeMaxRangeM = 6.0
	e, _, _ := headWithMembers(t, cfg)
	paths := e.EnergyPaths()
	require.Len(t, paths, 1)
	require.Equal(t, []protocol.NodeID{headID, m2ID, m3ID}, paths[0].Path)
}

// TestFormation: staggered column behind the head, bounded by lane and
// length constraints
func TestFormation(t *testing.T) {
	e, sender, _ := headWithMembers(t, nil)
	sender.drain()
	require.NoError(t, e.Tick(2.0))

	beacons := sender.byKind(t, protocol.MessagePlatoonBeacon)
	require.Len(t, beacons, 1)
	pb := beacons[0].(*protocol.PlatoonBeacon)
	require.Equal(t, headID, pb.HeadID)
	require.Len(t, pb.Members, 3)
	require.Len(t, pb.Formation, 4) // head + members

	cfg := DefaultConfig()
	byID := map[protocol.NodeID]protocol.Vec2{}
	for _, f := range pb.Formation {
		byID[f.ID] = f.Target
	}
	require.Equal(t, protocol.Vec2{}, byID[headID])
	require.Equal(t, protocol.Vec2{X: -cfg.FormationMinGapM, Y: cfg.FormationMaxLateralM / 2}, byID[m1ID])
	require.Equal(t, protocol.Vec2{X: -2 * cfg.FormationMinGapM, Y: -cfg.FormationMaxLateralM / 2}, byID[m2ID])
	require.Equal(t, protocol.Vec2{X: -3 * cfg.FormationMinGapM, Y: cfg.FormationMaxLateralM / 2}, byID[m3ID])

	for _, f := range pb.Formation {
		require.LessOrEqual(t, -f.Target.X, cfg.FormationMaxLengthM)
		require.LessOrEqual(t, f.Target.Y, cfg.FormationMaxLateralM)
	}
}

// TestPlatoonAnnounceScoring: consumers keep a scored platoon table and
// pick the best-aligned, closest platoon
func TestPlatoonAnnounceScoring(t *testing.T) {
	st := vehicleState(0xc1)
	st.NeedKWh = 20
	e, _, _ := testEngine(t, nil, st)

	announce := func(platoon, head protocol.NodeID, pos protocol.Vec2, dir protocol.Vec2, slots uint8) {
		a := &protocol.PlatoonAnnounce{
			Header:         protocol.Header{SenderID: head, SeqNum: 1, TTL: 4},
			PreviousHop:    head,
			PlatoonID:      platoon,
			HeadID:         head,
			Position:       pos,
			Direction:      dir,
			AvailableSlots: slots,
			SurplusKWh:     30,
		}
		b, err := protocol.Bytes(a)
		require.NoError(t, err)
		require.NoError(t, e.Receive(b, 1.0))
	}
	announce(0x51, 0x51, protocol.Vec2{X: 100}, protocol.Vec2{X: 1}, 3)
	announce(0x52, 0x52, protocol.Vec2{X: 1000}, protocol.Vec2{X: -1}, 3)
	announce(0x53, 0x53, protocol.Vec2{X: 100}, protocol.Vec2{X: 1}, 0) // full

	require.Len(t, e.Platoons(), 3)
	best := e.platoons.FindBestPlatoon(protocol.Vec2{}, protocol.Vec2{X: 1}, 20)
	require.NotNil(t, best)
	require.Equal(t, protocol.NodeID(0x51), best.PlatoonID)

	// entries expire after PLATOON_ENTRY_TIMEOUT
	require.NoError(t, e.Tick(17.0))
	require.Empty(t, e.Platoons())
}

func TestPlatoonAnnounceTieBreak(t *testing.T) {
	st := vehicleState(0xc1)
	e, _, _ := testEngine(t, nil, st)
	for _, id := range []protocol.NodeID{0x52, 0x51} {
		a := &protocol.PlatoonAnnounce{
			Header:         protocol.Header{SenderID: id, SeqNum: 1, TTL: 4},
			PreviousHop:    id,
			PlatoonID:      id,
			HeadID:         id,
			Position:       protocol.Vec2{X: 100},
			Direction:      protocol.Vec2{X: 1},
			AvailableSlots: 2,
			SurplusKWh:     30,
		}
		b, err := protocol.Bytes(a)
		require.NoError(t, err)
		require.NoError(t, e.Receive(b, 1.0))
	}
	best := e.platoons.FindBestPlatoon(protocol.Vec2{}, protocol.Vec2{X: 1}, 10)
	require.NotNil(t, best)
	require.Equal(t, protocol.NodeID(0x51), best.PlatoonID)
}

// TestBeaconLoss: a member that misses N consecutive beacons leaves the
// platoon and returns to standalone operation
func TestBeaconLoss(t *testing.T) {
	m, _, sts := testEngine(t, nil, vehicleState(m1ID))
	m.platoons.joinPlatoon(headID, headID, 0.0)
	require.NoError(t, m.Tick(0.5))
	require.Equal(t, RolePlatoonMember, m.State().Role)

	// beacons keep the membership alive
	pb := &protocol.PlatoonBeacon{
		Header:    protocol.Header{SenderID: headID, SeqNum: 1},
		PlatoonID: headID,
		HeadID:    headID,
		Members:   []protocol.MemberInfo{{ID: m1ID, RelIndex: 1}},
	}
	b, err := protocol.Bytes(pb)
	require.NoError(t, err)
	require.NoError(t, m.Receive(b, 2.0))
	require.NoError(t, m.Tick(6.0))
	require.Equal(t, protocol.NodeID(headID), m.platoons.MemberOf())

	// silence: 3 * beacon_interval after the last beacon the member leaves
	require.NoError(t, m.Tick(8.5))
	require.Equal(t, protocol.NodeID(0), m.platoons.MemberOf())
	require.Equal(t, int64(1), sts.Get(stats.ErrPrefix+cntStaleBeacon))
	require.NoError(t, m.Tick(9.0))
	require.NotEqual(t, RolePlatoonMember, m.State().Role)
}

// TestMemberEmitsStatus: members report battery and position every beacon
// interval
func TestMemberEmitsStatus(t *testing.T) {
	m, sender, _ := testEngine(t, nil, vehicleState(m1ID))
	m.platoons.joinPlatoon(headID, headID, 0.0)
	require.NoError(t, m.Tick(0.5))

	statuses := sender.byKind(t, protocol.MessagePlatoonStatus)
	require.Len(t, statuses, 1)
	ps := statuses[0].(*protocol.PlatoonStatus)
	require.Equal(t, protocol.NodeID(headID), ps.PlatoonID)
	require.Equal(t, m.State().BatteryPct, ps.BatteryPct)

	// not again before the interval passes
	sender.drain()
	require.NoError(t, m.Tick(1.0))
	require.Empty(t, sender.byKind(t, protocol.MessagePlatoonStatus))
	require.NoError(t, m.Tick(2.5))
	require.Len(t, sender.byKind(t, protocol.MessagePlatoonStatus), 1)
}

// TestPHHandoff: a drained head elects the best member and transfers
// ownership through a distinguished beacon
func TestPHHandoff(t *testing.T) {
	e, sender, _ := headWithMembers(t, nil)
	require.NoError(t, e.Tick(2.0))
	sender.drain()

	// the head runs out of juice
	require.NoError(t, e.ApplyMobilityAndEnergy(2.5, protocol.Vec2{}, protocol.Vec2{}, 20))
	require.NoError(t, e.Tick(4.0))

	beacons := sender.byKind(t, protocol.MessagePlatoonBeacon)
	require.Len(t, beacons, 1)
	pb := beacons[0].(*protocol.PlatoonBeacon)
	// M1 and M2 tie on battery; M1 is closer to the head
	require.Equal(t, m1ID, pb.NewHead)

	require.False(t, e.platoons.OwnsPlatoon())
	require.NoError(t, e.Tick(5.0))
	require.Equal(t, RolePlatoonMember, e.State().Role)
}

// TestAdoptPlatoon: the member named in the handoff beacon becomes the new
// head and inherits the member list
func TestAdoptPlatoon(t *testing.T) {
	m, _, _ := testEngine(t, nil, providerState(m1ID))
	// it is a plain provider vehicle before the handoff
	m.platoons.joinPlatoon(headID, headID, 0.0)
	require.NoError(t, m.Tick(0.5))

	pb := &protocol.PlatoonBeacon{
		Header:    protocol.Header{SenderID: headID, SeqNum: 9},
		PlatoonID: headID,
		HeadID:    headID,
		Position:  protocol.Vec2{X: 2},
		Members: []protocol.MemberInfo{
			{ID: m1ID, RelIndex: 1, RelPosition: protocol.Vec2{X: -2}},
			{ID: m2ID, RelIndex: 2, RelPosition: protocol.Vec2{X: -5}, BatteryPct: 50},
		},
		NewHead: m1ID,
	}
	b, err := protocol.Bytes(pb)
	require.NoError(t, err)
	require.NoError(t, m.Receive(b, 1.0))

	require.True(t, m.platoons.OwnsPlatoon())
	require.Equal(t, protocol.NodeID(0), m.platoons.MemberOf())
	members := m.PlatoonMembers()
	require.Len(t, members, 2) // M2 plus the departing head
	require.NoError(t, m.Tick(1.5))
	require.Equal(t, RolePlatoonHead, m.State().Role)
}
