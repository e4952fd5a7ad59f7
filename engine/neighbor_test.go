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
)

// TestTwoNodeHello wires two engines through a lossless link and checks
// the neighbor tables fill and later prune
func TestTwoNodeHello(t *testing.T) {
	a, aOut, _ := testEngine(t, nil, vehicleState(0x01))
	b, bOut, _ := testEngine(t, nil, vehicleState(0x02))

	exchange := func(ts float64) {
		require.NoError(t, a.Tick(ts))
		require.NoError(t, b.Tick(ts))
		for _, f := range aOut.drain() {
			require.NoError(t, b.Receive(f, ts))
		}
		for _, f := range bOut.drain() {
			require.NoError(t, a.Receive(f, ts))
		}
	}

	exchange(0.0)
	exchange(1.0)

	ne, ok := a.Neighbor(0x02)
	require.True(t, ok)
	require.Equal(t, 1.0, ne.LastHello)
	ne, ok = b.Neighbor(0x01)
	require.True(t, ok)
	require.Equal(t, 1.0, ne.LastHello)

	// A goes silent; B still ticks. 6 seconds after the last HELLO the
	// entry must be gone.
	for _, ts := range []float64{2, 3, 4, 5, 6, 7} {
		require.NoError(t, b.Tick(ts))
	}
	_, ok = b.Neighbor(0x01)
	require.False(t, ok)
}

// TestMPRSelection is the covering-set scenario: E reachable only through
// B, F through C or D, G through D. Expected MPR set {B, D}.
func TestMPRSelection(t *testing.T) {
	const (
		nodeA = protocol.NodeID(0x0a)
		nodeB = protocol.NodeID(0x0b)
		nodeC = protocol.NodeID(0x0c)
		nodeD = protocol.NodeID(0x0d)
		nodeE = protocol.NodeID(0x0e)
		nodeF = protocol.NodeID(0x0f)
		nodeG = protocol.NodeID(0x10)
	)
	e, _, _ := testEngine(t, nil, vehicleState(nodeA))

	require.NoError(t, e.Receive(helloFrom(t, nodeB, 1, []protocol.HelloNeighbor{
		{ID: nodeA, LinkStatus: protocol.LinkSymmetric},
		{ID: nodeE, LinkStatus: protocol.LinkSymmetric},
	}), 0.1))
	require.NoError(t, e.Receive(helloFrom(t, nodeC, 1, []protocol.HelloNeighbor{
		{ID: nodeA, LinkStatus: protocol.LinkSymmetric},
		{ID: nodeF, LinkStatus: protocol.LinkSymmetric},
	}), 0.2))
	require.NoError(t, e.Receive(helloFrom(t, nodeD, 1, []protocol.HelloNeighbor{
		{ID: nodeA, LinkStatus: protocol.LinkSymmetric},
		{ID: nodeF, LinkStatus: protocol.LinkSymmetric},
		{ID: nodeG, LinkStatus: protocol.LinkSymmetric},
	}), 0.3))

	oneHop, twoHop, mprs := e.Neighbors()
	require.Equal(t, []protocol.NodeID{nodeB, nodeC, nodeD}, oneHop)
	require.Equal(t, []protocol.NodeID{nodeE, nodeF, nodeG}, twoHop)
	require.Equal(t, []protocol.NodeID{nodeB, nodeD}, mprs)
}

// MPR cover invariant: the union of two-hop ids covered by the MPR set is
// the full two-hop set
func TestMPRCover(t *testing.T) {
	e, _, _ := testEngine(t, nil, vehicleState(0x01))
	// a denser topology with overlapping coverage
	advertised := map[protocol.NodeID][]protocol.NodeID{
		0x0b: {0x21, 0x22},
		0x0c: {0x22, 0x23, 0x24},
		0x0d: {0x24, 0x25},
		0x0e: {0x21, 0x25},
	}
	ts := 0.0
	for id, adv := range advertised {
		ns := []protocol.HelloNeighbor{{ID: 0x01, LinkStatus: protocol.LinkSymmetric}}
		for _, a := range adv {
			ns = append(ns, protocol.HelloNeighbor{ID: a, LinkStatus: protocol.LinkSymmetric})
		}
		ts += 0.1
		require.NoError(t, e.Receive(helloFrom(t, id, 1, ns), ts))
	}

	_, twoHop, mprs := e.Neighbors()
	covered := map[protocol.NodeID]bool{}
	for _, m := range mprs {
		ne, ok := e.Neighbor(m)
		require.True(t, ok)
		for adv := range ne.Advertised {
			covered[adv] = true
		}
	}
	for _, th := range twoHop {
		require.True(t, covered[th], "two-hop %s uncovered", th)
	}
}

func TestMPREmptyWithoutTwoHop(t *testing.T) {
	e, _, _ := testEngine(t, nil, vehicleState(0x01))
	require.NoError(t, e.Receive(helloFrom(t, 0x02, 1, []protocol.HelloNeighbor{
		{ID: 0x01, LinkStatus: protocol.LinkSymmetric},
	}), 0.1))
	_, twoHop, mprs := e.Neighbors()
	require.Empty(t, twoHop)
	require.Empty(t, mprs)
}

// MPR-activeness comes from HELLOs that list us with the MPR flag
func TestMPRActive(t *testing.T) {
	e, _, _ := testEngine(t, nil, vehicleState(0x01))
	require.False(t, e.IsMPRActive())

	require.NoError(t, e.Receive(helloFrom(t, 0x02, 1, []protocol.HelloNeighbor{
		{ID: 0x01, LinkStatus: protocol.LinkSymmetric, MPR: true},
	}), 0.1))
	require.True(t, e.IsMPRActive())

	// the neighbor can deselect us again
	require.NoError(t, e.Receive(helloFrom(t, 0x02, 2, []protocol.HelloNeighbor{
		{ID: 0x01, LinkStatus: protocol.LinkSymmetric},
	}), 0.6))
	require.False(t, e.IsMPRActive())
}

// the HELLO we emit advertises our one-hop set with our MPR selection
func TestHelloAdvertisesNeighbors(t *testing.T) {
	e, sender, _ := testEngine(t, nil, vehicleState(0x01))
	require.NoError(t, e.Receive(helloFrom(t, 0x02, 1, []protocol.HelloNeighbor{
		{ID: 0x01, LinkStatus: protocol.LinkSymmetric},
		{ID: 0x03, LinkStatus: protocol.LinkSymmetric},
	}), 0.1))
	require.NoError(t, e.Tick(1.0))

	hellos := sender.byKind(t, protocol.MessageHello)
	require.Len(t, hellos, 1)
	h := hellos[0].(*protocol.Hello)
	require.Len(t, h.Neighbors, 1)
	require.Equal(t, protocol.NodeID(0x02), h.Neighbors[0].ID)
	require.Equal(t, protocol.LinkSymmetric, h.Neighbors[0].LinkStatus)
	// 0x02 is our only route to 0x03, so it must be our MPR
	require.True(t, h.Neighbors[0].MPR)
}
