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

	"github.com/aevnet/mvccp/protocol"
)

// qosRank combines the per-neighbor QoS metrics into a single score used
// to break coverage ties during MPR selection. Higher is better. The
// weights come from ProtocolConfig; the combination is a weighted sum
// with willingness, battery and stability contributing and ETX, jitter,
// relative speed and lane congestion penalizing.
func (l *neighborLayer) qosRankLocked(e *NeighborEntry, now float64) float64 {
	w := l.ctx.cfg.QoS
	st := l.ctx.state
	rank := w.Willingness * float64(e.Willingness) / 7.0
	rank += w.Battery * e.BatteryPct / 100.0
	rank -= w.ETX * e.LinkETX
	rank -= w.Jitter * e.JitterMS(now) / 1000.0
	rank -= w.RelSpeed * st.Velocity.Sub(e.Velocity).Norm() / 100.0
	rank -= w.Lane * e.LinkLane
	rank += w.Stability * e.Stability(now, l.ctx.cfg.HelloInterval)
	return rank
}

// selectMPRsLocked runs the QoS-weighted greedy OLSR MPR selection over
// the current table snapshot. Deterministic: all ties break on QoS rank,
// then on lower NodeID.
func (l *neighborLayer) selectMPRsLocked(now float64) map[protocol.NodeID]struct{} {
	mpr := map[protocol.NodeID]struct{}{}
	if len(l.twoHop) == 0 {
		return mpr
	}

	uncovered := make(map[protocol.NodeID]struct{}, len(l.twoHop))
	for id := range l.twoHop {
		uncovered[id] = struct{}{}
	}

	// coverage per one-hop neighbor
	covers := map[protocol.NodeID]map[protocol.NodeID]struct{}{}
	for twoHopID, coverSet := range l.twoHop {
		for oneHopID := range coverSet {
			m, ok := covers[oneHopID]
			if !ok {
				m = map[protocol.NodeID]struct{}{}
				covers[oneHopID] = m
			}
			m[twoHopID] = struct{}{}
		}
	}

	take := func(n protocol.NodeID) {
		mpr[n] = struct{}{}
		for twoHopID := range covers[n] {
			delete(uncovered, twoHopID)
		}
	}

	// step 2: two-hop ids reachable only through a single neighbor
	singles := make([]protocol.NodeID, 0)
	for twoHopID, coverSet := range l.twoHop {
		if len(coverSet) != 1 {
			continue
		}
		singles = append(singles, twoHopID)
	}
	sort.Slice(singles, func(i, j int) bool { return singles[i] < singles[j] })
	for _, twoHopID := range singles {
		for oneHopID := range l.twoHop[twoHopID] {
			if _, taken := mpr[oneHopID]; !taken {
				take(oneHopID)
			}
		}
	}

	// step 3: greedy max-coverage on the rest
	for len(uncovered) > 0 {
		var best protocol.NodeID
		bestCoverage := -1
		bestRank := 0.0
		for _, n := range l.sortedIDsLocked() {
			if _, taken := mpr[n]; taken {
				continue
			}
			coverage := 0
			for twoHopID := range covers[n] {
				if _, u := uncovered[twoHopID]; u {
					coverage++
				}
			}
			if coverage == 0 {
				continue
			}
			rank := l.qosRankLocked(l.entries[n], now)
			if coverage > bestCoverage ||
				(coverage == bestCoverage && rank > bestRank) ||
				(coverage == bestCoverage && rank == bestRank && n < best) {
				best, bestCoverage, bestRank = n, coverage, rank
			}
		}
		if bestCoverage <= 0 {
			// remaining two-hop ids have no live cover
			break
		}
		take(best)
	}
	return mpr
}
