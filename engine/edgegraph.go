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

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/aevnet/mvccp/protocol"
)

// EnergyPath is one scheduled intra-platoon transfer route from a surplus
// member to a deficit member
type EnergyPath struct {
	Source               protocol.NodeID
	Sink                 protocol.NodeID
	Path                 []protocol.NodeID
	Weight               float64
	CumulativeEfficiency float64
}

// edgeEfficiency is the wireless transfer efficiency across distance d:
// 1 / (1 + scale * d^2)
func edgeEfficiency(scale, d float64) float64 {
	return 1 / (1 + scale*d*d)
}

// estTransferTime is the seconds needed to move one kWh across a link
// running at the configured rate, derated by link efficiency
func estTransferTime(rateKW, efficiency float64) float64 {
	return 3600 / (rateKW * efficiency)
}

// platoonNode holds every party of the platoon, head included, with its
// relative position and battery
type platoonNode struct {
	id      protocol.NodeID
	rel     protocol.Vec2
	battery float64
}

func (l *platoonLayer) graphNodesLocked() []platoonNode {
	if l.plt == nil {
		return nil
	}
	st := l.ctx.state
	nodes := []platoonNode{{id: st.ID, rel: protocol.Vec2{}, battery: st.BatteryPct}}
	for _, m := range l.plt.Members {
		nodes = append(nodes, platoonNode{id: m.ID, rel: m.RelPosition, battery: m.BatteryPct})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].id < nodes[j].id })
	return nodes
}

// buildEdgeGraphLocked constructs the directed weighted energy-routing
// graph: an edge (u,v) exists iff the members are within EDGE_MAX_RANGE_M
// and the link efficiency clears EDGE_MIN_EFFICIENCY. The weight is
// w1*d + w2*(1-efficiency) + w3*transfer_time.
func (l *platoonLayer) buildEdgeGraphLocked(nodes []platoonNode) *simple.WeightedDirectedGraph {
	cfg := l.ctx.cfg
	g := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	for _, n := range nodes {
		g.AddNode(simple.Node(int64(n.id)))
	}
	for i := range nodes {
		for j := range nodes {
			if i == j {
				continue
			}
			d := protocol.Distance(nodes[i].rel, nodes[j].rel)
			if d > cfg.EdgeMaxRangeM {
				continue
			}
			eff := edgeEfficiency(cfg.EdgeEfficiencyScale, d)
			if eff < cfg.EdgeMinEfficiency {
				continue
			}
			w := cfg.EdgeWeight.Distance*d +
				cfg.EdgeWeight.Efficiency*(1-eff) +
				cfg.EdgeWeight.TransferTime*estTransferTime(cfg.EdgeTransferRateKW, eff)
			g.SetWeightedEdge(simple.WeightedEdge{
				F: simple.Node(int64(nodes[i].id)),
				T: simple.Node(int64(nodes[j].id)),
				W: w,
			})
		}
	}
	return g
}

// DijkstraEnergyPaths computes min-weight routes from every surplus member
// (battery above the surplus threshold) to every deficit member (below the
// deficit threshold). The head schedules transfers along these routes.
func (l *platoonLayer) DijkstraEnergyPaths() []EnergyPath {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cfg := l.ctx.cfg

	nodes := l.graphNodesLocked()
	if len(nodes) < 2 {
		return nil
	}
	g := l.buildEdgeGraphLocked(nodes)

	rel := map[protocol.NodeID]protocol.Vec2{}
	var surplus, deficit []protocol.NodeID
	for _, n := range nodes {
		rel[n.id] = n.rel
		switch {
		case n.battery > cfg.SurplusThresholdPct:
			surplus = append(surplus, n.id)
		case n.battery < cfg.DeficitThresholdPct:
			deficit = append(deficit, n.id)
		}
	}

	var out []EnergyPath
	for _, src := range surplus {
		shortest := path.DijkstraFrom(g.Node(int64(src)), g)
		for _, sink := range deficit {
			nodesOnPath, weight := shortest.To(int64(sink))
			if len(nodesOnPath) < 2 {
				continue
			}
			ep := EnergyPath{
				Source:               src,
				Sink:                 sink,
				Weight:               weight,
				CumulativeEfficiency: 1,
			}
			var prev graph.Node
			for _, n := range nodesOnPath {
				id := protocol.NodeID(n.ID())
				ep.Path = append(ep.Path, id)
				if prev != nil {
					d := protocol.Distance(rel[protocol.NodeID(prev.ID())], rel[id])
					ep.CumulativeEfficiency *= edgeEfficiency(cfg.EdgeEfficiencyScale, d)
				}
				prev = n
			}
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Sink < out[j].Sink
	})
	return out
}

// formationEfficiencyLocked is the mean link efficiency along the platoon
// chain in formation order; the announce carries it so consumers can
// prefer tight platoons
func (l *platoonLayer) formationEfficiencyLocked() float64 {
	if l.plt == nil || len(l.plt.Members) == 0 {
		return 1
	}
	cfg := l.ctx.cfg
	chain := append([]*Member(nil), l.plt.Members...)
	sort.Slice(chain, func(i, j int) bool { return chain[i].RelIndex < chain[j].RelIndex })
	prev := protocol.Vec2{} // head
	sum := 0.0
	for _, m := range chain {
		sum += edgeEfficiency(cfg.EdgeEfficiencyScale, protocol.Distance(prev, m.RelPosition))
		prev = m.RelPosition
	}
	return sum / float64(len(chain))
}
