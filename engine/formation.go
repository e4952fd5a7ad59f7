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

// computeOptimalFormation produces an advisory target relative position
// for every member: a staggered column behind the head with the configured
// minimum inter-vehicle gap, bounded laterally by the lane width and
// longitudinally by the maximum platoon extent. Members adjust toward the
// targets through the external mobility collaborator.
func (l *platoonLayer) computeOptimalFormation(_ float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.plt == nil {
		return
	}
	cfg := l.ctx.cfg

	chain := append([]*Member(nil), l.plt.Members...)
	sort.Slice(chain, func(i, j int) bool {
		if chain[i].RelIndex != chain[j].RelIndex {
			return chain[i].RelIndex < chain[j].RelIndex
		}
		return chain[i].ID < chain[j].ID
	})

	targets := []protocol.FormationTarget{{ID: l.plt.HeadID, Target: protocol.Vec2{}}}
	for i, m := range chain {
		// re-densify indexes after member churn
		m.RelIndex = uint8(i + 1)
		long := -float64(i+1) * cfg.FormationMinGapM
		if -long > cfg.FormationMaxLengthM {
			long = -cfg.FormationMaxLengthM
		}
		lat := cfg.FormationMaxLateralM / 2
		if i%2 == 1 {
			lat = -lat
		}
		targets = append(targets, protocol.FormationTarget{
			ID:     m.ID,
			Target: protocol.Vec2{X: long, Y: lat},
		})
	}
	l.plt.Formation = targets
}
