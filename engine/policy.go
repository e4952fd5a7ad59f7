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
	"github.com/Knetic/govaluate"
	log "github.com/sirupsen/logrus"

	"github.com/aevnet/mvccp/protocol"
)

// PolicyHelp documents the variables available in policy_expression
const PolicyHelp = `When composing policy_expression, here is what you can do:
supported operations:
  evaluation is done with govaluate, please check https://github.com/Knetic/govaluate/blob/master/MANUAL.md
supported variables:
  green_fraction  (renewable share of the candidate, 0..1)
  detour          (distance to the candidate in km)
  deadline_slack  (candidate availability in minutes, capped at 1)
  cost            (required/shareable energy ratio, 0..1)
  direction_match (travel direction alignment, -1..1)`

// renewable share by provider type. RREHs are renewable by definition;
// platoons recover braking energy; plain mobile providers share whatever
// is in the pack.
var greenFraction = map[protocol.ProviderType]float64{
	protocol.ProviderRREH: 1.0,
	protocol.ProviderPH:   0.6,
	protocol.ProviderMP:   0.4,
}

type policyVars struct {
	greenFraction  float64
	detour         float64
	deadlineSlack  float64
	cost           float64
	directionMatch float64
}

func (l *chargingLayer) candidateVars(e *ProviderEntry) policyVars {
	st := l.ctx.state
	v := policyVars{
		greenFraction:  greenFraction[e.Type],
		detour:         protocol.Distance(st.Position, e.Position) / 1000.0,
		directionMatch: st.Velocity.Unit().Dot(e.Direction),
	}
	slack := e.AvailabilityS / 60.0
	if slack > 1 {
		slack = 1
	}
	v.deadlineSlack = slack
	if e.ShareableKWh > 0 {
		cost := st.NeedKWh / e.ShareableKWh
		if cost > 1 {
			cost = 1
		}
		v.cost = cost
	} else {
		v.cost = 1
	}
	return v
}

// scoreCandidate ranks one provider for the consumer EVALUATE step.
// Higher is better. With policy_expression configured the expression
// replaces the built-in weighted sum.
func (l *chargingLayer) scoreCandidate(e *ProviderEntry) float64 {
	v := l.candidateVars(e)
	if l.policyExpr != nil {
		res, err := l.policyExpr.Evaluate(map[string]interface{}{
			"green_fraction":  v.greenFraction,
			"detour":          v.detour,
			"deadline_slack":  v.deadlineSlack,
			"cost":            v.cost,
			"direction_match": v.directionMatch,
		})
		switch {
		case err != nil:
			log.Errorf("policy expression evaluation failed: %v", err)
			l.ctx.stats.IncErr("policy_expression")
		default:
			if f, ok := res.(float64); ok {
				return f
			}
			log.Errorf("policy expression returned non-float64 result %T", res)
			l.ctx.stats.IncErr("policy_expression")
		}
		// fall through to built-in policy
	}
	w := l.ctx.cfg.Policy
	return w.GreenFraction*v.greenFraction +
		w.Direction*v.directionMatch +
		w.Deadline*v.deadlineSlack -
		w.Detour*v.detour -
		w.Cost*v.cost
}

func compilePolicy(cfg *Config) *govaluate.EvaluableExpression {
	if cfg.PolicyExpression == "" {
		return nil
	}
	expr, err := govaluate.NewEvaluableExpression(cfg.PolicyExpression)
	if err != nil {
		// Validate rejects this earlier; losing the expression here only
		// re-enables the built-in policy
		log.Errorf("compiling policy expression: %v", err)
		return nil
	}
	return expr
}
