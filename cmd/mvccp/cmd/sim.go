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

package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aevnet/mvccp/engine"
	"github.com/aevnet/mvccp/protocol"
	"github.com/aevnet/mvccp/stats"
)

var (
	simVehicles  int
	simDuration  float64
	simStep      float64
	simRadioM    float64
	simSpacingM  float64
	simCfgPath   string
	simMonitored bool
)

func init() {
	RootCmd.AddCommand(simCmd)
	simCmd.Flags().IntVar(&simVehicles, "vehicles", 6, "number of vehicles on the road")
	simCmd.Flags().Float64Var(&simDuration, "duration", 30.0, "simulated seconds to run")
	simCmd.Flags().Float64Var(&simStep, "step", 0.1, "simulation step in seconds")
	simCmd.Flags().Float64Var(&simRadioM, "radio", 150.0, "radio range in meters")
	simCmd.Flags().Float64Var(&simSpacingM, "spacing", 100.0, "initial vehicle spacing in meters")
	simCmd.Flags().StringVar(&simCfgPath, "config", "", "path to protocol config file")
	simCmd.Flags().BoolVar(&simMonitored, "monitoring", false, "serve counters of node 1 over http")
}

// node is one simulated participant: an engine plus the physics the
// orchestrator owns on its behalf
type node struct {
	eng   *engine.Engine
	id    protocol.NodeID
	pos   protocol.Vec2
	vel   protocol.Vec2
	kwh   float64
	stats *stats.JSONStats
	// frames queued for delivery at the next step, per-sender FIFO
	outbox [][]byte
}

// Send implements engine.Sender
func (n *node) Send(frame []byte) {
	n.outbox = append(n.outbox, frame)
}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run a deterministic in-memory MVCCP simulation and dump the tables",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := runSim(); err != nil {
			log.Fatal(err)
		}
	},
}

func buildFleet(cfg *engine.Config) ([]*node, error) {
	nodes := make([]*node, 0, simVehicles+1)
	for i := 0; i < simVehicles; i++ {
		n := &node{
			id:    protocol.NodeID(0x0a0000000001) + protocol.NodeID(i),
			pos:   protocol.Vec2{X: float64(i) * simSpacingM},
			vel:   protocol.Vec2{X: 20},
			kwh:   60,
			stats: stats.NewJSONStats(),
		}
		st := engine.NodeState{
			ID:              n.id,
			Position:        n.pos,
			Velocity:        n.vel,
			BatteryKWh:      n.kwh,
			CapacityKWh:     80,
			BatteryPct:      75,
			Willingness:     uint8(3 + i%5),
			ProviderCapable: i%2 == 0,
			ShareableKWh:    float64(10 * (i % 3)),
		}
		eng, err := engine.New(cfg, st, n, n.stats)
		if err != nil {
			return nil, err
		}
		n.eng = eng
		nodes = append(nodes, n)
	}
	// one RREH in the middle of the strip
	rreh := &node{
		id:    protocol.NodeID(0x0e0000000001),
		pos:   protocol.Vec2{X: float64(simVehicles) * simSpacingM / 2, Y: 30},
		kwh:   500,
		stats: stats.NewJSONStats(),
	}
	st := engine.NodeState{
		ID:           rreh.id,
		Position:     rreh.pos,
		BatteryKWh:   rreh.kwh,
		CapacityKWh:  500,
		BatteryPct:   100,
		Stationary:   true,
		ShareableKWh: 400,
	}
	eng, err := engine.New(cfg, st, rreh, rreh.stats)
	if err != nil {
		return nil, err
	}
	rreh.eng = eng
	return append(nodes, rreh), nil
}

func runSim() error {
	if simVehicles < 2 {
		return fmt.Errorf("need at least 2 vehicles, got %d", simVehicles)
	}
	cfg := engine.DefaultConfig()
	if simCfgPath != "" {
		var err error
		cfg, err = engine.ReadConfig(simCfgPath)
		if err != nil {
			return fmt.Errorf("reading config from %q: %w", simCfgPath, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	nodes, err := buildFleet(cfg)
	if err != nil {
		return err
	}
	if simMonitored && len(nodes) > 0 {
		go nodes[0].stats.Start(cfg.MonitoringPort)
	}

	// the second vehicle needs a charge; everything else follows from the
	// protocol
	nodes[1].eng.SetNeed(20)

	steps := int(simDuration / simStep)
	for s := 0; s <= steps; s++ {
		t := float64(s) * simStep

		// deliver last step's frames, per-sender FIFO, range-limited
		for _, src := range nodes {
			frames := src.outbox
			src.outbox = nil
			for _, f := range frames {
				for _, dst := range nodes {
					if dst == src {
						continue
					}
					if protocol.Distance(src.pos, dst.pos) > simRadioM {
						continue
					}
					if err := dst.eng.Receive(f, t); err != nil {
						return err
					}
				}
			}
		}

		// physics push + tick
		for _, n := range nodes {
			n.pos = n.pos.Add(protocol.Vec2{X: n.vel.X * simStep, Y: n.vel.Y * simStep})
			if err := n.eng.ApplyMobilityAndEnergy(t, n.pos, n.vel, n.kwh); err != nil {
				return err
			}
			if err := n.eng.Tick(t); err != nil {
				return err
			}
		}
	}

	printReport(nodes)
	return nil
}

func printReport(nodes []*node) {
	bold := color.New(color.Bold)
	good := color.New(color.FgGreen)

	for _, n := range nodes {
		st := n.eng.State()
		bold.Printf("node %s role=%s battery=%.0f%%\n", st.ID, st.Role, st.BatteryPct)

		oneHop, twoHop, mprs := n.eng.Neighbors()
		table := tablewriter.NewWriter(os.Stdout)
		table.Header([]string{"neighbors", "two-hop", "mprs", "mpr-active"})
		table.Append([]string{
			fmt.Sprintf("%d", len(oneHop)),
			fmt.Sprintf("%d", len(twoHop)),
			fmt.Sprintf("%v", mprs),
			fmt.Sprintf("%v", n.eng.IsMPRActive()),
		})
		table.Render()

		providers := n.eng.Providers()
		if len(providers) > 0 {
			table = tablewriter.NewWriter(os.Stdout)
			table.Header([]string{"provider", "type", "kwh", "last seen"})
			for _, p := range providers {
				table.Append([]string{
					p.ID.String(),
					p.Type.String(),
					fmt.Sprintf("%.1f", p.ShareableKWh),
					fmt.Sprintf("%.1f", p.LastSeen),
				})
			}
			table.Render()
		}

		for _, s := range n.eng.Sessions() {
			good.Printf("  session %x %s -> %s: %s (%.1f kWh)\n",
				s.ID, s.Consumer, s.Provider, s.State, s.RequiredKWh)
		}
	}
}
