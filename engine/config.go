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
	"fmt"
	"os"

	"github.com/Knetic/govaluate"
	yaml "gopkg.in/yaml.v2"

	"github.com/aevnet/mvccp/protocol"
)

// TTL modes for PA origination
const (
	TTLModeFixed   = "fixed"
	TTLModeDensity = "density"
)

// QoSWeights are the weighted-sum coefficients of the MPR QoS rank.
// Willingness, battery and stability contribute positively; ETX, jitter,
// relative speed and lane weight are penalties.
type QoSWeights struct {
	Willingness float64 `yaml:"willingness"`
	Battery     float64 `yaml:"battery"`
	ETX         float64 `yaml:"etx"`
	Jitter      float64 `yaml:"jitter"`
	RelSpeed    float64 `yaml:"rel_speed"`
	Lane        float64 `yaml:"lane"`
	Stability   float64 `yaml:"stability"`
}

// PolicyWeights are the coefficients of the built-in consumer candidate
// ranking. Detour and cost are penalties.
type PolicyWeights struct {
	GreenFraction float64 `yaml:"green_fraction"`
	Detour        float64 `yaml:"detour"`
	Deadline      float64 `yaml:"deadline"`
	Cost          float64 `yaml:"cost"`
	Direction     float64 `yaml:"direction"`
}

// PlatoonScoreWeights are the coefficients of the inter-platoon score
type PlatoonScoreWeights struct {
	Direction  float64 `yaml:"direction"`
	Distance   float64 `yaml:"distance"`
	Energy     float64 `yaml:"energy"`
	Efficiency float64 `yaml:"efficiency"`
}

// EdgeWeights are the w1/w2/w3 components of the platoon edge weight
type EdgeWeights struct {
	Distance     float64 `yaml:"distance"`
	Efficiency   float64 `yaml:"efficiency"`
	TransferTime float64 `yaml:"transfer_time"`
}

// Config holds all MVCCP protocol constants. Immutable after start. All
// intervals and timeouts are simulation seconds.
type Config struct {
	HelloInterval           float64 `yaml:"hello_interval"`
	PAInterval              float64 `yaml:"pa_interval"`
	BeaconInterval          float64 `yaml:"beacon_interval"`
	PlatoonAnnounceInterval float64 `yaml:"platoon_announce_interval"`
	FormationUpdateInterval float64 `yaml:"formation_update_interval"`

	NeighborTimeout     float64 `yaml:"neighbor_timeout"`
	ProviderTimeout     float64 `yaml:"provider_timeout"`
	PlatoonEntryTimeout float64 `yaml:"platoon_entry_timeout"`

	PATTLDefault uint8  `yaml:"pa_ttl_default"`
	PATTLMin     uint8  `yaml:"pa_ttl_min"`
	PATTLMax     uint8  `yaml:"pa_ttl_max"`
	TTLMode      string `yaml:"ttl_mode"`

	JoinAcceptTimeout float64 `yaml:"join_accept_timeout"`
	OfferWindow       float64 `yaml:"offer_window"`
	// OfferDeadlineS is how far ahead a consumer promises it can wait for
	// the energy; carried as the DEADLINE TLV of JOIN_OFFER
	OfferDeadlineS float64 `yaml:"offer_deadline_s"`

	PlatoonMaxSize         int     `yaml:"platoon_max_size"`
	PHEnergyThresholdPct   float64 `yaml:"ph_energy_threshold_percent"`
	PHWillingnessThreshold uint8   `yaml:"ph_willingness_threshold"`
	PHHandoffBatteryPct    float64 `yaml:"ph_handoff_battery_percent"`
	NMissedBeacons         int     `yaml:"n_missed_beacons"`

	EdgeEfficiencyScale float64 `yaml:"edge_efficiency_scale"`
	EdgeMaxRangeM       float64 `yaml:"edge_max_range_m"`
	EdgeMinEfficiency   float64 `yaml:"edge_min_efficiency"`
	EdgeTransferRateKW  float64 `yaml:"edge_transfer_rate_kw"`

	SurplusThresholdPct float64 `yaml:"surplus_threshold_percent"`
	DeficitThresholdPct float64 `yaml:"deficit_threshold_percent"`

	FormationMinGapM     float64 `yaml:"formation_min_gap_m"`
	FormationMaxLateralM float64 `yaml:"formation_max_lateral_m"`
	FormationMaxLengthM  float64 `yaml:"formation_max_length_m"`

	DedupCacheSize int `yaml:"dedup_cache_size"`

	RREHQueueMax     int     `yaml:"rreh_queue_max"`
	RREHLowEnergyKWh float64 `yaml:"rreh_low_energy_kwh"`

	MeetingPointRadiusM float64 `yaml:"meeting_point_radius_m"`

	QoS          QoSWeights          `yaml:"qos_weights"`
	Policy       PolicyWeights       `yaml:"policy_weights"`
	PlatoonScore PlatoonScoreWeights `yaml:"platoon_score_weights"`
	EdgeWeight   EdgeWeights         `yaml:"edge_weights"`

	// PolicyExpression, when set, replaces the built-in consumer candidate
	// score with a govaluate expression over the variables green_fraction,
	// detour, deadline_slack, cost and direction_match.
	PolicyExpression string `yaml:"policy_expression"`

	MonitoringPort int `yaml:"monitoring_port"`
}

// DefaultConfig returns Config initialized with default values
func DefaultConfig() *Config {
	return &Config{
		HelloInterval:           1.0,
		PAInterval:              5.0,
		BeaconInterval:          2.0,
		PlatoonAnnounceInterval: 5.0,
		FormationUpdateInterval: 2.0,
		NeighborTimeout:         5.0,
		ProviderTimeout:         10.0,
		PlatoonEntryTimeout:     15.0,
		PATTLDefault:            4,
		PATTLMin:                2,
		PATTLMax:                8,
		TTLMode:                 TTLModeFixed,
		JoinAcceptTimeout:       3.0,
		OfferWindow:             1.0,
		OfferDeadlineS:          60.0,
		PlatoonMaxSize:          8,
		PHEnergyThresholdPct:    70.0,
		PHWillingnessThreshold:  5,
		PHHandoffBatteryPct:     30.0,
		NMissedBeacons:          3,
		EdgeEfficiencyScale:     0.01,
		EdgeMaxRangeM:           15.0,
		EdgeMinEfficiency:       0.5,
		EdgeTransferRateKW:      20.0,
		SurplusThresholdPct:     80.0,
		DeficitThresholdPct:     30.0,
		FormationMinGapM:        6.0,
		FormationMaxLateralM:    1.5,
		FormationMaxLengthM:     120.0,
		DedupCacheSize:          1024,
		RREHQueueMax:            8,
		RREHLowEnergyKWh:        10.0,
		MeetingPointRadiusM:     10.0,
		QoS: QoSWeights{
			Willingness: 1.0,
			Battery:     1.0,
			ETX:         1.0,
			Jitter:      0.5,
			RelSpeed:    0.2,
			Lane:        0.2,
			Stability:   1.0,
		},
		Policy: PolicyWeights{
			GreenFraction: 1.0,
			Detour:        1.0,
			Deadline:      0.5,
			Cost:          0.5,
			Direction:     1.0,
		},
		PlatoonScore: PlatoonScoreWeights{
			Direction:  1.0,
			Distance:   1.0,
			Energy:     1.0,
			Efficiency: 0.5,
		},
		EdgeWeight: EdgeWeights{
			Distance:     1.0,
			Efficiency:   10.0,
			TransferTime: 0.1,
		},
		MonitoringPort: 4270,
	}
}

// Validate config is sane
func (c *Config) Validate() error {
	if c.HelloInterval <= 0 {
		return fmt.Errorf("hello_interval must be greater than zero")
	}
	if c.PAInterval <= 0 {
		return fmt.Errorf("pa_interval must be greater than zero")
	}
	if c.BeaconInterval <= 0 {
		return fmt.Errorf("beacon_interval must be greater than zero")
	}
	if c.PlatoonAnnounceInterval <= 0 {
		return fmt.Errorf("platoon_announce_interval must be greater than zero")
	}
	if c.FormationUpdateInterval <= 0 {
		return fmt.Errorf("formation_update_interval must be greater than zero")
	}
	if c.NeighborTimeout <= c.HelloInterval {
		return fmt.Errorf("neighbor_timeout must be greater than hello_interval")
	}
	if c.ProviderTimeout <= c.PAInterval {
		return fmt.Errorf("provider_timeout must be greater than pa_interval")
	}
	if c.PlatoonEntryTimeout <= c.PlatoonAnnounceInterval {
		return fmt.Errorf("platoon_entry_timeout must be greater than platoon_announce_interval")
	}
	if c.TTLMode != TTLModeFixed && c.TTLMode != TTLModeDensity {
		return fmt.Errorf("ttl_mode must be either %q or %q", TTLModeFixed, TTLModeDensity)
	}
	if c.PATTLMin < 1 || c.PATTLMin > c.PATTLMax {
		return fmt.Errorf("pa ttl bounds must satisfy 1 <= min <= max")
	}
	if c.PATTLDefault < c.PATTLMin || c.PATTLDefault > c.PATTLMax {
		return fmt.Errorf("pa_ttl_default must be within [min, max]")
	}
	if c.PATTLMax > protocol.TTLMax {
		return fmt.Errorf("pa_ttl_max above wire maximum %d", protocol.TTLMax)
	}
	if c.JoinAcceptTimeout <= 0 {
		return fmt.Errorf("join_accept_timeout must be greater than zero")
	}
	if c.OfferWindow <= 0 || c.OfferWindow >= c.JoinAcceptTimeout {
		return fmt.Errorf("offer_window must be greater than zero but less than join_accept_timeout")
	}
	if c.OfferDeadlineS <= 0 {
		return fmt.Errorf("offer_deadline_s must be greater than zero")
	}
	if c.PlatoonMaxSize < 1 {
		return fmt.Errorf("platoon_max_size must be at least 1")
	}
	if c.PHEnergyThresholdPct < 0 || c.PHEnergyThresholdPct > 100 {
		return fmt.Errorf("ph_energy_threshold_percent must be within [0, 100]")
	}
	if c.PHWillingnessThreshold > 7 {
		return fmt.Errorf("ph_willingness_threshold must be within [0, 7]")
	}
	if c.NMissedBeacons < 1 {
		return fmt.Errorf("n_missed_beacons must be at least 1")
	}
	if c.EdgeEfficiencyScale <= 0 || c.EdgeMaxRangeM <= 0 {
		return fmt.Errorf("edge model parameters must be positive")
	}
	if c.EdgeMinEfficiency <= 0 || c.EdgeMinEfficiency > 1 {
		return fmt.Errorf("edge_min_efficiency must be within (0, 1]")
	}
	if c.EdgeTransferRateKW <= 0 {
		return fmt.Errorf("edge_transfer_rate_kw must be greater than zero")
	}
	if c.DeficitThresholdPct >= c.SurplusThresholdPct {
		return fmt.Errorf("deficit_threshold_percent must be below surplus_threshold_percent")
	}
	if c.FormationMinGapM <= 0 || c.FormationMaxLateralM < 0 || c.FormationMaxLengthM <= c.FormationMinGapM {
		return fmt.Errorf("invalid formation constraints")
	}
	if c.DedupCacheSize < 1 {
		return fmt.Errorf("dedup_cache_size must be at least 1")
	}
	if c.RREHQueueMax < 1 {
		return fmt.Errorf("rreh_queue_max must be at least 1")
	}
	if c.MeetingPointRadiusM <= 0 {
		return fmt.Errorf("meeting_point_radius_m must be greater than zero")
	}
	if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoring_port must be 0 or positive")
	}
	if c.PolicyExpression != "" {
		if _, err := govaluate.NewEvaluableExpression(c.PolicyExpression); err != nil {
			return fmt.Errorf("invalid policy_expression: %w", err)
		}
	}
	return nil
}

// ReadConfig reads config from the file
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(cData, &c)
	if err != nil {
		return nil, err
	}

	return c, nil
}
