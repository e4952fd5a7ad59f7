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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aevnet/mvccp/protocol"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	breakers := map[string]func(*Config){
		"hello interval": func(c *Config) { c.HelloInterval = 0 },
		"neighbor timeout": func(c *Config) { c.NeighborTimeout = 0.5 },
		"provider timeout": func(c *Config) { c.ProviderTimeout = 1 },
		"ttl mode": func(c *Config) { c.TTLMode = "adaptive" },
		"ttl bounds": func(c *Config) { c.PATTLMin = 9; c.PATTLMax = 4 },
		"ttl default": func(c *Config) { c.PATTLDefault = 12 },
		"ttl wire max": func(c *Config) { c.PATTLMax = 200; c.PATTLDefault = 100 },
		"offer window": func(c *Config) { c.OfferWindow = c.JoinAcceptTimeout },
		"platoon size": func(c *Config) { c.PlatoonMaxSize = 0 },
		"willingness": func(c *Config) { c.PHWillingnessThreshold = 8 },
		"edge efficiency": func(c *Config) { c.EdgeMinEfficiency = 1.5 },
		"thresholds": func(c *Config) { c.DeficitThresholdPct = 90 },
		"dedup size": func(c *Config) { c.DedupCacheSize = 0 },
		"policy expression": func(c *Config) { c.PolicyExpression = "green_fraction +" },
		"offer deadline": func(c *Config) { c.OfferDeadlineS = 0 },
		"formation gap": func(c *Config) { c.FormationMinGapM = 0 },
		"meeting point": func(c *Config) { c.MeetingPointRadiusM = 0 },
	}
	for name, breaker := range breakers {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			breaker(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mvccp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hello_interval: 0.5
pa_interval: 2.0
ttl_mode: density
pa_ttl_max: 10
dedup_cache_size: 64
qos_weights:
  willingness: 2.0
policy_expression: "green_fraction - detour"
`), 0644))

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, 0.5, cfg.HelloInterval)
	require.Equal(t, 2.0, cfg.PAInterval)
	require.Equal(t, TTLModeDensity, cfg.TTLMode)
	require.Equal(t, uint8(10), cfg.PATTLMax)
	require.Equal(t, 64, cfg.DedupCacheSize)
	require.Equal(t, 2.0, cfg.QoS.Willingness)
	// untouched fields keep defaults
	require.Equal(t, 5.0, cfg.NeighborTimeout)

	_, err = ReadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestPolicyExpression(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PolicyExpression = "10 * green_fraction - detour"
	require.NoError(t, cfg.Validate())

	st := vehicleState(0xc1)
	st.NeedKWh = 20
	sender := &captureSender{}
	e, err := New(cfg, st, sender, nil)
	require.NoError(t, err)

	rreh := &ProviderEntry{}
	rreh.ID = 0x0e
	rreh.Type = protocol.ProviderRREH // green_fraction 1.0
	mp := &ProviderEntry{}
	mp.ID = 0x0a
	mp.Type = protocol.ProviderMP // green_fraction 0.4

	require.Greater(t, e.charging.scoreCandidate(rreh), e.charging.scoreCandidate(mp))
}
