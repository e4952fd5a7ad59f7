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

/*
Package stats implements statistics collection and reporting for the MVCCP
node. The core only increments counters; serving them is done outside the
protocol entry points.
*/
package stats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/aevnet/mvccp/protocol"
)

// counter key prefixes
const (
	RXPrefix    = "mvccp.rx."
	TXPrefix    = "mvccp.tx."
	FwdPrefix   = "mvccp.fwd."
	DropPrefix  = "mvccp.drops."
	ErrPrefix   = "mvccp.errors."
	GaugePrefix = "mvccp.gauge."
)

// Stats is a metric collection interface
type Stats interface {
	// IncRX adds 1 to the received counter of a message kind
	IncRX(t protocol.MessageType)

	// IncTX adds 1 to the transmitted counter of a message kind
	IncTX(t protocol.MessageType)

	// IncFwd adds 1 to the forwarded counter of a message kind
	IncFwd(t protocol.MessageType)

	// IncDrop adds 1 to a drop counter, keyed by reason
	IncDrop(reason string)

	// IncErr adds 1 to a protocol error counter, keyed by error kind
	IncErr(name string)

	// SetGauge sets a gauge value, keyed by name
	SetGauge(name string, v int64)

	// Snapshot the values so they can be reported atomically
	Snapshot()

	// Start starts a stat reporter on the given port
	Start(monitoringPort int)
}

// JSONStats is what we want to report as stats via http
type JSONStats struct {
	mu       sync.Mutex
	counters map[string]int64
	report   map[string]int64
}

// NewJSONStats returns a new JSONStats
func NewJSONStats() *JSONStats {
	return &JSONStats{
		counters: map[string]int64{},
		report:   map[string]int64{},
	}
}

func (s *JSONStats) inc(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key]++
}

// IncRX adds 1 to the received counter of a message kind
func (s *JSONStats) IncRX(t protocol.MessageType) {
	s.inc(RXPrefix + t.String())
}

// IncTX adds 1 to the transmitted counter of a message kind
func (s *JSONStats) IncTX(t protocol.MessageType) {
	s.inc(TXPrefix + t.String())
}

// IncFwd adds 1 to the forwarded counter of a message kind
func (s *JSONStats) IncFwd(t protocol.MessageType) {
	s.inc(FwdPrefix + t.String())
}

// IncDrop adds 1 to a drop counter, keyed by reason
func (s *JSONStats) IncDrop(reason string) {
	s.inc(DropPrefix + reason)
}

// IncErr adds 1 to a protocol error counter, keyed by error kind
func (s *JSONStats) IncErr(name string) {
	s.inc(ErrPrefix + name)
}

// SetGauge sets a gauge value, keyed by name
func (s *JSONStats) SetGauge(name string, v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[GaugePrefix+name] = v
}

// Snapshot the values so they can be reported atomically
func (s *JSONStats) Snapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		s.report[k] = v
	}
}

// Get returns the current value of a counter
func (s *JSONStats) Get(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key]
}

// Keys returns all counter keys, sorted
func (s *JSONStats) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.counters))
	for k := range s.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// handleRequest is a handler used for all http monitoring requests
func (s *JSONStats) handleRequest(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	js, err := json.Marshal(s.report)
	s.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(js); err != nil {
		log.Errorf("Failed to reply: %v", err)
	}
}

// Start runs the http server
func (s *JSONStats) Start(monitoringPort int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	mux.HandleFunc("/counters", s.handleRequest)
	addr := fmt.Sprintf(":%d", monitoringPort)
	log.Infof("Starting http json server on %s", addr)
	err := http.ListenAndServe(addr, mux)
	if err != nil {
		log.Fatalf("Failed to start listener: %v", err)
	}
}

// NoopStats discards everything. Handy for tests and for embedding the
// engine without monitoring.
type NoopStats struct{}

// IncRX does nothing
func (NoopStats) IncRX(protocol.MessageType) {}

// IncTX does nothing
func (NoopStats) IncTX(protocol.MessageType) {}

// IncFwd does nothing
func (NoopStats) IncFwd(protocol.MessageType) {}

// IncDrop does nothing
func (NoopStats) IncDrop(string) {}

// IncErr does nothing
func (NoopStats) IncErr(string) {}

// SetGauge does nothing
func (NoopStats) SetGauge(string, int64) {}

// Snapshot does nothing
func (NoopStats) Snapshot() {}

// Start does nothing
func (NoopStats) Start(int) {}
