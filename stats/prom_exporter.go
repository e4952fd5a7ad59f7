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

package stats

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// PrometheusExporter periodically mirrors JSONStats counters into a
// prometheus registry
type PrometheusExporter struct {
	registry   *prometheus.Registry
	src        *JSONStats
	listenPort int
	interval   time.Duration
}

// NewPrometheusExporter creates a new instance of PrometheusExporter
func NewPrometheusExporter(src *JSONStats, listenPort int, scrapeInterval time.Duration) *PrometheusExporter {
	return &PrometheusExporter{
		registry:   prometheus.NewRegistry(),
		src:        src,
		listenPort: listenPort,
		interval:   scrapeInterval,
	}
}

func flattenKey(key string) string {
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	return strings.ToLower(key)
}

func (e *PrometheusExporter) scrapeMetrics() {
	for _, key := range e.src.Keys() {
		val := e.src.Get(key)
		promCollector := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: flattenKey(key),
			Help: key,
		})
		if err := e.registry.Register(promCollector); err != nil {
			are := &prometheus.AlreadyRegisteredError{}
			if errors.As(err, are) {
				promCollector = are.ExistingCollector.(prometheus.Gauge)
			} else {
				log.Errorf("failed to register metric %s %v", key, err)
				continue
			}
		}
		promCollector.Set(float64(val))
	}
}

// Start starts the exporter
func (e *PrometheusExporter) Start() {
	go func() {
		for {
			e.scrapeMetrics()
			time.Sleep(e.interval)
		}
	}()

	http.Handle("/metrics", promhttp.HandlerFor(
		e.registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	))

	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", e.listenPort), nil))
}
