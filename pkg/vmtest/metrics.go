// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vmtest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/kvmcheck/pkg/cmdrunner"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "kvmcheck"

// Metrics records run outcomes in a dedicated registry, meant to be written
// for the node-exporter textfile collector once the run is over.
type Metrics struct {
	registry *prometheus.Registry

	stageDuration *prometheus.GaugeVec
	stageSuccess  *prometheus.GaugeVec
	commandTotal  *prometheus.CounterVec
	runSuccess    prometheus.Gauge
	runTimestamp  prometheus.Gauge
}

var _ Observer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each stage of the last run.",
		}, []string{"stage"}),
		stageSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "stage_success",
			Help:      "1 if the stage passed in the last run, 0 if it failed, -1 if it was skipped.",
		}, []string{"stage"}),
		commandTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "command_total",
			Help:      "External commands executed during the last run.",
		}, []string{"tool", "outcome"}),
		runSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "run_success",
			Help:      "1 if the last run passed, 0 otherwise.",
		}),
		runTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "run_timestamp_seconds",
			Help:      "Unix time the last run ended.",
		}),
	}

	m.registry.MustRegister(
		m.stageDuration,
		m.stageSuccess,
		m.commandTotal,
		m.runSuccess,
		m.runTimestamp,
	)
	return m
}

// Registry returns the registry holding the run metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCommand implements Observer.
func (m *Metrics) ObserveCommand(cmd cmdrunner.Command, passed bool) {
	outcome := "success"
	if !passed {
		outcome = "failure"
	}
	m.commandTotal.WithLabelValues(filepath.Base(cmd.Name), outcome).Inc()
}

// ObserveStage implements Observer.
func (m *Metrics) ObserveStage(stage StageResult) {
	name := string(stage.Name)
	m.stageDuration.WithLabelValues(name).Set(stage.Duration.Seconds())

	switch {
	case stage.Skipped:
		m.stageSuccess.WithLabelValues(name).Set(-1)
	case stage.Passed:
		m.stageSuccess.WithLabelValues(name).Set(1)
	default:
		m.stageSuccess.WithLabelValues(name).Set(0)
	}
}

// ObserveRun implements Observer.
func (m *Metrics) ObserveRun(result *RunResult) {
	if result.Passed {
		m.runSuccess.Set(1)
	} else {
		m.runSuccess.Set(0)
	}
	m.runTimestamp.Set(float64(result.EndTime.Unix()))
}

// WriteTextfile writes the metrics in the text exposition format. The file is
// replaced atomically so the collector never reads a partial file.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
