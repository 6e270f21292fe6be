// Copyright 2023 Google LLC
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

package lanemargintest

// Prometheus textfile output, for pickup by a node exporter textfile collector.

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const promNamespace = "pcie_lmt"

var promLabels = []string{"bdf", "lane", "receiver", "margin_type", "step", "annotation"}

// PromReporter collects the last value seen per lane and writes it out at EndRun.
type PromReporter struct {
	filename string
	registry *prometheus.Registry

	ber        *prometheus.GaugeVec
	errorCount *prometheus.GaugeVec
	sampleBits *prometheus.GaugeVec
	laneFault  *prometheus.GaugeVec
}

// NewPromReporter returns a reporter that writes the metrics to filename.
func NewPromReporter(filename string) *PromReporter {
	p := &PromReporter{
		filename: filename,
		registry: prometheus.NewRegistry(),

		ber: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "ber",
			Help:      "Bit error ratio measured at the margin offset",
		}, promLabels),

		errorCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "error_count",
			Help:      "Errors counted by the Receiver at the margin offset",
		}, promLabels),

		sampleBits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "sample_count_bits",
			Help:      "Approximate number of bits sampled at the margin offset",
		}, promLabels),

		laneFault: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "lane_fault",
			Help:      "1 if the lane could not be margined",
		}, promLabels),
	}
	p.registry.MustRegister(p.ber, p.errorCount, p.sampleBits, p.laneFault)
	return p
}

// StartRun implements Reporter.
func (p *PromReporter) StartRun(HostInfo) error { return nil }

// StartStep implements Reporter.
func (p *PromReporter) StartStep(string) error { return nil }

// Write implements Reporter.
func (p *PromReporter) Write(r *LaneResult) error {
	labels := prometheus.Labels{
		"bdf":         r.DeviceInfo.BDF,
		"lane":        strconv.Itoa(r.Lane),
		"receiver":    strconv.Itoa(r.ReceiverNumber),
		"margin_type": r.MarginType.String(),
		"step":        strconv.Itoa(r.Step),
		"annotation":  r.TestInfo.Annotation,
	}
	if r.Error {
		p.laneFault.With(labels).Set(1)
		return nil
	}
	p.laneFault.With(labels).Set(0)
	p.ber.With(labels).Set(r.BER)
	p.errorCount.With(labels).Set(float64(r.ErrorCount))
	p.sampleBits.With(labels).Set(float64(r.SampleCountBits))
	return nil
}

// EndStep implements Reporter.
func (p *PromReporter) EndStep() error { return nil }

// EndRun implements Reporter.
func (p *PromReporter) EndRun() error {
	if err := prometheus.WriteToTextfile(p.filename, p.registry); err != nil {
		return errors.Wrap(err, "write prometheus textfile")
	}
	return nil
}
