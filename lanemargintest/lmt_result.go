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

// Result records and the line oriented reporters.

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TestInfo is the run level context attached to every LaneResult.
type TestInfo struct {
	RunID           string     `json:"run_id"`
	Timestamp       int64      `json:"timestamp"`
	HostID          string     `json:"host_id"`
	Hostname        string     `json:"hostname"`
	ModelName       string     `json:"model_name"`
	ReceiverNumber  int        `json:"receiver_number"`
	MarginType      MarginType `json:"margin_type"`
	Step            int        `json:"step"`
	ForceMargin     bool       `json:"force_margin"`
	DwellTimeSecs   float64    `json:"dwell_time_secs"`
	ElapsedTimeSecs float64    `json:"elapsed_time_secs"`
	ErrorCountLimit int        `json:"error_count_limit"`
	TestVersion     string     `json:"test_version"`
	Annotation      string     `json:"annotation"`
}

// NewTestInfo returns a TestInfo with a fresh random run id and the current time.
func NewTestInfo(host HostInfo, now time.Time) TestInfo {
	return TestInfo{
		RunID:           strings.ReplaceAll(uuid.NewString(), "-", ""),
		Timestamp:       now.Unix(),
		HostID:          host.HostID,
		Hostname:        host.Hostname,
		ModelName:       host.ModelName,
		ReceiverNumber:  -1,
		Step:            -1,
		DwellTimeSecs:   -1,
		ElapsedTimeSecs: -1,
		ErrorCountLimit: -1,
	}
}

// LaneResult is the outcome of margining one lane at one step. BER is only
// meaningful when Error is false.
type LaneResult struct {
	TestInfo         TestInfo   `json:"test_info"`
	DeviceInfo       DeviceInfo `json:"device_info"`
	Lane             int        `json:"lane"`
	ReceiverNumber   int        `json:"receiver_number"`
	MarginType       MarginType `json:"margin_type"`
	Step             int        `json:"step"`
	MarginOffset     float64    `json:"margin_offset"`
	MarginOffsetUnit string     `json:"margin_offset_unit"`
	SampleCount      int        `json:"sample_count"`
	SampleCountBits  int64      `json:"sample_count_bits"`
	ErrorCount       int        `json:"error_count"`
	BER              float64    `json:"ber"`
	Error            bool       `json:"error"`
	ErrorMsg         string     `json:"error_msg"`

	// Err is the typed error behind ErrorMsg.
	Err error `json:"-"`
}

// NewLaneResult returns a result that reads as failed until measured.
func NewLaneResult() *LaneResult {
	return &LaneResult{
		Lane:            -1,
		ReceiverNumber:  -1,
		Step:            -1,
		SampleCount:     -1,
		SampleCountBits: -1,
		ErrorCount:      -1,
		BER:             -1.0,
		Error:           true,
	}
}

func (r *LaneResult) fail(err error) {
	r.Error = true
	r.Err = err
	if err != nil {
		r.ErrorMsg = err.Error()
	}
}

// Reporter receives the results of a run. StartStep and EndStep bracket the
// results of one (group, step) pair; StartRun and EndRun bracket a whole run.
type Reporter interface {
	StartRun(host HostInfo) error
	StartStep(name string) error
	Write(r *LaneResult) error
	EndStep() error
	EndRun() error
}

// JSONReporter writes one JSON object per line per LaneResult.
type JSONReporter struct {
	enc *json.Encoder
}

// NewJSONReporter returns a newline delimited JSON reporter writing to w.
func NewJSONReporter(w io.Writer) *JSONReporter {
	return &JSONReporter{enc: json.NewEncoder(w)}
}

// StartRun implements Reporter.
func (j *JSONReporter) StartRun(HostInfo) error { return nil }

// StartStep implements Reporter.
func (j *JSONReporter) StartStep(string) error { return nil }

// Write implements Reporter.
func (j *JSONReporter) Write(r *LaneResult) error {
	return j.enc.Encode(r)
}

// EndStep implements Reporter.
func (j *JSONReporter) EndStep() error { return nil }

// EndRun implements Reporter.
func (j *JSONReporter) EndRun() error { return nil }

// MultiReporter fans every call out to several reporters, stopping at the first error.
type MultiReporter []Reporter

// StartRun implements Reporter.
func (m MultiReporter) StartRun(host HostInfo) error {
	return m.each(func(r Reporter) error { return r.StartRun(host) })
}

// StartStep implements Reporter.
func (m MultiReporter) StartStep(name string) error {
	return m.each(func(r Reporter) error { return r.StartStep(name) })
}

// Write implements Reporter.
func (m MultiReporter) Write(res *LaneResult) error {
	return m.each(func(r Reporter) error { return r.Write(res) })
}

// EndStep implements Reporter.
func (m MultiReporter) EndStep() error {
	return m.each(Reporter.EndStep)
}

// EndRun implements Reporter.
func (m MultiReporter) EndRun() error {
	return m.each(Reporter.EndRun)
}

func (m MultiReporter) each(fn func(r Reporter) error) error {
	for _, r := range m {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}
