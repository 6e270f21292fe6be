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

// OCP Test and Validation output: one JSON artifact per line.

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

const (
	ocpTestName     = "pci_lmt"
	ocpSchemaMajor  = 2
	ocpSchemaMinor  = 0
	ocpLaneFault    = "pci-lmt-lane-fault"
	ocpStatusDone   = "COMPLETE"
	ocpResultPass   = "PASS"
	ocpResultFail   = "FAIL"
	ocpResultNotApp = "NOT_APPLICABLE"
)

// OCPReporter streams OCP test artifacts. It records one BER measurement per lane
// per step, and an error artifact for each faulty lane.
type OCPReporter struct {
	version     string
	commandLine string
	now         func() time.Time

	// ocpLock serializes the artifact stream and its sequence number.
	ocpLock  sync.Mutex
	w        io.Writer
	seqNum   int
	stepID   int
	inStep   bool
	measured int
	failed   bool
}

// NewOCPReporter returns a reporter writing artifacts to w.
func NewOCPReporter(w io.Writer, version, commandLine string) *OCPReporter {
	return &OCPReporter{w: w, version: version, commandLine: commandLine, now: time.Now}
}

// outputArtifact streams one artifact with its sequence number and timestamp.
func (o *OCPReporter) outputArtifact(arti map[string]interface{}) error {
	arti["sequenceNumber"] = o.seqNum
	arti["timestamp"] = o.now().UTC().Format(time.RFC3339Nano)
	o.seqNum++

	s, err := structpb.NewStruct(arti)
	if err != nil {
		return errors.Wrap(err, "ocp artifact")
	}
	data, err := protojson.MarshalOptions{Multiline: false}.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "ocp artifact")
	}
	if _, err := o.w.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "ocp write")
	}
	return nil
}

func (o *OCPReporter) stepArtifact(key string, body map[string]interface{}) error {
	return o.outputArtifact(map[string]interface{}{
		"testStepArtifact": map[string]interface{}{
			"testStepId": strconv.Itoa(o.stepID),
			key:          body,
		},
	})
}

// StartRun implements Reporter.
func (o *OCPReporter) StartRun(host HostInfo) error {
	o.ocpLock.Lock()
	defer o.ocpLock.Unlock()

	if err := o.outputArtifact(map[string]interface{}{
		"schemaVersion": map[string]interface{}{"major": ocpSchemaMajor, "minor": ocpSchemaMinor},
	}); err != nil {
		return err
	}
	return o.outputArtifact(map[string]interface{}{
		"testRunArtifact": map[string]interface{}{
			"testRunStart": map[string]interface{}{
				"name":        ocpTestName,
				"version":     o.version,
				"commandLine": o.commandLine,
				"parameters":  map[string]interface{}{},
				"dutInfo": map[string]interface{}{
					"dutInfoId": host.HostID,
					"name":      host.Hostname,
					"metadata":  map[string]interface{}{"model_name": host.ModelName},
				},
			},
		},
	})
}

// StartStep implements Reporter.
func (o *OCPReporter) StartStep(name string) error {
	o.ocpLock.Lock()
	defer o.ocpLock.Unlock()

	if o.inStep {
		return errors.New("cannot start a new step before ending the previous one")
	}
	o.inStep = true
	return o.stepArtifact("testStepStart", map[string]interface{}{"name": name})
}

// Write implements Reporter.
func (o *OCPReporter) Write(r *LaneResult) error {
	o.ocpLock.Lock()
	defer o.ocpLock.Unlock()

	if !o.inStep {
		return errors.New("cannot write results before starting a step")
	}
	o.measured++
	name := fmt.Sprintf("BDF:%s Lane:%d", r.DeviceInfo.BDF, r.Lane)
	if err := o.stepArtifact("measurement", map[string]interface{}{
		"name":     name,
		"value":    r.BER,
		"unit":     "errors/bit",
		"metadata": map[string]interface{}{
			"receiver_number":    r.ReceiverNumber,
			"margin_type":        r.MarginType.String(),
			"step":               r.Step,
			"margin_offset":      r.MarginOffset,
			"margin_offset_unit": r.MarginOffsetUnit,
			"error_count":        r.ErrorCount,
			"sample_count":       r.SampleCount,
			"sample_count_bits":  r.SampleCountBits,
			"run_id":             r.TestInfo.RunID,
			"annotation":         r.TestInfo.Annotation,
		},
	}); err != nil {
		return err
	}
	if !r.Error {
		return nil
	}
	o.failed = true
	return o.stepArtifact("error", map[string]interface{}{
		"symptom": ocpLaneFault,
		"message": fmt.Sprintf("%s: %s", name, r.ErrorMsg),
	})
}

// EndStep implements Reporter.
func (o *OCPReporter) EndStep() error {
	o.ocpLock.Lock()
	defer o.ocpLock.Unlock()

	if !o.inStep {
		return errors.New("no step to end")
	}
	err := o.stepArtifact("testStepEnd", map[string]interface{}{"status": ocpStatusDone})
	o.inStep = false
	o.stepID++
	return err
}

// EndRun implements Reporter.
func (o *OCPReporter) EndRun() error {
	o.ocpLock.Lock()
	defer o.ocpLock.Unlock()

	result := ocpResultPass
	switch {
	case o.measured == 0:
		result = ocpResultNotApp
	case o.failed:
		result = ocpResultFail
	}
	return o.outputArtifact(map[string]interface{}{
		"testRunArtifact": map[string]interface{}{
			"testRunEnd": map[string]interface{}{"status": ocpStatusDone, "result": result},
		},
	})
}
