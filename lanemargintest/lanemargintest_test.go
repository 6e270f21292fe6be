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

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	pci "github.com/opencomputeproject/ocp-diag-pci-lmt/pciutils"
)

// recorder keeps every Reporter call in order.
type recorder struct {
	calls   []string
	results []*LaneResult
	failOn  string
}

func (r *recorder) call(name string) error {
	r.calls = append(r.calls, name)
	if name == r.failOn {
		return errors.New("reporter failed")
	}
	return nil
}

func (r *recorder) StartRun(HostInfo) error { return r.call("StartRun") }
func (r *recorder) StartStep(name string) error { return r.call("StartStep " + name) }
func (r *recorder) EndStep() error { return r.call("EndStep") }
func (r *recorder) EndRun() error { return r.call("EndRun") }

func (r *recorder) Write(res *LaneResult) error {
	r.results = append(r.results, res)
	return r.call("Write")
}

const otherBDF = "0000:5e:00.0"

func testConfig(t *testing.T) *PlatformConfig {
	t.Helper()
	cfg := &PlatformConfig{
		PlatformName: "test",
		Groups: []LmtGroup{
			{
				Name:            "nvme",
				ReceiverNumber:  6,
				BDFList:         []string{"3b:00.0"},
				MarginKind:      "TIMING",
				MarginDirection: "right",
				MarginSteps:     []int{2, 4},
			},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func testRunner(t *testing.T, f *fakeLMR, cfg *PlatformConfig, rep Reporter) *Runner {
	t.Helper()
	opts := DefaultRunOptions()
	opts.Timeout = testTimeout
	opts.Version = "test-version"
	clock := time.Unix(1700000000, 0)
	return &Runner{
		Config:   cfg,
		Options:  opts,
		Host:     HostInfo{HostID: "abc123", Hostname: "host1", ModelName: "model"},
		Reporter: rep,
		Open:     AccessorOpener(f),
		sleep:    noSleep,
		now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	}
}

func TestRunner_Run(t *testing.T) {
	f := newFakeLMR()
	f.addDev(testBDF, pci.Speed32G, 2, goodRcvr())
	rec := &recorder{}
	r := testRunner(t, f, testConfig(t), rec)

	tally, err := r.Run()
	if err != nil {
		t.Fatal(err)
	}

	expCalls := []string{
		"StartRun",
		"StartStep Rcvr:6 Step:2 Ann:nvme", "Write", "Write", "EndStep",
		"StartStep Rcvr:6 Step:4 Ann:nvme", "Write", "Write", "EndStep",
		"EndRun",
	}
	if diff := cmp.Diff(expCalls, rec.calls); diff != "" {
		t.Fatalf("unexpected reporter calls (-want, +got):\n%s\n", diff)
	}
	if !tally.Pass || tally.NumLaneTested != 4 || tally.NumLanePassed != 4 {
		t.Fatalf("unexpected tally %+v", tally)
	}

	first, second := rec.results[0].TestInfo, rec.results[2].TestInfo
	if first.RunID == second.RunID || len(first.RunID) != 32 {
		t.Fatalf("expected a fresh 32 digit run id per step, got %q and %q", first.RunID, second.RunID)
	}
	if rec.results[1].TestInfo.RunID != first.RunID {
		t.Fatal("lanes of one step must share the run id")
	}
	first.RunID = ""
	exp := TestInfo{
		Timestamp:       1700000001,
		HostID:          "abc123",
		Hostname:        "host1",
		ModelName:       "model",
		ReceiverNumber:  6,
		MarginType:      TimingRight,
		Step:            2,
		DwellTimeSecs:   DefaultDwell.Seconds(),
		ElapsedTimeSecs: 1,
		ErrorCountLimit: DefaultErrorCountLimit,
		TestVersion:     "test-version",
		Annotation:      "nvme",
	}
	if diff := cmp.Diff(exp, first); diff != "" {
		t.Fatalf("unexpected test info (-want, +got):\n%s\n", diff)
	}
}

func TestRunner_AnnotationOverride(t *testing.T) {
	f := newFakeLMR()
	f.addDev(testBDF, pci.Speed32G, 1, goodRcvr())
	rec := &recorder{}
	r := testRunner(t, f, testConfig(t), rec)
	r.Options.Annotation = "rework-42"

	if _, err := r.Run(); err != nil {
		t.Fatal(err)
	}
	if rec.calls[1] != "StartStep Rcvr:6 Step:2 Ann:rework-42" {
		t.Fatalf("unexpected step name %q", rec.calls[1])
	}
	for _, res := range rec.results {
		if res.TestInfo.Annotation != "rework-42" {
			t.Fatalf("unexpected annotation %q", res.TestInfo.Annotation)
		}
	}
}

func TestRunner_FaultyDevices(t *testing.T) {
	f := newFakeLMR()
	f.addDev(testBDF, pci.Speed32G, 1, goodRcvr())
	cfg := testConfig(t)
	cfg.Groups[0].BDFList = append(cfg.Groups[0].BDFList, otherBDF)
	cfg.Groups[0].MarginSteps = []int{1}
	rec := &recorder{}
	r := testRunner(t, f, cfg, rec)
	open := r.Open
	r.Open = func(bdf string) (ConfigSpace, error) {
		if bdf == otherBDF {
			return nil, errors.New("no such device")
		}
		return open(bdf)
	}

	tally, err := r.Run()
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(rec.results))
	}
	bad := rec.results[1]
	if !bad.Error || bad.Lane != -1 || bad.DeviceInfo.BDF != otherBDF || !errors.Is(bad.Err, ErrDeviceFault) {
		t.Fatalf("unexpected result for the missing device %+v", bad)
	}
	if tally.Pass || tally.NumLaneTested != 2 || tally.NumLanePassed != 1 {
		t.Fatalf("unexpected tally %+v", tally)
	}
}

func TestRunner_ReporterError(t *testing.T) {
	for name, failOn := range map[string]string{
		"start run":  "StartRun",
		"start step": "StartStep Rcvr:6 Step:2 Ann:nvme",
		"write":      "Write",
		"end step":   "EndStep",
		"end run":    "EndRun",
	} {
		t.Run(name, func(t *testing.T) {
			f := newFakeLMR()
			f.addDev(testBDF, pci.Speed32G, 1, goodRcvr())
			rec := &recorder{failOn: failOn}

			if _, err := testRunner(t, f, testConfig(t), rec).Run(); err == nil {
				t.Fatal("expected the reporter error")
			}
			if last := rec.calls[len(rec.calls)-1]; last != failOn {
				t.Fatalf("expected the run to stop at %q, stopped at %q", failOn, last)
			}
		})
	}
}

func TestRunner_Incomplete(t *testing.T) {
	if _, err := (&Runner{}).Run(); err == nil {
		t.Fatal("expected error for a runner without config")
	}
}
