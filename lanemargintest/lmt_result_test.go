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
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func sampleResults() []*LaneResult {
	info := NewTestInfo(HostInfo{HostID: "abc123", Hostname: "host1"}, time.Unix(1700000000, 0))
	info.Annotation = "nvme"

	good := NewLaneResult()
	good.TestInfo = info
	good.DeviceInfo = DeviceInfo{BDF: testBDF, LinkSpeed: "32GT/s", LinkWidth: 2, LmtCapable: true}
	good.Lane = 0
	good.ReceiverNumber = 6
	good.MarginType = TimingRight
	good.Step = 6
	good.MarginOffset = 0.1875
	good.MarginOffsetUnit = "UI"
	good.SampleCount = 60
	good.SampleCountBits = 1 << 20
	good.ErrorCount = 16
	good.BER = 16.0 / (1 << 20)
	good.Error = false

	bad := NewLaneResult()
	bad.TestInfo = info
	bad.DeviceInfo = good.DeviceInfo
	bad.Lane = 1
	bad.ReceiverNumber = 6
	bad.MarginType = TimingRight
	bad.Step = 6
	bad.fail(&MarginError{Kind: ErrTimeout, BDF: testBDF, Lane: 1, Receiver: 6, Command: "NoCommand",
		Msg: "no response"})
	return []*LaneResult{good, bad}
}

func feed(t *testing.T, rep Reporter, results []*LaneResult) {
	t.Helper()
	if err := rep.StartRun(HostInfo{HostID: "abc123", Hostname: "host1", ModelName: "model"}); err != nil {
		t.Fatal(err)
	}
	if err := rep.StartStep("Rcvr:6 Step:6 Ann:nvme"); err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if err := rep.Write(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := rep.EndStep(); err != nil {
		t.Fatal(err)
	}
	if err := rep.EndRun(); err != nil {
		t.Fatal(err)
	}
}

func TestNewLaneResult(t *testing.T) {
	r := NewLaneResult()
	if !r.Error || r.BER != -1 || r.Lane != -1 || r.SampleCountBits != -1 {
		t.Fatalf("unexpected defaults %+v", r)
	}
	info := NewTestInfo(HostInfo{}, time.Unix(42, 0))
	if info.Timestamp != 42 || len(info.RunID) != 32 || strings.Contains(info.RunID, "-") {
		t.Fatalf("unexpected test info %+v", info)
	}
}

func TestJSONReporter(t *testing.T) {
	var buf bytes.Buffer
	feed(t, NewJSONReporter(&buf), sampleResults())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var got LaneResult
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(*sampleResults()[0], got, cmpopts.IgnoreFields(LaneResult{}, "TestInfo.RunID")); diff != "" {
		t.Fatalf("unexpected round trip (-want, +got):\n%s\n", diff)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &raw); err != nil {
		t.Fatal(err)
	}
	if raw["margin_type"] != "timing_right" || raw["error"] != true || raw["ber"] != -1.0 {
		t.Fatalf("unexpected record %v", raw)
	}
	if _, ok := raw["Err"]; ok {
		t.Fatal("typed error must not be serialized")
	}
}

func TestCSVReporter(t *testing.T) {
	var buf bytes.Buffer
	feed(t, NewCSVReporter(&buf), sampleResults())

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected a header and 2 rows, got %d rows", len(rows))
	}
	hdr := rows[0]
	col := make(map[string]int, len(hdr))
	for i, h := range hdr {
		col[h] = i
	}
	for _, name := range []string{"test_info.run_id", "test_info.annotation", "device_info.bdf",
		"device_info.link_speed", "lane", "margin_type", "ber", "error_msg"} {
		if _, ok := col[name]; !ok {
			t.Fatalf("missing column %q in %v", name, hdr)
		}
	}
	if _, ok := col["Err"]; ok {
		t.Fatal("typed error must not be a column")
	}
	if got := rows[1][col["margin_type"]]; got != "timing_right" {
		t.Fatalf("expected timing_right, got %q", got)
	}
	if got := rows[1][col["ber"]]; got != "1.52587890625e-05" {
		t.Fatalf("unexpected ber %q", got)
	}
	if got := rows[2][col["error"]]; got != "true" {
		t.Fatalf("unexpected error column %q", got)
	}
	if got := rows[2][col["test_info.annotation"]]; got != "nvme" {
		t.Fatalf("unexpected annotation %q", got)
	}
}

func TestOCPReporter(t *testing.T) {
	var buf bytes.Buffer
	rep := NewOCPReporter(&buf, "v1", "lmt cfg.json")
	rep.now = func() time.Time { return time.Unix(1700000000, 0) }
	feed(t, rep, sampleResults())

	var artifacts []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var a map[string]interface{}
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			t.Fatalf("bad artifact %q: %v", line, err)
		}
		artifacts = append(artifacts, a)
	}
	// schema, run start, step start, 2 measurements, 1 error, step end, run end.
	if len(artifacts) != 8 {
		t.Fatalf("expected 8 artifacts, got %d", len(artifacts))
	}
	for i, a := range artifacts {
		if a["sequenceNumber"] != float64(i) {
			t.Fatalf("artifact %d: unexpected sequence number %v", i, a["sequenceNumber"])
		}
		if a["timestamp"] != "2023-11-14T22:13:20Z" {
			t.Fatalf("artifact %d: unexpected timestamp %v", i, a["timestamp"])
		}
	}

	start := artifacts[1]["testRunArtifact"].(map[string]interface{})["testRunStart"].(map[string]interface{})
	dut := start["dutInfo"].(map[string]interface{})
	if start["name"] != "pci_lmt" || start["version"] != "v1" || dut["dutInfoId"] != "abc123" ||
		dut["name"] != "host1" {
		t.Fatalf("unexpected run start %v", start)
	}

	meas := artifacts[3]["testStepArtifact"].(map[string]interface{})["measurement"].(map[string]interface{})
	if meas["name"] != "BDF:0000:3b:00.0 Lane:0" {
		t.Fatalf("unexpected measurement name %v", meas["name"])
	}
	if diff := cmp.Diff(16.0/(1<<20), meas["value"]); diff != "" {
		t.Fatalf("unexpected measurement value (-want, +got):\n%s\n", diff)
	}

	errArti := artifacts[5]["testStepArtifact"].(map[string]interface{})["error"].(map[string]interface{})
	if errArti["symptom"] != "pci-lmt-lane-fault" || !strings.Contains(errArti["message"].(string), "Lane:1") {
		t.Fatalf("unexpected error artifact %v", errArti)
	}

	end := artifacts[7]["testRunArtifact"].(map[string]interface{})["testRunEnd"].(map[string]interface{})
	if end["status"] != "COMPLETE" || end["result"] != "FAIL" {
		t.Fatalf("unexpected run end %v", end)
	}
}

func TestOCPReporter_Result(t *testing.T) {
	for name, tc := range map[string]struct {
		results []*LaneResult
		exp     string
	}{
		"pass":    {results: sampleResults()[:1], exp: "PASS"},
		"fail":    {results: sampleResults(), exp: "FAIL"},
		"nothing": {exp: "NOT_APPLICABLE"},
	} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			feed(t, NewOCPReporter(&buf, "v1", ""), tc.results)

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			var last struct {
				TestRunArtifact struct {
					TestRunEnd struct {
						Result string `json:"result"`
					} `json:"testRunEnd"`
				} `json:"testRunArtifact"`
			}
			if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
				t.Fatal(err)
			}
			if got := last.TestRunArtifact.TestRunEnd.Result; got != tc.exp {
				t.Fatalf("expected %s, got %v", tc.exp, got)
			}
		})
	}
}

func TestOCPReporter_StepOrder(t *testing.T) {
	rep := NewOCPReporter(&bytes.Buffer{}, "v1", "")
	if err := rep.Write(sampleResults()[0]); err == nil {
		t.Fatal("expected error writing outside a step")
	}
	if err := rep.EndStep(); err == nil {
		t.Fatal("expected error ending a step that was not started")
	}
	if err := rep.StartStep("a"); err != nil {
		t.Fatal(err)
	}
	if err := rep.StartStep("b"); err == nil {
		t.Fatal("expected error starting nested steps")
	}
}

func TestPromReporter(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "pcie_lmt.prom")
	feed(t, NewPromReporter(fn), sampleResults())

	data, err := os.ReadFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	for _, exp := range []string{
		`pcie_lmt_ber{annotation="nvme",bdf="0000:3b:00.0",lane="0",margin_type="timing_right",receiver="6",step="6"} 1.52587890625e-05`,
		`pcie_lmt_error_count{annotation="nvme",bdf="0000:3b:00.0",lane="0",margin_type="timing_right",receiver="6",step="6"} 16`,
		`pcie_lmt_sample_count_bits{annotation="nvme",bdf="0000:3b:00.0",lane="0",margin_type="timing_right",receiver="6",step="6"} 1.048576e+06`,
		`pcie_lmt_lane_fault{annotation="nvme",bdf="0000:3b:00.0",lane="1",margin_type="timing_right",receiver="6",step="6"} 1`,
		`pcie_lmt_lane_fault{annotation="nvme",bdf="0000:3b:00.0",lane="0",margin_type="timing_right",receiver="6",step="6"} 0`,
	} {
		if !strings.Contains(text, exp) {
			t.Fatalf("missing %q in:\n%s", exp, text)
		}
	}
	if strings.Contains(text, `pcie_lmt_ber{annotation="nvme",bdf="0000:3b:00.0",lane="1"`) {
		t.Fatal("faulty lane must not report a BER")
	}
}

type failingReporter struct{ *JSONReporter }

func (failingReporter) EndStep() error { return errors.New("disk full") }

func TestMultiReporter(t *testing.T) {
	var a, b bytes.Buffer
	m := MultiReporter{NewJSONReporter(&a), NewCSVReporter(&b)}
	feed(t, m, sampleResults())
	if strings.Count(a.String(), "\n") != 2 || strings.Count(b.String(), "\n") != 3 {
		t.Fatalf("unexpected fan out:\n%s\n%s", a.String(), b.String())
	}

	m = MultiReporter{failingReporter{NewJSONReporter(&a)}, NewJSONReporter(&b)}
	if err := m.EndStep(); err == nil {
		t.Fatal("expected the first reporter error")
	}
}
