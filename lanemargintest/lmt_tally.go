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

// Misc. result analysis functions.

import (
	"fmt"
)

// PortResult contains pass-fail info at (pseudo)port-level.
type PortResult struct {
	BDF           string
	Receiver      int
	NumLaneTested int
	NumLanePassed int
	Message       string
}

// TestResult contains pass-fail info at the top-level of a test run.
type TestResult struct {
	NumLaneTested int
	NumLanePassed int
	PortResults   []*PortResult
	Pass          bool
}

// TallyResults tallies pass-fail info per BDF and receiver. A lane passes a
// step when it was measured without error.
// The run passes when at least one lane was tested and every lane passed.
func TallyResults(results []*LaneResult) *TestResult {
	res := &TestResult{Pass: true}
	type key struct {
		bdf string
		rec int
	}
	ports := make(map[key]*PortResult)
	for _, r := range results {
		k := key{r.DeviceInfo.BDF, r.ReceiverNumber}
		rpt, ok := ports[k]
		if !ok {
			rpt = &PortResult{BDF: k.bdf, Receiver: k.rec}
			ports[k] = rpt
			res.PortResults = append(res.PortResults, rpt)
		}
		res.NumLaneTested++
		rpt.NumLaneTested++
		if r.Error {
			res.Pass = false
		} else {
			res.NumLanePassed++
			rpt.NumLanePassed++
		}
	}
	// A run that measured nothing did not pass.
	if res.NumLaneTested == 0 {
		res.Pass = false
	}
	for _, rpt := range res.PortResults {
		failedString := ""
		if rpt.NumLanePassed != rpt.NumLaneTested {
			failedString = "(Failed)"
		}
		rpt.Message = fmt.Sprintf("Rcvr:%d on %s: %d lanes tested, %d passed. %s", rpt.Receiver,
			rpt.BDF, rpt.NumLaneTested, rpt.NumLanePassed, failedString)
	}
	return res
}
