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
	"encoding/json"
	"fmt"
	"strings"
)

// MarginType selects the margining aspect and the direction of the offset.
type MarginType int

// Margin types. The "None" variants are for Receivers that cannot margin
// independently in each direction.
const (
	VoltageNone MarginType = iota
	VoltageUp
	VoltageDown
	TimingNone
	TimingRight
	TimingLeft
)

var marginTypeNames = map[MarginType]string{
	VoltageNone: "voltage_none",
	VoltageUp:   "voltage_up",
	VoltageDown: "voltage_down",
	TimingNone:  "timing_none",
	TimingRight: "timing_right",
	TimingLeft:  "timing_left",
}

func (mt MarginType) String() string {
	if s, ok := marginTypeNames[mt]; ok {
		return s
	}
	return fmt.Sprintf("MarginType(%d)", int(mt))
}

// IsTiming reports whether mt is one of the timing variants.
func (mt MarginType) IsTiming() bool {
	return mt == TimingNone || mt == TimingRight || mt == TimingLeft
}

// Directional reports whether mt names a direction, which requires the
// Receiver's independent left/right or up/down capability.
func (mt MarginType) Directional() bool {
	return mt != VoltageNone && mt != TimingNone
}

// ParseMarginType builds a MarginType from a configuration kind (VOLTAGE or
// TIMING) and direction (up, down, right, left or none). Case is ignored.
func ParseMarginType(kind, direction string) (MarginType, error) {
	name := strings.ToLower(strings.TrimSpace(kind)) + "_" + strings.ToLower(strings.TrimSpace(direction))
	for mt, s := range marginTypeNames {
		if s == name {
			return mt, nil
		}
	}
	return 0, fmt.Errorf("invalid margin type %q and/or direction %q", kind, direction)
}

// MarshalJSON renders the margin type by name.
func (mt MarginType) MarshalJSON() ([]byte, error) {
	return json.Marshal(mt.String())
}

// UnmarshalJSON parses a name as rendered by MarshalJSON.
func (mt *MarginType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind, dir, ok := strings.Cut(s, "_")
	if !ok {
		return fmt.Errorf("invalid margin type %q", s)
	}
	v, err := ParseMarginType(kind, dir)
	if err != nil {
		return err
	}
	*mt = v
	return nil
}
