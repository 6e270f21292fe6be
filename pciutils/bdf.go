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

package pciutils

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseBDF accepts "BB:DD.F" or "DDDD:BB:DD.F" (hex fields, as printed by lspci)
// and returns the normalized "dddd:bb:dd.f" form used for sysfs paths.
func ParseBDF(s string) (string, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) == 2 {
		parts = append([]string{"0000"}, parts...)
	}
	if len(parts) != 3 {
		return "", errors.Errorf("unexpected pci address bdf format: %q", s)
	}
	devFunc := strings.Split(parts[2], ".")
	if len(devFunc) != 2 {
		return "", errors.Errorf("unexpected pci address bdf format: %q", s)
	}

	fields := []struct {
		str  string
		bits int
		max  uint64
	}{
		{parts[0], 16, 0xFFFF},
		{parts[1], 8, 0xFF},
		{devFunc[0], 8, 0x1F},
		{devFunc[1], 8, 0x7},
	}
	var vals [4]uint64
	for i, f := range fields {
		v, err := strconv.ParseUint(f.str, 16, f.bits)
		if err != nil {
			return "", errors.Wrapf(err, "unable to parse %q", s)
		}
		if v > f.max {
			return "", errors.Errorf("unable to parse %q: field %q out of range", s, f.str)
		}
		vals[i] = v
	}
	return fmt.Sprintf("%04x:%02x:%02x.%x", vals[0], vals[1], vals[2], vals[3]), nil
}
