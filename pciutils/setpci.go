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
	"os/exec"
	"strconv"
	"strings"
	"sync"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
)

var widthSuffix = map[Width]string{Width8: "b", Width16: "w", Width32: "l"}

// SetpciAccessor drives config space through the pciutils setpci utility.
// It is much slower than SysfsAccessor but works where the sysfs config
// file is not writable by the caller.
type SetpciAccessor struct {
	path string

	// setpci invocations are serialized.
	m   sync.Mutex
	run func(name string, args ...string) ([]byte, error)
}

// NewSetpciAccessor returns an accessor that runs the setpci binary at path.
// An empty path looks setpci up in $PATH.
func NewSetpciAccessor(path string) *SetpciAccessor {
	if path == "" {
		path = "setpci"
	}
	return &SetpciAccessor{
		path: path,
		run: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).Output()
		},
	}
}

// Read implements Accessor.
func (s *SetpciAccessor) Read(bdf string, addr uint32, width Width) (uint32, error) {
	if err := checkAccess(addr, width); err != nil {
		return 0, err
	}
	reg := fmt.Sprintf("0x%x.%s", addr, widthSuffix[width])

	s.m.Lock()
	out, err := s.run(s.path, "-s", bdf, reg)
	s.m.Unlock()
	if err != nil {
		return 0, errors.Wrapf(err, "setpci -s %s %s", bdf, reg)
	}

	str := strings.TrimSpace(string(out))
	val, err := strconv.ParseUint(str, 16, int(width))
	if err != nil {
		return 0, errors.Wrapf(err, "setpci -s %s %s: unexpected output %q", bdf, reg, str)
	}
	log.V(3).Infof("BDF:%s read 0x%x: 0x%x", bdf, addr, val)
	return uint32(val), nil
}

// Write implements Accessor.
func (s *SetpciAccessor) Write(bdf string, addr uint32, val uint32, width Width) error {
	if err := checkAccess(addr, width); err != nil {
		return err
	}
	reg := fmt.Sprintf("0x%x.%s=0x%x", addr, widthSuffix[width], val)

	s.m.Lock()
	_, err := s.run(s.path, "-s", bdf, reg)
	s.m.Unlock()
	if err != nil {
		return errors.Wrapf(err, "setpci -s %s %s", bdf, reg)
	}
	log.V(3).Infof("BDF:%s wrote 0x%x: 0x%x", bdf, addr, val)
	return nil
}
