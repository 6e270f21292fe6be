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
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
)

// SysBusPCIDevices is where the kernel exposes per-function config files.
const SysBusPCIDevices = "/sys/bus/pci/devices"

// SysfsAccessor reads and writes <root>/<bdf>/config with positional I/O.
// Config space above 0x40 is only readable with CAP_SYS_ADMIN.
type SysfsAccessor struct {
	root string

	// Only one goroutine touches the file table at a time.
	m     sync.Mutex
	files map[string]*os.File
}

// NewSysfsAccessor returns an accessor rooted at SysBusPCIDevices.
func NewSysfsAccessor() *SysfsAccessor {
	return NewSysfsAccessorAt(SysBusPCIDevices)
}

// NewSysfsAccessorAt returns an accessor rooted at root; root/<bdf>/config
// must be a config space image.
func NewSysfsAccessorAt(root string) *SysfsAccessor {
	return &SysfsAccessor{root: root, files: make(map[string]*os.File)}
}

func (s *SysfsAccessor) open(bdf string) (*os.File, error) {
	if f, ok := s.files[bdf]; ok {
		return f, nil
	}
	fn := filepath.Join(s.root, bdf, "config")
	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	log.V(2).Infof("Opened %s", fn)
	s.files[bdf] = f
	return f, nil
}

// Read implements Accessor.
func (s *SysfsAccessor) Read(bdf string, addr uint32, width Width) (uint32, error) {
	if err := checkAccess(addr, width); err != nil {
		return 0, err
	}
	s.m.Lock()
	defer s.m.Unlock()

	f, err := s.open(bdf)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, width/8)
	n, err := f.ReadAt(buf, int64(addr))
	if err != nil {
		return 0, errors.Wrapf(err, "read %d bytes at 0x%x", len(buf), addr)
	}
	if n != len(buf) {
		return 0, errors.Errorf("short read at 0x%x: %d of %d bytes", addr, n, len(buf))
	}
	switch width {
	case Width8:
		return uint32(buf[0]), nil
	case Width16:
		return uint32(binary.LittleEndian.Uint16(buf)), nil
	default:
		return binary.LittleEndian.Uint32(buf), nil
	}
}

// Write implements Accessor.
func (s *SysfsAccessor) Write(bdf string, addr uint32, val uint32, width Width) error {
	if err := checkAccess(addr, width); err != nil {
		return err
	}
	s.m.Lock()
	defer s.m.Unlock()

	f, err := s.open(bdf)
	if err != nil {
		return err
	}
	buf := make([]byte, width/8)
	switch width {
	case Width8:
		buf[0] = uint8(val)
	case Width16:
		binary.LittleEndian.PutUint16(buf, uint16(val))
	default:
		binary.LittleEndian.PutUint32(buf, val)
	}
	if _, err := f.WriteAt(buf, int64(addr)); err != nil {
		return errors.Wrapf(err, "write %d bytes at 0x%x", len(buf), addr)
	}
	return nil
}

// Close releases every open config file.
func (s *SysfsAccessor) Close() error {
	s.m.Lock()
	defer s.m.Unlock()

	var firstErr error
	for bdf, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, bdf)
	}
	return firstErr
}
