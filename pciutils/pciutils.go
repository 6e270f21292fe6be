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

// Package pciutils is the single gateway to PCI configuration space.
// An Accessor moves raw bytes in and out of a device's config space; a Dev binds
// one BDF to an Accessor and adds the capability-list traversal needed to find the
// Link Status register and the Lane Margining at the Receiver extended capability.
package pciutils

import (
	"github.com/pkg/errors"
)

// Width is the access size of a config space read or write, in bits.
type Width int

// Supported access widths.
const (
	Width8  Width = 8
	Width16 Width = 16
	Width32 Width = 32
)

// ConfigSpaceSize is the size of the PCIe extended configuration space.
const ConfigSpaceSize = 0x1000

// Accessor reads and writes the configuration space of the device at bdf.
// Implementations must be safe for use by multiple goroutines.
type Accessor interface {
	Read(bdf string, addr uint32, width Width) (uint32, error)
	Write(bdf string, addr uint32, val uint32, width Width) error
}

// checkAccess validates an access before it reaches the transport.
func checkAccess(addr uint32, width Width) error {
	switch width {
	case Width8, Width16, Width32:
	default:
		return errors.Errorf("invalid access width %d", width)
	}
	if addr+uint32(width/8) > ConfigSpaceSize {
		return errors.Errorf("invalid address 0x%x", addr)
	}
	return nil
}

// Dev is one PCI function reached through an Accessor.
type Dev struct {
	acc Accessor
	bdf string

	// Capability lists are read once and cached.
	caps    []Capability
	extCaps []Capability
}

// NewDev binds bdf to acc. The BDF is expected in the normalized form
// returned by ParseBDF.
func NewDev(acc Accessor, bdf string) *Dev {
	return &Dev{acc: acc, bdf: bdf}
}

// BDFString gets a device's BDF as a string.
func (dev *Dev) BDFString() string {
	return dev.bdf
}

// ReadByte reads an 8-bit register.
func (dev *Dev) ReadByte(addr int32) (uint8, error) {
	val, err := dev.read(addr, Width8)
	return uint8(val), err
}

// ReadWord reads a 16-bit register.
func (dev *Dev) ReadWord(addr int32) (uint16, error) {
	val, err := dev.read(addr, Width16)
	return uint16(val), err
}

// ReadLong reads a 32-bit register.
func (dev *Dev) ReadLong(addr int32) (uint32, error) {
	return dev.read(addr, Width32)
}

// WriteWord writes a 16-bit register.
func (dev *Dev) WriteWord(addr int32, val uint16) error {
	return dev.write(addr, uint32(val), Width16)
}

func (dev *Dev) read(addr int32, width Width) (uint32, error) {
	if addr < 0 {
		return 0, errors.Errorf("BDF:%s invalid address %d", dev.bdf, addr)
	}
	if err := checkAccess(uint32(addr), width); err != nil {
		return 0, errors.Wrapf(err, "BDF:%s read", dev.bdf)
	}
	val, err := dev.acc.Read(dev.bdf, uint32(addr), width)
	if err != nil {
		return 0, errors.Wrapf(err, "BDF:%s could not read reg 0x%x", dev.bdf, addr)
	}
	return val, nil
}

func (dev *Dev) write(addr int32, val uint32, width Width) error {
	if addr < 0 {
		return errors.Errorf("BDF:%s invalid address %d", dev.bdf, addr)
	}
	if err := checkAccess(uint32(addr), width); err != nil {
		return errors.Wrapf(err, "BDF:%s write", dev.bdf)
	}
	if err := dev.acc.Write(dev.bdf, uint32(addr), val, width); err != nil {
		return errors.Wrapf(err, "BDF:%s could not write reg 0x%x", dev.bdf, addr)
	}
	return nil
}
