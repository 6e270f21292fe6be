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

	log "github.com/golang/glog"
	"github.com/pkg/errors"
)

const (
	// CapabilityList is the config header byte pointing at the first capability.
	CapabilityList = 0x34
	// CapIDExp is the PCI Express capability ID.
	CapIDExp = 0x10
	// ExtCapIDLMR is the Lane Margining at the Receiver extended capability ID.
	ExtCapIDLMR = 0x27
	// LinkStatusOffset is the Link Status register offset inside the PCIe capability.
	LinkStatusOffset = 0x12

	// Link Status register fields.
	LinkStatusSpeedMask = 0xF
	LinkStatusWidthPos  = 4
	LinkStatusWidthMask = 0x3F

	// Speed encodings from the Supported Link Speeds Vector.
	Speed16G = 4
	Speed32G = 5
	Speed64G = 6

	baseConfigSpace = 0x100
	extCapStart     = 0x100
)

// ErrCapNotFound is returned when a capability is absent from its list.
var ErrCapNotFound = errors.New("capability not found")

// Capability is one entry of the legacy or extended capability list.
type Capability struct {
	ID      uint16
	Version uint8
	Offset  int32
	Next    int32
}

func (c Capability) String() string {
	return fmt.Sprintf("cap id=0x%x ver=%d @0x%x next=0x%x", c.ID, c.Version, c.Offset, c.Next)
}

// Capabilities walks the legacy capability list starting from the pointer at 0x34.
// Refers to pciutils/ls-caps.c
func (dev *Dev) Capabilities() ([]Capability, error) {
	if dev.caps != nil {
		return dev.caps, nil
	}
	ptr, err := dev.ReadByte(CapabilityList)
	if err != nil {
		return nil, err
	}

	// Tracks if a loop occurs in the linked list.
	var been [baseConfigSpace]bool
	caps := make([]Capability, 0, 8)
	for addr := int32(ptr) & 0xFC; addr != 0; {
		if been[addr] {
			return nil, errors.Errorf("BDF:%s capability chain loops at 0x%x", dev.bdf, addr)
		}
		been[addr] = true
		hdr, err := dev.ReadLong(addr)
		if err != nil {
			return nil, err
		}
		c := Capability{
			ID:      uint16(hdr & 0xFF),
			Version: uint8((hdr >> 16) & 0x7),
			Offset:  addr,
			Next:    int32((hdr >> 8) & 0xFC),
		}
		log.V(3).Infof("BDF:%s %v", dev.bdf, c)
		caps = append(caps, c)
		addr = c.Next
	}
	dev.caps = caps
	return caps, nil
}

// ExtCapabilities walks the extended capability list starting at 0x100.
// Refers to pciutils/ls-ecaps.c
func (dev *Dev) ExtCapabilities() ([]Capability, error) {
	if dev.extCaps != nil {
		return dev.extCaps, nil
	}

	var been [ConfigSpaceSize]bool
	caps := make([]Capability, 0, 8)
	for addr := int32(extCapStart); addr != 0; {
		if been[addr] {
			return nil, errors.Errorf("BDF:%s extended capability chain loops at 0x%x", dev.bdf, addr)
		}
		been[addr] = true
		hdr, err := dev.ReadLong(addr)
		if err != nil {
			return nil, err
		}
		// An all-ones header means the function is gone; all-zeros means no list.
		if hdr == 0xFFFFFFFF {
			return nil, errors.Errorf("BDF:%s config space reads all ones at 0x%x", dev.bdf, addr)
		}
		if hdr == 0 {
			break
		}
		c := Capability{
			ID:      uint16(hdr & 0xFFFF),
			Version: uint8((hdr >> 16) & 0xF),
			Offset:  addr,
			Next:    int32((hdr >> 20) & 0xFFC),
		}
		log.V(3).Infof("BDF:%s ext %v", dev.bdf, c)
		caps = append(caps, c)
		// Extended capabilities never live in the base config space.
		if c.Next != 0 && c.Next < extCapStart {
			break
		}
		addr = c.Next
	}
	dev.extCaps = caps
	return caps, nil
}

// FindCapability returns the offset of the capability with the given id.
func (dev *Dev) FindCapability(id uint16, extended bool) (int32, error) {
	var caps []Capability
	var err error
	if extended {
		caps, err = dev.ExtCapabilities()
	} else {
		caps, err = dev.Capabilities()
	}
	if err != nil {
		return 0, err
	}
	for _, c := range caps {
		if c.ID == id {
			return c.Offset, nil
		}
	}
	return 0, errors.Wrapf(ErrCapNotFound, "BDF:%s id 0x%x extended=%v", dev.bdf, id, extended)
}

// LinkStatus is the decoded PCIe Link Status register.
type LinkStatus struct {
	Speed uint8 // Current Link Speed encoding.
	Width uint8 // Negotiated Link Width.
}

// SpeedString renders the link speed encoding, e.g. "16GT/s".
func (ls LinkStatus) SpeedString() string {
	switch ls.Speed {
	case 1:
		return "2.5GT/s"
	case 2:
		return "5GT/s"
	case 3:
		return "8GT/s"
	case Speed16G:
		return "16GT/s"
	case Speed32G:
		return "32GT/s"
	case Speed64G:
		return "64GT/s"
	}
	return fmt.Sprintf("unknown(%d)", ls.Speed)
}

// LinkStatus reads the Link Status register of the PCIe capability.
func (dev *Dev) LinkStatus() (LinkStatus, error) {
	off, err := dev.FindCapability(CapIDExp, false)
	if err != nil {
		return LinkStatus{}, err
	}
	val, err := dev.ReadWord(off + LinkStatusOffset)
	if err != nil {
		return LinkStatus{}, err
	}
	return LinkStatus{
		Speed: uint8(val & LinkStatusSpeedMask),
		Width: uint8((val >> LinkStatusWidthPos) & LinkStatusWidthMask),
	}, nil
}

// LMRCapOffset returns the offset of the Lane Margining at the Receiver extended capability.
func (dev *Dev) LMRCapOffset() (int32, error) {
	return dev.FindCapability(ExtCapIDLMR, true)
}
