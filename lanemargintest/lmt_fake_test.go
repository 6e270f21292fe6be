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
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	pci "github.com/opencomputeproject/ocp-diag-pci-lmt/pciutils"
)

const (
	fakePCIeCap = 0x40
	fakeLMRCap  = 0x100
	testTimeout = 20 * time.Millisecond
)

// fakeRcvr scripts how every Receiver of a fake device answers.
type fakeRcvr struct {
	caps                uint8
	numVoltageSteps     uint8
	numTimingSteps      uint8
	maxTimingOffset     uint8
	maxVoltageOffset    uint8
	samplingRateVoltage uint8
	samplingRateTiming  uint8
	sampleCount         uint8
	maxLanes            uint8
	reserved            uint8
	retimerReg          uint8
	// retimerAbsent answers register reads with receiver number 0.
	retimerAbsent bool
	// noReport leaves Report commands unanswered.
	noReport bool

	execStatus uint8
	errorCount uint8
}

// goodRcvr margins with an independent sampler and independent directions.
func goodRcvr() fakeRcvr {
	return fakeRcvr{
		caps:                MskIndErrorSampler | MskIndLeftRightTiming | MskIndUpDownVoltage | MskVoltageSupported,
		numVoltageSteps:     0x20,
		numTimingSteps:      0x10,
		maxTimingOffset:     0x32,
		maxVoltageOffset:    0x14,
		samplingRateVoltage: 0x3F,
		samplingRateTiming:  0x3F,
		sampleCount:         0x7F,
		maxLanes:            0x0F,
		execStatus:          StepMarginExecutionStatusMargining,
	}
}

// fakeDev is the config space of one function with a PCIe capability at 0x40 and
// the LMR extended capability at 0x100.
type fakeDev struct {
	mem    [pci.ConfigSpaceSize]byte
	width  int
	rcvr   fakeRcvr
	silent map[int]bool  // lanes that never update Lane Status
	errs   map[int]uint8 // per lane error counts overriding rcvr.errorCount

	reads  int
	writes int
	cmds   map[int][]cmdRsp // commands written, per lane
}

// fakeLMR is a pci.Accessor over several fake devices.
type fakeLMR struct {
	mu   sync.Mutex
	devs map[string]*fakeDev
}

func newFakeLMR() *fakeLMR {
	return &fakeLMR{devs: make(map[string]*fakeDev)}
}

func (f *fakeLMR) addDev(bdf string, speed, width int, rcvr fakeRcvr) *fakeDev {
	d := &fakeDev{width: width, rcvr: rcvr, silent: map[int]bool{}, errs: map[int]uint8{},
		cmds: map[int][]cmdRsp{}}
	d.mem[pci.CapabilityList] = fakePCIeCap
	d.put32(fakePCIeCap, 0x00020010) // PCIe, end of list
	d.put16(fakePCIeCap+pci.LinkStatusOffset, uint16(width)<<pci.LinkStatusWidthPos|uint16(speed))
	d.put32(fakeLMRCap, 0x00010027) // LMR v1, end of list
	f.devs[bdf] = d
	return d
}

// open binds bdf the way the CLI does.
func (f *fakeLMR) open(bdf string) *Device {
	return NewDevice(pci.NewDev(f, bdf), testTimeout)
}

func (f *fakeLMR) dev(bdf string) *fakeDev {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devs[bdf]
}

// io returns the number of register accesses on bdf.
func (f *fakeLMR) io(bdf string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.devs[bdf]
	return d.reads + d.writes
}

func (d *fakeDev) put32(addr int, val uint32) {
	binary.LittleEndian.PutUint32(d.mem[addr:], val)
}

func (d *fakeDev) put16(addr int, val uint16) {
	binary.LittleEndian.PutUint16(d.mem[addr:], val)
}

func (d *fakeDev) get16(addr int) uint16 {
	return binary.LittleEndian.Uint16(d.mem[addr:])
}

func (f *fakeLMR) Read(bdf string, addr uint32, width pci.Width) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devs[bdf]
	if !ok {
		return 0, errors.Errorf("no device %s", bdf)
	}
	d.reads++
	switch width {
	case pci.Width8:
		return uint32(d.mem[addr]), nil
	case pci.Width16:
		return uint32(d.get16(int(addr))), nil
	}
	return binary.LittleEndian.Uint32(d.mem[addr:]), nil
}

func (f *fakeLMR) Write(bdf string, addr uint32, val uint32, width pci.Width) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devs[bdf]
	if !ok {
		return errors.Errorf("no device %s", bdf)
	}
	d.writes++
	if width != pci.Width16 {
		return errors.Errorf("unexpected %d-bit write at 0x%x", width, addr)
	}
	d.put16(int(addr), uint16(val))

	off := int(addr) - fakeLMRCap - 8
	if off < 0 || off%4 != 0 || off/4 >= d.width {
		return nil
	}
	ln := off / 4
	var cmd cmdRsp
	cmd.decode(uint16(val))
	d.cmds[ln] = append(d.cmds[ln], cmd)
	if d.silent[ln] {
		return nil
	}
	if rsp, ok := d.respond(ln, cmd); ok {
		d.put16(int(addr)+2, rsp.encode())
	}
	return nil
}

// respond computes the Lane Status for a command written to Lane Control.
func (d *fakeDev) respond(ln int, cmd cmdRsp) (cmdRsp, bool) {
	rsp := cmdRsp{rec: cmd.rec, typ: cmd.typ}
	r := &d.rcvr
	switch cmd.typ {
	case MarginTypeNoCmd:
		rsp.payload = cmd.payload
	case MarginTypeReport:
		if r.noReport {
			return rsp, false
		}
		switch cmd.payload {
		case RptControlCapabilities:
			rsp.payload = uint16(r.caps)
		case RptNumVoltageSteps:
			rsp.payload = uint16(r.numVoltageSteps)
		case RptNumTimingSteps:
			rsp.payload = uint16(r.numTimingSteps)
		case RptMaxTimingOffset:
			rsp.payload = uint16(r.maxTimingOffset)
		case RptMaxVoltageOffset:
			rsp.payload = uint16(r.maxVoltageOffset)
		case RptSamplingRateVoltage:
			rsp.payload = uint16(r.samplingRateVoltage)
		case RptSamplingRateTiming:
			rsp.payload = uint16(r.samplingRateTiming)
		case RptSampleCount:
			rsp.payload = uint16(r.sampleCount)
		case RptMaxLanes:
			rsp.payload = uint16(r.maxLanes)
		default:
			if cmd.payload >= RptReservedFirst && cmd.payload <= RptReservedLast {
				rsp.payload = uint16(r.reserved)
				break
			}
			rsp.payload = uint16(r.retimerReg)
			if r.retimerAbsent {
				rsp.rec = 0
			}
		}
	case MarginTypeSet:
		rsp.payload = cmd.payload
	case MarginTypeTiming, MarginTypeVoltage:
		ec, ok := d.errs[ln]
		if !ok {
			ec = r.errorCount
		}
		rsp.payload = uint16(r.execStatus)<<StepMarginExecutionStatusPos | uint16(ec&StepMarginErrorCountMask)
	default:
		return rsp, false
	}
	return rsp, true
}

// laneCmds returns the commands written to a lane of bdf.
func (f *fakeLMR) laneCmds(bdf string, ln int) []cmdRsp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cmdRsp(nil), f.devs[bdf].cmds[ln]...)
}

// noSleep skips the dwell.
func noSleep(time.Duration) {}
