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

// Lane-level margining operations.

import (
	"errors"
	"fmt"
	"math"
	"time"

	humanize "github.com/dustin/go-humanize"
	log "github.com/golang/glog"
	pci "github.com/opencomputeproject/ocp-diag-pci-lmt/pciutils"
)

// ConfigSpace is the register access a Device needs. *pciutils.Dev implements it.
type ConfigSpace interface {
	BDFString() string
	ReadWord(addr int32) (uint16, error)
	WriteWord(addr int32, val uint16) error
	LinkStatus() (pci.LinkStatus, error)
	LMRCapOffset() (int32, error)
}

var legalWidths = map[uint8]bool{1: true, 2: true, 4: true, 8: true, 16: true, 32: true, 64: true}

// DeviceInfo is discovered once per device. Fields past LinkWidth are only valid
// after FetchMarginControlCapabilities succeeds.
type DeviceInfo struct {
	BDF                   string `json:"bdf"`
	LinkSpeed             string `json:"link_speed"`
	LinkWidth             int    `json:"link_width"`
	LmtCapable            bool   `json:"lmt_capable"`
	IndErrorSampler       bool   `json:"ind_error_sampler"`
	SampleReportingMethod bool   `json:"sample_reporting_method"`
	IndLeftRightTiming    bool   `json:"ind_left_right_timing"`
	IndUpDownVoltage      bool   `json:"ind_up_down_voltage"`
	VoltageSupported      bool   `json:"voltage_supported"`
	NumVoltageSteps       int    `json:"num_voltage_steps"`
	NumTimingSteps        int    `json:"num_timing_steps"`
	MaxTimingOffset       int    `json:"max_timing_offset"`
	MaxVoltageOffset      int    `json:"max_voltage_offset"`
	SamplingRateVoltage   int    `json:"sampling_rate_voltage"`
	SamplingRateTiming    int    `json:"sampling_rate_timing"`
	MaxLanes              int    `json:"max_lanes"`
	Reserved              int    `json:"reserved"`
}

// SampleCount is a decoded MSampleCount.
type SampleCount struct {
	Count uint8  // log-scaled, saturating at 127
	Bits  uint64 // 2^(Count/3)
}

// sampleCountBits converts MSampleCount into the number of bits tested.
func sampleCountBits(count uint8) uint64 {
	return uint64(math.Pow(2, float64(count)/3))
}

// A Device is one PCIe function under Lane Margining test.
type Device struct {
	Info   DeviceInfo
	Primed bool

	cs      ConfigSpace
	lmrAddr int32 // LMR capability address
	timeout time.Duration

	// devErr excludes the whole device; laneErrs holds the first fault of each lane.
	devErr   *MarginError
	laneErrs []*MarginError
}

// NewDevice reads the link status and locates the LMR capability of cs.
// A device that cannot be margined is still returned, with DeviceError set, and
// never touches the hardware again.
func NewDevice(cs ConfigSpace, timeout time.Duration) *Device {
	if timeout <= 0 {
		timeout = CmdTimeout
	}
	d := &Device{cs: cs, timeout: timeout}
	d.Info.BDF = cs.BDFString()

	ls, err := cs.LinkStatus()
	if err != nil {
		d.deviceFault(err, "link down or device not present")
		return d
	}
	if ls.Width == 0 {
		d.deviceFault(nil, "link down, width 0")
		return d
	}
	if !legalWidths[ls.Width] {
		d.deviceFault(nil, "unsupported link width %d", ls.Width)
		return d
	}
	d.Info.LinkWidth = int(ls.Width)
	d.laneErrs = make([]*MarginError, ls.Width)

	d.Info.LinkSpeed = ls.SpeedString()
	if ls.Speed < Speed16G || ls.Speed > Speed64G {
		d.deviceFault(nil, "unsupported link speed %s", ls.SpeedString())
		return d
	}

	if d.lmrAddr, err = cs.LMRCapOffset(); err != nil {
		d.deviceFault(err, "lane margining unsupported")
		return d
	}
	log.V(1).Infof("BDF:%s x%d %s LMR CAP offset=0x%x", d.Info.BDF, d.Info.LinkWidth, d.Info.LinkSpeed, d.lmrAddr)
	return d
}

// newFaultyDevice stands in for a BDF whose config space could not be opened.
func newFaultyDevice(bdf string, err error) *Device {
	d := &Device{Info: DeviceInfo{BDF: bdf}, timeout: CmdTimeout}
	d.deviceFault(err, "cannot open config space")
	return d
}

func (d *Device) deviceFault(err error, format string, args ...interface{}) {
	d.devErr = &MarginError{
		Kind: ErrDeviceFault,
		BDF:  d.Info.BDF,
		Lane: -1,
		Msg:  fmt.Sprintf(format, args...),
		Err:  err,
	}
	log.Warningf("%v", d.devErr)
}

// DeviceError returns the error that excluded the device, or nil.
func (d *Device) DeviceError() error {
	if d.devErr == nil {
		return nil
	}
	return d.devErr
}

// LaneError returns the first fault cached for lane, or nil.
func (d *Device) LaneError(ln int) error {
	if ln < 0 || ln >= len(d.laneErrs) || d.laneErrs[ln] == nil {
		return nil
	}
	return d.laneErrs[ln]
}

// Lanes returns the number of lanes reported by the Link Status register.
func (d *Device) Lanes() int {
	return d.Info.LinkWidth
}

// markLanesFaulty caches err on every lane that has no fault yet.
func (d *Device) markLanesFaulty(kind ErrorKind, rec int, cmd, msg string, err error) {
	for ln := range d.laneErrs {
		if d.laneErrs[ln] != nil {
			continue
		}
		d.laneErrs[ln] = &MarginError{
			Kind:     kind,
			BDF:      d.Info.BDF,
			Lane:     ln,
			Receiver: rec,
			Command:  cmd,
			Msg:      msg,
			Err:      err,
		}
	}
}

// guard runs op on a lane unless the device or the lane is already faulty, in
// which case the cached error is returned without touching the hardware. A new
// failure is cached for the lane.
func guard[T any](d *Device, ln, rec int, cmd string, op func(l *lane) (T, error)) (T, error) {
	var zero T
	if d.devErr != nil {
		return zero, d.devErr
	}
	if ln < 0 || ln >= len(d.laneErrs) {
		return zero, &MarginError{Kind: ErrInvalidArgument, BDF: d.Info.BDF, Lane: -1, Command: cmd,
			Msg: fmt.Sprintf("lane %d out of range for x%d link", ln, d.Info.LinkWidth)}
	}
	if e := d.laneErrs[ln]; e != nil {
		return zero, e
	}

	l := d.lane(ln, rec)
	v, err := op(l)
	if err == nil {
		return v, nil
	}
	var me *MarginError
	if !errors.As(err, &me) {
		me = l.errorf(ErrDeviceFault, cmd, err, "")
	}
	// A nested operation may already have cached the first error.
	if d.laneErrs[ln] == nil {
		d.laneErrs[ln] = me
		log.Warningf("%s failed for BDF %s lane %d: %v", cmd, d.Info.BDF, ln, me)
	}
	return zero, d.laneErrs[ln]
}

// checkReceiver validates the receiver number of a command; 0 is the
// broadcast receiver, only accepted by a few Set commands.
func (ln *lane) checkReceiver(cmd string, allowBroadcast bool) error {
	lo := 1
	if allowBroadcast {
		lo = 0
	}
	if ln.rec < lo || ln.rec > maxRxPerLink {
		return ln.errorf(ErrInvalidArgument, cmd, nil, "bad receiver number %d", ln.rec)
	}
	return nil
}

// NoCommand resets the lane to No Command.
func (d *Device) NoCommand(ln int) error {
	_, err := guard(d, ln, NoCmdRecNum, "NoCommand", func(l *lane) (struct{}, error) {
		return struct{}{}, l.lmrBroadcastNoCmd()
	})
	return err
}

// FetchMarginControlCapabilities reads the capability flags of the Receiver and
// then every other Report parameter into Info.
func (d *Device) FetchMarginControlCapabilities(ln, rec int) error {
	const cmd = "FetchMarginControlCapabilities"
	_, err := guard(d, ln, rec, cmd, func(l *lane) (struct{}, error) {
		if err := l.checkReceiver(cmd, false); err != nil {
			return struct{}{}, err
		}
		caps, err := l.report(cmd, RptControlCapabilities, 0x1F)
		if err != nil {
			return struct{}{}, err
		}
		info := &d.Info
		info.LmtCapable = true
		info.IndErrorSampler = caps&MskIndErrorSampler != 0
		info.SampleReportingMethod = caps&MskSampleReportingMethod != 0
		info.IndLeftRightTiming = caps&MskIndLeftRightTiming != 0
		info.IndUpDownVoltage = caps&MskIndUpDownVoltage != 0
		info.VoltageSupported = caps&MskVoltageSupported != 0

		fetches := []func(int, int) (uint8, error){
			d.FetchNumVoltageSteps,
			d.FetchNumTimingSteps,
			d.FetchMaxTimingOffset,
			d.FetchMaxVoltageOffset,
			d.FetchSamplingRateVoltage,
			d.FetchSamplingRateTiming,
			func(ln, rec int) (uint8, error) {
				sc, err := d.FetchSampleCount(ln, rec)
				return sc.Count, err
			},
			d.FetchMaxLanes,
		}
		for _, fetch := range fetches {
			if _, err := fetch(l.num, l.rec); err != nil {
				return struct{}{}, err
			}
		}
		log.V(1).Infof("BDF:%s Rcvr:%d capabilities: %+v", d.Info.BDF, rec, d.Info)
		return struct{}{}, nil
	})
	return err
}

// fetchParam is a guarded Report of one masked parameter, stored through dst.
func (d *Device) fetchParam(ln, rec int, cmd string, payload, mask uint16, dst *int) (uint8, error) {
	return guard(d, ln, rec, cmd, func(l *lane) (uint8, error) {
		if err := l.checkReceiver(cmd, false); err != nil {
			return 0, err
		}
		v, err := l.report(cmd, payload, mask)
		if err != nil {
			return 0, err
		}
		*dst = int(v)
		return v, nil
	})
}

// FetchNumVoltageSteps reads MNumVoltageSteps.
func (d *Device) FetchNumVoltageSteps(ln, rec int) (uint8, error) {
	return d.fetchParam(ln, rec, "FetchNumVoltageSteps", RptNumVoltageSteps, MskNumVoltageSteps, &d.Info.NumVoltageSteps)
}

// FetchNumTimingSteps reads MNumTimingSteps.
func (d *Device) FetchNumTimingSteps(ln, rec int) (uint8, error) {
	return d.fetchParam(ln, rec, "FetchNumTimingSteps", RptNumTimingSteps, MskNumTimingSteps, &d.Info.NumTimingSteps)
}

// FetchMaxTimingOffset reads MMaxTimingOffset, in percent of UI.
func (d *Device) FetchMaxTimingOffset(ln, rec int) (uint8, error) {
	return d.fetchParam(ln, rec, "FetchMaxTimingOffset", RptMaxTimingOffset, MskMaxTimingOffset, &d.Info.MaxTimingOffset)
}

// FetchMaxVoltageOffset reads MMaxVoltageOffset, in 10mV units.
func (d *Device) FetchMaxVoltageOffset(ln, rec int) (uint8, error) {
	return d.fetchParam(ln, rec, "FetchMaxVoltageOffset", RptMaxVoltageOffset, MskMaxVoltageOffset, &d.Info.MaxVoltageOffset)
}

// FetchSamplingRateVoltage reads MSamplingRateVoltage.
func (d *Device) FetchSamplingRateVoltage(ln, rec int) (uint8, error) {
	return d.fetchParam(ln, rec, "FetchSamplingRateVoltage", RptSamplingRateVoltage, MskSamplingRateVoltage,
		&d.Info.SamplingRateVoltage)
}

// FetchSamplingRateTiming reads MSamplingRateTiming.
func (d *Device) FetchSamplingRateTiming(ln, rec int) (uint8, error) {
	return d.fetchParam(ln, rec, "FetchSamplingRateTiming", RptSamplingRateTiming, MskSamplingRateTiming,
		&d.Info.SamplingRateTiming)
}

// FetchMaxLanes reads MMaxLanes.
func (d *Device) FetchMaxLanes(ln, rec int) (uint8, error) {
	return d.fetchParam(ln, rec, "FetchMaxLanes", RptMaxLanes, MskMaxLanes, &d.Info.MaxLanes)
}

// FetchSampleCount reads MSampleCount and converts it to the number of bits tested.
func (d *Device) FetchSampleCount(ln, rec int) (SampleCount, error) {
	const cmd = "FetchSampleCount"
	return guard(d, ln, rec, cmd, func(l *lane) (SampleCount, error) {
		if err := l.checkReceiver(cmd, false); err != nil {
			return SampleCount{}, err
		}
		v, err := l.report(cmd, RptSampleCount, MskSampleCount)
		if err != nil {
			return SampleCount{}, err
		}
		sc := SampleCount{Count: v, Bits: sampleCountBits(v)}
		log.V(2).Infof("BDF:%s lane %d sample count %d (%s bits)", d.Info.BDF, ln, sc.Count,
			humanize.SIWithDigits(float64(sc.Bits), 2, ""))
		return sc, nil
	})
}

// FetchReserved issues a Report with a reserved payload in [0x91, 0x9F] and
// stores the response byte in Info.Reserved.
func (d *Device) FetchReserved(ln, rec int, offset uint8) (uint8, error) {
	const cmd = "FetchReserved"
	return guard(d, ln, rec, cmd, func(l *lane) (uint8, error) {
		if err := l.checkReceiver(cmd, false); err != nil {
			return 0, err
		}
		if offset < RptReservedFirst || offset > RptReservedLast {
			return 0, l.errorf(ErrInvalidArgument, cmd, nil, "bad reserved offset 0x%x", offset)
		}
		v, err := l.report(cmd, uint16(offset), 0xFF)
		if err != nil {
			return 0, err
		}
		d.Info.Reserved = int(v)
		return v, nil
	})
}

// AccessRetimerRegister reads a register of a Retimer receiver (2 or 4). The
// register offset must be in [0x00, 0x87] or [0xA0, 0xFF].
func (d *Device) AccessRetimerRegister(ln, rec int, offset uint8) (uint8, error) {
	const cmd = "AccessRetimerRegister"
	return guard(d, ln, rec, cmd, func(l *lane) (uint8, error) {
		if rec != 2 && rec != 4 {
			return 0, l.errorf(ErrInvalidArgument, cmd, nil, "bad receiver number %d", rec)
		}
		if offset > 0x87 && offset < 0xA0 {
			return 0, l.errorf(ErrInvalidArgument, cmd, nil, "bad register offset 0x%x", offset)
		}
		rsp, err := l.lmrCmdRsp(cmd, MarginTypeReport, uint16(offset), typeIs(MarginTypeReport))
		if err != nil {
			return 0, err
		}
		if rsp.rec == 0 {
			return 0, l.errorf(ErrUnsupported, cmd, nil, "receiver number status 0")
		}
		return uint8(rsp.payload), nil
	})
}

// SetErrorCountLimit sets the error count at which the Receiver gives up margining.
func (d *Device) SetErrorCountLimit(ln, rec, limit int) error {
	const cmd = "SetErrorCountLimit"
	_, err := guard(d, ln, rec, cmd, func(l *lane) (struct{}, error) {
		if err := l.checkReceiver(cmd, false); err != nil {
			return struct{}{}, err
		}
		payload := uint16(SetErrorCountLimit | (limit & SetErrorCountMask))
		_, err := l.lmrCmdRsp(cmd, MarginTypeSet, payload, typeIs(MarginTypeSet))
		return struct{}{}, err
	})
	return err
}

// GotoNormalSettings returns the Receiver to its default sampling point. The
// echoed payload is returned.
func (d *Device) GotoNormalSettings(ln, rec int) (uint8, error) {
	return d.setEcho(ln, rec, "GotoNormalSettings", SetGoToNormalSettings)
}

// ClearErrorLog clears the Receiver error log. The echoed payload is returned.
func (d *Device) ClearErrorLog(ln, rec int) (uint8, error) {
	return d.setEcho(ln, rec, "ClearErrorLog", SetClearErrorLog)
}

func (d *Device) setEcho(ln, rec int, cmd string, payload uint16) (uint8, error) {
	return guard(d, ln, rec, cmd, func(l *lane) (uint8, error) {
		if err := l.checkReceiver(cmd, true); err != nil {
			return 0, err
		}
		rsp, err := l.lmrCmdRsp(cmd, MarginTypeSet, payload, echoes(MarginTypeSet, payload))
		if err != nil {
			return 0, err
		}
		return uint8(rsp.payload), nil
	})
}
