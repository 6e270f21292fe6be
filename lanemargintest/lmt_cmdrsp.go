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

// This file covers the PCIe LMR basic access operations.

import (
	"fmt"
	"time"

	log "github.com/golang/glog"
	"github.com/jpillora/backoff"
)

// //////////////////////////////////////////////////////////////////////////////
const (
	// Constants specified by the PCIe 5.0 Spec 4.2.13.1
	UsageModel                    = 0 // This must always be 0 as specified in 4.2.13.1
	StepMarginExecutionStatusPos  = 6
	StepMarginExecutionStatusMask = 0xc0
	StepMarginErrorCountMask      = 0x3F
	// The following encoding is specified in PCIe 5.0 Spec 4.2.13.1
	StepMarginExecutionStatusErrorOut  = 0x0
	StepMarginExecutionStatusSettingUp = 0x1
	StepMarginExecutionStatusMargining = 0x2
	StepMarginExecutionStatusNak       = 0x3
	VoltageDirMask                     = 0x80
	TimingDirMask                      = 0x40
	VoltageStepsMask                   = 0x7F
	TimingStepsMask                    = 0x3F

	MarginTypeNoCmd   = 7
	MarginTypeReport  = 1
	MarginTypeSet     = 2
	MarginTypeTiming  = 3
	MarginTypeVoltage = 4

	NoCmdPayload = 0x9C
	NoCmdRecNum  = 0

	RptControlCapabilities = 0x88
	RptNumVoltageSteps     = 0x89
	RptNumTimingSteps      = 0x8A
	RptMaxTimingOffset     = 0x8B
	RptMaxVoltageOffset    = 0x8C
	RptSamplingRateVoltage = 0x8D
	RptSamplingRateTiming  = 0x8E
	RptSampleCount         = 0x8F
	RptMaxLanes            = 0x90
	RptReservedFirst       = 0x91
	RptReservedLast        = 0x9F

	MskIndErrorSampler       = 1 << 4
	MskSampleReportingMethod = 1 << 3
	MskIndLeftRightTiming    = 1 << 2
	MskIndUpDownVoltage      = 1 << 1
	MskVoltageSupported      = 1 << 0

	MskNumVoltageSteps     = 0x7F
	MskNumTimingSteps      = 0x3F
	MskMaxTimingOffset     = 0x7F
	MskMaxVoltageOffset    = 0x7F
	MskSamplingRateVoltage = 0x3F
	MskSamplingRateTiming  = 0x3F
	MskSampleCount         = 0x7F
	MskMaxLanes            = 0x1F

	SetErrorCountLimit    = 0xC0
	SetErrorCountMask     = 0x3F
	SetGoToNormalSettings = 0x0F
	SetClearErrorLog      = 0x55

	// Lane Control bit 7 is reserved and written back as read.
	LaneControlReservedMask = 0x0080

	// A little extra margin is added to the following wait times.
	CmdWait = 12 * time.Microsecond // A minimum 10us is required between commands
	// CmdTimeout bounds every status poll.
	CmdTimeout = 500 * time.Millisecond
	// The status poll interval backs off from CmdWait up to pollMaxWait.
	pollMaxWait = 2 * time.Millisecond

	// Speed16G is Gen4 speed encoding.
	Speed16G = 4
	// Speed32G is Gen5 speed encoding.
	Speed32G = 5
	// Speed64G is Gen6 speed encoding.
	Speed64G = 6
	// USP, DSP, and max 2 retimers with 2 Rx each.
	maxRxPerLink = 6
)

// cmdRsp is the LMR command and response format of the control and status reg.
type cmdRsp struct {
	raw     uint16
	payload uint16 // bitfield [15:8]
	usage   uint16 // bitfield [6]
	typ     uint16 // bitfield [5:3]
	rec     uint16 // bitfield [2:0]
}

// encode packs fields into the raw data.
func (cr *cmdRsp) encode() uint16 {
	cr.raw = ((cr.payload & 0xFF) << 8) |
		((cr.usage & 0x1) << 6) |
		((cr.typ & 0x7) << 3) |
		((cr.rec & 0x7) << 0)
	return cr.raw
}

// decode unpacks the raw data into fields.
func (cr *cmdRsp) decode(raw uint16) {
	cr.raw = raw
	cr.payload = (cr.raw >> 8) & 0xFF
	cr.usage = (cr.raw >> 6) & 1
	cr.typ = (cr.raw >> 3) & 0x7
	cr.rec = (cr.raw >> 0) & 0x7
}

func (cr cmdRsp) String() string {
	return fmt.Sprintf("{raw:0x%04x payload:0x%02x usage:%d type:%d rec:%d}",
		cr.raw, cr.payload, cr.usage, cr.typ, cr.rec)
}

// lane addresses the control and status registers of one lane for one receiver.
type lane struct {
	d    *Device
	num  int
	rec  int
	addr int32 // Lane Control; Lane Status is the next word.
}

func (d *Device) lane(num, rec int) *lane {
	return &lane{
		d:    d,
		num:  num,
		rec:  rec,
		addr: d.lmrAddr + 8 + int32(num)*4, // 4B per Lane start with 8B offset
	}
}

func (ln *lane) errorf(kind ErrorKind, cmd string, err error, format string, args ...interface{}) *MarginError {
	return &MarginError{
		Kind:     kind,
		BDF:      ln.d.Info.BDF,
		Lane:     ln.num,
		Receiver: ln.rec,
		Command:  cmd,
		Msg:      fmt.Sprintf(format, args...),
		Err:      err,
	}
}

// writeControl writes a command into Lane Control, keeping the reserved bit.
func (ln *lane) writeControl(name string, cmd *cmdRsp) error {
	cur, err := ln.d.cs.ReadWord(ln.addr)
	if err != nil {
		return ln.errorf(ErrDeviceFault, name, err, "lane control read")
	}
	raw := (cur & LaneControlReservedMask) | cmd.encode()
	if err := ln.d.cs.WriteWord(ln.addr, raw); err != nil {
		return ln.errorf(ErrDeviceFault, name, err, "lane control write")
	}
	return nil
}

// match decides if a response completes a command. A non-nil error ends the poll at once.
type match func(rsp *cmdRsp) (bool, error)

// poll reads Lane Status until done matches or the command timeout expires.
func (ln *lane) poll(name string, done match) (*cmdRsp, error) {
	b := &backoff.Backoff{Min: CmdWait, Max: pollMaxWait, Factor: 2}
	t := time.Now()
	var rsp cmdRsp
	for do := true; do; do = time.Since(t) < ln.d.timeout {
		// The response is the next word (byte-address plus 2).
		raw, err := ln.d.cs.ReadWord(ln.addr + 2)
		if err != nil {
			return nil, ln.errorf(ErrDeviceFault, name, err, "lane status read")
		}
		rsp.decode(raw)
		ok, err := done(&rsp)
		if err != nil {
			log.V(2).Infof("%s: Abort; lane:%d rsp:%v", name, ln.num, rsp)
			return &rsp, err
		}
		if ok {
			log.V(2).Infof("%s: Pass; lane:%d rsp:%v", name, ln.num, rsp)
			return &rsp, nil
		}
		log.V(3).Infof("%s: Read; lane:%d rsp:%v", name, ln.num, rsp)
		time.Sleep(b.Duration())
	}
	log.V(1).Infof("%s: Fail; lane:%d rsp:%v", name, ln.num, rsp)
	return &rsp, ln.errorf(ErrTimeout, name, nil, "no response within %v, last status %v", ln.d.timeout, rsp)
}

// lmrCmdRspBase conducts an LMR command response.
func (ln *lane) lmrCmdRspBase(name string, cmd *cmdRsp, done match) (*cmdRsp, error) {
	if err := ln.writeControl(name, cmd); err != nil {
		return nil, err
	}
	return ln.poll(name, done)
}

// lmrBroadcastNoCmd broadcasts a No Command and wait for its reflection on
// response. This is required between commands.
func (ln *lane) lmrBroadcastNoCmd() error {
	cmd := cmdRsp{payload: NoCmdPayload, rec: NoCmdRecNum, typ: MarginTypeNoCmd, usage: UsageModel}
	_, err := ln.lmrCmdRspBase("NoCommand", &cmd, func(rsp *cmdRsp) (bool, error) {
		return rsp.rec == NoCmdRecNum && rsp.payload == NoCmdPayload, nil
	})
	return err
}

// lmrCmdRsp is the common LMR command response use case. It includes the
// no-command broadcasting.
func (ln *lane) lmrCmdRsp(name string, typ, payload uint16, done match) (*cmdRsp, error) {
	if err := ln.lmrBroadcastNoCmd(); err != nil {
		return nil, err
	}
	cmd := cmdRsp{rec: uint16(ln.rec), usage: UsageModel, typ: typ, payload: payload}
	return ln.lmrCmdRspBase(name, &cmd, done)
}

// typeIs completes on a matching Margin Type status.
func typeIs(typ uint16) match {
	return func(rsp *cmdRsp) (bool, error) {
		return rsp.typ == typ, nil
	}
}

// echoes completes on a matching Margin Type status that echoes the payload.
func echoes(typ, payload uint16) match {
	return func(rsp *cmdRsp) (bool, error) {
		return rsp.typ == typ && rsp.payload == payload, nil
	}
}

// report issues a Report command and returns the masked response payload.
func (ln *lane) report(name string, payload, mask uint16) (uint8, error) {
	rsp, err := ln.lmrCmdRsp(name, MarginTypeReport, payload, typeIs(MarginTypeReport))
	if err != nil {
		return 0, err
	}
	return uint8(rsp.payload & mask), nil
}
