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

// The margining procedure at a single offset.

import (
	"errors"
	"fmt"
)

const (
	// MaxTimingOffset is between 20 and 50; default to the max.
	defaultMaxTimingOffset = 50
	// MaxVoltageOffset is between 5 and 50; default to the max.
	defaultMaxVoltageOffset = 50
)

// StepStatus is the decoded response to a step margin command.
type StepStatus struct {
	ExecStatus uint8 // Margin Payload [7:6]
	ErrorCount int   // MErrorCount, Margin Payload [5:0]
}

var execStatusDescriptions = [4]string{
	StepMarginExecutionStatusErrorOut:  "too many errors, receiver back to default settings",
	StepMarginExecutionStatusSettingUp: "set up for margin in progress",
	StepMarginExecutionStatusMargining: "margining in progress",
	StepMarginExecutionStatusNak:       "NAK, unsupported lane margining command",
}

// Description renders the step margin execution status.
func (s StepStatus) Description() string {
	return execStatusDescriptions[s.ExecStatus&0x3]
}

func decodeStepStatus(rsp *cmdRsp) StepStatus {
	return StepStatus{
		ExecStatus: uint8((rsp.payload & StepMarginExecutionStatusMask) >> StepMarginExecutionStatusPos),
		ErrorCount: int(rsp.payload & StepMarginErrorCountMask),
	}
}

// stepPayload composes the Margin Payload of a step command. The offset includes
// the direction bit, [6] for timing and [7] for voltage, only when the Receiver
// margins each direction independently; the "None" margin types are only legal
// when it does not.
func stepPayload(info *DeviceInfo, mt MarginType, steps int) (uint16, error) {
	if mt.IsTiming() {
		if steps < 0 || steps > TimingStepsMask {
			return 0, fmt.Errorf("timing steps %d out of range [0, %d]", steps, TimingStepsMask)
		}
		if !info.IndLeftRightTiming {
			if mt != TimingNone {
				return 0, fmt.Errorf("%s requires independent left/right timing, use %s", mt, TimingNone)
			}
			return uint16(steps), nil
		}
		switch mt {
		case TimingRight:
			return uint16(steps), nil
		case TimingLeft:
			return TimingDirMask | uint16(steps), nil
		}
		return 0, fmt.Errorf("%s is illegal on a receiver with independent left/right timing", mt)
	}

	if steps < 0 || steps > VoltageStepsMask {
		return 0, fmt.Errorf("voltage steps %d out of range [0, %d]", steps, VoltageStepsMask)
	}
	if !info.IndUpDownVoltage {
		if mt != VoltageNone {
			return 0, fmt.Errorf("%s requires independent up/down voltage, use %s", mt, VoltageNone)
		}
		return uint16(steps), nil
	}
	switch mt {
	case VoltageUp:
		return uint16(steps), nil
	case VoltageDown:
		return VoltageDirMask | uint16(steps), nil
	}
	return 0, fmt.Errorf("%s is illegal on a receiver with independent up/down voltage", mt)
}

func stepMarginType(mt MarginType) uint16 {
	if mt.IsTiming() {
		return MarginTypeTiming
	}
	return MarginTypeVoltage
}

func stepCommand(mt MarginType) string {
	if mt.IsTiming() {
		return "StepMarginTimingOffsetRightLeftOfDefault"
	}
	return "StepMarginVoltageOffsetUpDownOfDefault"
}

// stepMatch completes once the Receiver is margining and aborts on a NAK.
func (ln *lane) stepMatch(cmd string, typ uint16) match {
	return func(rsp *cmdRsp) (bool, error) {
		if rsp.typ != typ {
			return false, nil
		}
		switch st := decodeStepStatus(rsp); st.ExecStatus {
		case StepMarginExecutionStatusMargining:
			return true, nil
		case StepMarginExecutionStatusNak:
			return false, ln.errorf(ErrUnsupported, cmd, nil, "%s", st.Description())
		}
		return false, nil
	}
}

// decodeStep polls the lane status for the step margin result.
func (ln *lane) decodeStep(cmd string, typ uint16) (StepStatus, error) {
	rsp, err := ln.poll(cmd, ln.stepMatch(cmd, typ))
	if err != nil {
		var me *MarginError
		if rsp != nil && rsp.typ == typ && errors.As(err, &me) && me.Kind == ErrTimeout {
			st := decodeStepStatus(rsp)
			me.Msg = fmt.Sprintf("%s, last status: %s, error count %d", me.Msg, st.Description(), st.ErrorCount)
		}
		return StepStatus{}, err
	}
	return decodeStepStatus(rsp), nil
}

// stepMargin issues a timing or a voltage step command and decodes its status.
func (d *Device) stepMargin(ln, rec int, mt MarginType, steps int, wantTiming bool) (StepStatus, error) {
	cmd := stepCommand(VoltageNone)
	if wantTiming {
		cmd = stepCommand(TimingNone)
	}
	return guard(d, ln, rec, cmd, func(l *lane) (StepStatus, error) {
		if err := l.checkReceiver(cmd, false); err != nil {
			return StepStatus{}, err
		}
		if mt.IsTiming() != wantTiming {
			return StepStatus{}, l.errorf(ErrInvalidArgument, cmd, nil, "margin type %s", mt)
		}
		if !mt.IsTiming() && !d.Info.VoltageSupported {
			return StepStatus{}, l.errorf(ErrUnsupported, cmd, nil, "voltage margining not supported")
		}
		payload, err := stepPayload(&d.Info, mt, steps)
		if err != nil {
			return StepStatus{}, l.errorf(ErrInvalidArgument, cmd, nil, "%v", err)
		}
		typ := stepMarginType(mt)
		if err := l.lmrBroadcastNoCmd(); err != nil {
			return StepStatus{}, err
		}
		cr := cmdRsp{rec: uint16(l.rec), usage: UsageModel, typ: typ, payload: payload}
		if err := l.writeControl(cmd, &cr); err != nil {
			return StepStatus{}, err
		}
		return l.decodeStep(cmd, typ)
	})
}

// StepMarginTiming moves the Receiver sampling point steps away from the default
// in time. mt must be a timing margin type consistent with Info.IndLeftRightTiming.
func (d *Device) StepMarginTiming(ln, rec int, mt MarginType, steps int) (StepStatus, error) {
	return d.stepMargin(ln, rec, mt, steps, true)
}

// StepMarginVoltage moves the Receiver sampling point steps away from the default
// in voltage. mt must be a voltage margin type consistent with Info.IndUpDownVoltage.
func (d *Device) StepMarginVoltage(ln, rec int, mt MarginType, steps int) (StepStatus, error) {
	return d.stepMargin(ln, rec, mt, steps, false)
}

// StepMargin dispatches to StepMarginTiming or StepMarginVoltage.
func (d *Device) StepMargin(ln, rec int, mt MarginType, steps int) (StepStatus, error) {
	return d.stepMargin(ln, rec, mt, steps, mt.IsTiming())
}

// DecodeStepMargin re-reads the status of a step command already in progress,
// without issuing a new command.
func (d *Device) DecodeStepMargin(ln, rec int, mt MarginType) (StepStatus, error) {
	cmd := "Decode" + stepCommand(mt)
	return guard(d, ln, rec, cmd, func(l *lane) (StepStatus, error) {
		return l.decodeStep(cmd, stepMarginType(mt))
	})
}

// marginOffset converts steps to the physical offset: a fraction of UI for timing
// and volts for voltage. Left and down offsets are negative.
func marginOffset(info *DeviceInfo, mt MarginType, steps int) (float64, string) {
	if mt.IsTiming() {
		if info.NumTimingSteps == 0 {
			return 0, "UI"
		}
		maxOff := info.MaxTimingOffset
		if maxOff == 0 {
			maxOff = defaultMaxTimingOffset
		}
		ui := float64(steps) * float64(maxOff) / 100.0 / float64(info.NumTimingSteps)
		if mt == TimingLeft {
			ui = -ui
		}
		return ui, "UI"
	}
	if info.NumVoltageSteps == 0 {
		return 0, "V"
	}
	maxOff := info.MaxVoltageOffset
	if maxOff == 0 {
		maxOff = defaultMaxVoltageOffset
	}
	vv := float64(steps) * float64(maxOff) / 100.0 / float64(info.NumVoltageSteps)
	if mt == VoltageDown {
		vv = -vv
	}
	return vv, "V"
}
