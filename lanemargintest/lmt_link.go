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

// Link-level procedures: priming, setup and measurement across devices and lanes.

import (
	"errors"
	"fmt"
	"time"

	humanize "github.com/dustin/go-humanize"
	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"
)

// A Collector margins every lane of a set of devices for one receiver, margin
// type and step.
type Collector struct {
	Devices         []*Device
	Receiver        int
	MarginType      MarginType
	Step            int
	ErrorCountLimit int
	Dwell           time.Duration
	// Force primes devices without an independent error sampler.
	Force bool
	// Parallel is the number of devices margined concurrently. Lanes of one
	// device are always margined one at a time.
	Parallel int

	sleep func(time.Duration)
}

// forEachDevice runs fn on every device, concurrently across devices when
// Parallel allows it.
func (c *Collector) forEachDevice(fn func(d *Device)) {
	if c.Parallel <= 1 || len(c.Devices) <= 1 {
		for _, d := range c.Devices {
			fn(d)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(c.Parallel)
	for _, d := range c.Devices {
		d := d
		g.Go(func() error {
			fn(d)
			return nil
		})
	}
	_ = g.Wait()
}

// Collect runs the whole sequence and returns one LaneResult per lane of every
// device, faulty or not.
func (c *Collector) Collect() []*LaneResult {
	sleep := c.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	c.forEachDevice(c.resetDevice)
	c.forEachDevice(c.primeDevice)
	c.forEachDevice(c.setupDevice)

	log.V(1).Infof("Dwelling %v at %s step %d", c.Dwell, c.MarginType, c.Step)
	sleep(c.Dwell)

	perDev := make([][]*LaneResult, len(c.Devices))
	idx := make(map[*Device]int, len(c.Devices))
	for i, d := range c.Devices {
		idx[d] = i
	}
	c.forEachDevice(func(d *Device) {
		perDev[idx[d]] = c.measureDevice(d)
	})

	var results []*LaneResult
	for _, r := range perDev {
		results = append(results, r...)
	}
	return results
}

// resetDevice puts every lane back to No Command.
func (c *Collector) resetDevice(d *Device) {
	for ln := 0; ln < d.Lanes(); ln++ {
		d.NoCommand(ln)
	}
}

// primeDevice reads the Receiver capabilities on lane 0, which holds for every
// lane of the device, and decides if the device may be margined.
func (c *Collector) primeDevice(d *Device) {
	d.Primed = false
	if err := d.DeviceError(); err != nil {
		log.Warningf("Device %s NOT PRIMED %v", d.Info.BDF, err)
		return
	}
	status := fmt.Sprintf("Device %s ReceiverNum %d", d.Info.BDF, c.Receiver)

	d.GotoNormalSettings(0, c.Receiver)
	if err := d.FetchMarginControlCapabilities(0, c.Receiver); err != nil {
		log.Warningf("%s NOT PRIMED %v", status, err)
		kind := ErrDeviceFault
		var me *MarginError
		if errors.As(err, &me) {
			kind = me.Kind
		}
		d.markLanesFaulty(kind, c.Receiver, "FetchMarginControlCapabilities", "not primed", err)
		return
	}

	switch {
	case d.Info.IndErrorSampler:
		d.Primed = true
		log.Infof("%s PRIMED", status)
	case c.Force:
		d.Primed = true
		log.Infof("%s PRIMED (forcing margin on non-independent sampler)", status)
	default:
		msg := "not primed, no independent error sampler; margining would disturb the link"
		log.Warningf("%s NOT PRIMED (doesn't support independent error sampler)", status)
		d.markLanesFaulty(ErrUnsupported, c.Receiver, "FetchMarginControlCapabilities", msg, nil)
	}
}

// setupDevice readies every lane of a primed device and issues the step
// command, so the Receiver is held at the offset for the dwell time.
func (c *Collector) setupDevice(d *Device) {
	if !d.Primed {
		return
	}
	for ln := 0; ln < d.Lanes(); ln++ {
		d.NoCommand(ln)
		d.ClearErrorLog(ln, c.Receiver)
		d.GotoNormalSettings(ln, c.Receiver)
		d.SetErrorCountLimit(ln, c.Receiver, c.ErrorCountLimit)
		d.StepMargin(ln, c.Receiver, c.MarginType, c.Step)
	}
}

// measureDevice reads back the error and sample counts of every lane.
func (c *Collector) measureDevice(d *Device) []*LaneResult {
	if d.Lanes() == 0 {
		// Nothing is known about the lanes of a link that is down.
		r := c.newLaneResult(d, -1)
		r.fail(d.DeviceError())
		return []*LaneResult{r}
	}

	results := make([]*LaneResult, 0, d.Lanes())
	for ln := 0; ln < d.Lanes(); ln++ {
		r := c.newLaneResult(d, ln)
		st, stepErr := d.DecodeStepMargin(ln, c.Receiver, c.MarginType)
		sc, countErr := d.FetchSampleCount(ln, c.Receiver)
		switch {
		case stepErr != nil:
			r.fail(stepErr)
		case countErr != nil:
			r.fail(countErr)
		default:
			r.Error = false
			r.SampleCount = int(sc.Count)
			r.SampleCountBits = int64(sc.Bits)
			r.ErrorCount = st.ErrorCount
			if st.ErrorCount == 0 {
				r.BER = 0.0
			} else {
				r.BER = float64(st.ErrorCount) / float64(sc.Bits)
			}
			log.V(1).Infof("BDF:%s Lane:%d %s step %d: %d errors in %s bits, BER %g", d.Info.BDF, ln,
				c.MarginType, c.Step, st.ErrorCount, humanize.SIWithDigits(float64(sc.Bits), 2, ""), r.BER)
		}
		results = append(results, r)
	}
	return results
}

func (c *Collector) newLaneResult(d *Device, ln int) *LaneResult {
	r := NewLaneResult()
	r.DeviceInfo = d.Info
	r.Lane = ln
	r.ReceiverNumber = c.Receiver
	r.MarginType = c.MarginType
	r.Step = c.Step
	r.MarginOffset, r.MarginOffsetUnit = marginOffset(&d.Info, c.MarginType, c.Step)
	return r
}
