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

// Package lanemargintest conducts PCIe Lane Margining at Receiver (LMR) Test on multiple
// homogenous PCIe links.
package lanemargintest

// This file includes the main exported functions:
// Runner.Run() walks the configured groups and steps, and margins every listed link
// at each step.
// AccessorOpener() binds BDFs to a config space transport.

import (
	"fmt"
	"time"

	log "github.com/golang/glog"
	"github.com/pkg/errors"

	pci "github.com/opencomputeproject/ocp-diag-pci-lmt/pciutils"
)

const (
	// DefaultErrorCountLimit is the largest limit the 6-bit field holds.
	DefaultErrorCountLimit = SetErrorCountMask
	// DefaultDwell is how long a Receiver is held at a margin offset.
	DefaultDwell = 5 * time.Second
)

// RunOptions are the knobs that apply to every group of a run.
type RunOptions struct {
	ErrorCountLimit int
	Dwell           time.Duration
	// Annotation overrides the group name in results when set.
	Annotation string
	Force      bool
	Parallel   int
	Timeout    time.Duration
	Version    string
}

// DefaultRunOptions returns the options used when the CLI is given no flags.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		ErrorCountLimit: DefaultErrorCountLimit,
		Dwell:           DefaultDwell,
		Parallel:        1,
		Timeout:         CmdTimeout,
	}
}

// A Runner margins every group of a platform config, one step at a time.
type Runner struct {
	Config   *PlatformConfig
	Options  RunOptions
	Host     HostInfo
	Reporter Reporter
	// Open binds a BDF to its config space.
	Open func(bdf string) (ConfigSpace, error)

	sleep func(time.Duration)
	now   func() time.Time
}

// AccessorOpener returns an Open function for Runner backed by acc.
func AccessorOpener(acc pci.Accessor) func(bdf string) (ConfigSpace, error) {
	return func(bdf string) (ConfigSpace, error) {
		if acc == nil {
			return nil, errors.New("no config space accessor")
		}
		return pci.NewDev(acc, bdf), nil
	}
}

// Run margins all groups and returns the pass-fail tally. Results are handed
// to the Reporter as each step completes; a reporter failure aborts the run.
func (r *Runner) Run() (*TestResult, error) {
	if r.Config == nil || r.Reporter == nil || r.Open == nil {
		return nil, errors.New("runner needs a config, a reporter and an opener")
	}
	now := r.now
	if now == nil {
		now = time.Now
	}

	if err := r.Reporter.StartRun(r.Host); err != nil {
		return nil, errors.Wrap(err, "start run")
	}
	var all []*LaneResult
	for _, g := range r.Config.Groups {
		ann := r.Options.Annotation
		if ann == "" {
			ann = g.Name
		}
		log.Infof("Group %q: %d devices, receiver %d, %s, steps %v", g.Name, len(g.BDFList),
			g.ReceiverNumber, g.MarginType, g.MarginSteps)
		for _, step := range g.MarginSteps {
			results, err := r.runStep(g, step, ann, now)
			if err != nil {
				return nil, err
			}
			all = append(all, results...)
		}
	}
	if err := r.Reporter.EndRun(); err != nil {
		return nil, errors.Wrap(err, "end run")
	}

	tally := TallyResults(all)
	for _, p := range tally.PortResults {
		log.Info(p.Message)
	}
	return tally, nil
}

func (r *Runner) runStep(g LmtGroup, step int, ann string, now func() time.Time) ([]*LaneResult, error) {
	name := fmt.Sprintf("Rcvr:%d Step:%d Ann:%s", g.ReceiverNumber, step, ann)
	if err := r.Reporter.StartStep(name); err != nil {
		return nil, errors.Wrapf(err, "start step %s", name)
	}

	start := now()
	info := NewTestInfo(r.Host, start)
	info.ReceiverNumber = g.ReceiverNumber
	info.MarginType = g.MarginType
	info.Step = step
	info.ForceMargin = r.Options.Force
	info.DwellTimeSecs = r.Options.Dwell.Seconds()
	info.ErrorCountLimit = r.Options.ErrorCountLimit
	info.TestVersion = r.Options.Version
	info.Annotation = ann

	c := &Collector{
		Devices:         r.devices(g.BDFList),
		Receiver:        g.ReceiverNumber,
		MarginType:      g.MarginType,
		Step:            step,
		ErrorCountLimit: r.Options.ErrorCountLimit,
		Dwell:           r.Options.Dwell,
		Force:           r.Options.Force,
		Parallel:        r.Options.Parallel,
		sleep:           r.sleep,
	}
	log.Infof("Starting %s", name)
	results := c.Collect()
	info.ElapsedTimeSecs = now().Sub(start).Seconds()

	for _, res := range results {
		res.TestInfo = info
		if res.Error {
			log.V(1).Infof("BDF:%s Lane:%d: %s", res.DeviceInfo.BDF, res.Lane, res.ErrorMsg)
		}
		if err := r.Reporter.Write(res); err != nil {
			log.Errorf("reporter write failed: %v", err)
			return nil, errors.Wrap(err, "write result")
		}
	}
	if err := r.Reporter.EndStep(); err != nil {
		return nil, errors.Wrapf(err, "end step %s", name)
	}
	log.Infof("Finished %s in %.3fs", name, info.ElapsedTimeSecs)
	return results, nil
}

// devices opens every BDF of a group. Each step margins freshly opened devices
// so faults do not carry over between steps.
func (r *Runner) devices(bdfs []string) []*Device {
	devs := make([]*Device, 0, len(bdfs))
	for _, bdf := range bdfs {
		cs, err := r.Open(bdf)
		if err != nil {
			devs = append(devs, newFaultyDevice(bdf, err))
			continue
		}
		devs = append(devs, NewDevice(cs, r.Options.Timeout))
	}
	return devs
}
