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

// PCIe LMT (Lane Margin Test) main()
// This file handles the CLI, the config file and the result stream selection.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/golang/glog"

	lmt "github.com/opencomputeproject/ocp-diag-pci-lmt/lanemargintest"
	pci "github.com/opencomputeproject/ocp-diag-pci-lmt/pciutils"
)

var (
	// git_hash := $(git rev-parse --short HEAD || echo 'development')
	// current_time = $(date +"%Y-%m-%d:T%H:%M:%S")
	// go -ldflags "-X main.version=$git_hash -X main.buildTime=$current_time" lmt.go
	// The init value here is stamped by the coder. The binary builder is expected to overwrite them.
	version   = "2024-02-04"
	buildTime = "unknown"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <platform config .json|.yaml>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var (
		getVer     = flag.Bool("version", false, "Return the version number.")
		errLimit   = flag.Int("e", lmt.DefaultErrorCountLimit, "Error count limit at which a Receiver stops margining [0:63].")
		dwell      = flag.Float64("d", lmt.DefaultDwell.Seconds(), "Seconds a Receiver is held at each margin step.")
		annotation = flag.String("a", "", "Annotation recorded with every result. Defaults to the group name.")
		format     = flag.String("o", "json", "Result format: json, csv, ocp or prom.")
		outFile    = flag.String("out", "", "Writes results to this file instead of stdout.")
		promFile   = flag.String("prom_file", "pcie_lmt.prom", "The node exporter textfile written with -o prom.")
		force      = flag.Bool("force", false, "Margins Receivers without an independent error sampler.")
		parallel   = flag.Int("parallel", 1, "Number of devices margined concurrently.")
		access     = flag.String("access", "sysfs", "Config space access: sysfs or setpci.")
		setpciPath = flag.String("setpci", "setpci", "The setpci binary used with -access setpci.")
		timeout    = flag.Duration("timeout", lmt.CmdTimeout, "Timeout of each Lane Margining command.")
	)
	flag.Usage = usage

	// Results go to stdout; keeps the logs off of it.
	if err := flag.Set("logtostderr", "true"); err != nil {
		log.Exit(err)
	}
	flag.Parse()
	defer log.Flush()

	if *getVer {
		fmt.Printf("Version:\t%s\n", version)
		fmt.Printf("BuildTime:\t%s\n", buildTime)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		usage()
		log.Exit("Error: exactly one platform config file must be specified.")
	}
	if *errLimit < 0 || *errLimit > lmt.DefaultErrorCountLimit {
		log.Exitf("The -e = %d option is out of range [0:%d].", *errLimit, lmt.DefaultErrorCountLimit)
	}
	if *dwell < 0 {
		log.Exitf("The -d = %g option must not be negative.", *dwell)
	}
	if *parallel < 1 {
		log.Exitf("The -parallel = %d option must be at least 1.", *parallel)
	}

	cfg, err := lmt.LoadConfig(flag.Arg(0))
	if err != nil {
		log.Exit(err)
	}

	var acc pci.Accessor
	switch *access {
	case "sysfs":
		sysfs := pci.NewSysfsAccessor()
		defer sysfs.Close()
		acc = sysfs
	case "setpci":
		acc = pci.NewSetpciAccessor(*setpciPath)
	default:
		log.Exitf("Unknown -access %q.", *access)
	}

	var out io.Writer = os.Stdout
	if *outFile != "" {
		f, err := os.Create(*outFile)
		if err != nil {
			log.Exit(err)
		}
		defer f.Close()
		out = f
	}

	var rep lmt.Reporter
	switch *format {
	case "json":
		rep = lmt.NewJSONReporter(out)
	case "csv":
		rep = lmt.NewCSVReporter(out)
	case "ocp":
		rep = lmt.NewOCPReporter(out, version, strings.Join(os.Args, " "))
	case "prom":
		rep = lmt.MultiReporter{lmt.NewJSONReporter(out), lmt.NewPromReporter(*promFile)}
	default:
		log.Exitf("Unknown -o %q.", *format)
	}

	opts := lmt.DefaultRunOptions()
	opts.ErrorCountLimit = *errLimit
	opts.Dwell = time.Duration(*dwell * float64(time.Second))
	opts.Annotation = *annotation
	opts.Force = *force
	opts.Parallel = *parallel
	opts.Timeout = *timeout
	opts.Version = version

	runner := &lmt.Runner{
		Config:   cfg,
		Options:  opts,
		Host:     lmt.DetectHost(),
		Reporter: rep,
		Open:     lmt.AccessorOpener(acc),
	}

	// Runs lane margin test.
	t := time.Now()
	log.Infof("Starting LMT on %s: t = %s", cfg.PlatformName, t)
	res, err := runner.Run()
	if err != nil {
		log.Exit(err)
	}
	log.Infof("Finished lane margining: duration = %s, %d of %d lanes passed", time.Since(t),
		res.NumLanePassed, res.NumLaneTested)
	if !res.Pass {
		log.Flush()
		os.Exit(1)
	}
}
