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

// Platform configuration: which devices to margin, at which receiver and steps.

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	pci "github.com/opencomputeproject/ocp-diag-pci-lmt/pciutils"
)

// LmtGroup is a set of homogeneous links margined the same way.
type LmtGroup struct {
	Name            string   `json:"name" yaml:"name"`
	ReceiverNumber  int      `json:"receiver_number" yaml:"receiver_number"`
	BDFList         []string `json:"bdf_list" yaml:"bdf_list"`
	MarginKind      string   `json:"margin_type" yaml:"margin_type"`
	MarginDirection string   `json:"margin_direction" yaml:"margin_direction"`
	MarginSteps     []int    `json:"margin_steps" yaml:"margin_steps"`

	// MarginType is resolved from MarginKind and MarginDirection at load.
	MarginType MarginType `json:"-" yaml:"-"`
}

// PlatformConfig is the whole configuration file.
type PlatformConfig struct {
	PlatformName string     `json:"platform_name" yaml:"platform_name"`
	Groups       []LmtGroup `json:"lmt_groups" yaml:"lmt_groups"`
}

// LoadConfig reads a platform config. Files named *.yaml or *.yml are YAML,
// anything else is JSON.
func LoadConfig(fn string) (*PlatformConfig, error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	ext := strings.ToLower(filepath.Ext(fn))
	cfg, err := ParseConfig(data, ext == ".yaml" || ext == ".yml")
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", fn)
	}
	return cfg, nil
}

// ParseConfig decodes and validates a platform config.
func ParseConfig(data []byte, isYAML bool) (*PlatformConfig, error) {
	cfg := new(PlatformConfig)
	if isYAML {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse yaml")
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse json")
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate resolves the margin type of every group and checks value ranges.
// BDFs are rewritten in normalized form.
func (cfg *PlatformConfig) Validate() error {
	if len(cfg.Groups) == 0 {
		return errors.New("no lmt_groups")
	}
	for i := range cfg.Groups {
		g := &cfg.Groups[i]
		mt, err := ParseMarginType(g.MarginKind, g.MarginDirection)
		if err != nil {
			return errors.Wrapf(err, "group %q", g.Name)
		}
		g.MarginType = mt
		if g.ReceiverNumber < 0 || g.ReceiverNumber > maxRxPerLink {
			return errors.Errorf("group %q: receiver_number %d out of range [0, %d]", g.Name, g.ReceiverNumber,
				maxRxPerLink)
		}
		if len(g.BDFList) == 0 {
			return errors.Errorf("group %q: empty bdf_list", g.Name)
		}
		for j, s := range g.BDFList {
			bdf, err := pci.ParseBDF(s)
			if err != nil {
				return errors.Wrapf(err, "group %q", g.Name)
			}
			g.BDFList[j] = bdf
		}
		if len(g.MarginSteps) == 0 {
			return errors.Errorf("group %q: empty margin_steps", g.Name)
		}
		for _, s := range g.MarginSteps {
			if s < 0 || s > VoltageStepsMask {
				return errors.Errorf("group %q: margin step %d out of range [0, %d]", g.Name, s, VoltageStepsMask)
			}
		}
	}
	return nil
}
