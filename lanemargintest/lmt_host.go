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
	"os"
	"path/filepath"
	"strings"

	log "github.com/golang/glog"
)

// HostInfo identifies the machine a run happens on.
type HostInfo struct {
	HostID    string `json:"host_id"`
	Hostname  string `json:"hostname"`
	ModelName string `json:"model_name"`
}

// DetectHost reads the host identity. Missing sources leave the field empty.
func DetectHost() HostInfo {
	return detectHostAt("/")
}

// detectHostAt reads machine-id and DMI information relative to root.
func detectHostAt(root string) HostInfo {
	var h HostInfo
	var err error
	if h.Hostname, err = os.Hostname(); err != nil {
		log.V(1).Infof("hostname: %v", err)
	}
	h.HostID = readTrimmed(filepath.Join(root, "etc/machine-id"))
	h.ModelName = readTrimmed(filepath.Join(root, "sys/class/dmi/id/product_name"))
	return h
}

func readTrimmed(fn string) string {
	data, err := os.ReadFile(fn)
	if err != nil {
		log.V(1).Infof("host info: %v", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}
