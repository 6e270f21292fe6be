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

// Converts LaneResults to csv rows for ease of analysis. Nested records are
// flattened into "outer.inner" columns.

import (
	"encoding/csv"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
)

// CSVReporter writes the header once, then one row per LaneResult.
type CSVReporter struct {
	w           *csv.Writer
	wroteHeader bool
}

// NewCSVReporter returns a CSV reporter writing to w.
func NewCSVReporter(w io.Writer) *CSVReporter {
	return &CSVReporter{w: csv.NewWriter(w)}
}

// StartRun implements Reporter.
func (c *CSVReporter) StartRun(HostInfo) error { return nil }

// StartStep implements Reporter.
func (c *CSVReporter) StartStep(string) error { return nil }

// Write implements Reporter.
func (c *CSVReporter) Write(r *LaneResult) error {
	hdr, row := flatten(reflect.ValueOf(*r), "")
	if !c.wroteHeader {
		if err := c.w.Write(hdr); err != nil {
			return err
		}
		c.wroteHeader = true
	}
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

// EndStep implements Reporter.
func (c *CSVReporter) EndStep() error { return nil }

// EndRun implements Reporter.
func (c *CSVReporter) EndRun() error {
	c.w.Flush()
	return c.w.Error()
}

// flatten walks the json tagged fields of a struct in declaration order. Nested
// structs become prefix.field columns; fields tagged "-" are skipped.
func flatten(v reflect.Value, prefix string) (hdr, row []string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			h, r := flatten(fv, prefix+name+".")
			hdr = append(hdr, h...)
			row = append(row, r...)
			continue
		}
		hdr = append(hdr, prefix+name)
		row = append(row, csvValue(fv))
	}
	return hdr, row
}

func csvValue(v reflect.Value) string {
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	}
	return fmt.Sprint(v.Interface())
}
