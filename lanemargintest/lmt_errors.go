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
	"fmt"
	"strings"
)

// ErrorKind classifies a margining failure. The kinds are also usable as
// errors.Is targets, e.g. errors.Is(err, ErrTimeout).
type ErrorKind int

// Error kinds reported by the margining engine.
const (
	// ErrTimeout is a Lane Status register that never matched the command.
	ErrTimeout ErrorKind = iota + 1
	// ErrUnsupported is a Receiver NAK or an unavailable capability.
	ErrUnsupported
	// ErrInvalidArgument is a request rejected before it reached the hardware.
	ErrInvalidArgument
	// ErrDeviceFault is a link, capability or config space access failure.
	ErrDeviceFault
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTimeout:
		return "timeout"
	case ErrUnsupported:
		return "unsupported"
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrDeviceFault:
		return "device fault"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

func (k ErrorKind) Error() string {
	return k.String()
}

// MarginError is the error returned by every Device operation. It carries the
// register context the failure happened in.
type MarginError struct {
	Kind     ErrorKind
	BDF      string
	Lane     int // -1 for device level errors.
	Receiver int
	Command  string
	Msg      string
	Err      error
}

func (e *MarginError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "BDF:%s", e.BDF)
	if e.Lane >= 0 {
		fmt.Fprintf(&sb, " Lane:%d Rcvr:%d", e.Lane, e.Receiver)
	}
	if e.Command != "" {
		fmt.Fprintf(&sb, " %s", e.Command)
	}
	fmt.Fprintf(&sb, ": %s", e.Kind)
	if e.Msg != "" {
		fmt.Fprintf(&sb, ": %s", e.Msg)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

// Unwrap returns the underlying transport error, if any.
func (e *MarginError) Unwrap() error {
	return e.Err
}

// Is matches an ErrorKind target against the error's kind.
func (e *MarginError) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}
