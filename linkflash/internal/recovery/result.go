// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package recovery

import (
	"fmt"

	"github.com/embeddedgo/linktools/linkflash/internal/transport"
)

// State is a stage of processing a single unit.
type State uint8

const (
	Discovering State = iota
	ForcingBootstub
	ForcingDownload
	WaitingReenumeration
	IdentifyingDevice
	ErasingAndProgramming
	Verifying
	Finalizing
	Done
	Failed
)

var stateStr = [...]string{
	Discovering:           "discovering",
	ForcingBootstub:       "forcing bootstub",
	ForcingDownload:       "forcing download mode",
	WaitingReenumeration:  "waiting for reenumeration",
	IdentifyingDevice:     "identifying",
	ErasingAndProgramming: "erasing and programming",
	Verifying:             "verifying",
	Finalizing:            "finalizing",
	Done:                  "done",
	Failed:                "failed",
}

func (s State) String() string {
	if int(s) < len(stateStr) {
		return stateStr[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Outcome describes what happened to one unit. State is Done or Failed.
// Stage is the last stage the unit entered, so for a failed unit it tells
// where the failure happened.
type Outcome struct {
	Serial   string
	Mode     transport.Mode
	State    State
	Stage    State
	Family   string
	UID      []byte // silicon unique ID, if it could be read
	Attempts int
	Err      error
}

type Result struct {
	Outcomes []Outcome
}

// Processed returns the number of units that reached the per unit stages.
func (r *Result) Processed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Attempts > 0 {
			n++
		}
	}
	return n
}

// Failures returns the outcomes of the failed units.
func (r *Result) Failures() []Outcome {
	var fs []Outcome
	for _, o := range r.Outcomes {
		if o.State == Failed {
			fs = append(fs, o)
		}
	}
	return fs
}

// OK reports whether at least one unit was processed and nothing failed.
func (r *Result) OK() bool {
	return r.Processed() > 0 && len(r.Failures()) == 0
}
