// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/embeddedgo/linktools/linkflash/internal/recovery"
)

// printSummary writes one line per outcome.
func printSummary(w io.Writer, res *recovery.Result) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIAL\tMODE\tFAMILY\tRESULT\tSTAGE\tATTEMPTS\tERROR")
	for _, o := range res.Outcomes {
		family, errStr, stage := o.Family, "", ""
		if family == "" {
			family = "-"
		}
		if o.Err != nil {
			errStr = o.Err.Error()
			stage = o.Stage.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			o.Serial, o.Mode, family, o.State, stage, o.Attempts, errStr)
	}
	return tw.Flush()
}
