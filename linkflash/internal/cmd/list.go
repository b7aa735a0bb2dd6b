// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/embeddedgo/linktools/linkflash/internal/dfu"
	"github.com/embeddedgo/linktools/linkflash/internal/link"
	"github.com/embeddedgo/linktools/linkflash/internal/transport"
)

type List struct{}

func (l *List) Run(env *Env) error {
	ctx := context.Background()
	tw := tabwriter.NewWriter(env.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "MODE\tSERIAL\tRUNNING\tFAMILY")
	n := 0
	for serial, err := range link.Serials(env.Bus) {
		if err != nil {
			return err
		}
		n++
		running, family := "?", "?"
		d, err := link.Open(env.Bus, serial, link.WithLogger(env.Log))
		if err != nil {
			env.Log.Warn("cannot open link", "serial", serial, "error", err)
		} else {
			running = "application"
			if d.Bootstub() {
				running = "bootstub"
			}
			if g, err := d.Identify(env.Catalog); err == nil {
				family = g.Family
			} else {
				family = err.Error()
			}
			d.Close()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", transport.Normal, serial, running, family)
	}
	for serial, err := range dfu.Serials(env.Bus) {
		if err != nil {
			return err
		}
		n++
		running, family := "boot ROM", "?"
		d, err := dfu.Open(env.Bus, serial, dfu.WithLogger(env.Log))
		if err != nil {
			env.Log.Warn("cannot open link", "serial", serial, "error", err)
		} else {
			if id, err := d.Identify(ctx); err == nil {
				running = fmt.Sprintf("boot ROM, idcode %#03x", id.Code)
			}
			if g, err := d.ResolveGeometry(ctx, env.Catalog); err == nil {
				family = g.Family
			} else {
				family = err.Error()
			}
			d.Close()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", transport.Download, serial, running, family)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	env.Log.Debug("listed links", "count", n)
	return nil
}
