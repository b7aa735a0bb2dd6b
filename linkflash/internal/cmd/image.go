// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/embeddedgo/linktools/linkflash/internal/firmware"
	"github.com/embeddedgo/linktools/linkflash/internal/recovery"
)

type Image struct {
	Family string `help:"MCU family" default:"STM32F4"`
	Hex    string `help:"Write both images to this Intel HEX file" type:"path"`
}

func (c *Image) Run(env *Env) error {
	g, err := env.Catalog.ByFamily(c.Family)
	if err != nil {
		return err
	}
	bs, app, err := recovery.Images(env.Images, g, true)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(env.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "IMAGE\tFORMAT\tADDR\tSIZE\tSECTORS\tBLAKE2B-256")
	for _, p := range []struct {
		img  *firmware.Image
		addr uint32
	}{
		{bs, g.BootstubAddr},
		{app, g.AppAddr},
	} {
		first, last, err := g.Sectors(p.addr, len(p.img.Data))
		if err != nil {
			return err
		}
		name := p.img.Name
		if p.img.Path != "" {
			name = p.img.Path
		}
		fmt.Fprintf(tw, "%s\t%s\t%#08x\t%d\t%d-%d\t%s\n",
			name, p.img.Format, p.addr, len(p.img.Data), first, last, p.img.Digest())
	}
	if err = tw.Flush(); err != nil {
		return err
	}
	if c.Hex == "" {
		return nil
	}
	f, err := os.Create(c.Hex)
	if err != nil {
		return err
	}
	err = firmware.WriteHex(f,
		firmware.Segment{Addr: g.BootstubAddr, Data: bs.Data},
		firmware.Segment{Addr: g.AppAddr, Data: app.Data},
	)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	env.Log.Info("wrote Intel HEX", "file", c.Hex)
	return nil
}
