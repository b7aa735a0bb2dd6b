// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/embeddedgo/linktools/linkflash/internal/fault"
	"github.com/embeddedgo/linktools/linkflash/internal/firmware"
	"github.com/embeddedgo/linktools/linkflash/internal/link"
	"github.com/embeddedgo/linktools/linkflash/internal/mcu"
	"github.com/embeddedgo/linktools/linkflash/internal/transport"
)

type FlashConfig struct {
	Parallel      int           `help:"Number of links flashed at the same time" default:"4" env:"LINKFLASH_PARALLEL"`
	UnitTimeout   time.Duration `name:"timeout" help:"Time limit for flashing one link" default:"2m" env:"LINKFLASH_TIMEOUT"`
	PollInterval  time.Duration `name:"poll" help:"Bus polling interval while waiting for the bootstub" default:"200ms"`
	ReenumTimeout time.Duration `help:"Time limit for the bootstub to enumerate" default:"10s"`
	NoBootstub    bool          `help:"Flash only the application"`
}

// Flasher flashes the links that run their application or bootstub.
type Flasher struct {
	bus    transport.Bus
	cat    *mcu.Catalog
	images firmware.Source
	cfg    FlashConfig
	log    *slog.Logger

	// Progress, if not nil, is passed to the devices.
	Progress func(op string, done, total int)
}

func NewFlasher(bus transport.Bus, cat *mcu.Catalog, images firmware.Source, cfg FlashConfig, log *slog.Logger) *Flasher {
	c := Config{
		Parallel:      cfg.Parallel,
		UnitTimeout:   cfg.UnitTimeout,
		PollInterval:  cfg.PollInterval,
		ReenumTimeout: cfg.ReenumTimeout,
	}
	c.fix()
	cfg.Parallel, cfg.UnitTimeout = c.Parallel, c.UnitTimeout
	cfg.PollInterval, cfg.ReenumTimeout = c.PollInterval, c.ReenumTimeout
	if log == nil {
		log = slog.Default()
	}
	return &Flasher{bus: bus, cat: cat, images: images, cfg: cfg, log: log}
}

// Run flashes all normal mode links.
func (f *Flasher) Run(ctx context.Context) (*Result, error) {
	serials, err := link.List(f.bus)
	if err != nil {
		return nil, fault.New(fault.Transfer, "Discovering", err)
	}
	f.log.Info("discovered links", "count", len(serials))
	res := &Result{Outcomes: make([]Outcome, len(serials))}
	var g errgroup.Group
	g.SetLimit(f.cfg.Parallel)
	for i, serial := range serials {
		g.Go(func() error {
			o := &res.Outcomes[i]
			*o = Outcome{Serial: serial, Mode: transport.Normal, Attempts: 1}
			if err := f.unit(ctx, serial, o); err != nil {
				o.State, o.Err = Failed, err
				f.log.Error("flashing failed", "serial", serial, "stage", o.Stage, "kind", fault.KindOf(err), "error", err)
				return nil
			}
			o.State, o.Stage = Done, Done
			f.log.Info("flashed", "serial", serial, "family", o.Family)
			return nil
		})
	}
	g.Wait()
	return res, ctx.Err()
}

func (f *Flasher) unit(ctx context.Context, serial string, o *Outcome) (err error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.UnitTimeout)
	defer cancel()
	defer func() {
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fault.New(fault.Timeout, o.Stage.String(), err)
		}
	}()

	o.Stage = IdentifyingDevice
	d, err := link.Open(f.bus, serial, link.WithLogger(f.log), link.WithProgress(f.Progress))
	if err != nil {
		return err
	}
	defer d.Close()
	g, err := d.Identify(f.cat)
	if err != nil {
		return err
	}
	o.Family = g.Family
	bs, app, err := Images(f.images, g, !f.cfg.NoBootstub)
	if err != nil {
		return err
	}
	var bsData []byte
	if bs != nil {
		bsData = bs.Data
	}

	if !d.Bootstub() {
		o.Stage = ForcingBootstub
		if _, err = d.UID(); err != nil {
			return err
		}
		if err = d.Reset(true, false); err != nil {
			return err
		}
		o.Stage = WaitingReenumeration
		rctx, rcancel := context.WithTimeout(ctx, f.cfg.ReenumTimeout)
		err = d.Reconnect(rctx, f.cfg.PollInterval)
		rcancel()
		if err != nil {
			return err
		}
		o.Serial = d.Serial()
	}

	o.Stage = ErasingAndProgramming
	f.log.Info("flashing", "serial", d.Serial(), "family", g.Family, "app", app.Digest()[:16], "bootstub", bs != nil)
	return d.Flash(ctx, app.Data, bsData)
}
