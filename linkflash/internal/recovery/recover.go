// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package recovery reprograms links from the STM32 boot ROM download mode
// and flashes links through their bootstub.
//
// A recovery run forces every link found in the normal mode into the
// download mode, waits until they enumerate again and then erases,
// programs, verifies and restarts every link found in the download mode,
// including the ones that were there before the run.
package recovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/embeddedgo/linktools/linkflash/internal/dfu"
	"github.com/embeddedgo/linktools/linkflash/internal/fault"
	"github.com/embeddedgo/linktools/linkflash/internal/firmware"
	"github.com/embeddedgo/linktools/linkflash/internal/link"
	"github.com/embeddedgo/linktools/linkflash/internal/mcu"
	"github.com/embeddedgo/linktools/linkflash/internal/transport"
)

type Config struct {
	Parallel      int           `help:"Number of links processed at the same time" default:"4" env:"LINKFLASH_PARALLEL"`
	UnitTimeout   time.Duration `name:"timeout" help:"Time limit for one attempt on one link" default:"2m" env:"LINKFLASH_TIMEOUT"`
	Settle        time.Duration `help:"Time to wait after forcing the download mode" default:"1s"`
	PollInterval  time.Duration `name:"poll" help:"Bus polling interval while waiting for links" default:"200ms"`
	ReenumTimeout time.Duration `help:"Time limit for links to enumerate after a reset" default:"10s"`
	Retries       int           `help:"Number of retries after a transfer or write failure" default:"2"`
}

// DefaultConfig returns the configuration used when no flags are given.
func DefaultConfig() Config {
	return Config{
		Parallel:      4,
		UnitTimeout:   2 * time.Minute,
		Settle:        time.Second,
		PollInterval:  200 * time.Millisecond,
		ReenumTimeout: 10 * time.Second,
		Retries:       2,
	}
}

func (c *Config) fix() {
	d := DefaultConfig()
	if c.Parallel <= 0 {
		c.Parallel = 1
	}
	if c.UnitTimeout <= 0 {
		c.UnitTimeout = d.UnitTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ReenumTimeout <= 0 {
		c.ReenumTimeout = d.ReenumTimeout
	}
	c.Retries = max(c.Retries, 0)
	c.Settle = max(c.Settle, 0)
}

// Recoverer runs the recovery of all links on a bus.
type Recoverer struct {
	bus    transport.Bus
	cat    *mcu.Catalog
	images firmware.Source
	cfg    Config
	log    *slog.Logger

	// Progress, if not nil, is passed to the download mode devices.
	Progress func(op string, done, total int)
}

func NewRecoverer(bus transport.Bus, cat *mcu.Catalog, images firmware.Source, cfg Config, log *slog.Logger) *Recoverer {
	cfg.fix()
	if log == nil {
		log = slog.Default()
	}
	return &Recoverer{bus: bus, cat: cat, images: images, cfg: cfg, log: log}
}

// Run recovers all links. The returned error is only about the run as a
// whole. The failures of single links are reported in the result.
func (r *Recoverer) Run(ctx context.Context) (*Result, error) {
	res := new(Result)
	serials, err := link.List(r.bus)
	if err != nil {
		return nil, fault.New(fault.Transfer, "Discovering", err)
	}
	bricked, err := dfu.List(r.bus)
	if err != nil {
		return nil, fault.New(fault.Transfer, "Discovering", err)
	}
	r.log.Info("discovered links", "normal", len(serials), "download", len(bricked))

	var forced []Outcome
	if len(serials) != 0 {
		forced = r.forceAll(ctx, serials)
	}
	want := len(bricked)
	for i := range forced {
		if forced[i].State != Failed {
			want++
		}
	}
	dls := bricked
	if len(forced) != 0 {
		dls, err = r.waitDownload(ctx, want)
		if err != nil {
			return nil, err
		}
	}
	for _, o := range forced {
		if o.State == Failed {
			res.Outcomes = append(res.Outcomes, o)
		}
	}

	outs := make([]Outcome, len(dls))
	var g errgroup.Group
	g.SetLimit(r.cfg.Parallel)
	for i, serial := range dls {
		g.Go(func() error {
			outs[i] = r.unit(ctx, serial)
			return nil
		})
	}
	g.Wait()
	if len(dls) < want {
		r.log.Error("links missing in download mode", "want", want, "got", len(dls))
		err := fault.New(
			fault.Timeout, "WaitingReenumeration",
			fmt.Errorf("not enumerated in download mode within %v", r.cfg.ReenumTimeout),
		)
		res.Outcomes = append(res.Outcomes, r.lost(forced, outs, err)...)
	}
	res.Outcomes = append(res.Outcomes, outs...)
	return res, ctx.Err()
}

// lost returns the forced units whose unique IDs were not seen by any
// download mode unit, marked as failed with err.
func (r *Recoverer) lost(forced, seen []Outcome, err error) []Outcome {
	var lost []Outcome
	for _, o := range forced {
		if o.State == Failed {
			continue
		}
		found := o.UID != nil && slices.ContainsFunc(seen, func(s Outcome) bool {
			return bytes.Equal(s.UID, o.UID)
		})
		if found {
			continue
		}
		o.State, o.Stage, o.Err = Failed, WaitingReenumeration, err
		r.log.Error("link lost", "serial", o.Serial, "uid", fmt.Sprintf("%x", o.UID))
		lost = append(lost, o)
	}
	return lost
}

// forceAll moves the normal mode links to the download mode. The outcome of
// a link that was forced is left in the ForcingDownload stage with its
// unique ID set.
func (r *Recoverer) forceAll(ctx context.Context, serials []string) []Outcome {
	outs := make([]Outcome, len(serials))
	var g errgroup.Group
	g.SetLimit(r.cfg.Parallel)
	for i, serial := range serials {
		g.Go(func() error {
			o := &outs[i]
			*o = Outcome{Serial: serial, Mode: transport.Normal}
			if err := r.force(ctx, serial, o); err != nil {
				r.log.Error("cannot force download mode", "serial", serial, "stage", o.Stage, "error", err)
				o.State, o.Err = Failed, err
			}
			return nil
		})
	}
	g.Wait()
	return outs
}

// force resets the link into the bootstub and then from the bootstub into
// the boot ROM. The second reset is sent over a new connection because the
// first one makes the link leave the bus.
func (r *Recoverer) force(ctx context.Context, serial string, o *Outcome) error {
	o.Stage = ForcingBootstub
	d, err := link.Open(r.bus, serial, link.WithLogger(r.log))
	if err != nil {
		return err
	}
	defer d.Close()
	if o.UID, err = d.UID(); err != nil {
		return err
	}
	if !d.Bootstub() {
		r.log.Info("putting link in bootstub", "serial", serial)
		if err = d.Reset(true, false); err != nil {
			return err
		}
		o.Stage = WaitingReenumeration
		rctx, cancel := context.WithTimeout(ctx, r.cfg.ReenumTimeout)
		err = d.Reconnect(rctx, r.cfg.PollInterval)
		cancel()
		if err != nil {
			return err
		}
	}
	o.Stage = ForcingDownload
	r.log.Info("putting link in download mode", "serial", d.Serial())
	return d.Reset(false, true)
}

// waitDownload waits for the settle time and then polls the download mode
// links until there are at least want of them or ReenumTimeout passes.
func (r *Recoverer) waitDownload(ctx context.Context, want int) ([]string, error) {
	if err := sleep(ctx, r.cfg.Settle); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(r.cfg.ReenumTimeout)
	for {
		serials, err := dfu.List(r.bus)
		if err != nil {
			r.log.Debug("cannot list download mode links", "error", err)
		}
		if len(serials) >= want || !time.Now().Before(deadline) {
			r.log.Info("found links in download mode", "count", len(serials), "serials", serials)
			return serials, nil
		}
		if err := sleep(ctx, r.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// unit recovers one download mode link, retrying after retryable failures.
func (r *Recoverer) unit(ctx context.Context, serial string) Outcome {
	o := Outcome{Serial: serial, Mode: transport.Download}
	log := r.log.With("serial", serial)
	for {
		o.Attempts++
		err := r.attempt(ctx, serial, &o)
		if err == nil {
			o.State, o.Stage, o.Err = Done, Done, nil
			log.Info("recovered", "family", o.Family, "attempts", o.Attempts)
			return o
		}
		o.Err = err
		k := fault.KindOf(err)
		if !k.Retryable() || o.Attempts > r.cfg.Retries || ctx.Err() != nil {
			o.State = Failed
			log.Error("recovery failed", "stage", o.Stage, "kind", k, "attempts", o.Attempts, "error", err)
			return o
		}
		log.Warn("retrying", "stage", o.Stage, "kind", k, "error", err)
		if sleep(ctx, r.cfg.PollInterval) != nil {
			o.State = Failed
			return o
		}
	}
}

func (r *Recoverer) attempt(ctx context.Context, serial string, o *Outcome) (err error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.UnitTimeout)
	defer cancel()
	defer func() {
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fault.New(fault.Timeout, o.Stage.String(), err)
		}
	}()
	log := r.log.With("serial", serial)
	stage := func(s State) {
		o.Stage = s
		log.Debug("stage", "state", s)
	}

	stage(IdentifyingDevice)
	d, err := dfu.Open(r.bus, serial, dfu.WithLogger(r.log), dfu.WithProgress(r.Progress))
	if err != nil {
		return err
	}
	defer d.Close()
	g, err := d.ResolveGeometry(ctx, r.cat)
	if err != nil {
		return err
	}
	o.Family = g.Family
	if g.UniqueIDAddr != 0 {
		if uid, err := d.ReadMemory(ctx, g.UniqueIDAddr, 12); err == nil {
			o.UID = uid
			log.Debug("unique id", "uid", fmt.Sprintf("%x", uid))
		} else {
			log.Debug("cannot read unique id", "error", err)
		}
	}
	bs, app, err := Images(r.images, g, true)
	if err != nil {
		return err
	}
	bsData, appData := bs.Padded(g.BlockSize), app.Padded(g.BlockSize)
	log.Info("recovering",
		"family", g.Family,
		"bootstub", bs.Digest()[:16], "app", app.Digest()[:16],
	)

	stage(ErasingAndProgramming)
	sectors, err := overlapping(g, region{g.BootstubAddr, len(bsData)}, region{g.AppAddr, len(appData)})
	if err != nil {
		return err
	}
	for _, i := range sectors {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = d.EraseSector(ctx, i); err != nil {
			return err
		}
	}
	if err = d.Program(ctx, g.BootstubAddr, bsData); err != nil {
		return err
	}
	if err = d.Program(ctx, g.AppAddr, appData); err != nil {
		return err
	}

	stage(Verifying)
	if err = d.Verify(ctx, g.BootstubAddr, bsData); err != nil {
		return err
	}
	if err = d.Verify(ctx, g.AppAddr, appData); err != nil {
		return err
	}

	stage(Finalizing)
	return d.FinalizeAndReset(ctx)
}

type region struct {
	addr uint32
	size int
}

// overlapping returns the sorted indexes of the sectors that overlap any of
// the regions. Empty regions are skipped.
func overlapping(g *mcu.Geometry, regions ...region) ([]int, error) {
	seen := make([]bool, g.SectorCount)
	for _, r := range regions {
		if r.size == 0 {
			continue
		}
		first, last, err := g.Sectors(r.addr, r.size)
		if err != nil {
			return nil, err
		}
		for k := first; k <= last; k++ {
			seen[k] = true
		}
	}
	var ss []int
	for i, ok := range seen {
		if ok {
			ss = append(ss, i)
		}
	}
	return ss, nil
}
