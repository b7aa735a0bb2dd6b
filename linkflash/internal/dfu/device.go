// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dfu drives a link that runs the STM32 boot ROM in the DFU mode.
//
// The boot ROM implements the DfuSe extensions of the DFU protocol (ST
// AN3156): the download block 0 carries commands (set address pointer,
// erase), the blocks from 2 up carry memory data relative to the address
// pointer. A Device must resolve its geometry before it erases or writes
// anything.
package dfu

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/embeddedgo/linktools/linkflash/internal/fault"
	"github.com/embeddedgo/linktools/linkflash/internal/mcu"
	"github.com/embeddedgo/linktools/linkflash/internal/transport"
)

// IDCodeAddr is the address of the DBGMCU_IDCODE register.
const IDCodeAddr = 0xe0042000

// ErrNotIdentified is returned by the operations that need the geometry
// when ResolveGeometry has not succeeded yet.
var ErrNotIdentified = errors.New("device geometry not resolved")

// Serials enumerates the serial numbers of the links in the download mode.
func Serials(bus transport.Bus) iter.Seq2[string, error] {
	return transport.Serials(bus, transport.Download)
}

// List returns the serial numbers of the links in the download mode.
func List(bus transport.Bus) ([]string, error) {
	return transport.List(bus, transport.Download)
}

// Identity is what the device reports about itself.
type Identity struct {
	Code        uint16
	Memory      string
	Base        uint32
	SectorSizes []uint32
}

func (id *Identity) SectorCount() int {
	return len(id.SectorSizes)
}

// MismatchError describes a difference between the catalog and the device.
type MismatchError struct {
	Family  string
	Field   string
	Catalog any
	Device  any
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf(
		"%s: catalog %s %v, device reports %v",
		e.Family, e.Field, e.Catalog, e.Device,
	)
}

func (e *MismatchError) Unwrap() error {
	return fault.GeometryMismatch
}

// VerificationError reports the first byte that differs after programming.
type VerificationError struct {
	Addr   uint32 // address of the region
	Offset int    // offset of the first mismatch
	Want   byte
	Got    byte
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf(
		"verification failed at %#08x (offset %#x): want %#02x, got %#02x",
		e.Addr+uint32(e.Offset), e.Offset, e.Want, e.Got,
	)
}

func (e *VerificationError) Unwrap() error {
	return fault.VerificationFailed
}

type Option func(*Device)

func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// WithPollSpeed divides the poll timeouts requested by the boot ROM by n.
func WithPollSpeed(n uint) Option {
	return func(d *Device) { d.pollSpeed = n }
}

// WithProgress sets a function called after every programmed or verified
// block.
func WithProgress(f func(op string, done, total int)) Option {
	return func(d *Device) { d.progress = f }
}

// Device is a link in the download mode.
type Device struct {
	conn      *Conn
	serial    string
	log       *slog.Logger
	pollSpeed uint
	progress  func(op string, done, total int)

	id   *Identity
	geom *mcu.Geometry
}

// Open opens the download mode link with the given serial number.
func Open(bus transport.Bus, serial string, opts ...Option) (*Device, error) {
	d := &Device{serial: serial, log: slog.Default(), pollSpeed: 1}
	for _, o := range opts {
		o(d)
	}
	tc, err := bus.Open(serial, transport.Download)
	if err != nil {
		if fault.KindOf(err) == fault.Unknown {
			err = fault.New(fault.Transfer, "Open", err)
		}
		return nil, err
	}
	d.conn = NewConn(tc, 0, d.pollSpeed)
	d.log = d.log.With("serial", serial)
	return d, nil
}

func (d *Device) Serial() string {
	return d.serial
}

// Geometry returns the resolved geometry or nil.
func (d *Device) Geometry() *mcu.Geometry {
	return d.geom
}

func (d *Device) Close() error {
	return d.conn.Close()
}

// flashLayout finds the alternate setting that describes the flash and
// selects it.
func (d *Device) flashLayout() (Layout, error) {
	alts, err := d.conn.tc.AltSettings()
	if err != nil {
		return Layout{}, err
	}
	unsupported := func(err error) (Layout, error) {
		return Layout{}, fault.New(fault.UnsupportedDevice, "Identify", err)
	}
	var l Layout
	alt := -1
	for i, a := range alts {
		if !strings.Contains(strings.ToLower(a), "flash") {
			continue
		}
		if alt >= 0 {
			return unsupported(errors.New("more than one flash alternate setting"))
		}
		if l, err = ParseLayout(a); err != nil {
			return unsupported(err)
		}
		alt = i
	}
	if alt < 0 {
		return unsupported(errors.New("no flash alternate setting"))
	}
	if err = d.conn.tc.SetAltSetting(alt); err != nil {
		return Layout{}, err
	}
	d.log.Debug("flash alternate setting", "alt", alt, "layout", alts[alt])
	return l, nil
}

// Identify reads the identification code of the MCU and the flash layout
// reported by the boot ROM.
func (d *Device) Identify(ctx context.Context) (id Identity, err error) {
	defer fault.Wrap(fault.Transfer, "Identify", &err)
	l, err := d.flashLayout()
	if err != nil {
		return id, err
	}
	if len(l.Regions) == 0 || len(l.Regions[0].Sectors) == 0 {
		return id, fault.New(fault.UnsupportedDevice, "Identify", errors.New("empty flash layout"))
	}
	r := l.Regions[0]
	var buf [4]byte
	if err = d.read(ctx, IDCodeAddr, buf[:], len(buf), ""); err != nil {
		return id, err
	}
	id = Identity{
		Code:        uint16(binary.LittleEndian.Uint32(buf[:]) & 0xfff),
		Memory:      l.Name,
		Base:        r.Base,
		SectorSizes: r.Sectors,
	}
	d.id = &id
	d.log.Debug("identified", "idcode", fmt.Sprintf("%#03x", id.Code), "memory", id.Memory, "sectors", id.SectorCount())
	return id, nil
}

// ResolveGeometry finds the geometry of the device in cat and checks it
// against the layout reported by the device.
func (d *Device) ResolveGeometry(ctx context.Context, cat *mcu.Catalog) (*mcu.Geometry, error) {
	if d.id == nil {
		if _, err := d.Identify(ctx); err != nil {
			return nil, err
		}
	}
	id := d.id
	g, err := cat.Lookup(id.Code)
	if err != nil {
		return nil, err
	}
	var mismatch *MismatchError
	switch {
	case id.SectorCount() != g.SectorCount:
		mismatch = &MismatchError{g.Family, "sector count", g.SectorCount, id.SectorCount()}
	case id.Base != g.BootstubAddr:
		mismatch = &MismatchError{g.Family, "flash base", fmt.Sprintf("%#x", g.BootstubAddr), fmt.Sprintf("%#x", id.Base)}
	default:
		for i, s := range id.SectorSizes {
			if s != g.SectorSizes[i] {
				mismatch = &MismatchError{
					g.Family, fmt.Sprintf("sector %d size", i),
					fmt.Sprintf("%#x", g.SectorSizes[i]), fmt.Sprintf("%#x", s),
				}
				break
			}
		}
	}
	if mismatch != nil {
		return nil, &fault.Error{Kind: fault.GeometryMismatch, Op: "ResolveGeometry", Err: mismatch}
	}
	d.geom = g
	return g, nil
}

func (d *Device) mustGeometry(op string) (*mcu.Geometry, error) {
	if d.geom == nil {
		return nil, &Error{op, ErrNotIdentified}
	}
	return d.geom, nil
}

// EraseSector erases sector i. Erasing an erased sector is harmless.
func (d *Device) EraseSector(ctx context.Context, i int) (err error) {
	g, err := d.mustGeometry("EraseSector")
	if err != nil {
		return err
	}
	addr, err := g.SectorAddr(i)
	if err != nil {
		return err
	}
	if i >= g.SectorCount {
		return fault.New(fault.IndexOutOfRange, "EraseSector", fmt.Errorf("sector %d of %d", i, g.SectorCount))
	}
	defer fault.Wrap(fault.Write, "EraseSector", &err)
	if err = d.idle(ctx); err != nil {
		return err
	}
	d.log.Debug("erasing", "sector", i, "addr", fmt.Sprintf("%#x", addr))
	return d.conn.Erase(ctx, addr)
}

// idle aborts any transfer in progress so the device accepts a new command.
// On the first call it also clears an error left by a previous session.
func (d *Device) idle(ctx context.Context) error {
	switch d.conn.state {
	case dfuIdle:
		return nil
	case appIdle:
		var se StatusError
		if err := d.conn.pollStatus(ctx); err != nil && !errors.As(err, &se) {
			return &Error{"Sync", err}
		}
		if d.conn.state == dfuIdle {
			return nil
		}
	}
	return d.conn.Abort()
}

// Program writes p at addr. Both addr and len(p) must be multiples of the
// block size and the target sectors must be erased.
func (d *Device) Program(ctx context.Context, addr uint32, p []byte) (err error) {
	g, err := d.mustGeometry("Program")
	if err != nil {
		return err
	}
	bs := g.BlockSize
	if addr%uint32(bs) != 0 || len(p)%bs != 0 {
		return fault.New(
			fault.Alignment, "Program",
			fmt.Errorf("%d bytes at %#x, block size %#x", len(p), addr, bs),
		)
	}
	if len(p) == 0 {
		return nil
	}
	if _, _, err = g.Sectors(addr, len(p)); err != nil {
		return err
	}
	defer fault.Wrap(fault.Write, "Program", &err)
	if err = d.idle(ctx); err != nil {
		return err
	}
	for done := 0; done < len(p); {
		if err = ctx.Err(); err != nil {
			return err
		}
		seg := p[done:]
		if len(seg) > maxBlocks*bs {
			seg = seg[:maxBlocks*bs]
		}
		if err = d.conn.SetAddress(ctx, addr+uint32(done)); err != nil {
			return err
		}
		for i := 0; i < len(seg); i += bs {
			if err = d.conn.Download(ctx, uint16(2+i/bs), seg[i:i+bs]); err != nil {
				return err
			}
			if d.progress != nil {
				d.progress("program", done+i+bs, len(p))
			}
		}
		done += len(seg)
	}
	return nil
}

// maxBlocks limits the block number in a single address pointer window.
const maxBlocks = 0x4000

// read reads len(p) bytes at addr in chunks of at most xfer bytes. The
// progress is reported as op unless op is empty.
func (d *Device) read(ctx context.Context, addr uint32, p []byte, xfer int, op string) error {
	if err := d.idle(ctx); err != nil {
		return err
	}
	for done := 0; done < len(p); {
		if err := ctx.Err(); err != nil {
			return err
		}
		seg := p[done:]
		if len(seg) > maxBlocks*xfer {
			seg = seg[:maxBlocks*xfer]
		}
		if err := d.conn.SetAddress(ctx, addr+uint32(done)); err != nil {
			return err
		}
		if err := d.conn.Abort(); err != nil {
			return err
		}
		for i := 0; i < len(seg); i += xfer {
			blk := seg[i:min(i+xfer, len(seg))]
			if _, err := d.conn.Upload(uint16(2+i/xfer), blk); err != nil {
				return err
			}
			if d.progress != nil && op != "" {
				d.progress(op, done+i+len(blk), len(p))
			}
		}
		done += len(seg)
	}
	return d.conn.Abort()
}

// ReadMemory reads n bytes at addr.
func (d *Device) ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error) {
	return d.readMemory(ctx, addr, n, "read")
}

func (d *Device) readMemory(ctx context.Context, addr uint32, n int, op string) (p []byte, err error) {
	g, err := d.mustGeometry("ReadMemory")
	if err != nil {
		return nil, err
	}
	defer fault.Wrap(fault.Transfer, "ReadMemory", &err)
	p = make([]byte, n)
	if err = d.read(ctx, addr, p, g.BlockSize, op); err != nil {
		return nil, err
	}
	return p, nil
}

// Verify reads the memory at addr back and compares it with want.
func (d *Device) Verify(ctx context.Context, addr uint32, want []byte) error {
	got, err := d.readMemory(ctx, addr, len(want), "verify")
	if err != nil {
		return err
	}
	if bytes.Equal(got, want) {
		return nil
	}
	for i := range want {
		if got[i] != want[i] {
			return &fault.Error{
				Kind: fault.VerificationFailed,
				Op:   "Verify",
				Err:  &VerificationError{Addr: addr, Offset: i, Want: want[i], Got: got[i]},
			}
		}
	}
	return nil
}

// FinalizeAndReset makes the boot ROM leave the DFU mode and jump to the
// bootstub. The device disconnecting while doing so is a success.
func (d *Device) FinalizeAndReset(ctx context.Context) (err error) {
	g, err := d.mustGeometry("FinalizeAndReset")
	if err != nil {
		return err
	}
	defer fault.Wrap(fault.Transfer, "FinalizeAndReset", &err)
	if err = d.idle(ctx); err != nil {
		return err
	}
	if err = d.conn.SetAddress(ctx, g.BootstubAddr); err != nil {
		return err
	}
	err = d.conn.Manifest(ctx)
	if errors.Is(err, transport.ErrGone) {
		d.log.Debug("device left the bus")
		return nil
	}
	return err
}
