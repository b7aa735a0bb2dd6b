// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package link drives a link that runs its own firmware: the application or
// the bootstub. Only the bootstub can write the flash.
package link

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/embeddedgo/linktools/linkflash/internal/fault"
	"github.com/embeddedgo/linktools/linkflash/internal/mcu"
	"github.com/embeddedgo/linktools/linkflash/internal/transport"
)

// Vendor requests
const (
	reqFlasherInfo uint8 = 0xb0
	reqUnlock      uint8 = 0xb1
	reqEraseSector uint8 = 0xb2
	reqIDCode      uint8 = 0xc1
	reqUID         uint8 = 0xc3
	reqEnterBoot   uint8 = 0xd1
	reqResetApp    uint8 = 0xd8
)

const (
	bulkOut         = 2
	packetSize      = 0x40
	flasherInfoSize = 12
	uidSize         = 12
)

var flasherMagic = []byte{0xde, 0xad, 0xd0, 0x0d}

var (
	// ErrNotBootstub is returned by Flash if the bootstub flasher is not
	// running.
	ErrNotBootstub = errors.New("bootstub flasher not running")

	// ErrNotIdentified is returned by Flash before Identify succeeds.
	ErrNotIdentified = errors.New("device geometry not resolved")
)

type Error struct {
	Op  string
	Err error
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Error() string {
	return "link: " + e.Op + ": " + e.Err.Error()
}

// Serials enumerates the serial numbers of the links in the normal mode.
func Serials(bus transport.Bus) iter.Seq2[string, error] {
	return transport.Serials(bus, transport.Normal)
}

// List returns the serial numbers of the links in the normal mode.
func List(bus transport.Bus) ([]string, error) {
	return transport.List(bus, transport.Normal)
}

type Option func(*Device)

func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// WithConfig sets the USB identities used to tell the application from the
// bootstub.
func WithConfig(cfg transport.Config) Option {
	return func(d *Device) { d.cfg = cfg }
}

// WithProgress sets a function called after every streamed packet.
func WithProgress(f func(op string, done, total int)) Option {
	return func(d *Device) { d.progress = f }
}

// Device is a link in the normal mode.
type Device struct {
	bus      transport.Bus
	tc       transport.Conn
	serial   string
	uid      []byte
	cfg      transport.Config
	log      *slog.Logger
	base     *slog.Logger
	progress func(op string, done, total int)
	geom     *mcu.Geometry
}

// Open opens the normal mode link with the given serial number.
func Open(bus transport.Bus, serial string, opts ...Option) (*Device, error) {
	d := &Device{bus: bus, serial: serial, cfg: transport.DefaultConfig(), log: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	tc, err := bus.Open(serial, transport.Normal)
	if err != nil {
		if fault.KindOf(err) == fault.Unknown {
			err = fault.New(fault.Transfer, "Open", err)
		}
		return nil, err
	}
	d.tc = tc
	d.base = d.log
	d.log = d.base.With("serial", serial)
	return d, nil
}

func (d *Device) Serial() string {
	return d.serial
}

// Bootstub reports whether the device runs the bootstub rather than the
// application.
func (d *Device) Bootstub() bool {
	return d.tc.Desc().Product == d.cfg.BootstubProduct
}

// Geometry returns the geometry resolved by Identify or nil.
func (d *Device) Geometry() *mcu.Geometry {
	return d.geom
}

func (d *Device) Close() error {
	return d.tc.Close()
}

func (d *Device) controlIn(op string, req uint8, n int) (p []byte, err error) {
	defer fault.Wrap(fault.Transfer, op, &err)
	p = make([]byte, n)
	m, err := d.tc.Control(transport.VendorIn, req, 0, 0, p)
	if err != nil {
		return nil, err
	}
	if m != n {
		return nil, fmt.Errorf("short response: %d of %d bytes", m, n)
	}
	return p, nil
}

func (d *Device) controlOut(op string, req uint8, value uint16) (err error) {
	defer fault.Wrap(fault.Transfer, op, &err)
	_, err = d.tc.Control(transport.VendorOut, req, value, 0, nil)
	return
}

// Identify reads the identification code of the MCU and looks it up in cat.
func (d *Device) Identify(cat *mcu.Catalog) (*mcu.Geometry, error) {
	p, err := d.controlIn("Identify", reqIDCode, 2)
	if err != nil {
		return nil, err
	}
	code := binary.LittleEndian.Uint16(p) & 0xfff
	g, err := cat.Lookup(code)
	if err != nil {
		return nil, err
	}
	d.geom = g
	return g, nil
}

// UID returns the 96-bit unique ID of the MCU. The ID is remembered and
// used by Reconnect.
func (d *Device) UID() ([]byte, error) {
	if d.uid != nil {
		return d.uid, nil
	}
	uid, err := d.controlIn("UID", reqUID, uidSize)
	if err != nil {
		return nil, err
	}
	d.uid = uid
	return uid, nil
}

// Reconnect waits until the device enumerates in the normal mode again after
// a reset and replaces the stale connection. If UID was called before the
// reset the device is recognized by its unique ID, so it may come back with
// another serial number. Otherwise it must come back with the same serial.
// Reconnect polls the bus every interval until ctx is done.
func (d *Device) Reconnect(ctx context.Context, interval time.Duration) error {
	d.tc.Close()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		serials, err := List(d.bus)
		if err != nil {
			d.log.Debug("cannot list devices", "error", err)
		}
		// The old serial is the most likely one.
		if i := slices.Index(serials, d.serial); i > 0 {
			serials[0], serials[i] = serials[i], serials[0]
		}
		for _, s := range serials {
			if d.uid == nil && s != d.serial {
				continue
			}
			if d.adopt(s) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fault.New(
				fault.Timeout, "Reconnect",
				fmt.Errorf("device %s did not come back: %w", d.serial, ctx.Err()),
			)
		case <-t.C:
		}
	}
}

// adopt opens serial and makes it the connection of d if it is the same
// MCU.
func (d *Device) adopt(serial string) bool {
	tc, err := d.bus.Open(serial, transport.Normal)
	if err != nil {
		return false
	}
	if d.uid != nil {
		uid := make([]byte, uidSize)
		n, err := tc.Control(transport.VendorIn, reqUID, 0, 0, uid)
		if err != nil || n != uidSize || !bytes.Equal(uid, d.uid) {
			tc.Close()
			return false
		}
	}
	if serial != d.serial {
		d.log.Debug("reconnected with another serial", "new", serial)
	}
	d.tc = tc
	d.serial = serial
	d.log = d.base.With("serial", serial)
	return true
}

// FlasherInfo returns the status word of the bootstub flasher and whether
// the flasher is running at all.
func (d *Device) FlasherInfo() (status uint32, running bool, err error) {
	p, err := d.controlIn("FlasherInfo", reqFlasherInfo, flasherInfoSize)
	if err != nil {
		return 0, false, err
	}
	return binary.LittleEndian.Uint32(p), bytes.Equal(p[4:8], flasherMagic), nil
}

// Stream returns the bytes written by Flash and their start address. With
// a bootstub image the stream starts at the bootstub and the gap up to the
// application is filled with 0xff.
func Stream(g *mcu.Geometry, app, bootstub []byte) (addr uint32, data []byte, err error) {
	if bootstub == nil {
		return g.AppAddr, app, nil
	}
	room := int(g.AppAddr - g.BootstubAddr)
	if len(bootstub) > room {
		return 0, nil, fault.New(
			fault.IndexOutOfRange, "Stream",
			fmt.Errorf("bootstub image of %d bytes does not fit in %d bytes", len(bootstub), room),
		)
	}
	data = make([]byte, room+len(app))
	copy(data, bootstub)
	for i := len(bootstub); i < room; i++ {
		data[i] = 0xff
	}
	copy(data[room:], app)
	return g.BootstubAddr, data, nil
}

// Flash writes the application image, preceded by the bootstub image if it
// is not nil, and resets the device into the application. The device must
// run the bootstub flasher.
func (d *Device) Flash(ctx context.Context, app, bootstub []byte) (err error) {
	if d.geom == nil {
		return &Error{"Flash", ErrNotIdentified}
	}
	_, running, err := d.FlasherInfo()
	if err != nil {
		return err
	}
	if !running {
		return &Error{"Flash", ErrNotBootstub}
	}
	addr, data, err := Stream(d.geom, app, bootstub)
	if err != nil {
		return err
	}
	first, last, err := d.geom.Sectors(addr, len(data))
	if err != nil {
		return err
	}
	d.log.Info("flashing", "addr", fmt.Sprintf("%#x", addr), "size", len(data), "sectors", fmt.Sprintf("%d-%d", first, last))

	if err = d.controlOut("Unlock", reqUnlock, uint16(first)); err != nil {
		return err
	}
	for i := first; i <= last; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		d.log.Debug("erasing", "sector", i)
		if err = d.controlOut("EraseSector", reqEraseSector, uint16(i)); err != nil {
			return err
		}
	}
	if err = d.stream(ctx, data); err != nil {
		return err
	}
	status, _, err := d.FlasherInfo()
	if err != nil {
		return err
	}
	if status != 0 {
		return fault.New(fault.RejectedByDevice, "Flash", fmt.Errorf("flasher status %#x", status))
	}
	return d.Reset(false, false)
}

func (d *Device) stream(ctx context.Context, data []byte) (err error) {
	defer fault.Wrap(fault.Transfer, "Stream", &err)
	for i := 0; i < len(data); i += packetSize {
		if err = ctx.Err(); err != nil {
			return err
		}
		pkt := data[i:min(i+packetSize, len(data))]
		if _, err = d.tc.BulkWrite(bulkOut, pkt); err != nil {
			return err
		}
		if d.progress != nil {
			d.progress("flash", i+len(pkt), len(data))
		}
	}
	return nil
}

// Reset restarts the device into the bootstub, the boot ROM download mode
// or, if both are false, the application. The boot ROM takes precedence if
// both are true. A device that leaves the bus before acknowledging the
// request is considered reset.
func (d *Device) Reset(enterBootstub, enterBootloader bool) error {
	req, value, into := reqResetApp, uint16(0), "application"
	switch {
	case enterBootloader:
		req, value, into = reqEnterBoot, 0, "bootloader"
	case enterBootstub:
		req, value, into = reqEnterBoot, 1, "bootstub"
	}
	d.log.Debug("reset", "into", into)
	err := d.controlOut("Reset", req, value)
	if errors.Is(err, transport.ErrGone) {
		return nil
	}
	return err
}
