// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package simbus

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"

	"github.com/embeddedgo/linktools/linkflash/internal/fault"
	"github.com/embeddedgo/linktools/linkflash/internal/transport"
)

// Bus is a transport.Bus with simulated devices.
type Bus struct {
	mu    sync.Mutex
	devs  []*Device
	opens int
}

func New(devs ...*Device) *Bus {
	b := new(Bus)
	b.Add(devs...)
	return b
}

// Add plugs the devices in. They start in the state set by their last Reset
// or in the application. Flash contents written before Add are kept.
func (b *Bus) Add(devs ...*Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range devs {
		d.mu.Lock()
		d.alloc()
		if d.state == Off {
			d.state = App
		}
		d.mu.Unlock()
		b.devs = append(b.devs, d)
	}
}

// Opens returns the number of successful Open calls.
func (b *Bus) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

func (b *Bus) Serials(mode transport.Mode) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var serials []string
	for _, d := range b.devs {
		d.mu.Lock()
		if s, ok := d.serial(mode); ok {
			serials = append(serials, s)
		}
		d.mu.Unlock()
	}
	slices.Sort(serials)
	return serials, nil
}

func (b *Bus) Open(serial string, mode transport.Mode) (transport.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devs {
		d.mu.Lock()
		s, ok := d.serial(mode)
		if ok && s == serial {
			c := &conn{d: d, gen: d.gen, mode: mode, desc: d.desc(serial)}
			d.mu.Unlock()
			b.opens++
			return c, nil
		}
		d.mu.Unlock()
	}
	return nil, fault.New(
		fault.DeviceNotFound, "Open",
		fmt.Errorf("no %s mode device with serial %q", mode, serial),
	)
}

type conn struct {
	d      *Device
	gen    int
	mode   transport.Mode
	desc   transport.Desc
	alt    int
	closed bool
}

func (c *conn) Desc() transport.Desc {
	return c.desc
}

func (c *conn) lock() error {
	c.d.mu.Lock()
	if c.closed {
		c.d.mu.Unlock()
		return fmt.Errorf("simbus: %s: connection closed", c.desc.Serial)
	}
	if c.gen != c.d.gen {
		c.d.mu.Unlock()
		return transport.ErrGone
	}
	return nil
}

func (c *conn) Control(rType, request uint8, value, index uint16, data []byte) (int, error) {
	if err := c.lock(); err != nil {
		return 0, err
	}
	defer c.d.mu.Unlock()
	d := c.d
	if d.FailControls > 0 {
		d.FailControls--
		return 0, ErrStall
	}
	if c.mode == transport.Download {
		// Other alternate settings address other memories.
		if c.alt != d.flashAlt() && (request == 1 || request == 2) {
			return d.stall(errAddress)
		}
		return d.dfuControl(rType, request, value, data)
	}
	return d.vendorControl(rType, request, value, data)
}

func (c *conn) BulkWrite(ep int, p []byte) (int, error) {
	if err := c.lock(); err != nil {
		return 0, err
	}
	defer c.d.mu.Unlock()
	d := c.d
	if c.mode != transport.Normal || ep != 2 || d.state != Bootstub || !d.unlocked {
		return 0, ErrStall
	}
	if !d.program(d.wptr, p) {
		return 0, ErrStall
	}
	d.wptr += uint32(len(p))
	if d.RejectStatus != 0 {
		d.status = d.RejectStatus
	}
	return len(p), nil
}

func (c *conn) AltSettings() ([]string, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.d.mu.Unlock()
	return c.d.altSettings(c.mode), nil
}

var otherAlts = []string{
	"@Option Bytes  /0x1FFFC000/01*016 e",
	"@OTP Memory /0x1FFF7800/01*512 e,01*016 e",
	"@Device Feature/0xFFFF0000/01*004 e",
}

func (d *Device) flashAlt() int {
	return min(max(d.FlashAlt, 0), len(otherAlts))
}

func (d *Device) altSettings(mode transport.Mode) []string {
	if mode != transport.Download {
		return nil
	}
	return slices.Insert(slices.Clone(otherAlts), d.flashAlt(), d.Layout)
}

func (c *conn) SetAltSetting(alt int) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.d.mu.Unlock()
	if alt < 0 || alt >= max(len(c.d.altSettings(c.mode)), 1) {
		return ErrStall
	}
	c.alt = alt
	return nil
}

func (c *conn) Close() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.closed = true
	return nil
}

var flasherMagic = [4]byte{0xde, 0xad, 0xd0, 0x0d}

func (d *Device) vendorControl(rType, request uint8, value uint16, data []byte) (int, error) {
	switch {
	case rType == transport.VendorIn && request == 0xb0:
		var buf [12]byte
		binary.LittleEndian.PutUint32(buf[:], d.status)
		if d.state == Bootstub {
			copy(buf[4:], flasherMagic[:])
		}
		return copy(data, buf[:]), nil
	case rType == transport.VendorIn && request == 0xc1:
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(d.IDCode&0xfff))
		return copy(data, buf[:]), nil
	case rType == transport.VendorIn && request == 0xc3:
		return copy(data, d.UID[:]), nil
	case rType == transport.VendorOut && request == 0xb1:
		addr, ok := d.sectorAddr(int(value))
		if d.state != Bootstub || !ok {
			return 0, ErrStall
		}
		d.unlocked = true
		d.wptr = addr
		return 0, nil
	case rType == transport.VendorOut && request == 0xb2:
		if d.state != Bootstub || !d.unlocked || !d.eraseSector(int(value)) {
			return 0, ErrStall
		}
		return 0, nil
	case rType == transport.VendorOut && request == 0xd1:
		switch value {
		case 0:
			d.resets = append(d.resets, "bootloader")
			if d.IgnoreDownload {
				d.enter(App)
			} else {
				d.enter(ROM)
			}
		case 1:
			d.resets = append(d.resets, "bootstub")
			d.enter(Bootstub)
		default:
			return 0, ErrStall
		}
		return d.resetAck()
	case rType == transport.VendorOut && request == 0xd8:
		d.resets = append(d.resets, "application")
		d.enter(App)
		return d.resetAck()
	}
	return 0, ErrStall
}

func (d *Device) resetAck() (int, error) {
	if d.DropOnReset {
		return 0, transport.ErrGone
	}
	return 0, nil
}
