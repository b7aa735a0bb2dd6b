// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package simbus

import (
	"encoding/binary"

	"github.com/embeddedgo/linktools/linkflash/internal/transport"
)

const (
	dfuIdle         uint8 = 2
	dfuDnloadSync   uint8 = 3
	dfuDnbusy       uint8 = 4
	dfuDnloadIdle   uint8 = 5
	dfuManifestSync uint8 = 6
	dfuManifest     uint8 = 7
	dfuUploadIdle   uint8 = 9
	dfuError        uint8 = 10
)

const (
	errWrite   uint8 = 0x03
	errErase   uint8 = 0x04
	errAddress uint8 = 0x08
	errStalled uint8 = 0x0f
)

func (d *Device) stall(status uint8) (int, error) {
	d.dstate = dfuError
	d.dstatus = status
	return 0, ErrStall
}

func (d *Device) dfuControl(rType, request uint8, block uint16, data []byte) (int, error) {
	switch {
	case rType == transport.ClassOut && request == 1:
		return d.dnload(block, data)
	case rType == transport.ClassIn && request == 2:
		return d.upload(block, data)
	case rType == transport.ClassIn && request == 3:
		return d.getStatus(data)
	case rType == transport.ClassOut && request == 4:
		if d.dstate == dfuError {
			d.dstate = dfuIdle
			d.dstatus = 0
		}
		return 0, nil
	case rType == transport.ClassIn && request == 5:
		if len(data) > 0 {
			data[0] = d.dstate
			return 1, nil
		}
		return 0, nil
	case rType == transport.ClassOut && request == 6:
		if d.dstate != dfuError {
			d.dstate = dfuIdle
			d.pending = nil
		}
		return 0, nil
	}
	return d.stall(errStalled)
}

func (d *Device) dnload(block uint16, data []byte) (int, error) {
	if d.dstate != dfuIdle && d.dstate != dfuDnloadIdle {
		return d.stall(errStalled)
	}
	p := append([]byte(nil), data...)
	switch {
	case len(p) == 0:
		d.pending = func() uint8 {
			d.enter(App)
			return 0
		}
		d.dstate = dfuManifestSync
		return 0, nil
	case block == 0:
		d.pending = d.command(p)
	case block >= 2:
		if len(p) > d.XferSize {
			return d.stall(errStalled)
		}
		addr := d.ptr + uint32(block-2)*uint32(d.XferSize)
		d.pending = func() uint8 {
			if !d.program(addr, p) {
				return errAddress
			}
			return 0
		}
	default:
		return d.stall(errStalled)
	}
	d.dstate = dfuDnloadSync
	return len(p), nil
}

func (d *Device) command(p []byte) func() uint8 {
	if len(p) == 1 && p[0] == 0x41 {
		return func() uint8 {
			for i := range d.Sectors {
				d.eraseSector(i)
			}
			return 0
		}
	}
	if len(p) != 5 {
		return func() uint8 { return errStalled }
	}
	addr := binary.LittleEndian.Uint32(p[1:])
	switch p[0] {
	case 0x21:
		return func() uint8 {
			d.ptr = addr
			return 0
		}
	case 0x41:
		return func() uint8 {
			if addr < d.Base {
				return errAddress
			}
			start := d.Base
			for i, s := range d.Sectors {
				if addr < start+s {
					if !d.eraseSector(i) {
						return errErase
					}
					return 0
				}
				start += s
			}
			return errAddress
		}
	}
	return func() uint8 { return errStalled }
}

func (d *Device) getStatus(data []byte) (int, error) {
	if len(data) < 6 {
		return d.stall(errStalled)
	}
	state := d.dstate
	poll := uint32(0)
	switch d.dstate {
	case dfuDnloadSync:
		if s := d.pending(); s != 0 {
			d.dstate = dfuError
			d.dstatus = s
			state = dfuError
		} else {
			state = dfuDnbusy
			poll = 1
			d.dstate = dfuDnloadIdle
		}
		d.pending = nil
	case dfuManifestSync:
		state = dfuManifest
		defer d.pending()
		d.pending = nil
	}
	data[0] = d.dstatus
	data[1] = byte(poll)
	data[2] = byte(poll >> 8)
	data[3] = byte(poll >> 16)
	data[4] = state
	data[5] = 0
	return 6, nil
}

func (d *Device) upload(block uint16, data []byte) (int, error) {
	if d.dstate != dfuIdle && d.dstate != dfuUploadIdle {
		return d.stall(errStalled)
	}
	switch {
	case block == 0:
		cmds := []byte{0x00, 0x21, 0x41, 0x92}
		d.dstate = dfuUploadIdle
		return copy(data, cmds), nil
	case block >= 2:
		if len(data) > d.XferSize {
			return d.stall(errStalled)
		}
		addr := d.ptr + uint32(block-2)*uint32(d.XferSize)
		if !d.read(addr, data) {
			return d.stall(errAddress)
		}
		d.dstate = dfuUploadIdle
		return len(data), nil
	}
	return d.stall(errStalled)
}
