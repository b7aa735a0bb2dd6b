// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/embeddedgo/linktools/linkflash/internal/fault"
	usb "github.com/google/gousb"
)

type Error struct {
	Op  string
	Err error
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Error() string {
	return "usb: " + e.Op + ": " + e.Err.Error()
}

func wrapErr(op string, err *error) {
	if *err == nil {
		return
	}
	if errors.Is(*err, usb.ErrorNoDevice) || errors.Is(*err, usb.TransferNoDevice) {
		*err = &Error{op, fmt.Errorf("%w: %w", ErrGone, *err)}
		return
	}
	*err = &Error{op, *err}
}

// USB is the Bus backed by libusb.
type USB struct {
	cfg Config
	log *slog.Logger

	mu  sync.Mutex
	ctx *usb.Context
}

// NewUSB returns a bus that recognizes the devices described by cfg. The
// libusb context is created on first use. The bus must be closed after use.
func NewUSB(cfg Config, log *slog.Logger) *USB {
	return &USB{cfg: cfg, log: log}
}

func (u *USB) Close() (err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ctx == nil {
		return nil
	}
	err = u.ctx.Close()
	u.ctx = nil
	wrapErr("Close", &err)
	return
}

func (u *USB) openDevices(mode Mode) ([]*usb.Device, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ctx == nil {
		u.ctx = usb.NewContext()
	}
	devs, err := u.ctx.OpenDevices(func(desc *usb.DeviceDesc) bool {
		return u.cfg.Match(mode, uint16(desc.Vendor), uint16(desc.Product))
	})
	if err != nil {
		// OpenDevices returns the devices it could open along with the
		// error of the last one that failed.
		if len(devs) == 0 {
			return nil, err
		}
		u.log.Warn("some USB devices could not be opened", "mode", mode, "error", err)
	}
	return devs, nil
}

func (u *USB) Serials(mode Mode) (serials []string, err error) {
	defer wrapErr("Serials", &err)
	devs, err := u.openDevices(mode)
	if err != nil {
		return nil, err
	}
	for _, d := range devs {
		s, err := d.SerialNumber()
		d.Close()
		if err != nil {
			u.log.Warn("cannot read serial number", "bus", d.Desc.Bus, "addr", d.Desc.Address, "error", err)
			continue
		}
		serials = append(serials, s)
	}
	slices.Sort(serials)
	return serials, nil
}

func (u *USB) Open(serial string, mode Mode) (conn Conn, err error) {
	defer wrapErr("Open", &err)
	devs, err := u.openDevices(mode)
	if err != nil {
		return nil, err
	}
	var dev *usb.Device
	for _, d := range devs {
		if dev == nil {
			if s, err := d.SerialNumber(); err == nil && s == serial {
				dev = d
				continue
			}
		}
		d.Close()
	}
	if dev == nil {
		return nil, fault.New(
			fault.DeviceNotFound, "Open",
			fmt.Errorf("no %s mode device with serial %q", mode, serial),
		)
	}
	c := &usbConn{
		dev: dev,
		desc: Desc{
			Serial:  serial,
			Vendor:  uint16(dev.Desc.Vendor),
			Product: uint16(dev.Desc.Product),
			Bus:     dev.Desc.Bus,
			Address: dev.Desc.Address,
		},
	}
	dev.ControlTimeout = 5 * time.Second
	if err = dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return nil, err
	}
	cfgNum := 1
	if mode == Download {
		if cfgNum, err = dfuConfig(dev); err != nil {
			dev.Close()
			return nil, err
		}
	}
	if c.cfg, err = dev.Config(cfgNum); err != nil {
		dev.Close()
		return nil, err
	}
	if c.intf, err = c.cfg.Interface(0, 0); err != nil {
		c.cfg.Close()
		dev.Close()
		return nil, err
	}
	return c, nil
}

func isDFU(is *usb.InterfaceSetting) bool {
	return is.Class == 0xfe && is.SubClass == 1 && is.Protocol == 2
}

func dfuConfig(dev *usb.Device) (int, error) {
	for _, cfg := range dev.Desc.Configs {
		for _, id := range cfg.Interfaces {
			for i := range id.AltSettings {
				if id.Number == 0 && isDFU(&id.AltSettings[i]) {
					return cfg.Number, nil
				}
			}
		}
	}
	return 0, fmt.Errorf("device %d:%d has no DFU interface", dev.Desc.Bus, dev.Desc.Address)
}

type usbConn struct {
	desc Desc
	dev  *usb.Device
	cfg  *usb.Config
	intf *usb.Interface
	eps  map[int]*usb.OutEndpoint
}

func (c *usbConn) Desc() Desc {
	return c.desc
}

func (c *usbConn) Control(rType, request uint8, value, index uint16, data []byte) (n int, err error) {
	n, err = c.dev.Control(rType, request, value, index, data)
	wrapErr("Control", &err)
	return
}

func (c *usbConn) BulkWrite(ep int, p []byte) (n int, err error) {
	defer wrapErr("BulkWrite", &err)
	oe := c.eps[ep]
	if oe == nil {
		if oe, err = c.intf.OutEndpoint(ep); err != nil {
			return 0, err
		}
		if c.eps == nil {
			c.eps = make(map[int]*usb.OutEndpoint)
		}
		c.eps[ep] = oe
	}
	return oe.Write(p)
}

func (c *usbConn) AltSettings() (alts []string, err error) {
	defer wrapErr("AltSettings", &err)
	for _, cfg := range c.dev.Desc.Configs {
		if cfg.Number != c.cfg.Desc.Number {
			continue
		}
		for _, id := range cfg.Interfaces {
			if id.Number != 0 {
				continue
			}
			for i := range id.AltSettings {
				is := &id.AltSettings[i]
				for len(alts) <= is.Alternate {
					alts = append(alts, "")
				}
				if !isDFU(is) {
					continue
				}
				s, err := c.dev.InterfaceDescription(cfg.Number, id.Number, is.Alternate)
				if err != nil {
					return nil, err
				}
				alts[is.Alternate] = s
			}
		}
	}
	return alts, nil
}

func (c *usbConn) SetAltSetting(alt int) (err error) {
	defer wrapErr("SetAltSetting", &err)
	prev := c.intf.Setting.Alternate
	if prev == alt {
		return nil
	}
	// The interface must be released before it can be claimed again.
	c.intf.Close()
	c.eps = nil
	if c.intf, err = c.cfg.Interface(0, alt); err != nil {
		c.intf, _ = c.cfg.Interface(0, prev)
		return err
	}
	return nil
}

// Close releases the interface and the device. A device that has already
// left the bus is not an error.
func (c *usbConn) Close() (err error) {
	if c.intf != nil {
		c.intf.Close()
	}
	if err = c.cfg.Close(); errors.Is(err, usb.ErrorNoDevice) || errors.Is(err, usb.ErrorNotFound) {
		err = nil
	}
	if e := c.dev.Close(); err == nil {
		err = e
	}
	wrapErr("Close", &err)
	return
}
