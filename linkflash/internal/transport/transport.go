// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport provides access to the link devices on the USB bus.
//
// A device is seen in one of two modes. In the Normal mode it runs the link
// application or the bootstub and talks the vendor protocol. In the Download
// mode it runs the STM32 boot ROM and talks DfuSe. The same physical unit
// reports a different serial number in each mode.
package transport

import (
	"errors"
	"fmt"
	"iter"
)

type Mode uint8

const (
	Normal Mode = iota
	Download
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Download:
		return "download"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// ErrGone is returned by Conn methods when the device has left the bus.
var ErrGone = errors.New("device left the bus")

// Control request types.
const (
	VendorIn  uint8 = 0xc0
	VendorOut uint8 = 0x40
	ClassIn   uint8 = 0xa1 // class, interface recipient
	ClassOut  uint8 = 0x21
)

// Desc describes an open device.
type Desc struct {
	Serial  string
	Vendor  uint16
	Product uint16
	Bus     int
	Address int
}

func (d Desc) String() string {
	return fmt.Sprintf("%04x:%04x %s (%d:%d)", d.Vendor, d.Product, d.Serial, d.Bus, d.Address)
}

// Bus enumerates and opens devices. Implementations must be safe for
// concurrent use.
type Bus interface {
	// Serials returns the serial numbers of the devices currently visible
	// in the given mode. It never waits for devices to appear.
	Serials(mode Mode) ([]string, error)

	// Open opens the device with the given serial number. It returns an
	// error of kind fault.DeviceNotFound if no such device is visible.
	Open(serial string, mode Mode) (Conn, error)
}

// Conn is an open device. Its methods must not be called concurrently.
type Conn interface {
	Desc() Desc

	// Control performs a control transfer. For IN transfers data is
	// filled with the response and the number of received bytes is
	// returned.
	Control(rType, request uint8, value, index uint16, data []byte) (int, error)

	// BulkWrite writes p to the bulk OUT endpoint ep.
	BulkWrite(ep int, p []byte) (int, error)

	// AltSettings returns the descriptions of the alternate settings of
	// interface 0. The element i describes the alternate setting i and is
	// empty if it is not a DFU one.
	AltSettings() ([]string, error)

	// SetAltSetting selects the alternate setting of interface 0 that the
	// next transfers address.
	SetAltSetting(alt int) error

	Close() error
}

// Config holds the USB identities of the link in both modes.
type Config struct {
	Vendor          uint16 `help:"Vendor ID of the link in the normal mode" default:"0xbbaa" env:"LINKFLASH_USB_VENDOR"`
	Product         uint16 `help:"Product ID of the link application" default:"0xddcc" env:"LINKFLASH_USB_PRODUCT"`
	BootstubProduct uint16 `help:"Product ID of the link bootstub" default:"0xddee" env:"LINKFLASH_USB_BOOTSTUB_PRODUCT"`
	DFUVendor       uint16 `name:"dfu-vendor" help:"Vendor ID of the boot ROM in the download mode" default:"0x0483" env:"LINKFLASH_USB_DFU_VENDOR"`
	DFUProduct      uint16 `name:"dfu-product" help:"Product ID of the boot ROM in the download mode" default:"0xdf11" env:"LINKFLASH_USB_DFU_PRODUCT"`
}

// DefaultConfig returns the identities used by the production link.
func DefaultConfig() Config {
	return Config{
		Vendor:          0xbbaa,
		Product:         0xddcc,
		BootstubProduct: 0xddee,
		DFUVendor:       0x0483,
		DFUProduct:      0xdf11,
	}
}

// Match reports whether a device with the given vendor and product IDs
// belongs to mode.
func (c *Config) Match(mode Mode, vendor, product uint16) bool {
	switch mode {
	case Normal:
		return vendor == c.Vendor && (product == c.Product || product == c.BootstubProduct)
	case Download:
		return vendor == c.DFUVendor && product == c.DFUProduct
	}
	return false
}

// Serials returns a sequence of the serial numbers of the devices visible in
// mode. Every iteration queries the bus again, so the sequence can be ranged
// over repeatedly. An enumeration error is yielded once and ends the
// sequence.
func Serials(b Bus, mode Mode) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		serials, err := b.Serials(mode)
		if err != nil {
			yield("", err)
			return
		}
		for _, s := range serials {
			if !yield(s, nil) {
				return
			}
		}
	}
}

// List collects Serials.
func List(b Bus, mode Mode) ([]string, error) {
	var serials []string
	for s, err := range Serials(b, mode) {
		if err != nil {
			return nil, err
		}
		serials = append(serials, s)
	}
	return serials, nil
}
