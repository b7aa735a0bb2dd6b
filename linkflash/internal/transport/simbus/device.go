// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package simbus implements a transport.Bus populated with simulated links.
//
// A simulated link runs the application, the bootstub or the STM32 boot ROM.
// It answers the vendor requests of the link firmware and the DfuSe requests
// of the boot ROM, keeps its flash in memory and moves between the modes the
// same way the hardware does: a reset makes the device leave the bus and
// enumerate again, possibly after a delay, with the serial number of the new
// mode.
package simbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/embeddedgo/linktools/linkflash/internal/mcu"
	"github.com/embeddedgo/linktools/linkflash/internal/transport"
)

// ErrStall is returned for requests the device does not accept.
var ErrStall = errors.New("simbus: pipe stalled")

// IDCodeAddr is the address of the DBGMCU_IDCODE register.
const IDCodeAddr = 0xe0042000

type State uint8

const (
	Off State = iota
	App
	Bootstub
	ROM
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case App:
		return "application"
	case Bootstub:
		return "bootstub"
	case ROM:
		return "boot ROM"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Device is a simulated link. The exported fields may be changed before the
// device is added to a Bus.
type Device struct {
	Serial         string // in the application
	BootstubSerial string
	ROMSerial      string
	IDCode         uint32 // DBGMCU_IDCODE, the low 12 bits identify the MCU
	UID            [12]byte
	UIDAddr        uint32
	Layout         string // DfuSe description of the flash
	FlashAlt       int    // alternate setting described by Layout
	Base           uint32
	Sectors        []uint32
	XferSize       int // DfuSe wTransferSize

	FailControls   int           // number of next control transfers that stall
	CorruptAddr    uint32        // if non-zero, the byte at this address is programmed wrong
	RejectStatus   uint32        // status reported by the bootstub flasher after a flash
	IgnoreDownload bool          // reset into the boot ROM restarts the application
	DropOnReset    bool          // reset requests fail because the device left the bus
	ReenumDelay    time.Duration // time needed to enumerate after a reset

	mu      sync.Mutex
	state   State
	gen     int
	visible time.Time
	flash   []byte
	erases  []uint32
	resets  []string

	unlocked bool
	wptr     uint32
	status   uint32

	dstate  uint8
	dstatus uint8
	ptr     uint32
	pending func() uint8
}

// NewDevice returns a link that runs its application and has the flash
// layout and identification code of g. The id makes the serial numbers and
// the unique ID of the device distinct.
func NewDevice(g *mcu.Geometry, id int) *Device {
	d := &Device{
		Serial:    fmt.Sprintf("link%08x", id),
		ROMSerial: fmt.Sprintf("3276%08X", id),
		IDCode:    0x10000000 | uint32(g.IDCode),
		UIDAddr:   g.UniqueIDAddr,
		Base:      g.BootstubAddr,
		Sectors:   slices.Clone(g.SectorSizes),
		XferSize:  g.BlockSize,
	}
	d.BootstubSerial = d.Serial
	copy(d.UID[:], "LINK")
	binary.LittleEndian.PutUint32(d.UID[8:], uint32(id))
	d.Layout = Layout("Internal Flash", d.Base, d.Sectors)
	return d
}

// Layout returns the DfuSe alternate setting string that describes a memory
// made of sectors starting at base.
func Layout(name string, base uint32, sectors []uint32) string {
	var b strings.Builder
	fmt.Fprintf(&b, "@%-16s/0x%08X/", name, base)
	for i := 0; i < len(sectors); {
		n := 1
		for i+n < len(sectors) && sectors[i+n] == sectors[i] {
			n++
		}
		if i != 0 {
			b.WriteByte(',')
		}
		size, unit := sectors[i], byte(' ')
		switch {
		case size%(1<<20) == 0:
			size, unit = size>>20, 'M'
		case size%(1<<10) == 0:
			size, unit = size>>10, 'K'
		}
		fmt.Fprintf(&b, "%02d*%03d%cg", n, size, unit)
		i += n
	}
	return b.String()
}

// alloc creates the erased flash described by Sectors. Sectors must not be
// changed after the first Read, Write or Add.
func (d *Device) alloc() {
	if d.flash != nil {
		return
	}
	size := 0
	for _, s := range d.Sectors {
		size += int(s)
	}
	d.flash = make([]byte, size)
	for i := range d.flash {
		d.flash[i] = 0xff
	}
}

// State returns the mode the device runs in.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Read returns a copy of n bytes of the flash starting at addr.
func (d *Device) Read(addr uint32, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alloc()
	off := int(addr - d.Base)
	return slices.Clone(d.flash[off : off+n])
}

// Write stores p in the flash at addr, bypassing any protocol. It panics if
// p does not fit in the flash.
func (d *Device) Write(addr uint32, p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alloc()
	if addr < d.Base || uint64(addr-d.Base)+uint64(len(p)) > uint64(len(d.flash)) {
		panic(fmt.Sprintf("simbus: write of %d bytes at %#x outside the flash", len(p), addr))
	}
	copy(d.flash[addr-d.Base:], p)
}

// Erases returns the start addresses of the erased sectors in order.
func (d *Device) Erases() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.erases)
}

// Resets returns the reset requests the device received in order.
func (d *Device) Resets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.resets)
}

// Reset moves the device to state s as if it was power cycled into it.
func (d *Device) Reset(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enter(s)
}

func (d *Device) enter(s State) {
	d.state = s
	d.gen++
	d.visible = time.Now().Add(d.ReenumDelay)
	d.unlocked = false
	d.wptr = 0
	d.status = 0
	d.dstate = dfuIdle
	d.dstatus = 0
	d.ptr = 0
	d.pending = nil
}

func (d *Device) serial(mode transport.Mode) (string, bool) {
	if time.Now().Before(d.visible) {
		return "", false
	}
	switch {
	case mode == transport.Normal && d.state == App:
		return d.Serial, true
	case mode == transport.Normal && d.state == Bootstub:
		return d.BootstubSerial, true
	case mode == transport.Download && d.state == ROM:
		return d.ROMSerial, true
	}
	return "", false
}

func (d *Device) desc(serial string) transport.Desc {
	cfg := transport.DefaultConfig()
	desc := transport.Desc{Serial: serial, Vendor: cfg.Vendor, Product: cfg.Product}
	switch d.state {
	case Bootstub:
		desc.Product = cfg.BootstubProduct
	case ROM:
		desc.Vendor, desc.Product = cfg.DFUVendor, cfg.DFUProduct
	}
	return desc
}

func (d *Device) sectorAddr(i int) (uint32, bool) {
	if i < 0 || i >= len(d.Sectors) {
		return 0, false
	}
	addr := d.Base
	for _, s := range d.Sectors[:i] {
		addr += s
	}
	return addr, true
}

func (d *Device) eraseSector(i int) bool {
	addr, ok := d.sectorAddr(i)
	if !ok {
		return false
	}
	off := addr - d.Base
	for k := range d.Sectors[i] {
		d.flash[off+k] = 0xff
	}
	d.erases = append(d.erases, addr)
	return true
}

// program emulates the flash programming: bits can only be cleared.
func (d *Device) program(addr uint32, p []byte) bool {
	if addr < d.Base || uint64(addr-d.Base)+uint64(len(p)) > uint64(len(d.flash)) {
		return false
	}
	off := addr - d.Base
	for i, b := range p {
		d.flash[off+uint32(i)] &= b
	}
	if c := d.CorruptAddr; c != 0 && addr <= c && uint64(c) < uint64(addr)+uint64(len(p)) {
		d.flash[c-d.Base] ^= 0x01
	}
	return true
}

func (d *Device) read(addr uint32, p []byte) bool {
	end := uint64(addr) + uint64(len(p))
	var mem []byte
	var base uint32
	switch {
	case addr >= d.Base && end <= uint64(d.Base)+uint64(len(d.flash)):
		mem, base = d.flash, d.Base
	case addr >= IDCodeAddr && end <= IDCodeAddr+4:
		mem, base = binary.LittleEndian.AppendUint32(nil, d.IDCode), IDCodeAddr
	case d.UIDAddr != 0 && addr >= d.UIDAddr && end <= uint64(d.UIDAddr)+12:
		mem, base = d.UID[:], d.UIDAddr
	default:
		return false
	}
	copy(p, mem[addr-base:])
	return true
}
