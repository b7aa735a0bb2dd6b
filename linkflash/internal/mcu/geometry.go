// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mcu describes the flash geometry of the supported microcontroller
// families.
//
// A Geometry is never modified after it has been added to a Catalog. The
// sectors are numbered from the bootstub sector, which is sector 0.
package mcu

import (
	"errors"
	"fmt"

	"github.com/embeddedgo/linktools/linkflash/internal/fault"
)

type Geometry struct {
	Family           string   `yaml:"family" toml:"family" json:"family"`
	IDCode           uint16   `yaml:"idcode" toml:"idcode" json:"idcode"`
	SectorSizes      []uint32 `yaml:"sectorSizes" toml:"sectorSizes" json:"sectorSizes"`
	SectorCount      int      `yaml:"sectorCount" toml:"sectorCount" json:"sectorCount"`
	UniqueIDAddr     uint32   `yaml:"uniqueIdAddr" toml:"uniqueIdAddr" json:"uniqueIdAddr"`
	SerialNumberAddr uint32   `yaml:"serialNumberAddr" toml:"serialNumberAddr" json:"serialNumberAddr"`
	BlockSize        int      `yaml:"blockSize" toml:"blockSize" json:"blockSize"`
	AppAddr          uint32   `yaml:"appAddr" toml:"appAddr" json:"appAddr"`
	AppImage         string   `yaml:"appImage" toml:"appImage" json:"appImage"`
	BootstubAddr     uint32   `yaml:"bootstubAddr" toml:"bootstubAddr" json:"bootstubAddr"`
	BootstubImage    string   `yaml:"bootstubImage" toml:"bootstubImage" json:"bootstubImage"`
}

func (g *Geometry) String() string {
	return fmt.Sprintf("%s (idcode %#03x, %d sectors)", g.Family, g.IDCode, g.SectorCount)
}

// SectorAddr returns the absolute address of the i-th sector. For i equal
// to SectorCount it returns the first address after the flash.
func (g *Geometry) SectorAddr(i int) (uint32, error) {
	if i < 0 || i > g.SectorCount || i > len(g.SectorSizes) {
		return 0, &fault.Error{
			Kind: fault.IndexOutOfRange,
			Op:   "SectorAddr",
			Err:  fmt.Errorf("sector %d of %d", i, g.SectorCount),
		}
	}
	addr := g.BootstubAddr
	for _, size := range g.SectorSizes[:i] {
		addr += size
	}
	return addr, nil
}

// FlashEnd returns the first address after the last sector.
func (g *Geometry) FlashEnd() uint32 {
	end, _ := g.SectorAddr(len(g.SectorSizes))
	return end
}

// Sectors returns the inclusive range of sectors overlapping the
// [addr, addr+size) region. The whole region must lie inside the flash.
func (g *Geometry) Sectors(addr uint32, size int) (first, last int, err error) {
	if size <= 0 {
		return 0, -1, &fault.Error{
			Kind: fault.IndexOutOfRange,
			Op:   "Sectors",
			Err:  fmt.Errorf("empty region at %#x", addr),
		}
	}
	end := uint64(addr) + uint64(size)
	if addr < g.BootstubAddr || end > uint64(g.FlashEnd()) {
		return 0, -1, &fault.Error{
			Kind: fault.IndexOutOfRange,
			Op:   "Sectors",
			Err: fmt.Errorf(
				"region %#x-%#x outside flash %#x-%#x",
				addr, end, g.BootstubAddr, g.FlashEnd(),
			),
		}
	}
	first = -1
	start := uint64(g.BootstubAddr)
	for i, ss := range g.SectorSizes {
		next := start + uint64(ss)
		if start < end && uint64(addr) < next {
			if first < 0 {
				first = i
			}
			last = i
		}
		start = next
	}
	return first, last, nil
}

// SectorOf returns the sector that contains addr.
func (g *Geometry) SectorOf(addr uint32) (int, error) {
	first, _, err := g.Sectors(addr, 1)
	return first, err
}

// Validate checks the internal consistency of g.
func (g *Geometry) Validate() error {
	switch {
	case g.Family == "":
		return errors.New("mcu: empty family name")
	case g.SectorCount != len(g.SectorSizes):
		return fmt.Errorf(
			"mcu: %s: sector count %d but %d sector sizes",
			g.Family, g.SectorCount, len(g.SectorSizes),
		)
	case g.SectorCount == 0:
		return fmt.Errorf("mcu: %s: no sectors", g.Family)
	case g.BlockSize <= 0:
		return fmt.Errorf("mcu: %s: bad block size %d", g.Family, g.BlockSize)
	case g.AppImage == "" || g.BootstubImage == "":
		return fmt.Errorf("mcu: %s: image names not set", g.Family)
	}
	end := uint64(g.BootstubAddr)
	for i, ss := range g.SectorSizes {
		if ss == 0 || ss%uint32(g.BlockSize) != 0 {
			return fmt.Errorf(
				"mcu: %s: sector %d size %#x is not a multiple of block size %#x",
				g.Family, i, ss, g.BlockSize,
			)
		}
		end += uint64(ss)
	}
	if end > 1<<32 {
		return fmt.Errorf("mcu: %s: flash exceeds the address space", g.Family)
	}
	onBoundary := false
	for i := 1; i < g.SectorCount; i++ {
		if a, _ := g.SectorAddr(i); a == g.AppAddr {
			onBoundary = true
			break
		}
	}
	if !onBoundary {
		return fmt.Errorf(
			"mcu: %s: application address %#x is not a sector boundary after the bootstub",
			g.Family, g.AppAddr,
		)
	}
	return nil
}
