// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mcu

import (
	"fmt"
	"maps"
	"slices"

	"github.com/embeddedgo/linktools/linkflash/internal/fault"
)

// F4 describes the STM32F4 based link.
var F4 = Geometry{
	Family:           "STM32F4",
	IDCode:           0x463,
	SectorSizes:      f4Sectors(),
	SectorCount:      16,
	UniqueIDAddr:     0x1fff7a10,
	SerialNumberAddr: 0x1fff79c0,
	BlockSize:        0x800,
	AppAddr:          0x8004000,
	AppImage:         "link.bin.signed",
	BootstubAddr:     0x8000000,
	BootstubImage:    "bootstub.link.bin",
}

func f4Sectors() []uint32 {
	ss := make([]uint32, 0, 16)
	for range 4 {
		ss = append(ss, 0x4000)
	}
	ss = append(ss, 0x10000)
	for range 11 {
		ss = append(ss, 0x20000)
	}
	return ss
}

// Catalog maps identification codes reported by the boot ROM to geometries.
// It is read-only after NewCatalog returns and safe for concurrent use.
type Catalog struct {
	byCode map[uint16]*Geometry
}

// NewCatalog validates gs and builds a catalog from them. The geometries
// are copied so later changes to gs do not affect the catalog.
func NewCatalog(gs ...Geometry) (*Catalog, error) {
	c := &Catalog{byCode: make(map[uint16]*Geometry, len(gs))}
	for i := range gs {
		g := gs[i]
		if err := g.Validate(); err != nil {
			return nil, err
		}
		if o := c.byCode[g.IDCode]; o != nil {
			return nil, fmt.Errorf(
				"mcu: %s and %s share idcode %#03x",
				o.Family, g.Family, g.IDCode,
			)
		}
		g.SectorSizes = slices.Clone(g.SectorSizes)
		c.byCode[g.IDCode] = &g
	}
	return c, nil
}

// Builtin returns the catalog of the families known at build time.
func Builtin() *Catalog {
	c, err := NewCatalog(F4)
	if err != nil {
		panic(err)
	}
	return c
}

// Merge returns a new catalog with the entries of c overridden and extended
// by gs.
func (c *Catalog) Merge(gs ...Geometry) (*Catalog, error) {
	byCode := make(map[uint16]Geometry, len(c.byCode)+len(gs))
	for code, g := range c.byCode {
		byCode[code] = *g
	}
	seen := make(map[uint16]bool, len(gs))
	for _, g := range gs {
		if seen[g.IDCode] {
			return nil, fmt.Errorf("mcu: idcode %#03x defined twice", g.IDCode)
		}
		seen[g.IDCode] = true
		byCode[g.IDCode] = g
	}
	codes := slices.Sorted(maps.Keys(byCode))
	all := make([]Geometry, 0, len(codes))
	for _, code := range codes {
		all = append(all, byCode[code])
	}
	return NewCatalog(all...)
}

func clone(g *Geometry) *Geometry {
	cg := *g
	cg.SectorSizes = slices.Clone(g.SectorSizes)
	return &cg
}

// Lookup returns a copy of the geometry of the family identified by code. It
// never guesses: an unknown code is an UnsupportedDevice error.
func (c *Catalog) Lookup(code uint16) (*Geometry, error) {
	if g := c.byCode[code]; g != nil {
		return clone(g), nil
	}
	return nil, &fault.Error{
		Kind: fault.UnsupportedDevice,
		Op:   "Lookup",
		Err:  fmt.Errorf("idcode %#03x is not in the catalog", code),
	}
}

// ByFamily returns a copy of the geometry with the given family name.
func (c *Catalog) ByFamily(name string) (*Geometry, error) {
	for _, g := range c.byCode {
		if g.Family == name {
			return clone(g), nil
		}
	}
	return nil, &fault.Error{
		Kind: fault.UnsupportedDevice,
		Op:   "ByFamily",
		Err:  fmt.Errorf("family %q is not in the catalog", name),
	}
}

// Families returns copies of all geometries sorted by idcode.
func (c *Catalog) Families() []*Geometry {
	codes := slices.Sorted(maps.Keys(c.byCode))
	gs := make([]*Geometry, len(codes))
	for i, code := range codes {
		gs[i] = clone(c.byCode[code])
	}
	return gs
}
