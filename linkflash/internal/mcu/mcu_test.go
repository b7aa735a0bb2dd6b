// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mcu_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddedgo/linktools/linkflash/internal/fault"
	"github.com/embeddedgo/linktools/linkflash/internal/mcu"
)

func synthetic() mcu.Geometry {
	return mcu.Geometry{
		Family:        "TEST",
		IDCode:        0x123,
		SectorSizes:   []uint32{0x400, 0x400, 0x800, 0x1000},
		SectorCount:   4,
		BlockSize:     0x100,
		BootstubAddr:  0x1000,
		BootstubImage: "bs.bin",
		AppAddr:       0x1400,
		AppImage:      "app.bin",
	}
}

func TestF4Scenario(t *testing.T) {
	g, err := mcu.Builtin().Lookup(0x463)
	require.NoError(t, err)

	assert.Equal(t, "STM32F4", g.Family)
	assert.Equal(t, 16, g.SectorCount)
	want := []uint32{0x4000, 0x4000, 0x4000, 0x4000, 0x10000}
	for range 11 {
		want = append(want, 0x20000)
	}
	assert.Equal(t, want, g.SectorSizes)

	// The four 16 KiB sectors end at 0x8010000 where the 64 KiB one starts.
	addr, err := g.SectorAddr(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x8000000+4*0x4000), addr)
	assert.Equal(t, uint32(0x8010000), addr)

	addr, err = g.SectorAddr(5)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x8020000), addr)

	app, err := g.SectorAddr(1)
	require.NoError(t, err)
	assert.Equal(t, g.AppAddr, app)
	assert.Equal(t, uint32(0x8180000), g.FlashEnd())
}

func TestCatalogInvariants(t *testing.T) {
	cat, err := mcu.Builtin().Merge(synthetic())
	require.NoError(t, err)

	for _, g := range cat.Families() {
		t.Run(g.Family, func(t *testing.T) {
			lg, err := cat.Lookup(g.IDCode)
			require.NoError(t, err)
			assert.Equal(t, g, lg)
			assert.Equal(t, len(lg.SectorSizes), lg.SectorCount)

			a0, err := g.SectorAddr(0)
			require.NoError(t, err)
			assert.Equal(t, g.BootstubAddr, a0)
			for i := range g.SectorCount {
				a, err := g.SectorAddr(i)
				require.NoError(t, err)
				b, err := g.SectorAddr(i + 1)
				require.NoError(t, err)
				assert.Equal(t, g.SectorSizes[i], b-a, "sector %d", i)
			}
		})
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	cat := mcu.Builtin()
	g, err := cat.Lookup(mcu.F4.IDCode)
	require.NoError(t, err)
	g.SectorSizes[4] = 0x100
	g.BootstubAddr = 0

	g, err = cat.Lookup(mcu.F4.IDCode)
	require.NoError(t, err)
	addr, err := g.SectorAddr(5)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x8020000), addr)

	fg, err := cat.ByFamily("STM32F4")
	require.NoError(t, err)
	fg.AppAddr = 0
	assert.Equal(t, mcu.F4.AppAddr, cat.Families()[0].AppAddr)
	assert.Equal(t, uint32(0x10000), mcu.F4.SectorSizes[4])
}

func TestLookupUnsupported(t *testing.T) {
	g, err := mcu.Builtin().Lookup(0x999)
	assert.Nil(t, g)
	assert.ErrorIs(t, err, fault.UnsupportedDevice)
}

func TestSectorAddrOutOfRange(t *testing.T) {
	g := synthetic()
	for _, i := range []int{-1, 5, 100} {
		_, err := g.SectorAddr(i)
		assert.ErrorIs(t, err, fault.IndexOutOfRange, "i=%d", i)
	}
	end, err := g.SectorAddr(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x3000), end)
}

func TestSectors(t *testing.T) {
	g := synthetic()
	tests := []struct {
		name        string
		addr        uint32
		size        int
		first, last int
		kind        fault.Kind
	}{
		{name: "first byte", addr: 0x1000, size: 1, first: 0, last: 0},
		{name: "whole first sector", addr: 0x1000, size: 0x400, first: 0, last: 0},
		{name: "crosses boundary", addr: 0x13ff, size: 2, first: 0, last: 1},
		{name: "app start", addr: 0x1400, size: 0x900, first: 1, last: 2},
		{name: "up to end", addr: 0x1800, size: 0x1800, first: 2, last: 3},
		{name: "before flash", addr: 0xfff, size: 2, kind: fault.IndexOutOfRange},
		{name: "past end", addr: 0x2000, size: 0x1001, kind: fault.IndexOutOfRange},
		{name: "empty", addr: 0x1000, size: 0, kind: fault.IndexOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, last, err := g.Sectors(tt.addr, tt.size)
			if tt.kind != fault.Unknown {
				assert.ErrorIs(t, err, tt.kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.first, first)
			assert.Equal(t, tt.last, last)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(g *mcu.Geometry)
	}{
		{"count mismatch", func(g *mcu.Geometry) { g.SectorCount = 5 }},
		{"no family", func(g *mcu.Geometry) { g.Family = "" }},
		{"zero block", func(g *mcu.Geometry) { g.BlockSize = 0 }},
		{"unaligned sector", func(g *mcu.Geometry) { g.SectorSizes[2] = 0x880 }},
		{"app not on boundary", func(g *mcu.Geometry) { g.AppAddr = 0x1500 }},
		{"app in bootstub sector", func(g *mcu.Geometry) { g.AppAddr = g.BootstubAddr }},
		{"no image", func(g *mcu.Geometry) { g.AppImage = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := synthetic()
			tt.modify(&g)
			assert.Error(t, g.Validate())
			_, err := mcu.NewCatalog(g)
			assert.Error(t, err)
		})
	}
	g := synthetic()
	assert.NoError(t, g.Validate())
}

func TestNewCatalogDuplicate(t *testing.T) {
	a, b := synthetic(), synthetic()
	b.Family = "OTHER"
	_, err := mcu.NewCatalog(a, b)
	assert.Error(t, err)
}

func TestCatalogIsolatedFromInput(t *testing.T) {
	g := synthetic()
	cat, err := mcu.NewCatalog(g)
	require.NoError(t, err)
	g.SectorSizes[0] = 0x10
	lg, err := cat.Lookup(0x123)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x400), lg.SectorSizes[0])
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"cat.yaml": `geometries:
  - family: TEST
    idcode: 0x123
    sectorSizes: [0x400, 0x400, 0x800, 0x1000]
    sectorCount: 4
    blockSize: 0x100
    bootstubAddr: 0x1000
    bootstubImage: bs.bin
    appAddr: 0x1400
    appImage: app.bin
`,
		"cat.toml": `[[geometry]]
family = "TEST"
idcode = 0x123
sectorSizes = [0x400, 0x400, 0x800, 0x1000]
sectorCount = 4
blockSize = 0x100
bootstubAddr = 0x1000
bootstubImage = "bs.bin"
appAddr = 0x1400
appImage = "app.bin"
`,
		"cat.json": `{"geometries": [{"family": "TEST", "idcode": 291,
"sectorSizes": [1024, 1024, 2048, 4096], "sectorCount": 4, "blockSize": 256,
"bootstubAddr": 4096, "bootstubImage": "bs.bin", "appAddr": 5120,
"appImage": "app.bin"}]}`,
	}
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			gs, err := mcu.ReadFile(path)
			require.NoError(t, err)
			require.Len(t, gs, 1)
			assert.Equal(t, synthetic(), gs[0])

			cat, err := mcu.Load(path)
			require.NoError(t, err)
			_, err = cat.Lookup(0x123)
			assert.NoError(t, err)
			_, err = cat.Lookup(0x463)
			assert.NoError(t, err, "built-in entries are kept")
		})
	}
}

func TestReadFileUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.ini")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err := mcu.ReadFile(path)
	assert.Error(t, err)
}
