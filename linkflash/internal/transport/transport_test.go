// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddedgo/linktools/linkflash/internal/mcu"
	"github.com/embeddedgo/linktools/linkflash/internal/transport"
	"github.com/embeddedgo/linktools/linkflash/internal/transport/simbus"
)

type record struct {
	out  bool
	what string
	n    int
}

type recorder struct {
	recs []record
}

func (r *recorder) Log(out bool, what string, data []byte) {
	r.recs = append(r.recs, record{out, what, len(data)})
}

func TestMatch(t *testing.T) {
	cfg := transport.DefaultConfig()
	tests := []struct {
		mode    transport.Mode
		vid     uint16
		pid     uint16
		matches bool
	}{
		{transport.Normal, 0xbbaa, 0xddcc, true},
		{transport.Normal, 0xbbaa, 0xddee, true},
		{transport.Normal, 0xbbaa, 0xdf11, false},
		{transport.Normal, 0x0483, 0xdf11, false},
		{transport.Download, 0x0483, 0xdf11, true},
		{transport.Download, 0xbbaa, 0xddcc, false},
		{transport.Mode(9), 0x0483, 0xdf11, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.matches, cfg.Match(tt.mode, tt.vid, tt.pid), "%s %04x:%04x", tt.mode, tt.vid, tt.pid)
	}
}

type failingBus struct{}

func (failingBus) Serials(transport.Mode) ([]string, error) {
	return nil, errors.New("no bus")
}

func (failingBus) Open(string, transport.Mode) (transport.Conn, error) {
	return nil, errors.New("no bus")
}

func TestSerials(t *testing.T) {
	a := simbus.NewDevice(&mcu.F4, 1)
	b := simbus.NewDevice(&mcu.F4, 2)
	bus := simbus.New(a, b)

	var first []string
	for s, err := range transport.Serials(bus, transport.Normal) {
		require.NoError(t, err)
		first = append(first, s)
		break
	}
	assert.Equal(t, []string{a.Serial}, first, "early break")

	all, err := transport.List(bus, transport.Normal)
	require.NoError(t, err)
	assert.Equal(t, []string{a.Serial, b.Serial}, all)

	dl, err := transport.List(bus, transport.Download)
	require.NoError(t, err)
	assert.Empty(t, dl)

	_, err = transport.List(failingBus{}, transport.Normal)
	assert.Error(t, err)
}

func TestTrace(t *testing.T) {
	sim := simbus.NewDevice(&mcu.F4, 3)
	var rec recorder
	bus := transport.TraceBus(simbus.New(sim), &rec)

	c, err := bus.Open(sim.Serial, transport.Normal)
	require.NoError(t, err)
	defer c.Close()

	buf := make([]byte, 2)
	n, err := c.Control(transport.VendorIn, 0xc1, 0, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = c.Control(transport.VendorOut, 0xb2, 0, 0, nil)
	assert.Error(t, err, "erase needs the bootstub")
	_, err = c.BulkWrite(2, make([]byte, 0x40))
	assert.Error(t, err)

	require.Len(t, rec.recs, 5)
	assert.Equal(t, record{false, sim.Serial + " control c0 c1 0000 0000", 2}, rec.recs[0])
	assert.Equal(t, record{true, sim.Serial + " control 40 b2 0000 0000", 0}, rec.recs[1])
	assert.True(t, rec.recs[2].out)
	assert.Contains(t, rec.recs[2].what, "error")
	assert.Equal(t, record{true, sim.Serial + " bulk 02", 0x40}, rec.recs[3])
	assert.Contains(t, rec.recs[4].what, "bulk 02 error")

	assert.Equal(t, bus, transport.TraceBus(bus, nil), "nil logger keeps the bus")
}
