// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dfu

import (
	"fmt"
	"strconv"
	"strings"
)

// Region is a contiguous memory area described by a DfuSe alternate setting.
type Region struct {
	Base    uint32
	Sectors []uint32
}

// Layout is the memory map reported in a DfuSe alternate setting string,
// e.g. "@Internal Flash  /0x08000000/04*016Kg,01*064Kg,011*128Kg".
type Layout struct {
	Name    string
	Regions []Region
}

// MaxSectors limits the number of sectors of a single region.
const MaxSectors = 4096

// ParseLayout parses a DfuSe alternate setting string.
func ParseLayout(s string) (Layout, error) {
	var l Layout
	if !strings.HasPrefix(s, "@") {
		return l, fmt.Errorf("layout %q: no leading @", s)
	}
	fs := strings.Split(s[1:], "/")
	if len(fs) < 3 || len(fs)%2 != 1 {
		return l, fmt.Errorf("layout %q: bad number of fields", s)
	}
	l.Name = strings.TrimSpace(fs[0])
	for i := 1; i < len(fs); i += 2 {
		base, err := strconv.ParseUint(strings.TrimSpace(fs[i]), 0, 32)
		if err != nil {
			return l, fmt.Errorf("layout %q: bad address: %w", s, err)
		}
		r := Region{Base: uint32(base)}
		for _, seg := range strings.Split(fs[i+1], ",") {
			n, size, err := parseSegment(seg)
			if err != nil {
				return l, fmt.Errorf("layout %q: %w", s, err)
			}
			if n > MaxSectors-len(r.Sectors) {
				return l, fmt.Errorf("layout %q: more than %d sectors", s, MaxSectors)
			}
			for range n {
				r.Sectors = append(r.Sectors, size)
			}
		}
		l.Regions = append(l.Regions, r)
	}
	return l, nil
}

// parseSegment parses NN*SSSut where u is the unit (' ', 'K' or 'M') and t
// the sector type letter.
func parseSegment(seg string) (n int, size uint32, err error) {
	seg = strings.TrimSpace(seg)
	count, rest, ok := strings.Cut(seg, "*")
	if !ok {
		return 0, 0, fmt.Errorf("bad segment %q", seg)
	}
	n, err = strconv.Atoi(count)
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("bad sector count in %q", seg)
	}
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	sz, err := strconv.ParseUint(rest[:i], 10, 32)
	if err != nil || sz == 0 {
		return 0, 0, fmt.Errorf("bad sector size in %q", seg)
	}
	rest = rest[i:]
	if rest == "" {
		return 0, 0, fmt.Errorf("no sector type in %q", seg)
	}
	shift := 0
	switch rest[0] {
	case 'K':
		shift = 10
		rest = rest[1:]
	case 'M':
		shift = 20
		rest = rest[1:]
	case ' ', 'B':
		rest = rest[1:]
	}
	if len(rest) != 1 || rest[0] < 'a' || rest[0] > 'g' {
		return 0, 0, fmt.Errorf("bad sector type in %q", seg)
	}
	if sz<<shift > 1<<32-1 {
		return 0, 0, fmt.Errorf("sector size overflow in %q", seg)
	}
	return n, uint32(sz << shift), nil
}
