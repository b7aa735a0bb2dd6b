// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package firmware

import (
	"cmp"
	"debug/elf"
	"fmt"
	"io"
	"log/slog"
	"slices"
)

// Section is a loadable ELF section.
type Section struct {
	Name  string
	Vaddr uint64 // run time address
	Paddr uint64 // load address in flash
	Data  []byte
}

type Sections []*Section

func loadable(s *elf.Section) bool {
	return s.Type == elf.SHT_PROGBITS && s.Flags&elf.SHF_ALLOC != 0
}

// loadAddr returns the load address of the file offset off.
func loadAddr(progs []*elf.Prog, off uint64) (uint64, bool) {
	for _, p := range progs {
		if p.Type == elf.PT_LOAD && p.Off <= off && off < p.Off+p.Filesz {
			return p.Paddr + off - p.Off, true
		}
	}
	return 0, false
}

// ReadELF returns the non-empty loadable sections of an ELF file in the file
// order. Sections that are not loadable but lie between loadable ones are
// reported to log because they usually mean a broken linker script.
func ReadELF(r io.ReaderAt, log *slog.Logger) (Sections, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var ss Sections
	for i, s := range f.Sections {
		if !loadable(s) {
			if len(ss) != 0 && i+1 < len(f.Sections) && loadable(f.Sections[i+1]) {
				log.Warn("elf: skipping section between loadable ones", "name", s.Name, "size", s.Size)
			}
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("elf: %s: %w", s.Name, err)
		}
		if len(data) == 0 {
			continue
		}
		paddr, ok := loadAddr(f.Progs, s.Offset)
		if !ok {
			return nil, fmt.Errorf("elf: section %s is not in a loadable segment", s.Name)
		}
		ss = append(ss, &Section{Name: s.Name, Vaddr: s.Addr, Paddr: paddr, Data: data})
	}
	return ss, nil
}

// Size returns the number of bytes Flatten writes.
func (ss Sections) Size() int {
	if len(ss) == 0 {
		return 0
	}
	lo, hi := ss[0].Paddr, uint64(0)
	for _, s := range ss {
		lo = min(lo, s.Paddr)
		hi = max(hi, s.Paddr+uint64(len(s.Data)))
	}
	return int(hi - lo)
}

// Flatten sorts the sections by load address and writes them to w as one
// contiguous image starting at the lowest load address. Gaps are filled with
// pad. It returns the number of bytes written.
func (ss Sections) Flatten(w io.Writer, pad byte) (n int, err error) {
	if len(ss) == 0 {
		return 0, nil
	}
	slices.SortFunc(ss, func(a, b *Section) int { return cmp.Compare(a.Paddr, b.Paddr) })
	var fill [256]byte
	for i := range fill {
		fill[i] = pad
	}
	next := ss[0].Paddr
	for _, s := range ss {
		if s.Paddr < next {
			return n, fmt.Errorf("elf: section %s at %#x overlaps the previous one", s.Name, s.Paddr)
		}
		for gap := s.Paddr - next; gap > 0; {
			m, err := w.Write(fill[:min(gap, uint64(len(fill)))])
			n += m
			if err != nil {
				return n, err
			}
			gap -= uint64(m)
		}
		m, err := w.Write(s.Data)
		n += m
		if err != nil {
			return n, err
		}
		next = s.Paddr + uint64(len(s.Data))
	}
	return n, nil
}
