// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package firmware

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddedgo/linktools/linkflash/internal/fault"
)

func TestFlatten(t *testing.T) {
	ss := Sections{
		{Name: ".data", Paddr: 0x108, Data: []byte{5, 6}},
		{Name: ".text", Paddr: 0x100, Data: []byte{1, 2, 3}},
		{Name: ".rodata", Paddr: 0x103, Data: []byte{4}},
	}
	assert.Equal(t, 10, ss.Size())

	var buf bytes.Buffer
	n, err := ss.Flatten(&buf, 0xff)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []byte{1, 2, 3, 4, 0xff, 0xff, 0xff, 0xff, 5, 6}, buf.Bytes())
	assert.Equal(t, ".text", ss[0].Name)

	ss = append(ss, &Section{Name: ".bad", Paddr: 0x101, Data: []byte{0}})
	_, err = ss.Flatten(&bytes.Buffer{}, 0)
	assert.Error(t, err)
}

func TestDetect(t *testing.T) {
	assert.Equal(t, ELF, Detect([]byte("\x7fELF\x01\x01\x01")))
	assert.Equal(t, HEX, Detect([]byte(":020000040800F2\n:00000001FF\n")))
	assert.Equal(t, HEX, Detect([]byte("\r\n:00000001FF")))
	assert.Equal(t, Binary, Detect([]byte{0x00, 0x50, 0x00, 0x20}))
	assert.Equal(t, Binary, Detect([]byte(":not hex")))
}

func TestHexRoundTrip(t *testing.T) {
	src := &Image{Name: "app", Data: bytes.Repeat([]byte{0x12, 0x34, 0x56}, 100)}
	var buf bytes.Buffer
	require.NoError(t, WriteHex(&buf, Segment{0x8004000, src.Data}))

	img, err := Parse("app", buf.Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, HEX, img.Format)
	assert.True(t, img.HasAddr)
	assert.Equal(t, uint32(0x8004000), img.Addr)
	assert.Equal(t, src.Data, img.Data)
	assert.Equal(t, src.Digest(), img.Digest())
}

func TestHexGapsArePadded(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHex(&buf, Segment{0x8004004, []byte{3}}, Segment{0x8004000, []byte{1, 2}}))
	img, err := Parse("app", buf.Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x8004000), img.Addr)
	assert.Equal(t, []byte{1, 2, 0xff, 0xff, 3}, img.Data)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("x", nil, nil)
	assert.Error(t, err)
	_, err = Parse("x", []byte(":0100000001FF\n"), nil)
	assert.Error(t, err, "bad checksum")
	_, err = Parse("x", []byte("\x7fELF garbage"), nil)
	assert.Error(t, err)
}

func TestPlace(t *testing.T) {
	bin := &Image{Name: "bin", Data: make([]byte, 0x100)}
	assert.NoError(t, bin.Place(0x8004000, 0x8004100))
	assert.ErrorIs(t, bin.Place(0x8004000, 0x80040ff), fault.IndexOutOfRange)

	linked := &Image{Name: "elf", Data: make([]byte, 4), Addr: 0x8000000, HasAddr: true}
	assert.NoError(t, linked.Place(0x8000000, 0x8004000))
	assert.ErrorIs(t, linked.Place(0x8004000, 0x8100000), fault.IndexOutOfRange)
}

func TestPadded(t *testing.T) {
	img := &Image{Data: []byte{1, 2, 3}}
	assert.Equal(t, []byte{1, 2, 3, 0xff}, img.Padded(4))
	assert.Equal(t, []byte{1, 2, 3}, img.Data)
	img.Data = []byte{1, 2, 3, 4}
	assert.Equal(t, img.Data, img.Padded(4))
}

func TestDigest(t *testing.T) {
	a := &Image{Data: []byte("link")}
	b := &Image{Data: []byte("lint")}
	assert.Len(t, a.Digest(), 64)
	assert.Equal(t, a.Digest(), (&Image{Data: []byte("link")}).Digest())
	assert.NotEqual(t, a.Digest(), b.Digest())
}

func TestDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "link.bin.signed"), []byte{1, 2, 3}, 0o644))
	var hex bytes.Buffer
	require.NoError(t, WriteHex(&hex, Segment{0x8000000, []byte{9, 8}}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bootstub.link.bin.hex"), hex.Bytes(), 0o644))

	src := Dir{Path: dir}
	img, err := src.Image("link.bin.signed")
	require.NoError(t, err)
	assert.Equal(t, Binary, img.Format)
	assert.False(t, img.HasAddr)
	assert.Equal(t, []byte{1, 2, 3}, img.Data)
	assert.Equal(t, filepath.Join(dir, "link.bin.signed"), img.Path)

	img, err = src.Image("bootstub.link.bin")
	require.NoError(t, err)
	assert.Equal(t, HEX, img.Format)
	assert.Equal(t, uint32(0x8000000), img.Addr)

	_, err = src.Image("missing.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

type countingSource struct {
	mu    sync.Mutex
	calls map[string]int
}

func (s *countingSource) Image(name string) (*Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	if name == "bad" {
		return nil, errors.New("bad image")
	}
	return &Image{Name: name, Data: []byte(name)}, nil
}

func TestCache(t *testing.T) {
	src := &countingSource{calls: map[string]int{}}
	c := NewCache(src)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img, err := c.Image("app")
			assert.NoError(t, err)
			assert.Equal(t, []byte("app"), img.Data)
			_, err = c.Image("bad")
			assert.Error(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, map[string]int{"app": 1, "bad": 1}, src.calls)
}
