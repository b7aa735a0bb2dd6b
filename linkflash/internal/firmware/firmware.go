// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package firmware loads the images written to the link.
//
// An image is read from a raw binary, an ELF executable or an Intel HEX
// file. Binaries carry no load address; the address of ELF and HEX images
// is checked against the place they are written to.
package firmware

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/marcinbor85/gohex"
	"golang.org/x/crypto/blake2b"

	"github.com/embeddedgo/linktools/linkflash/internal/fault"
)

type Format uint8

const (
	Binary Format = iota
	ELF
	HEX
)

func (f Format) String() string {
	switch f {
	case Binary:
		return "bin"
	case ELF:
		return "elf"
	case HEX:
		return "hex"
	}
	return fmt.Sprintf("Format(%d)", uint8(f))
}

type Image struct {
	Name    string
	Path    string
	Format  Format
	Addr    uint32 // load address, valid if HasAddr
	HasAddr bool
	Data    []byte
}

// Digest returns the BLAKE2b-256 digest of the image data in hex.
func (img *Image) Digest() string {
	sum := blake2b.Sum256(img.Data)
	return hex.EncodeToString(sum[:])
}

// Place checks that the image can be written at addr without crossing
// limit.
func (img *Image) Place(addr, limit uint32) error {
	if img.HasAddr && img.Addr != addr {
		return fault.New(
			fault.IndexOutOfRange, "Place",
			fmt.Errorf("%s is linked at %#x, expected %#x", img.Name, img.Addr, addr),
		)
	}
	if uint64(addr)+uint64(len(img.Data)) > uint64(limit) {
		return fault.New(
			fault.IndexOutOfRange, "Place",
			fmt.Errorf("%s (%d bytes at %#x) exceeds %#x", img.Name, len(img.Data), addr, limit),
		)
	}
	return nil
}

// Padded returns the image data padded with 0xff to a multiple of
// blockSize.
func (img *Image) Padded(blockSize int) []byte {
	n := len(img.Data)
	if r := n % blockSize; r != 0 {
		n += blockSize - r
	}
	if n == len(img.Data) {
		return img.Data
	}
	p := make([]byte, n)
	copy(p, img.Data)
	for i := len(img.Data); i < n; i++ {
		p[i] = 0xff
	}
	return p
}

// Source provides images by name.
type Source interface {
	Image(name string) (*Image, error)
}

// ErrNotFound is returned by Dir for missing images.
var ErrNotFound = errors.New("image not found")

// Dir reads images from a directory. For the image name N it reads the
// first existing of N, N.elf and N.hex. The format of N is detected from
// its content.
type Dir struct {
	Path string
	Log  *slog.Logger
}

func (d Dir) Image(name string) (*Image, error) {
	base := filepath.Join(d.Path, name)
	for _, p := range []string{base, base + ".elf", base + ".hex"} {
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		img, err := Parse(name, data, d.log())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		img.Path = p
		return img, nil
	}
	return nil, fmt.Errorf("%s in %s: %w", name, d.Path, ErrNotFound)
}

func (d Dir) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// Detect guesses the format of an image file from its content.
func Detect(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, []byte(elf0)):
		return ELF
	case isHex(data):
		return HEX
	}
	return Binary
}

const elf0 = "\x7fELF"

func isHex(data []byte) bool {
	s := strings.TrimLeft(string(data[:min(len(data), 64)]), "\r\n\t ")
	if !strings.HasPrefix(s, ":") {
		return false
	}
	for _, c := range []byte(s[1:]) {
		switch {
		case c >= '0' && c <= '9', c >= 'A' && c <= 'F', c >= 'a' && c <= 'f':
		case c == '\r' || c == '\n':
			return true
		default:
			return false
		}
	}
	return true
}

// Parse decodes an image file.
func Parse(name string, data []byte, log *slog.Logger) (*Image, error) {
	img := &Image{Name: name, Format: Detect(data)}
	switch img.Format {
	case Binary:
		img.Data = data
	case ELF:
		if log == nil {
			log = slog.Default()
		}
		ss, err := ReadELF(bytes.NewReader(data), log)
		if err != nil {
			return nil, err
		}
		if len(ss) == 0 {
			return nil, errors.New("no loadable sections")
		}
		var buf bytes.Buffer
		buf.Grow(ss.Size())
		if _, err = ss.Flatten(&buf, 0xff); err != nil {
			return nil, err
		}
		if ss[0].Paddr > 0xffffffff {
			return nil, fmt.Errorf("load address %#x out of range", ss[0].Paddr)
		}
		img.Addr, img.HasAddr = uint32(ss[0].Paddr), true
		img.Data = buf.Bytes()
	case HEX:
		mem := gohex.NewMemory()
		if err := mem.ParseIntelHex(bytes.NewReader(data)); err != nil {
			return nil, err
		}
		segs := mem.GetDataSegments()
		if len(segs) == 0 {
			return nil, errors.New("no data records")
		}
		lo, hi := segs[0].Address, segs[0].Address
		for _, s := range segs {
			lo = min(lo, s.Address)
			hi = max(hi, s.Address+uint32(len(s.Data)))
		}
		img.Addr, img.HasAddr = lo, true
		img.Data = mem.ToBinary(lo, hi-lo, 0xff)
	}
	if len(img.Data) == 0 {
		return nil, errors.New("empty image")
	}
	return img, nil
}

// Segment is data placed at an address.
type Segment struct {
	Addr uint32
	Data []byte
}

// WriteHex writes the segments as Intel HEX.
func WriteHex(w io.Writer, segs ...Segment) error {
	mem := gohex.NewMemory()
	for _, s := range segs {
		if err := mem.AddBinary(s.Addr, s.Data); err != nil {
			return err
		}
	}
	return mem.DumpIntelHex(w, 16)
}

// Cache loads every image from a source at most once. It is safe for
// concurrent use.
type Cache struct {
	src Source

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	once sync.Once
	img  *Image
	err  error
}

func NewCache(src Source) *Cache {
	return &Cache{src: src, entries: make(map[string]*cacheEntry)}
}

func (c *Cache) Image(name string) (*Image, error) {
	c.mu.Lock()
	e := c.entries[name]
	if e == nil {
		e = new(cacheEntry)
		c.entries[name] = e
	}
	c.mu.Unlock()
	e.once.Do(func() { e.img, e.err = c.src.Image(name) })
	return e.img, e.err
}
