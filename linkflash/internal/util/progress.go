// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package util contains small helpers shared by the linkflash commands.
package util

import (
	"io"
	"strconv"
	"sync"

	"golang.org/x/term"
)

const (
	ptodo = "                         ] "
	pdone = " [========================="
)

// Progress draws a one line progress bar. It is safe for concurrent use.
type Progress struct {
	w     io.Writer
	scale int
	post  string

	mu   sync.Mutex
	buf  []byte
	op   string
	fill int
}

// NewProgress returns a bar writing to w. The current value is printed
// divided by scale and followed by post.
func NewProgress(w io.Writer, scale int, post string) *Progress {
	if scale <= 0 {
		scale = 1
	}
	return &Progress{w: w, scale: scale, post: post, buf: make([]byte, 0, 80), fill: -1}
}

// Update redraws the bar of op if it changed visibly. The line is
// terminated when cur reaches total.
func (p *Progress) Update(op string, cur, total int) {
	if total <= 0 {
		return
	}
	cur = min(max(cur, 0), total)
	done := 25 * cur / total
	p.mu.Lock()
	defer p.mu.Unlock()
	if op == p.op && done == p.fill && cur != total {
		return
	}
	p.op, p.fill = op, done
	pbuf := p.buf[:0]
	pbuf = append(pbuf, '\r')
	pbuf = append(pbuf, op...)
	pbuf = append(pbuf, pdone[:2+done]...)
	pbuf = append(pbuf, ptodo[done:]...)
	pbuf = strconv.AppendInt(pbuf, int64(cur/p.scale), 10)
	pbuf = append(pbuf, ' ')
	pbuf = append(pbuf, p.post...)
	if cur == total {
		pbuf = append(pbuf, '\n')
		p.op, p.fill = "", -1
	}
	p.buf = pbuf
	p.w.Write(pbuf)
}

// Func returns p.Update as a progress callback. A nil p gives nil.
func (p *Progress) Func() func(op string, done, total int) {
	if p == nil {
		return nil
	}
	return p.Update
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}
