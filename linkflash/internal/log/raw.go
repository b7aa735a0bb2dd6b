// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package log

import (
	"io"
	"strconv"
	"sync"
	"time"
)

// RawLogger dumps USB transfers, one line per transfer.
type RawLogger interface {
	// Log records a transfer. Out is true for host to device transfers.
	Log(out bool, what string, data []byte)
}

type rawLogger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
	buf []byte
}

// NewRaw returns a RawLogger that writes to w. If w is nil all records are
// dropped.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w, now: time.Now}
}

const hexdigits = "0123456789abcdef"

func (r *rawLogger) Log(out bool, what string, data []byte) {
	if r.w == nil {
		return
	}
	dir := "D->H"
	if out {
		dir = "H->D"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.buf[:0]
	b = r.now().AppendFormat(b, "2006/01/02 15:04:05.000")
	b = append(b, ' ')
	b = append(b, dir...)
	b = append(b, ' ')
	b = append(b, what...)
	b = append(b, ": "...)
	b = strconv.AppendInt(b, int64(len(data)), 10)
	b = append(b, " bytes"...)
	if len(data) != 0 {
		b = append(b, ':')
		for _, c := range data {
			b = append(b, ' ', hexdigits[c>>4], hexdigits[c&0x0f])
		}
	}
	b = append(b, '\n')
	r.buf = b
	_, _ = r.w.Write(b)
}
