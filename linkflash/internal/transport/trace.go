// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"fmt"

	"github.com/embeddedgo/linktools/linkflash/internal/log"
)

// TraceBus returns a bus whose connections dump every transfer to raw.
func TraceBus(b Bus, raw log.RawLogger) Bus {
	if raw == nil {
		return b
	}
	return &traceBus{b, raw}
}

type traceBus struct {
	Bus
	raw log.RawLogger
}

func (b *traceBus) Open(serial string, mode Mode) (Conn, error) {
	c, err := b.Bus.Open(serial, mode)
	if err != nil {
		return nil, err
	}
	return Trace(c, b.raw), nil
}

// Trace returns a connection that dumps every transfer of c to raw.
func Trace(c Conn, raw log.RawLogger) Conn {
	return &traceConn{c, raw}
}

type traceConn struct {
	Conn
	raw log.RawLogger
}

func (c *traceConn) Control(rType, request uint8, value, index uint16, data []byte) (int, error) {
	what := fmt.Sprintf("%s control %02x %02x %04x %04x", c.Desc().Serial, rType, request, value, index)
	in := rType&0x80 != 0
	if !in {
		c.raw.Log(true, what, data)
	}
	n, err := c.Conn.Control(rType, request, value, index, data)
	if in && n > 0 {
		c.raw.Log(false, what, data[:n])
	}
	if err != nil {
		c.raw.Log(!in, what+" error: "+err.Error(), nil)
	}
	return n, err
}

func (c *traceConn) BulkWrite(ep int, p []byte) (int, error) {
	what := fmt.Sprintf("%s bulk %02x", c.Desc().Serial, ep)
	c.raw.Log(true, what, p)
	n, err := c.Conn.BulkWrite(ep, p)
	if err != nil {
		c.raw.Log(true, what+" error: "+err.Error(), nil)
	}
	return n, err
}
