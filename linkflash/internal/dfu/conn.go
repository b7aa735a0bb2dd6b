// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dfu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/embeddedgo/linktools/linkflash/internal/transport"
)

type Error struct {
	Op  string
	Err error
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Error() string {
	return "dfu: " + e.Op + ": " + e.Err.Error()
}

func wrapErr(op string, err *error) {
	if *err != nil {
		*err = &Error{op, *err}
	}
}

// StatusError is a non-zero bStatus reported by the device.
type StatusError uint8

func (s StatusError) Error() string {
	if int(s) < len(statusStr) && statusStr[s] != "" {
		return statusStr[s]
	}
	return "unknown error"
}

var statusStr = [...]string{
	1:  "file is not for this target",
	2:  "file fails a vendor-specific verification test",
	3:  "unable to write memory",
	4:  "memory erase function failed",
	5:  "memory erase check failed",
	6:  "program memory function failed",
	7:  "programmed memory failed verification",
	8:  "memory address is out of range",
	9:  "premature DFU_DNLOAD with wLength = 0",
	10: "firmware is corrupt",
	11: "vendor-specific error",
	12: "unexpected USB reset signaling",
	13: "unexpected power on reset",
	14: "unknown error",
	15: "stalled an unexpected request",
}

// DFU states
const (
	appIdle              uint8 = 0
	appDetach            uint8 = 1
	dfuIdle              uint8 = 2
	dfuDnloadSync        uint8 = 3
	dfuDnbusy            uint8 = 4
	dfuDnloadIdle        uint8 = 5
	dfuManifestSync      uint8 = 6
	dfuManifest          uint8 = 7
	dfuManifestWaitReset uint8 = 8
	dfuUploadIdle        uint8 = 9
	dfuError             uint8 = 10
)

var stateStr = [...]string{
	appIdle:              "app idle",
	appDetach:            "app detach",
	dfuIdle:              "DFU idle",
	dfuDnloadSync:        "DFU download sync",
	dfuDnbusy:            "DFU download busy",
	dfuDnloadIdle:        "DFU download idle",
	dfuManifestSync:      "DFU manifest sync",
	dfuManifest:          "DFU manifest",
	dfuManifestWaitReset: "DFU manifest wait reset",
	dfuUploadIdle:        "DFU upload idle",
	dfuError:             "DFU error",
}

func stateString(s uint8) string {
	if int(s) < len(stateStr) {
		return stateStr[s]
	}
	return "unknown state"
}

// DFU requests
const (
	reqDetach    uint8 = 0x00
	reqDnload    uint8 = 0x01
	reqUpload    uint8 = 0x02
	reqGetStatus uint8 = 0x03
	reqClrStatus uint8 = 0x04
	reqGetState  uint8 = 0x05
	reqAbort     uint8 = 0x06
)

// DfuSe commands sent in the download block 0.
const (
	cmdSetAddress uint8 = 0x21
	cmdErase      uint8 = 0x41
)

// Conn speaks the DfuSe protocol over a transport connection.
type Conn struct {
	tc        transport.Conn
	iid       uint16
	statusBuf [6]byte
	pollSpeed uint
	state     uint8
}

// NewConn returns a DfuSe connection that uses interface iid of tc. The
// poll timeouts requested by the device are divided by pollSpeed.
func NewConn(tc transport.Conn, iid uint16, pollSpeed uint) *Conn {
	if pollSpeed == 0 {
		pollSpeed = 1
	}
	return &Conn{tc: tc, iid: iid, pollSpeed: pollSpeed}
}

func (c *Conn) Close() (err error) {
	err = c.tc.Close()
	wrapErr("Close", &err)
	return
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pollStatus executes the request issued before it and waits until the
// device leaves the busy state.
func (c *Conn) pollStatus(ctx context.Context) (err error) {
	for {
		_, err = c.tc.Control(
			transport.ClassIn, reqGetStatus, 0, c.iid, c.statusBuf[:],
		)
		if err != nil {
			return fmt.Errorf("GetStatus: %w", err)
		}
		status := c.statusBuf[0]
		c.state = c.statusBuf[4]
		if c.state == dfuError {
			_, err = c.tc.Control(
				transport.ClassOut, reqClrStatus, 0, c.iid, nil,
			)
			if err != nil {
				return fmt.Errorf("ClrStatus: %w", err)
			}
			c.state = dfuIdle
		}
		if status != 0 {
			return StatusError(status)
		}
		if c.state != dfuDnbusy {
			return nil
		}
		pollTimeout := uint(c.statusBuf[1]) |
			uint(c.statusBuf[2])<<8 |
			uint(c.statusBuf[3])<<16
		d := time.Duration(pollTimeout/c.pollSpeed) * time.Millisecond
		if err = sleep(ctx, d); err != nil {
			return err
		}
	}
}

func (c *Conn) dnload(ctx context.Context, blockNum uint16, p []byte) error {
	_, err := c.tc.Control(transport.ClassOut, reqDnload, blockNum, c.iid, p)
	if err != nil {
		return err
	}
	return c.pollStatus(ctx)
}

// Download sends a block and waits for the device to process it.
func (c *Conn) Download(ctx context.Context, blockNum uint16, p []byte) (err error) {
	err = c.dnload(ctx, blockNum, p)
	wrapErr("Download", &err)
	return
}

// Upload reads a block into p.
func (c *Conn) Upload(blockNum uint16, p []byte) (n int, err error) {
	n, err = c.tc.Control(transport.ClassIn, reqUpload, blockNum, c.iid, p)
	if err == nil {
		c.state = dfuUploadIdle
	}
	if err == nil && n != len(p) {
		err = errors.New("short upload")
	}
	wrapErr("Upload", &err)
	return
}

// Abort returns the device to the DFU idle state.
func (c *Conn) Abort() (err error) {
	_, err = c.tc.Control(transport.ClassOut, reqAbort, 0, c.iid, nil)
	if err == nil {
		c.state = dfuIdle
	}
	wrapErr("Abort", &err)
	return
}

// State returns the device state observed by the last request.
func (c *Conn) State() string {
	return stateString(c.state)
}

func (c *Conn) command(ctx context.Context, cmd uint8, addr uint32) error {
	var buf [5]byte
	buf[0] = cmd
	binary.LittleEndian.PutUint32(buf[1:], addr)
	return c.dnload(ctx, 0, buf[:])
}

// SetAddress sets the address pointer used by the following downloads and
// uploads.
func (c *Conn) SetAddress(ctx context.Context, addr uint32) (err error) {
	err = c.command(ctx, cmdSetAddress, addr)
	wrapErr("SetAddress", &err)
	return
}

// Erase erases the flash page or sector that contains addr.
func (c *Conn) Erase(ctx context.Context, addr uint32) (err error) {
	err = c.command(ctx, cmdErase, addr)
	wrapErr("Erase", &err)
	return
}

// Manifest sends the zero length download that makes the device leave the
// DFU mode and start the program at the address pointer.
func (c *Conn) Manifest(ctx context.Context) (err error) {
	err = c.dnload(ctx, 2, nil)
	wrapErr("Manifest", &err)
	return
}
