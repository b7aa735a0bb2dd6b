// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fault defines the error kinds reported for a device unit.
//
// Every Kind is an error itself so callers can test a wrapped error with
// errors.Is(err, fault.Timeout). Errors produced by the protocol packages
// carry their kind in an *Error.
package fault

import (
	"context"
	"errors"
)

type Kind uint8

const (
	Unknown Kind = iota
	UnsupportedDevice
	GeometryMismatch
	DeviceNotFound
	Transfer
	RejectedByDevice
	Alignment
	Write
	VerificationFailed
	Timeout
	IndexOutOfRange
)

var kindStr = [...]string{
	Unknown:            "unknown error",
	UnsupportedDevice:  "unsupported device",
	GeometryMismatch:   "geometry mismatch",
	DeviceNotFound:     "device not found",
	Transfer:           "transfer error",
	RejectedByDevice:   "rejected by device",
	Alignment:          "alignment error",
	Write:              "write error",
	VerificationFailed: "verification failed",
	Timeout:            "timeout",
	IndexOutOfRange:    "index out of range",
}

func (k Kind) String() string {
	if int(k) < len(kindStr) {
		return kindStr[k]
	}
	return kindStr[Unknown]
}

func (k Kind) Error() string {
	return k.String()
}

// Retryable reports whether a unit that failed with k may be restarted
// from the beginning of its sequence.
func (k Kind) Retryable() bool {
	switch k {
	case Transfer, Write, Timeout, DeviceNotFound:
		return true
	}
	return false
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	s := e.Op + ": " + e.Kind.String()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns an *Error of kind k. Err may be nil.
func New(k Kind, op string, err error) error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Wrap converts a non-nil *err to an *Error of kind k unless it already
// carries a kind. It is intended to be deferred.
func Wrap(k Kind, op string, err *error) {
	if *err == nil {
		return
	}
	if KindOf(*err) != Unknown {
		return
	}
	*err = &Error{Kind: k, Op: op, Err: *err}
}

// KindOf returns the kind carried by err. Expired contexts are reported as
// Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unknown
}
