// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf, 1024, "KiB")

	p.Update("program", 0, 4096)
	assert.Equal(t, "\rprogram [                         ] 0 KiB", buf.String())

	buf.Reset()
	p.Update("program", 10, 4096)
	assert.Empty(t, buf.String(), "same fill is not redrawn")

	p.Update("program", 2048, 4096)
	assert.Equal(t, "\rprogram [============             ] 2 KiB", buf.String())

	buf.Reset()
	p.Update("program", 4096, 4096)
	assert.Equal(t, "\rprogram [=========================] 4 KiB\n", buf.String())

	buf.Reset()
	p.Update("verify", 0, 4096)
	assert.True(t, strings.HasPrefix(buf.String(), "\rverify ["))
}

func TestProgressClamps(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf, 0, "B")
	p.Update("x", 10, 0)
	assert.Empty(t, buf.String())
	p.Update("x", 20, 10)
	assert.Equal(t, "\rx [=========================] 10 B\n", buf.String())
}

func TestProgressFunc(t *testing.T) {
	var p *Progress
	assert.Nil(t, p.Func())
	assert.NotNil(t, NewProgress(&bytes.Buffer{}, 1, "").Func())
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}
