// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace": LevelTrace,
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for s, want := range tests {
		got, err := ParseLevel(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetupSplitsStreams(t *testing.T) {
	var stdout, stderr bytes.Buffer
	l, closers, err := Setup("trace", "", &stdout, &stderr)
	require.NoError(t, err)
	assert.Empty(t, closers)

	l.Log(t.Context(), LevelTrace, "transfer", "req", 0xb0)
	l.Info("flashing", "serial", "abc")
	l.Error("failed", "serial", "abc")

	assert.Contains(t, stdout.String(), "level=TRACE")
	assert.Contains(t, stdout.String(), "msg=flashing serial=abc")
	assert.NotContains(t, stdout.String(), "failed")
	assert.Contains(t, stderr.String(), "msg=failed serial=abc")
	assert.NotContains(t, stderr.String(), "flashing")
}

func TestSetupFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	name := filepath.Join(t.TempDir(), "linkflash.log")
	l, closers, err := Setup("info", name, &stdout, &stderr)
	require.NoError(t, err)
	require.Len(t, closers, 1)

	l.Debug("hidden")
	l.With("serial", "x").Warn("slow")
	require.NoError(t, closers[0].Close())

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=slow serial=x")
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, stderr.String(), "msg=slow")
	assert.Empty(t, stdout.String())
}

func TestRawLogger(t *testing.T) {
	var buf bytes.Buffer
	r := NewRaw(&buf).(*rawLogger)
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	r.Log(true, "control 40 b2 0005 0000", nil)
	r.Log(false, "control c0 c1 0000 0000", []byte{0x63, 0x04})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2026/01/02 03:04:05.000 H->D control 40 b2 0005 0000: 0 bytes", lines[0])
	assert.Equal(t, "2026/01/02 03:04:05.000 D->H control c0 c1 0000 0000: 2 bytes: 63 04", lines[1])

	NewRaw(nil).Log(true, "dropped", []byte{1})
}
