// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	toml "github.com/pelletier/go-toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"

	"github.com/embeddedgo/linktools/linkflash/internal/firmware"
	"github.com/embeddedgo/linktools/linkflash/internal/log"
	"github.com/embeddedgo/linktools/linkflash/internal/mcu"
	"github.com/embeddedgo/linktools/linkflash/internal/recovery"
	"github.com/embeddedgo/linktools/linkflash/internal/transport"
	"github.com/embeddedgo/linktools/linkflash/internal/transport/simbus"
)

func writeImages(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	stub := bytes.Repeat([]byte{0x5a}, 0x900)
	app := bytes.Repeat([]byte{0xa5}, 0x1100)
	require.NoError(t, os.WriteFile(filepath.Join(dir, mcu.F4.BootstubImage), stub, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, mcu.F4.AppImage), app, 0o644))
	return dir
}

func testEnv(t *testing.T, bus transport.Bus) (*Env, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	return &Env{
		Log:     log.Discard(),
		Bus:     bus,
		Catalog: mcu.Builtin(),
		Images:  firmware.NewCache(firmware.Dir{Path: writeImages(t), Log: log.Discard()}),
		Stdout:  &out,
		Stderr:  &bytes.Buffer{},
	}, &out
}

func recoverCmd() *Recover {
	cfg := recovery.DefaultConfig()
	cfg.Settle = 0
	cfg.PollInterval = time.Millisecond
	return &Recover{Config: cfg}
}

func TestRecoverCommand(t *testing.T) {
	sim := simbus.NewDevice(&mcu.F4, 1)
	sim.Reset(simbus.ROM)
	env, out := testEnv(t, simbus.New(sim))

	require.NoError(t, recoverCmd().run(t.Context(), env))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "SERIAL"))
	assert.Contains(t, lines[1], sim.ROMSerial)
	assert.Contains(t, lines[1], "download")
	assert.Contains(t, lines[1], "STM32F4")
	assert.Contains(t, lines[1], "done")
	assert.Equal(t, simbus.App, sim.State())
}

func TestRecoverCommandNoLinks(t *testing.T) {
	env, out := testEnv(t, simbus.New())
	assert.ErrorIs(t, recoverCmd().run(t.Context(), env), ErrFailed)
	assert.Empty(t, out.String())
}

func TestFlashCommandFailure(t *testing.T) {
	sim := simbus.NewDevice(&mcu.F4, 2)
	sim.IDCode = 0x10000999
	env, out := testEnv(t, simbus.New(sim))

	f := &Flash{FlashConfig: recovery.FlashConfig{Parallel: 1, PollInterval: time.Millisecond}}
	assert.ErrorIs(t, f.run(t.Context(), env), ErrFailed)
	assert.Contains(t, out.String(), "unsupported device")
	assert.Contains(t, out.String(), "identifying")
}

func TestFlashCommandNoLinks(t *testing.T) {
	env, out := testEnv(t, simbus.New())
	f := &Flash{FlashConfig: recovery.FlashConfig{Parallel: 1, PollInterval: time.Millisecond}}
	assert.ErrorIs(t, f.run(t.Context(), env), ErrFailed)
	assert.Empty(t, out.String())
}

func TestFlashCommand(t *testing.T) {
	sim := simbus.NewDevice(&mcu.F4, 3)
	env, out := testEnv(t, simbus.New(sim))

	f := &Flash{FlashConfig: recovery.FlashConfig{Parallel: 1, PollInterval: time.Millisecond}}
	require.NoError(t, f.run(t.Context(), env))
	assert.Contains(t, out.String(), "done")
	assert.Equal(t, bytes.Repeat([]byte{0xa5}, 0x1100), sim.Read(mcu.F4.AppAddr, 0x1100))
}

func TestList(t *testing.T) {
	app := simbus.NewDevice(&mcu.F4, 4)
	stub := simbus.NewDevice(&mcu.F4, 5)
	stub.Reset(simbus.Bootstub)
	rom := simbus.NewDevice(&mcu.F4, 6)
	rom.Reset(simbus.ROM)
	env, out := testEnv(t, simbus.New(app, stub, rom))

	require.NoError(t, (&List{}).Run(env))
	text := out.String()
	assert.Regexp(t, `normal +`+app.Serial+` +application +STM32F4`, text)
	assert.Regexp(t, `normal +`+stub.BootstubSerial+` +bootstub +STM32F4`, text)
	assert.Regexp(t, `download +`+rom.ROMSerial+` +boot ROM, idcode 0x463 +STM32F4`, text)
}

func TestImage(t *testing.T) {
	env, out := testEnv(t, simbus.New())
	hexFile := filepath.Join(t.TempDir(), "link.hex")

	require.NoError(t, (&Image{Family: "STM32F4", Hex: hexFile}).Run(env))
	text := out.String()
	assert.Contains(t, text, mcu.F4.BootstubImage)
	assert.Contains(t, text, "0x08000000")
	assert.Contains(t, text, "0x08004000")
	assert.Contains(t, text, "1-1")

	data, err := os.ReadFile(hexFile)
	require.NoError(t, err)
	img, err := firmware.Parse("link.hex", data, nil)
	require.NoError(t, err)
	assert.Equal(t, firmware.HEX, img.Format)
	assert.Equal(t, mcu.F4.BootstubAddr, img.Addr)
	require.Len(t, img.Data, 0x4000+0x1100)
	assert.Equal(t, byte(0x5a), img.Data[0x8ff])
	assert.Equal(t, byte(0xff), img.Data[0x900])
	assert.Equal(t, byte(0xa5), img.Data[0x4000])
}

func TestImageUnknownFamily(t *testing.T) {
	env, _ := testEnv(t, simbus.New())
	assert.Error(t, (&Image{Family: "STM32F7"}).Run(env))
}

func TestTemplate(t *testing.T) {
	data, err := Template("recover", "json")
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))

	assert.NotContains(t, m, "config")
	assert.Equal(t, ".", m["firmware"])
	assert.Equal(t, float64(4), m["parallel"])
	assert.Equal(t, "2m", m["timeout"])
	assert.Equal(t, "10s", m["reenum-timeout"])
	assert.Equal(t, float64(2), m["retries"])
	assert.Equal(t, map[string]any{"level": "info", "file": "", "raw-file": ""}, m["log"])
	usb, ok := m["usb"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(0xbbaa), usb["vendor"])
	assert.Equal(t, float64(0xddee), usb["bootstub-product"])
	assert.Equal(t, float64(0x0483), usb["dfu-vendor"])

	data, err = Template("flash", "yaml")
	require.NoError(t, err)
	m = nil
	require.NoError(t, yaml.Unmarshal(data, &m))
	assert.Equal(t, false, m["no-bootstub"])
	assert.NotContains(t, m, "retries")

	data, err = Template("list", "toml")
	require.NoError(t, err)
	tree, err := toml.LoadBytes(data)
	require.NoError(t, err)
	assert.Equal(t, "info", tree.Get("log.level"))

	_, err = Template("server", "json")
	assert.Error(t, err)
	_, err = Template("flash", "ini")
	assert.Error(t, err)
}

func TestConfigInit(t *testing.T) {
	env, _ := testEnv(t, simbus.New())
	dest := filepath.Join(t.TempDir(), "conf", "linkflash.toml")
	c := &ConfigInit{Command: "recover", Format: "toml", Output: dest}
	require.NoError(t, c.Run(env))
	_, err := os.Stat(dest)
	require.NoError(t, err)

	assert.Error(t, c.Run(env), "existing file")
	c.Force = true
	assert.NoError(t, c.Run(env))
}

func TestKebab(t *testing.T) {
	for in, want := range map[string]string{
		"Parallel":        "parallel",
		"ReenumTimeout":   "reenum-timeout",
		"NoBootstub":      "no-bootstub",
		"RawFile":         "raw-file",
		"BootstubProduct": "bootstub-product",
		"USBVendor":       "usb-vendor",
	} {
		assert.Equal(t, want, kebab(in), in)
	}
}
