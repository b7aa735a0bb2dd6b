// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cmd implements the linkflash commands.
package cmd

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/embeddedgo/linktools/linkflash/internal/firmware"
	"github.com/embeddedgo/linktools/linkflash/internal/log"
	"github.com/embeddedgo/linktools/linkflash/internal/mcu"
	"github.com/embeddedgo/linktools/linkflash/internal/transport"
)

// CLI is the command line of linkflash.
type CLI struct {
	Globals

	List    List          `cmd:"" help:"List the links in the normal and the download mode"`
	Flash   Flash         `cmd:"" help:"Flash the links through their bootstub"`
	Recover Recover       `cmd:"" help:"Reprogram the links from the boot ROM download mode"`
	Image   Image         `cmd:"" help:"Show the images that would be written"`
	Cfg     ConfigCommand `cmd:"" name:"config" help:"Manage configuration files"`
}

type Globals struct {
	ConfigFile string           `name:"config" help:"Configuration file (JSON, YAML or TOML)" env:"LINKFLASH_CONFIG"`
	Log        LogConfig        `embed:"" prefix:"log."`
	Catalog    string           `help:"File with additional MCU geometries (YAML, TOML or JSON)" type:"existingfile" env:"LINKFLASH_CATALOG"`
	Firmware   string           `help:"Directory with the firmware images" default:"." type:"path" env:"LINKFLASH_FIRMWARE"`
	USB        transport.Config `embed:"" prefix:"usb."`
}

type LogConfig struct {
	Level   string `help:"Log level (trace, debug, info, warn, error)" default:"info" enum:"trace,debug,info,warn,error" env:"LINKFLASH_LOG_LEVEL"`
	File    string `help:"Write the log to this file and stderr" env:"LINKFLASH_LOG_FILE"`
	RawFile string `help:"Write the raw USB traffic to this file" env:"LINKFLASH_LOG_RAW_FILE"`
}

// Env is what the commands work with.
type Env struct {
	Log     *slog.Logger
	Bus     transport.Bus
	Catalog *mcu.Catalog
	Images  firmware.Source
	Stdout  io.Writer
	Stderr  io.Writer
}

// ErrFailed is returned by the commands that found nothing to do or failed
// on some links. The details are already logged.
var ErrFailed = errors.New("failed")

// NewEnv builds the environment described by g. Closing the returned closer
// releases the USB context.
func (g *Globals) NewEnv(logger *slog.Logger, raw log.RawLogger) (*Env, io.Closer, error) {
	cat, err := mcu.Load(g.Catalog)
	if err != nil {
		return nil, nil, err
	}
	usb := transport.NewUSB(g.USB, logger)
	var bus transport.Bus = usb
	if raw != nil {
		bus = transport.TraceBus(bus, raw)
	}
	env := &Env{
		Log:     logger,
		Bus:     bus,
		Catalog: cat,
		Images:  firmware.NewCache(firmware.Dir{Path: g.Firmware, Log: logger}),
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
	return env, usb, nil
}
