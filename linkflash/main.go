// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Linkflash flashes and recovers the firmware of links connected over USB.
package main

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/embeddedgo/linktools/linkflash/internal/cmd"
	"github.com/embeddedgo/linktools/linkflash/internal/configpaths"
	"github.com/embeddedgo/linktools/linkflash/internal/log"
)

func main() {
	jsonPaths, yamlPaths, tomlPaths := configpaths.Candidates(userConfig(os.Args[1:]))

	var cli cmd.CLI
	ctx := kong.Parse(&cli,
		kong.Name("linkflash"),
		kong.Description("Flash and recover the firmware of USB links"),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	logger, closers, err := log.Setup(cli.Log.Level, cli.Log.File, os.Stdout, os.Stderr)
	if err != nil {
		os.Stderr.WriteString("linkflash: cannot set up logging: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	var raw log.RawLogger
	switch {
	case cli.Log.RawFile != "":
		f, err := os.OpenFile(cli.Log.RawFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("cannot open raw log file", "file", cli.Log.RawFile, "error", err)
			break
		}
		closers = append(closers, f)
		raw = log.NewRaw(f)
	case cli.Log.Level == "trace":
		raw = log.NewRaw(os.Stderr)
	}

	env, usb, err := cli.NewEnv(logger, raw)
	if err != nil {
		logger.Error("cannot start", "error", err)
		os.Exit(2)
	}
	closers = append([]io.Closer{usb}, closers...)
	ctx.Bind(env)
	ctx.Bind(logger)

	if err = ctx.Run(); err != nil {
		if !errors.Is(err, cmd.ErrFailed) {
			logger.Error(ctx.Command(), "error", err)
		}
		for _, c := range closers {
			c.Close()
		}
		os.Exit(1)
	}
}

// userConfig returns the configuration file given by --config or
// LINKFLASH_CONFIG.
func userConfig(args []string) string {
	for i, a := range args {
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("LINKFLASH_CONFIG")
}
