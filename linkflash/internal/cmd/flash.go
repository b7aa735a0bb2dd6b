// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/embeddedgo/linktools/linkflash/internal/dfu"
	"github.com/embeddedgo/linktools/linkflash/internal/link"
	"github.com/embeddedgo/linktools/linkflash/internal/recovery"
	"github.com/embeddedgo/linktools/linkflash/internal/util"
)

type Flash struct {
	recovery.FlashConfig `embed:""`
}

func (f *Flash) Run(env *Env) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return f.run(ctx, env)
}

func (f *Flash) run(ctx context.Context, env *Env) error {
	fl := recovery.NewFlasher(env.Bus, env.Catalog, env.Images, f.FlashConfig, env.Log)
	if serials, err := link.List(env.Bus); err == nil && len(serials) == 1 {
		fl.Progress = progress(env)
	}
	res, err := fl.Run(ctx)
	if err != nil {
		return err
	}
	return finish(env, res)
}

type Recover struct {
	recovery.Config `embed:""`
}

func (r *Recover) Run(env *Env) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return r.run(ctx, env)
}

func (r *Recover) run(ctx context.Context, env *Env) error {
	rc := recovery.NewRecoverer(env.Bus, env.Catalog, env.Images, r.Config, env.Log)
	normal, err1 := link.List(env.Bus)
	download, err2 := dfu.List(env.Bus)
	if err1 == nil && err2 == nil && len(normal)+len(download) == 1 {
		rc.Progress = progress(env)
	}
	res, err := rc.Run(ctx)
	if err != nil {
		return err
	}
	return finish(env, res)
}

// progress returns a progress bar callback if stderr is a terminal.
func progress(env *Env) func(op string, done, total int) {
	if !util.IsTerminal(env.Stderr) {
		return nil
	}
	return util.NewProgress(env.Stderr, 1024, "KiB").Func()
}

func finish(env *Env, res *recovery.Result) error {
	if len(res.Outcomes) == 0 {
		env.Log.Error("no links found")
		return ErrFailed
	}
	if err := printSummary(env.Stdout, res); err != nil {
		return err
	}
	if !res.OK() {
		env.Log.Error("some links failed", "processed", res.Processed(), "failed", len(res.Failures()))
		return ErrFailed
	}
	return nil
}
