// Copyright 2026 The Embedded Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package recovery

import (
	"github.com/embeddedgo/linktools/linkflash/internal/firmware"
	"github.com/embeddedgo/linktools/linkflash/internal/mcu"
)

// Images returns the bootstub and application images of g from src,
// checked against the place they are written to. The bootstub is nil if
// withBootstub is false.
func Images(src firmware.Source, g *mcu.Geometry, withBootstub bool) (bootstub, app *firmware.Image, err error) {
	app, err = src.Image(g.AppImage)
	if err != nil {
		return nil, nil, err
	}
	if err = app.Place(g.AppAddr, g.FlashEnd()); err != nil {
		return nil, nil, err
	}
	if !withBootstub {
		return nil, app, nil
	}
	bootstub, err = src.Image(g.BootstubImage)
	if err != nil {
		return nil, nil, err
	}
	if err = bootstub.Place(g.BootstubAddr, g.AppAddr); err != nil {
		return nil, nil, err
	}
	return bootstub, app, nil
}
