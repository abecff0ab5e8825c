//go:build !headless

// Copyright © 2026 The epqis16 developers
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package window draws the front panel in a desktop window.
package window

import (
	"context"
	"image/color"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/hajimehoshi/ebiten/v2/text"
	"github.com/hajimehoshi/ebiten/v2/vector"
	"golang.org/x/image/font/basicfont"

	"github.com/epqis16/epqis16/pkg/frontpanel"
)

var (
	background   = color.RGBA{0x20, 0x22, 0x26, 0xff}
	lcdGreen     = color.RGBA{0x7c, 0xfc, 0x5a, 0xff}
	labelGray    = color.RGBA{0xc8, 0xc8, 0xc8, 0xff}
	boxChecked   = color.RGBA{0x3a, 0x8e, 0xe6, 0xff}
	warningRed   = color.RGBA{0xe6, 0x4a, 0x3a, 0xff}
	lcdBacklight = color.RGBA{0x10, 0x30, 0x10, 0xff}
)

// Window is an ebiten game that steps and draws a front panel.
type Window struct {
	ctx   context.Context
	panel *frontpanel.Panel
}

// Run shows the panel until the window is closed or ctx is done,
// then stops the client session and waits for it.
// Run must be called from the main goroutine.
func Run(ctx context.Context, panel *frontpanel.Panel) error {
	w := &Window{ctx: ctx, panel: panel}

	width, height := w.size()
	ebiten.SetWindowTitle(panel.Name())
	ebiten.SetWindowSize(width, height)
	ebiten.SetWindowClosingHandled(true)
	ebiten.SetRunnableOnUnfocused(true)

	if err := ebiten.RunGame(w); err != nil {
		panel.Close()
		return err
	}
	return panel.Close()
}

// Update is called on every tick of the window's loop.
func (w *Window) Update() error {
	if ebiten.IsWindowBeingClosed() || w.ctx.Err() != nil {
		return ebiten.Termination
	}

	w.panel.Step()

	if inpututil.IsMouseButtonJustPressed(ebiten.MouseButtonLeft) {
		x, y := ebiten.CursorPosition()
		if n, ok := checkboxAt(x, y, len(w.panel.Channels())); ok {
			w.panel.Toggle(n)
		}
	}
	return nil
}

// Draw renders every channel: its voltage, an enable checkbox, and the ON/OFF label.
func (w *Window) Draw(screen *ebiten.Image) {
	screen.Fill(background)
	face := basicfont.Face7x13

	for i, ch := range w.panel.Channels() {
		top := float32(i*rowHeight + margin)

		vector.DrawFilledRect(screen, margin, top, lcdWidth, lcdHeight, lcdBacklight, false)
		op := &ebiten.DrawImageOptions{}
		op.GeoM.Scale(lcdScale, lcdScale)
		op.GeoM.Translate(margin+4, float64(top)+lcdHeight-8)
		op.ColorScale.ScaleWithColor(lcdGreen)
		text.DrawWithOptions(screen, frontpanel.FormatVolts(ch.Volts()), face, op)
		text.Draw(screen, "VOLTS", face, margin+lcdWidth+8, int(top)+lcdHeight/2+5, labelGray)

		bx, by := checkboxOrigin(i)
		if ch.Enabled {
			vector.DrawFilledRect(screen, float32(bx), float32(by), checkboxSize, checkboxSize, boxChecked, false)
		}
		vector.StrokeRect(screen, float32(bx), float32(by), checkboxSize, checkboxSize, 1, labelGray, false)
		text.Draw(screen, frontpanel.EnabledLabel(ch.Enabled), face, bx+checkboxSize+8, by+checkboxSize-2, labelGray)
	}

	if !w.panel.Connected() {
		_, height := w.size()
		text.Draw(screen, "DISCONNECTED", face, margin, height-6, warningRed)
	}
}

// Layout keeps a fixed logical size, scaled to the window.
func (w *Window) Layout(_, _ int) (int, int) {
	return w.size()
}

func (w *Window) size() (int, int) {
	return panelWidth, len(w.panel.Channels())*rowHeight + margin + statusHeight
}
