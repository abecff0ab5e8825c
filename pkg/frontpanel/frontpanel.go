// Copyright © 2026 The epqis16 developers
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package frontpanel owns the instrument state while a client is connected.
//
// A Panel is driven by one goroutine, the front panel loop (a window's update loop, or RunHeadless).
// Each Step takes the lines the session has received, dispatches them against the instrument,
// and hands replies back to the session. The session goroutine never touches the instrument.
package frontpanel

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/epqis16/epqis16/pkg/instrument"
	"github.com/epqis16/epqis16/pkg/server"
)

const (
	maxEventsPerStep = 64                    // Bounds the work done in one frame
	headlessTick     = 50 * time.Millisecond // How often RunHeadless steps the panel
)

// Session is the part of a server.Session used by the panel.
type Session interface {
	Events() <-chan server.Event
	Reply([]byte) bool
	Stop()
	Wait() error
}

// Panel binds an instrument to a client session.
type Panel struct {
	inst      *instrument.Instrument
	session   Session
	log       *logrus.Logger
	connected bool
	closed    bool
	closeErr  error
}

// New creates a panel serving inst to session.
func New(inst *instrument.Instrument, session Session, log *logrus.Logger) *Panel {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Panel{
		inst:      inst,
		session:   session,
		log:       log,
		connected: true,
	}
}

// Name gets the identification string of the instrument.
func (p *Panel) Name() string {
	return p.inst.Name()
}

// Channels returns the state to display.
func (p *Panel) Channels() []instrument.Channel {
	return p.inst.Snapshot()
}

// Connected returns false once the session has ended.
func (p *Panel) Connected() bool {
	return p.connected
}

// Step dispatches every command waiting from the session, without blocking.
// Once the client has stopped sending and every line is handled, Step stops the session.
// It returns true if any channel changed.
func (p *Panel) Step() bool {
	if !p.connected {
		return false
	}

	before := p.inst.Snapshot()
	for i := 0; i < maxEventsPerStep; i++ {
		select {
		case ev, ok := <-p.session.Events():
			if !ok {
				// Every line has been handled and its reply queued; the session can finish sending and end.
				p.connected = false
				p.session.Stop()
				p.log.Info("Client session ended")
				return p.logChanges(before)
			}
			p.handle(ev)
		default:
			return p.logChanges(before)
		}
	}
	return p.logChanges(before)
}

func (p *Panel) handle(ev server.Event) {
	reply := p.inst.Dispatch(ev.Line)
	if reply == nil {
		return
	}
	p.log.WithFields(logrus.Fields{
		"command": string(ev.Line),
		"reply":   string(reply[:len(reply)-1]),
	}).Debug("Replying")
	if !p.session.Reply(reply) {
		p.log.WithField("command", string(ev.Line)).Warn("Reply dropped; session ended or client not reading")
	}
}

// Toggle flips channel n's enable flag, as the operator clicking its checkbox.
func (p *Panel) Toggle(n int) error {
	before := p.inst.Snapshot()
	if err := p.inst.Toggle(n); err != nil {
		return err
	}
	p.logChanges(before)
	return nil
}

func (p *Panel) logChanges(before []instrument.Channel) bool {
	changed := false
	for _, ch := range p.inst.Snapshot() {
		if ch == before[ch.Index-1] {
			continue
		}
		changed = true
		p.log.WithFields(logrus.Fields{
			"channel": ch.Index,
			"volts":   ch.Volts(),
			"enabled": EnabledLabel(ch.Enabled),
		}).Info("Channel changed")
	}
	return changed
}

// Close stops the session and waits for it to finish.
// A client disconnecting is not an error.
func (p *Panel) Close() error {
	if p.closed {
		return p.closeErr
	}
	p.closed = true

	p.session.Stop()
	err := p.session.Wait()
	p.connected = false
	if err == server.ErrPeerClosed {
		err = nil
	}
	p.closeErr = err
	return err
}

// RunHeadless steps the panel until ctx is done or the client goes away,
// logging every change instead of drawing it.
func (p *Panel) RunHeadless(ctx context.Context) error {
	p.log.WithFields(logrus.Fields{
		"name":     p.Name(),
		"channels": p.inst.NumChannels(),
	}).Info("Front panel running headless")

	ticker := time.NewTicker(headlessTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Front panel closing")
			return p.Close()
		case <-ticker.C:
			p.Step()
			if !p.connected {
				return p.Close()
			}
		}
	}
}

// FormatVolts renders a voltage for the display, in volts.
func FormatVolts(v float64) string {
	return fmt.Sprintf("%8.3f", v)
}

// EnabledLabel returns the text shown beside a channel's enable checkbox.
func EnabledLabel(enabled bool) string {
	if enabled {
		return "ON"
	}
	return "OFF"
}
