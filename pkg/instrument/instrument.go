// Copyright © 2026 The epqis16 developers
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package instrument holds the state of the simulated power supply,
// and interprets the text commands that read and change it.
package instrument

import (
	"sync"

	"github.com/pkg/errors"
)

// DefaultName is the identification string returned by *IDN?.
const DefaultName = "EPQIS16 Demonstration Instrument"

// DefaultChannels is the number of output channels on a default instrument.
const DefaultChannels = 4

// Channel is one addressable output of the power supply.
type Channel struct {
	Index      int     `json:"index"` // 1-based, as on the wire
	Millivolts float64 `json:"millivolts"`
	Enabled    bool    `json:"enabled"`
}

// Volts returns the channel's voltage as shown on the front panel.
func (ch Channel) Volts() float64 {
	return ch.Millivolts / 1000
}

// Instrument Contains the state of every channel on the supply.
type Instrument struct {
	name     string
	lock     sync.RWMutex // Protects channels
	channels []Channel    // 0-based
}

// New creates an instrument with n channels, all at 0 V and disabled.
func New(name string, n int) (*Instrument, error) {
	if n < 1 {
		return nil, errors.Errorf("Instrument needs at least one channel; got %d", n)
	}
	if name == "" {
		name = DefaultName
	}

	inst := &Instrument{
		name:     name,
		channels: make([]Channel, n),
	}
	for i := range inst.channels {
		inst.channels[i].Index = i + 1
	}
	return inst, nil
}

// Name gets the identification string of this instrument.
func (inst *Instrument) Name() string {
	return inst.name
}

// NumChannels returns N, the fixed number of channels.
func (inst *Instrument) NumChannels() int {
	return len(inst.channels)
}

// Channel returns a copy of the channel at the 1-based index n.
func (inst *Instrument) Channel(n int) (Channel, bool) {
	inst.lock.RLock()
	defer inst.lock.RUnlock()

	if n < 1 || n > len(inst.channels) {
		return Channel{}, false
	}
	return inst.channels[n-1], true
}

// Snapshot copies the state of all channels.
func (inst *Instrument) Snapshot() []Channel {
	inst.lock.RLock()
	defer inst.lock.RUnlock()

	channels := make([]Channel, len(inst.channels))
	copy(channels, inst.channels)
	return channels
}

// SetMillivolts sets the voltage of channel n.
func (inst *Instrument) SetMillivolts(n int, mv float64) error {
	return inst.update(n, func(ch *Channel) { ch.Millivolts = mv })
}

// SetEnabled sets the enable flag of channel n.
func (inst *Instrument) SetEnabled(n int, enabled bool) error {
	return inst.update(n, func(ch *Channel) { ch.Enabled = enabled })
}

// Toggle flips the enable flag of channel n, as an operator clicking its checkbox would.
func (inst *Instrument) Toggle(n int) error {
	return inst.update(n, func(ch *Channel) { ch.Enabled = !ch.Enabled })
}

func (inst *Instrument) update(n int, f func(*Channel)) error {
	inst.lock.Lock()
	defer inst.lock.Unlock()

	if n < 1 || n > len(inst.channels) {
		return errors.Errorf("Channel %d out of range 1-%d", n, len(inst.channels))
	}
	f(&inst.channels[n-1])
	return nil
}
