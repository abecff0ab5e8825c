// Copyright © 2026 The epqis16 developers
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package driver controls an EPQIS16 demonstration instrument over its text protocol.
//
// Voltages are given and returned in volts; the wire carries millivolts.
// Channels are numbered from 1, as on the instrument.
//
//	supply, err := driver.Dial(ctx, "localhost:8042")
//	ch, err := supply.Channel(1)
//	err = ch.SetVoltage(10)
package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/epqis16/epqis16/pkg/instrument"
)

// DefaultTimeout bounds each query when the transport supports deadlines.
const DefaultTimeout = 5 * time.Second

// syncQuery follows each set command; its reply marks where the set command's reply, if any, ends.
const syncQuery = "*IDN?"

// ErrUnsupported is returned for properties the instrument does not have.
var ErrUnsupported = errors.New("This instrument does not support querying or setting the output current or mode")

// InstrumentError is an "ERR <code>" reply.
type InstrumentError struct {
	Command string
	Code    int
}

func (e *InstrumentError) Error() string {
	var reason string
	switch e.Code {
	case instrument.ErrBadChannel:
		reason = "channel out of range"
	case instrument.ErrBadCommand:
		reason = "unknown command"
	case instrument.ErrBadArgument:
		reason = "bad argument"
	default:
		reason = "unknown error"
	}
	return fmt.Sprintf("%q: instrument returned ERR %d (%s)", e.Command, e.Code, reason)
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Supply is a connection to the instrument.
// It is safe for concurrent use; commands are serialized.
type Supply struct {
	lock     sync.Mutex // Serializes command/reply exchanges
	rw       io.ReadWriter
	r        *bufio.Reader
	channels int
	timeout  time.Duration
	debug    func(string)
}

// Option configures a Supply.
type Option func(*Supply)

// WithChannels sets the number of channels the instrument was started with.
func WithChannels(n int) Option { return func(s *Supply) { s.channels = n } }

// WithTimeout sets how long to wait for each reply.
func WithTimeout(d time.Duration) Option { return func(s *Supply) { s.timeout = d } }

// WithDebug calls f with every line sent and received.
func WithDebug(f func(string)) Option { return func(s *Supply) { s.debug = f } }

// New wraps rw, which must already be connected to the instrument.
func New(rw io.ReadWriter, opts ...Option) *Supply {
	s := &Supply{
		rw:       rw,
		r:        bufio.NewReader(rw),
		channels: instrument.DefaultChannels,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to an instrument at addr (host:port).
func Dial(ctx context.Context, addr string, opts ...Option) (*Supply, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "Connect to instrument")
	}
	return New(conn, opts...), nil
}

// Close closes the connection, if it can be closed.
func (s *Supply) Close() error {
	if c, ok := s.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ChannelCount returns the number of channels this driver addresses.
func (s *Supply) ChannelCount() int {
	return s.channels
}

// SendCommand sends a command that has no reply.
// The instrument only answers a set command when it fails,
// so *IDN? follows every command to find out which happened
// and keep the next reply in step.
func (s *Supply) SendCommand(cmd string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.setDeadline()
	if err := s.send(cmd); err != nil {
		return err
	}
	if err := s.send(syncQuery); err != nil {
		return err
	}

	line, err := s.readReply(cmd)
	if err != nil {
		return err
	}
	if !isErrorReply(line) {
		return nil
	}

	// The error came first; its *IDN? reply is still to be read.
	if _, err := s.readReply(syncQuery); err != nil {
		return err
	}
	return replyError(cmd, line)
}

// Query sends cmd and returns the reply line, without its terminator.
func (s *Supply) Query(cmd string) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.setDeadline()
	if err := s.send(cmd); err != nil {
		return "", err
	}

	line, err := s.readReply(cmd)
	if err != nil {
		return "", err
	}
	if isErrorReply(line) {
		return "", replyError(cmd, line)
	}
	return line, nil
}

func (s *Supply) readReply(cmd string) (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		return "", errors.Wrapf(err, "Read reply to %q", cmd)
	}
	line = strings.TrimSpace(line)
	if s.debug != nil {
		s.debug("< " + line)
	}
	return line, nil
}

func isErrorReply(line string) bool {
	return strings.HasPrefix(line, "ERR ")
}

// replyError turns an "ERR <code>" reply to cmd into an *InstrumentError.
func replyError(cmd, line string) error {
	code, err := strconv.Atoi(strings.TrimPrefix(line, "ERR "))
	if err != nil {
		return errors.Errorf("%q: malformed error reply %q", cmd, line)
	}
	return &InstrumentError{Command: cmd, Code: code}
}

func (s *Supply) send(cmd string) error {
	if s.debug != nil {
		s.debug("> " + cmd)
	}
	if _, err := io.WriteString(s.rw, cmd+"\n"); err != nil {
		return errors.Wrapf(err, "Send %q", cmd)
	}
	return nil
}

func (s *Supply) setDeadline() {
	if d, ok := s.rw.(deadliner); ok && s.timeout > 0 {
		d.SetDeadline(time.Now().Add(s.timeout))
	}
}

// IDN returns the instrument's identification string.
func (s *Supply) IDN() (string, error) {
	return s.Query("*IDN?")
}

// Channel gets channel n, counting from 1.
func (s *Supply) Channel(n int) (*Channel, error) {
	if n < 1 || n > s.channels {
		return nil, errors.Errorf("Channel %d out of range 1-%d", n, s.channels)
	}
	return &Channel{supply: s, idx: n}, nil
}

// Voltages gets the voltage of every channel, in volts.
func (s *Supply) Voltages() ([]float64, error) {
	volts := make([]float64, 0, s.channels)
	for n := 1; n <= s.channels; n++ {
		v, err := (&Channel{supply: s, idx: n}).Voltage()
		if err != nil {
			return nil, err
		}
		volts = append(volts, v)
	}
	return volts, nil
}

// SetVoltages sets every channel.
// Given one value, every channel is set to it;
// otherwise there must be one value per channel.
func (s *Supply) SetVoltages(volts ...float64) error {
	switch len(volts) {
	case 1:
		v := volts[0]
		volts = make([]float64, s.channels)
		for i := range volts {
			volts[i] = v
		}
	case s.channels:
	default:
		return errors.Errorf("When setting the voltage of all channels, give one value or %d; got %d", s.channels, len(volts))
	}

	for i, v := range volts {
		if err := (&Channel{supply: s, idx: i + 1}).SetVoltage(v); err != nil {
			return err
		}
	}
	return nil
}

// Current is not supported by this instrument.
func (s *Supply) Current() ([]float64, error) {
	return nil, ErrUnsupported
}

// Channel is one output of the supply.
type Channel struct {
	supply *Supply
	idx    int
}

// Index returns the 1-based channel number.
func (c *Channel) Index() int {
	return c.idx
}

func (c *Channel) command(cmd string) string {
	return fmt.Sprintf("CH%d %s", c.idx, cmd)
}

// Voltage gets the channel's voltage, in volts.
func (c *Channel) Voltage() (float64, error) {
	reply, err := c.supply.Query(c.command("VOLTS?"))
	if err != nil {
		return 0, err
	}
	mv, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "Channel %d voltage", c.idx)
	}
	return mv / 1000, nil
}

// SetVoltage sets the channel's voltage, in volts.
func (c *Channel) SetVoltage(volts float64) error {
	mv := strconv.FormatFloat(volts*1000, 'f', -1, 64)
	return c.supply.SendCommand(c.command("VOLTS " + mv))
}

// Output reports whether the channel is enabled.
func (c *Channel) Output() (bool, error) {
	reply, err := c.supply.Query(c.command("ENABLE?"))
	if err != nil {
		return false, err
	}
	switch reply {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return false, errors.Errorf("Channel %d output: unexpected reply %q", c.idx, reply)
}

// SetOutput enables or disables the channel.
func (c *Channel) SetOutput(on bool) error {
	if on {
		return c.supply.SendCommand(c.command("ENABLE ON"))
	}
	return c.supply.SendCommand(c.command("ENABLE OFF"))
}

// Current is not supported by this instrument.
func (c *Channel) Current() (float64, error) {
	return 0, ErrUnsupported
}

// SetCurrent is not supported by this instrument.
func (c *Channel) SetCurrent(float64) error {
	return ErrUnsupported
}

// Mode is not supported by this instrument.
func (c *Channel) Mode() (string, error) {
	return "", ErrUnsupported
}
