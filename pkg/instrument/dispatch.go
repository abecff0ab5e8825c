// Copyright © 2026 The epqis16 developers
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package instrument

import (
	"fmt"
	"strconv"
	"strings"
)

// Error codes sent back to the client as "ERR <code>".
const (
	ErrBadChannel  = 1 // Channel index is not numeric, or out of range
	ErrBadCommand  = 2 // Second token is not a known command
	ErrBadArgument = 3 // Argument missing or malformed
)

// Command is one parsed line addressed to a channel.
type Command struct {
	Channel int      // 1-based index from the CH<n> token
	Name    string   // Second token, such as VOLTS?
	Args    []string // Remaining tokens
}

// CommandHandler handles a command addressed to a channel.
// It returns the reply, without a line terminator, or "" if there is none.
type CommandHandler interface {
	Handle(*Instrument, *Command) string
}

// CommandHandlerFunc is an adapter to use an ordinary function as a CommandHandler.
type CommandHandlerFunc func(*Instrument, *Command) string

// Handle calls f(inst, command)
func (f CommandHandlerFunc) Handle(inst *Instrument, command *Command) string {
	return f(inst, command)
}

// Commands maps the second token of a line to its handler.
var Commands = map[string]CommandHandler{
	"VOLTS?":  CommandHandlerFunc(cmdVoltsQuery),
	"VOLTS":   CommandHandlerFunc(cmdVolts),
	"ENABLE?": CommandHandlerFunc(cmdEnableQuery),
	"ENABLE":  CommandHandlerFunc(cmdEnable),
}

// ErrorReply formats an error code as sent to the client.
func ErrorReply(code int) string {
	return fmt.Sprintf("ERR %d", code)
}

// Dispatch interprets one line, which must already be stripped of its terminator,
// and returns the reply with a trailing newline.
// If the line warrants no reply, nil is returned.
func (inst *Instrument) Dispatch(line []byte) []byte {
	reply := inst.dispatch(string(line))
	if reply == "" {
		return nil
	}
	return []byte(reply + "\n")
}

func (inst *Instrument) dispatch(line string) string {
	args := strings.Split(strings.TrimSpace(line), " ")
	if args[0] == "" {
		return ""
	}

	if args[0] == "*IDN?" {
		return inst.name
	}

	// Channels are 1-indexed on the wire, 0-indexed in storage.
	if !strings.HasPrefix(args[0], "CH") {
		return ErrorReply(ErrBadChannel)
	}
	n, err := strconv.Atoi(args[0][2:])
	if err != nil || n < 1 || n > inst.NumChannels() {
		return ErrorReply(ErrBadChannel)
	}

	if len(args) < 2 {
		return ErrorReply(ErrBadCommand)
	}
	handler := Commands[args[1]]
	if handler == nil {
		return ErrorReply(ErrBadCommand)
	}

	return handler.Handle(inst, &Command{
		Channel: n,
		Name:    args[1],
		Args:    args[2:],
	})
}

// FormatMillivolts renders a voltage the way VOLTS? reports it.
func FormatMillivolts(mv float64) string {
	return strconv.FormatFloat(mv, 'g', -1, 64)
}

// cmdVoltsQuery reports the channel's voltage in millivolts.
func cmdVoltsQuery(inst *Instrument, command *Command) string {
	ch, ok := inst.Channel(command.Channel)
	if !ok {
		return ErrorReply(ErrBadChannel)
	}
	return FormatMillivolts(ch.Millivolts)
}

// cmdVolts takes millivolts, though the front panel shows volts.
func cmdVolts(inst *Instrument, command *Command) string {
	if len(command.Args) != 1 {
		return ErrorReply(ErrBadArgument)
	}
	mv, err := strconv.ParseFloat(command.Args[0], 64)
	if err != nil {
		return ErrorReply(ErrBadArgument)
	}
	if err := inst.SetMillivolts(command.Channel, mv); err != nil {
		return ErrorReply(ErrBadChannel)
	}
	return ""
}

func cmdEnableQuery(inst *Instrument, command *Command) string {
	ch, ok := inst.Channel(command.Channel)
	if !ok {
		return ErrorReply(ErrBadChannel)
	}
	if ch.Enabled {
		return "ON"
	}
	return "OFF"
}

func cmdEnable(inst *Instrument, command *Command) string {
	if len(command.Args) != 1 {
		return ErrorReply(ErrBadArgument)
	}
	var enabled bool
	switch command.Args[0] {
	case "ON":
		enabled = true
	case "OFF":
	default:
		return ErrorReply(ErrBadArgument)
	}
	if err := inst.SetEnabled(command.Channel, enabled); err != nil {
		return ErrorReply(ErrBadChannel)
	}
	return ""
}
