// Copyright © 2026 The epqis16 developers
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"bytes"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

const recvChunkSize = 1024 // Most bytes taken from the connection per Poll

var (
	// ErrPeerClosed is returned by Poll when the client closes its end of the connection.
	ErrPeerClosed = errors.New("Client disconnected")

	// ErrLineTooLong is returned by Poll when too many bytes arrive without a line terminator.
	ErrLineTooLong = errors.New("Line too long")
)

// deadlineReadWriter is the part of a net.Conn the framer needs.
type deadlineReadWriter interface {
	io.ReadWriter
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Framer turns the client's byte stream into lines, and queues replies for writing.
// A Framer is not safe for concurrent use; it belongs to one session goroutine.
type Framer struct {
	rw          deadlineReadWriter
	recvTimeout time.Duration
	maxBuffered int
	chunk       []byte
	recvBuf     []byte
	sendBuf     []byte
}

// NewFramer creates a framer reading from and writing to rw.
// Each Poll waits at most recvTimeout for data, and each Flush at most recvTimeout for the client to take it.
func NewFramer(rw deadlineReadWriter, recvTimeout time.Duration, maxBuffered int) *Framer {
	if recvTimeout <= 0 {
		recvTimeout = DefaultRecvTimeout
	}
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	return &Framer{
		rw:          rw,
		recvTimeout: recvTimeout,
		maxBuffered: maxBuffered,
		chunk:       make([]byte, recvChunkSize),
	}
}

// Poll reads what the client has sent, and returns every complete line now buffered,
// trimmed of surrounding whitespace.
// If no data arrives before the receive timeout, Poll returns no lines and no error.
// Bytes after the last terminator stay buffered for the next Poll.
func (f *Framer) Poll() ([][]byte, error) {
	f.rw.SetReadDeadline(time.Now().Add(f.recvTimeout))
	n, err := f.rw.Read(f.chunk)
	f.recvBuf = append(f.recvBuf, f.chunk[:n]...)

	switch {
	case err == nil, isTimeout(err):
	case err == io.EOF:
		return f.lines(), ErrPeerClosed
	default:
		return f.lines(), errors.Wrap(err, "Receive")
	}

	lines := f.lines()
	if len(f.recvBuf) > f.maxBuffered {
		return lines, ErrLineTooLong
	}
	return lines, nil
}

// lines removes every complete line from the receive buffer.
func (f *Framer) lines() [][]byte {
	var lines [][]byte
	for {
		i := bytes.IndexByte(f.recvBuf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(f.recvBuf[:i])
		lines = append(lines, append([]byte(nil), line...))
		f.recvBuf = f.recvBuf[i+1:]
	}

	// Drop the consumed prefix so the buffer does not pin old memory.
	if len(f.recvBuf) == 0 {
		f.recvBuf = nil
	}
	return lines
}

// Buffered returns the number of received bytes waiting for a terminator.
func (f *Framer) Buffered() int {
	return len(f.recvBuf)
}

// Send queues b to be written by the next Flush.
func (f *Framer) Send(b []byte) {
	f.sendBuf = append(f.sendBuf, b...)
}

// Pending returns the number of bytes waiting to be flushed.
func (f *Framer) Pending() int {
	return len(f.sendBuf)
}

// Flush writes what it can of the bytes queued by Send.
// Short writes are retried from where they stopped.
// If the client stops reading, Flush gives up after the receive timeout without an error,
// and the unsent bytes stay queued for the next Flush.
func (f *Framer) Flush() error {
	if len(f.sendBuf) == 0 {
		return nil
	}
	f.rw.SetWriteDeadline(time.Now().Add(f.recvTimeout))
	n, err := writeAll(f.rw, f.sendBuf)
	f.sendBuf = append(f.sendBuf[:0], f.sendBuf[n:]...)

	switch {
	case err == nil, isTimeout(err):
		return nil
	default:
		return errors.Wrap(err, "Send")
	}
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

// writeAll returns how many bytes of b were written before any error.
func writeAll(w io.Writer, b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := w.Write(b[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}
