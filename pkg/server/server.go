// Copyright © 2026 The epqis16 developers
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package server accepts the single client of the demonstration instrument,
// and frames the text commands it sends.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults used when the corresponding Server field is zero.
const (
	DefaultPort          = 8042
	DefaultAcceptTimeout = time.Second
	DefaultRecvTimeout   = 200 * time.Millisecond
	DefaultMaxBuffered   = 64 * 1024
	eventBuffSize        = 64  // Buffer size of channel carrying commands to the front panel
	replyBuffSize        = 256 // Buffer size of channel carrying replies back to the client; Reply drops when full
)

// Server Contains the settings for accepting and serving one client.
type Server struct {
	// Addr is the host:port to listen on. Leave host empty to bind to all interfaces.
	// If empty, ":8042" is used.
	Addr string

	// AcceptTimeout is how long to wait for a client before printing progress and trying again.
	AcceptTimeout time.Duration

	// RecvTimeout bounds every read from the client, so the session can notice it was stopped.
	RecvTimeout time.Duration

	// MaxBuffered limits how many bytes may accumulate without a line terminator.
	MaxBuffered int

	// Progress receives a "." every AcceptTimeout while waiting for a client.
	// If nil, progress is only logged.
	Progress io.Writer

	Log *logrus.Logger
}

func (srv *Server) addr() string {
	if srv.Addr == "" {
		return fmt.Sprintf(":%d", DefaultPort)
	}
	return srv.Addr
}

func (srv *Server) acceptTimeout() time.Duration {
	if srv.AcceptTimeout <= 0 {
		return DefaultAcceptTimeout
	}
	return srv.AcceptTimeout
}

func (srv *Server) recvTimeout() time.Duration {
	if srv.RecvTimeout <= 0 {
		return DefaultRecvTimeout
	}
	return srv.RecvTimeout
}

func (srv *Server) maxBuffered() int {
	if srv.MaxBuffered <= 0 {
		return DefaultMaxBuffered
	}
	return srv.MaxBuffered
}

func (srv *Server) logger() *logrus.Logger {
	if srv.Log == nil {
		return logrus.StandardLogger()
	}
	return srv.Log
}

// ListenAndAccept listens on srv.Addr, and waits for exactly one client.
func (srv *Server) ListenAndAccept(ctx context.Context) (*Conn, error) {
	listener, err := srv.Listen()
	if err != nil {
		return nil, err
	}
	return listener.Accept(ctx)
}

// Serve starts a session for conn.
// The session runs on its own goroutine until it is stopped, or the client disconnects.
func (srv *Server) Serve(ctx context.Context, conn *Conn) *Session {
	srv.logger().WithFields(logrus.Fields{
		"remote":       getHostFromAddrIfPossible(conn.RemoteAddr()),
		"recv_timeout": conn.RecvTimeout,
	}).Info("Serving client")

	return startSession(ctx, conn, srv.maxBuffered(), srv.logger())
}

// getHostFromAddrIfPossible tries to get the reverse dns host for an address.
// If that isn't possible, it just returns the address.
func getHostFromAddrIfPossible(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}

	var hosts string
	names, err := net.LookupAddr(host)
	if err == nil { // No need to report errors; just fallback to IP
		hosts = strings.Join(names, ", ")
	}

	if hosts == "" {
		return host
	}

	return fmt.Sprintf("%s (%s)", hosts, host)
}
