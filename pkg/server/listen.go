// Copyright © 2026 The epqis16 developers
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Conn is the one accepted client connection.
// Every read is bounded by RecvTimeout.
type Conn struct {
	net.Conn
	RecvTimeout time.Duration
}

// Listener waits for the single client of a run.
type Listener struct {
	srv      *Server
	listener *net.TCPListener
}

// Listen binds to srv.Addr.
func (srv *Server) Listen() (*Listener, error) {
	listener, err := net.Listen("tcp", srv.addr())
	if err != nil {
		return nil, errors.Wrap(err, "Listen")
	}
	tcpListener, ok := listener.(*net.TCPListener)
	if !ok {
		listener.Close()
		return nil, errors.Errorf("Listen: unexpected listener type %T", listener)
	}

	srv.logger().WithFields(logrus.Fields{
		"addr": tcpListener.Addr().String(),
	}).Info("Listening for incoming connections")
	return &Listener{srv: srv, listener: tcpListener}, nil
}

// Addr returns the address being listened on.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Accept waits for one client, checking ctx every AcceptTimeout.
// The listener is closed when Accept returns; it is never reused.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	defer l.listener.Close()
	log := l.srv.logger()
	timeout := l.srv.acceptTimeout()

	log.WithFields(logrus.Fields{
		"addr": l.listener.Addr().String(),
	}).Info("Waiting for a connection")

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "Accept")
		}

		if err := l.listener.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, errors.Wrap(err, "Accept")
		}
		conn, err := l.listener.AcceptTCP()
		if err != nil {
			if isTimeout(err) {
				l.progress()
				continue
			}
			return nil, errors.Wrap(err, "Accept")
		}

		if err := conn.SetKeepAlive(true); err != nil {
			log.WithField("error", err).Debug("Cannot enable keepalive")
		} else if err := conn.SetKeepAlivePeriod(15 * time.Second); err != nil {
			log.WithField("error", err).Debug("Cannot set keepalive period")
		}
		if l.srv.Progress != nil {
			l.srv.Progress.Write([]byte("\n"))
		}
		log.WithFields(logrus.Fields{
			"remote": conn.RemoteAddr().String(),
		}).Info("Client connected")

		return &Conn{
			Conn:        conn,
			RecvTimeout: l.srv.recvTimeout(),
		}, nil
	}
}

func (l *Listener) progress() {
	if l.srv.Progress != nil {
		l.srv.Progress.Write([]byte("."))
		return
	}
	l.srv.logger().Debug("Still waiting for a connection")
}
