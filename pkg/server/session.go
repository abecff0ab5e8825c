// Copyright © 2026 The epqis16 developers
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Event carries one line received from the client, without its terminator.
type Event struct {
	Line []byte
}

// Session moves lines from the client to Events, and replies from Reply back to the client.
// It runs on its own goroutine, so waiting on the network never stalls the front panel.
// The session never interprets lines itself.
type Session struct {
	conn        *Conn
	framer      *Framer
	events      chan Event
	closeEvents sync.Once
	replies     chan []byte
	dropped     atomic.Int64 // Replies refused because the client was not reading
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{} // Closed when the session goroutine returns
	err         error         // Why the session ended; only read after done is closed
	log         *logrus.Logger
}

func startSession(ctx context.Context, conn *Conn, maxBuffered int, log *logrus.Logger) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		conn:    conn,
		framer:  NewFramer(conn, conn.RecvTimeout, maxBuffered),
		events:  make(chan Event, eventBuffSize),
		replies: make(chan []byte, replyBuffSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     log,
	}

	go s.run()
	return s
}

// Events delivers lines in the order they were received.
// It is closed once the client has stopped sending, or the session has ended.
// Replies to lines already delivered are still sent until Stop is called.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Reply queues b to be written to the client, without blocking.
// It returns false if the session has ended,
// or if the client has fallen so far behind that b was dropped.
func (s *Session) Reply(b []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.replies <- b:
		// Cut the current read short so the reply goes out now.
		s.conn.SetReadDeadline(time.Now())
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Stop asks the session to end, interrupting any read or write in progress.
// Replies already queued get one last bounded attempt to be sent.
func (s *Session) Stop() {
	s.cancel()
	s.conn.SetDeadline(time.Now())
}

// Stopped returns true if the session has ended.
func (s *Session) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait waits for the session goroutine to return.
// The error is nil if the session was stopped,
// ErrPeerClosed if the client disconnected,
// or the I/O error that ended it.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

func (s *Session) run() {
	defer close(s.done)
	defer s.closeEvents.Do(func() { close(s.events) })
	defer s.conn.Close()

	s.log.Debug("Starting session")
	s.err = s.loop()

	entry := s.log.WithFields(logrus.Fields{
		"unsent_bytes":    s.framer.Pending(),
		"unread_bytes":    s.framer.Buffered(),
		"dropped_replies": s.dropped.Load(),
	})
	switch s.err {
	case nil:
		entry.Info("Session stopped")
	case ErrPeerClosed:
		entry.Info("Client disconnected")
	default:
		entry.WithField("error", s.err).Error("Session failed")
	}
}

// loop repeats poll, forward, flush until the session is stopped or fails.
func (s *Session) loop() error {
	for {
		if s.ctx.Err() != nil {
			s.finish()
			return nil
		}

		lines, pollErr := s.framer.Poll()
		for _, line := range lines {
			if !s.forward(line) {
				s.finish()
				return nil
			}
		}
		if pollErr == ErrPeerClosed {
			return s.linger()
		}
		if pollErr != nil {
			return pollErr
		}

		s.drainReplies()
		if err := s.framer.Flush(); err != nil {
			return err
		}
	}
}

// linger runs after the client has stopped sending.
// The front panel may still be working through lines already forwarded,
// so replies keep going out until the session is stopped.
func (s *Session) linger() error {
	s.closeEvents.Do(func() { close(s.events) })

	ticker := time.NewTicker(s.conn.RecvTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.finish()
			return ErrPeerClosed
		case reply := <-s.queuedReplies():
			s.framer.Send(reply)
			s.drainReplies()
		case <-ticker.C:
		}

		if err := s.framer.Flush(); err != nil {
			// A client that closed both directions cannot take its replies.
			s.log.WithField("error", err).Debug("Replies after disconnect not sent")
			return ErrPeerClosed
		}
	}
}

// finish makes one last bounded attempt to send queued replies.
func (s *Session) finish() {
	s.drainReplies()
	if err := s.framer.Flush(); err != nil {
		s.log.WithField("error", err).Debug("Final replies not sent")
	}
}

// forward hands one line to the front panel.
// Replies are accepted while waiting, so a busy panel and a busy client cannot block each other.
func (s *Session) forward(line []byte) bool {
	s.log.WithField("line", string(line)).Debug("Received command")
	for {
		select {
		case s.events <- Event{Line: line}:
			return true
		case reply := <-s.queuedReplies():
			s.framer.Send(reply)
		case <-s.ctx.Done():
			return false
		}
	}
}

// queuedReplies returns the reply channel, or nil once too many bytes are waiting for the client.
// Replies left in the channel then fill it, and Reply starts dropping them.
func (s *Session) queuedReplies() <-chan []byte {
	if s.framer.Pending() >= s.framer.maxBuffered {
		return nil
	}
	return s.replies
}

func (s *Session) drainReplies() {
	for {
		select {
		case reply := <-s.queuedReplies():
			s.framer.Send(reply)
		default:
			return
		}
	}
}
