package server

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/epqis16/epqis16/pkg/instrument"
	"github.com/sirupsen/logrus"
)

var testLog *logrus.Logger

func init() {
	testLog = logrus.New()
	testLog.Out = io.Discard
	testLog.Level = logrus.DebugLevel
}

func pipeSession(t *testing.T) (*Session, net.Conn) {
	serverEnd, clientEnd := net.Pipe()
	conn := &Conn{Conn: serverEnd, RecvTimeout: 10 * time.Millisecond}
	s := startSession(context.Background(), conn, 0, testLog)
	t.Cleanup(func() {
		s.Stop()
		clientEnd.Close()
		s.Wait()
	})
	return s, clientEnd
}

func nextEvent(t *testing.T, s *Session) Event {
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatalf("Events closed; session error: %v", s.Wait())
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for an event")
	}
	return Event{}
}

func TestSessionForwardsLinesAndReplies(t *testing.T) {
	s, client := pipeSession(t)

	go client.Write([]byte("CH1 VOLTS?\n*ID"))
	if ev := nextEvent(t, s); string(ev.Line) != "CH1 VOLTS?" {
		t.Errorf("Wanted %q, got %q", "CH1 VOLTS?", ev.Line)
	}

	if !s.Reply([]byte("0\n")) {
		t.Fatalf("Reply refused by running session")
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(client)
	reply, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("Reading reply: %s", err)
	}
	if reply != "0\n" {
		t.Errorf("Wanted reply %q, got %q", "0\n", reply)
	}

	go client.Write([]byte("N?\n"))
	if ev := nextEvent(t, s); string(ev.Line) != "*IDN?" {
		t.Errorf("Wanted %q, got %q", "*IDN?", ev.Line)
	}
}

func TestSessionStop(t *testing.T) {
	s, _ := pipeSession(t)

	s.Stop()
	done := make(chan error)
	go func() { done <- s.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stopped session returned error: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Session did not stop")
	}

	if !s.Stopped() {
		t.Errorf("Stopped() is false after Wait returned")
	}
	if _, ok := <-s.Events(); ok {
		t.Errorf("Events not closed after session ended")
	}
	if s.Reply([]byte("late\n")) {
		t.Errorf("Reply accepted after session ended")
	}
}

func TestSessionPeerClosed(t *testing.T) {
	s, client := pipeSession(t)

	client.Close()
	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatalf("Unexpected event after the client closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Events not closed after the client closed")
	}

	// The session waits to be stopped, in case replies are still coming.
	if s.Stopped() {
		t.Errorf("Session ended before it was stopped")
	}
	s.Stop()
	if err := s.Wait(); err != ErrPeerClosed {
		t.Errorf("Wanted ErrPeerClosed, got %v", err)
	}
}

// tcpSession serves one loopback client, and returns the session with the client's end.
func tcpSession(t *testing.T) (*Session, *net.TCPConn) {
	srv := &Server{
		Addr:          "127.0.0.1:0",
		AcceptTimeout: 20 * time.Millisecond,
		RecvTimeout:   20 * time.Millisecond,
		MaxBuffered:   4096,
		Log:           testLog,
	}
	listener, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %s", err)
	}
	client, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	conn, err := listener.Accept(context.Background())
	if err != nil {
		t.Fatalf("Accept: %s", err)
	}
	s := srv.Serve(context.Background(), conn)
	t.Cleanup(func() {
		s.Stop()
		client.Close()
		s.Wait()
	})
	return s, client.(*net.TCPConn)
}

func TestSessionRepliesAfterHalfClose(t *testing.T) {
	s, client := tcpSession(t)
	inst, err := instrument.New("", 4)
	if err != nil {
		t.Fatalf("Cannot create instrument: %s", err)
	}

	if _, err := client.Write([]byte("CH3 VOLTS 250\nCH3 VOLTS?\n*IDN?\n")); err != nil {
		t.Fatalf("Write: %s", err)
	}
	if err := client.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %s", err)
	}

	// A slow front panel: lines are handled well after the client stopped sending.
	go func() {
		for ev := range s.Events() {
			time.Sleep(30 * time.Millisecond)
			if reply := inst.Dispatch(ev.Line); reply != nil {
				s.Reply(reply)
			}
		}
		s.Stop()
	}()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("Reading replies: %s", err)
	}
	if want := "250\n" + instrument.DefaultName + "\n"; string(got) != want {
		t.Errorf("Replies; wanted %q, got %q", want, got)
	}
	if err := s.Wait(); err != ErrPeerClosed {
		t.Errorf("Wanted ErrPeerClosed, got %v", err)
	}
}

func TestSessionStopsWhileClientNotReading(t *testing.T) {
	s, client := tcpSession(t)
	inst, err := instrument.New("", 4)
	if err != nil {
		t.Fatalf("Cannot create instrument: %s", err)
	}

	// The client sends queries as fast as it can, and never reads a reply.
	go func() {
		flood := bytes.Repeat([]byte("*IDN?\n"), 1000)
		for {
			if _, err := client.Write(flood); err != nil {
				return
			}
		}
	}()
	go func() {
		for ev := range s.Events() {
			if reply := inst.Dispatch(ev.Line); reply != nil {
				s.Reply(reply)
			}
		}
	}()

	time.Sleep(500 * time.Millisecond)
	stopped := make(chan error)
	go func() {
		s.Stop()
		stopped <- s.Wait()
	}()

	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stopped session returned error: %s", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Session did not stop while the client was not reading")
	}
}

func TestReplyDoesNotBlock(t *testing.T) {
	s, _ := pipeSession(t)

	// Nobody reads the client end of the pipe, so nothing is ever written.
	reply := bytes.Repeat([]byte("0"), 4096)
	dropped := make(chan int)
	go func() {
		n := 0
		for i := 0; i < 1000; i++ {
			if !s.Reply(reply) {
				n++
			}
		}
		dropped <- n
	}()

	select {
	case n := <-dropped:
		if n == 0 {
			t.Errorf("Wanted replies dropped for a client that is not reading")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Reply blocked on a client that is not reading")
	}
}

func TestListenerAcceptsOneClient(t *testing.T) {
	srv := &Server{
		Addr:          "127.0.0.1:0",
		AcceptTimeout: 20 * time.Millisecond,
		RecvTimeout:   20 * time.Millisecond,
		Log:           testLog,
	}
	listener, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %s", err)
	}

	type result struct {
		conn *Conn
		err  error
	}
	accepted := make(chan result)
	go func() {
		conn, err := listener.Accept(context.Background())
		accepted <- result{conn, err}
	}()

	// Let at least one accept timeout pass first.
	time.Sleep(50 * time.Millisecond)
	client, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	defer client.Close()

	res := <-accepted
	if res.err != nil {
		t.Fatalf("Accept: %s", res.err)
	}
	defer res.conn.Close()
	if res.conn.RecvTimeout != 20*time.Millisecond {
		t.Errorf("Wanted receive timeout 20ms, got %s", res.conn.RecvTimeout)
	}

	// The listening socket is not reused.
	if second, err := net.DialTimeout("tcp", listener.Addr().String(), time.Second); err == nil {
		second.Close()
		t.Errorf("Second client connected after the first was accepted")
	}
}

func TestListenerProgressAndCancel(t *testing.T) {
	var progress bytes.Buffer
	srv := &Server{
		Addr:          "127.0.0.1:0",
		AcceptTimeout: 10 * time.Millisecond,
		Progress:      &progress,
		Log:           testLog,
	}
	listener, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if _, err := listener.Accept(ctx); err == nil {
		t.Fatalf("Accept returned without a client")
	}
	if !bytes.Contains(progress.Bytes(), []byte(".")) {
		t.Errorf("No progress written while waiting; got %q", progress.String())
	}
}

func TestListenBindFailure(t *testing.T) {
	srv := &Server{Addr: "127.0.0.1:0", Log: testLog}
	first, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %s", err)
	}
	defer first.listener.Close()

	taken := &Server{Addr: first.Addr().String(), Log: testLog}
	if _, err := taken.Listen(); err == nil {
		t.Errorf("Expected an error binding to a port in use")
	}
}

// TestServeInstrument drives a session over TCP the way the front panel does.
func TestServeInstrument(t *testing.T) {
	srv := &Server{
		Addr:          "127.0.0.1:0",
		AcceptTimeout: 20 * time.Millisecond,
		RecvTimeout:   20 * time.Millisecond,
		Log:           testLog,
	}
	listener, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %s", err)
	}

	client, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn, err := listener.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %s", err)
	}
	session := srv.Serve(ctx, conn)

	inst, err := instrument.New("", 4)
	if err != nil {
		t.Fatalf("Cannot create instrument: %s", err)
	}
	go func() {
		for ev := range session.Events() {
			if reply := inst.Dispatch(ev.Line); reply != nil {
				session.Reply(reply)
			}
		}
	}()

	client.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Write([]byte("CH2 VOLTS 1500\nCH2 VOLTS?\nCH7 ENABLE?\nCH1 FROB\n*IDN?\n")); err != nil {
		t.Fatalf("Write: %s", err)
	}

	r := bufio.NewReader(client)
	for _, want := range []string{"1500\n", "ERR 1\n", "ERR 2\n", instrument.DefaultName + "\n"} {
		got, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("Reading reply: %s", err)
		}
		if got != want {
			t.Errorf("Wanted reply %q, got %q", want, got)
		}
	}

	ch, _ := inst.Channel(2)
	if ch.Volts() != 1.5 {
		t.Errorf("Channel 2 volts; wanted 1.5, got %v", ch.Volts())
	}

	session.Stop()
	if err := session.Wait(); err != nil {
		t.Errorf("Stopped session returned error: %s", err)
	}
}
