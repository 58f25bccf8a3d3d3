package toc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"tocclient/internal/flap"
)

const (
	acceptTimeout = 2 * time.Second
	frameTimeout  = 2 * time.Second
	eventTimeout  = 2 * time.Second
)

// fakeServer is a scripted TOC server on a loopback port. Each test drives
// the server side of the conversation from its own goroutine.
type fakeServer struct {
	t     *testing.T
	ln    net.Listener
	conns chan net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not start fake server: %v", err)
	}

	s := &fakeServer{t: t, ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				close(s.conns)
				return
			}
			s.conns <- nc
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) config(v ProtocolVersion) Config {
	addr := s.ln.Addr().(*net.TCPAddr)
	return Config{
		TocHost:  "127.0.0.1",
		TocPort:  addr.Port,
		AuthHost: "auth.example",
		AuthPort: 5190,
		Protocol: v,
		Throttle: 20 * time.Millisecond,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (s *fakeServer) accept() *serverConn {
	s.t.Helper()
	select {
	case nc, ok := <-s.conns:
		if !ok {
			s.t.Fatal("listener closed before a client connected")
		}
		s.t.Cleanup(func() { nc.Close() })
		return &serverConn{t: s.t, nc: nc, r: bufio.NewReader(nc)}
	case <-time.After(acceptTimeout):
		s.t.Fatal("no client connected")
	}
	return nil
}

type serverConn struct {
	t   *testing.T
	nc  net.Conn
	r   *bufio.Reader
	seq uint16
}

func (c *serverConn) send(payload string) {
	c.t.Helper()
	c.write(c.frame(flap.FrameData, payload))
}

func (c *serverConn) frame(frameType flap.FrameType, payload string) []byte {
	c.t.Helper()
	c.seq++
	frame, err := flap.Encode(frameType, c.seq, payload)
	if err != nil {
		c.t.Fatalf("encode failed: %v", err)
	}
	return frame
}

func (c *serverConn) write(raw []byte) {
	c.t.Helper()
	if _, err := c.nc.Write(raw); err != nil {
		c.t.Fatalf("server write failed: %v", err)
	}
}

func (c *serverConn) readFrame() *flap.Frame {
	c.t.Helper()
	c.nc.SetReadDeadline(time.Now().Add(frameTimeout))
	frame, err := flap.ReadFrame(c.r)
	if err != nil {
		c.t.Fatalf("server read failed: %v", err)
	}
	return frame
}

func (c *serverConn) expectData(want string) {
	c.t.Helper()
	frame := c.readFrame()
	if frame.Type != flap.FrameData {
		c.t.Fatalf("got %s frame, want data", frame.Type)
	}
	if got := frame.Text(); got != want {
		c.t.Fatalf("got command %q, want %q", got, want)
	}
}

// handshake plays the server side of a signon up to, but not including,
// the reply to toc2_signon. It returns the sequence number of the client's
// SignOn frame.
func (c *serverConn) handshake(screenName, password string) uint16 {
	c.t.Helper()

	c.nc.SetReadDeadline(time.Now().Add(frameTimeout))
	preamble := make([]byte, len(flapOn))
	if _, err := io.ReadFull(c.r, preamble); err != nil {
		c.t.Fatalf("reading preamble: %v", err)
	}
	if string(preamble) != flapOn {
		c.t.Fatalf("preamble = %q, want %q", preamble, flapOn)
	}

	c.write(c.frame(flap.FrameSignOn, "\x00\x00\x00"))

	signon := c.readFrame()
	if signon.Type != flap.FrameSignOn {
		c.t.Fatalf("got %s frame, want signon", signon.Type)
	}
	wantFrame, err := flap.EncodeSignOn(signon.Sequence, Normalize(screenName))
	if err != nil {
		c.t.Fatal(err)
	}
	wantBody := wantFrame[flap.HeaderLen:]
	if !bytes.Equal(signon.Payload, wantBody) {
		c.t.Fatalf("signon body = % x, want % x", signon.Payload, wantBody)
	}

	auth := c.readFrame()
	if auth.Sequence != signon.Sequence+1 {
		c.t.Errorf("auth frame sequence = %d, want %d", auth.Sequence, signon.Sequence+1)
	}
	name := Normalize(screenName)
	want := "toc2_signon auth.example 5190 " + name + " " + RoastPassword(password) +
		` english "TIC:Fluent.Toc" 160 ` + strconv.Itoa(AuthCode(name, password))
	if got := auth.Text(); got != want {
		c.t.Fatalf("signon command = %q, want %q", got, want)
	}
	return signon.Sequence
}

// acceptSignOn answers toc2_signon and reads the session setup commands.
func (c *serverConn) acceptSignOn(screenName string, caps string) {
	c.t.Helper()
	c.send("SIGN_ON:TOC2.0")
	c.expectData("toc_add_buddy " + Normalize(screenName))
	c.expectData("toc_init_done")
	if caps != "" {
		c.expectData(caps)
	}
}

type events struct {
	messages   chan Message
	errors     chan *ErrorRecord
	configs    chan struct{}
	updates    chan Buddy
	disconnect chan error
}

func newEvents() *events {
	return &events{
		messages:   make(chan Message, 8),
		errors:     make(chan *ErrorRecord, 8),
		configs:    make(chan struct{}, 8),
		updates:    make(chan Buddy, 8),
		disconnect: make(chan error, 8),
	}
}

func (e *events) handlers() Handlers {
	return Handlers{
		Message:     func(m Message) { e.messages <- m },
		Error:       func(r *ErrorRecord) { e.errors <- r },
		Config:      func() { e.configs <- struct{}{} },
		BuddyUpdate: func(b Buddy) { e.updates <- b },
		Disconnect:  func(err error) { e.disconnect <- err },
	}
}

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(eventTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func signOnAsync(c *Client, screenName, password string) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- c.SignOn(context.Background(), screenName, password)
	}()
	return done
}

func TestSignOnAndListen(t *testing.T) {
	srv := newFakeServer(t)
	ev := newEvents()
	client := NewClient(srv.config(TOCv2), ev.handlers())
	client.Capabilities().Add(Voice)

	done := signOnAsync(client, "Big Bob", "secret")
	sc := srv.accept()
	sc.handshake("Big Bob", "secret")
	sc.acceptSignOn("Big Bob", "toc_set_caps "+Voice.UUID)

	if err := receive(t, done, "signon"); err != nil {
		t.Fatalf("SignOn failed: %v", err)
	}
	if !client.Connected() || client.ScreenName() != "Big Bob" {
		t.Fatalf("state = %v, screen name = %q", client.State(), client.ScreenName())
	}

	if err := client.StartListening(); err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}
	if err := client.StartListening(); err != nil {
		t.Fatalf("second StartListening failed: %v", err)
	}

	// Roster entries from CONFIG2 are already known to the server, but
	// the client mirrors each one while connected.
	sc.send("CONFIG2:g:Friends\nb:alice\nb:carol:Carol\n")
	receive(t, ev.configs, "config")
	sc.expectData("toc2_new_buddies {g:Friends\nb:alice}")
	sc.expectData("toc2_new_buddies {g:Friends\nb:carol}")
	if client.Roster().Len() != 2 {
		t.Fatalf("roster has %d buddies, want 2", client.Roster().Len())
	}

	sc.send("UPDATE_BUDDY2:Alice:T:0:1000:0: O")
	b := receive(t, ev.updates, "buddy update")
	if !b.Online || b.Group != "Friends" || !b.SignOnTime.Equal(time.Unix(1000, 0)) {
		t.Errorf("updated buddy = %+v", b)
	}

	sc.send("IM_IN2:alice:F:F:hello <b>bob</b>")
	msg := receive(t, ev.messages, "message")
	if msg.From != "alice" || msg.Text != "hello <b>bob</b>" || msg.AutoResponse {
		t.Errorf("message = %+v", msg)
	}

	sc.send("ERROR:901:carol")
	record := receive(t, ev.errors, "error")
	if record.Code != 901 || record.Message != "carol is not currently available." {
		t.Errorf("error record = %+v", record)
	}

	client.StopListening()
	client.StopListening()
	if client.Listening() {
		t.Error("listener still running after StopListening")
	}
	select {
	case err := <-ev.disconnect:
		t.Fatalf("unexpected disconnect: %v", err)
	default:
	}

	// The connection survives StopListening.
	if err := client.Send(context.Background(), "Alice", `say "hi"`, false); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sc.expectData(`toc_send_im alice "say \"hi\""`)

	if err := client.SignOff(); err != nil {
		t.Fatalf("SignOff failed: %v", err)
	}
	if client.State() != Disconnected {
		t.Errorf("state after SignOff = %v", client.State())
	}
	if client.Roster().Len() != 2 {
		t.Error("roster did not survive SignOff")
	}
}

func TestServerCloseNotifiesOnce(t *testing.T) {
	srv := newFakeServer(t)
	ev := newEvents()
	client := NewClient(srv.config(TOCv1), ev.handlers())

	done := signOnAsync(client, "bob", "pw")
	sc := srv.accept()
	sc.handshake("bob", "pw")
	sc.acceptSignOn("bob", "")
	if err := receive(t, done, "signon"); err != nil {
		t.Fatal(err)
	}
	if err := client.StartListening(); err != nil {
		t.Fatal(err)
	}

	sc.nc.Close()
	err := receive(t, ev.disconnect, "disconnect")
	if !errors.Is(err, flap.ErrClosed) {
		t.Errorf("disconnect error = %v, want flap.ErrClosed", err)
	}

	time.Sleep(50 * time.Millisecond)
	if len(ev.disconnect) != 0 {
		t.Error("disconnect notified more than once")
	}
	if client.Connected() {
		t.Error("client still connected after the server closed")
	}
	if err := client.Send(context.Background(), "x", "y", false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after disconnect = %v, want ErrNotConnected", err)
	}
	client.StopListening()
}

func TestFatalErrorEndsListener(t *testing.T) {
	srv := newFakeServer(t)
	ev := newEvents()
	client := NewClient(srv.config(TOCv2), ev.handlers())

	done := signOnAsync(client, "bob", "pw")
	sc := srv.accept()
	sc.handshake("bob", "pw")
	sc.acceptSignOn("bob", "")
	if err := receive(t, done, "signon"); err != nil {
		t.Fatal(err)
	}
	client.StartListening()

	sc.send("ERROR:777:what")
	err := receive(t, ev.disconnect, "disconnect")
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Errorf("disconnect error = %v, want *ProtocolError", err)
	}
	if client.Connected() {
		t.Error("client still connected after a fatal error")
	}
}

func TestSignOnRejected(t *testing.T) {
	srv := newFakeServer(t)
	client := NewClient(srv.config(TOCv2), Handlers{})

	done := signOnAsync(client, "bob", "wrong")
	sc := srv.accept()
	sc.handshake("bob", "wrong")
	sc.send("ERROR:980:")

	err := receive(t, done, "signon")
	var signon *SignonError
	if !errors.As(err, &signon) {
		t.Fatalf("SignOn error = %v, want *SignonError", err)
	}
	if signon.Code != 980 {
		t.Errorf("code = %d, want 980", signon.Code)
	}
	if client.State() != Disconnected {
		t.Errorf("state = %v, want disconnected", client.State())
	}
	if err := client.StartListening(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartListening = %v, want ErrNotConnected", err)
	}
}

func TestSignOnCancelled(t *testing.T) {
	srv := newFakeServer(t)
	client := NewClient(srv.config(TOCv2), Handlers{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.SignOn(ctx, "bob", "pw") }()

	// Accept but never answer the preamble.
	srv.accept()
	cancel()

	err := receive(t, done, "signon")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("SignOn error = %v, want context.Canceled", err)
	}
}

func TestSignOnValidation(t *testing.T) {
	client := NewClient(Config{}, Handlers{})
	if err := client.SignOn(context.Background(), " ", "pw"); err == nil {
		t.Error("SignOn accepted an empty screen name")
	}
	if err := client.SignOn(context.Background(), "bob", ""); err == nil {
		t.Error("SignOn accepted an empty password")
	}
}

func TestRosterSyncWhenConnected(t *testing.T) {
	tests := []struct {
		version    ProtocolVersion
		wantAdd    string
		wantRemove string
		wantSend   string
	}{
		{TOCv1, "toc_add_buddy mrx", "toc_remove_buddy mrx", `toc_send_im2 mrx "hi" auto`},
		{TOCv2, "toc2_new_buddies {g:Pals\nb:Mr X}", "toc2_remove_buddy mrx Pals", `toc_send_im mrx "hi" auto`},
	}

	for _, tt := range tests {
		t.Run(tt.version.String(), func(t *testing.T) {
			srv := newFakeServer(t)
			client := NewClient(srv.config(tt.version), Handlers{})

			// Offline changes are local only.
			if err := client.Roster().Add(NewBuddy("offline", "Pals")); err != nil {
				t.Fatal(err)
			}

			done := signOnAsync(client, "bob", "pw")
			sc := srv.accept()
			sc.handshake("bob", "pw")
			sc.acceptSignOn("bob", "")
			if err := receive(t, done, "signon"); err != nil {
				t.Fatal(err)
			}

			if err := client.Roster().Add(NewBuddy("Mr X", "Pals")); err != nil {
				t.Fatal(err)
			}
			sc.expectData(tt.wantAdd)

			if err := client.Roster().Remove("mr x"); err != nil {
				t.Fatal(err)
			}
			sc.expectData(tt.wantRemove)

			client.Send(context.Background(), "Mr X", "hi", true)
			sc.expectData(tt.wantSend)

			client.SetConfig()
			sc.expectData(`toc_set_config "g Pals` + "\nb offline\n" + `"`)

			client.SignOff()
		})
	}
}

func TestOutboundCommands(t *testing.T) {
	srv := newFakeServer(t)
	client := NewClient(srv.config(TOCv2), Handlers{})

	done := signOnAsync(client, "bob", "pw")
	sc := srv.accept()
	sc.handshake("bob", "pw")
	sc.acceptSignOn("bob", "")
	if err := receive(t, done, "signon"); err != nil {
		t.Fatal(err)
	}
	defer client.SignOff()

	tests := []struct {
		name string
		call func() error
		want string
	}{
		{"warn", func() error { return client.Warn("Some One", false) }, "toc_evil someone norm"},
		{"warn anonymous", func() error { return client.Warn("x", true) }, "toc_evil x anon"},
		{"away", func() error { return client.SetAway("out to lunch") }, "toc_set_away out to lunch"},
		{"back", client.SetBack, "toc_set_away"},
		{"idle", func() error { return client.SetIdle(90 * time.Second) }, "toc_set_idle 90"},
		{"permit", func() error { return client.Permit("A", "B c") }, "toc_add_permit a bc"},
		{"deny", func() error { return client.Deny("Z") }, "toc_add_deny z"},
		{"password", func() error { return client.ChangePassword("old", "new") }, "toc_change_passwd old new"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); err != nil {
				t.Fatalf("call failed: %v", err)
			}
			sc.expectData(tt.want)
		})
	}
}

func TestSignOnTwice(t *testing.T) {
	srv := newFakeServer(t)
	client := NewClient(srv.config(TOCv2), Handlers{})

	done := signOnAsync(client, "bob", "pw")
	sc := srv.accept()
	sc.handshake("bob", "pw")
	sc.acceptSignOn("bob", "")
	if err := receive(t, done, "signon"); err != nil {
		t.Fatal(err)
	}
	defer client.SignOff()

	if err := client.SignOn(context.Background(), "bob", "pw"); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second SignOn = %v, want ErrAlreadyConnected", err)
	}
}

func TestFrameMonitor(t *testing.T) {
	srv := newFakeServer(t)
	frames := make(chan FrameEvent, 32)
	client := NewClient(srv.config(TOCv2), Handlers{
		Frame: func(f FrameEvent) { frames <- f },
	})

	done := signOnAsync(client, "bob", "pw")
	sc := srv.accept()
	sc.handshake("bob", "pw")
	sc.acceptSignOn("bob", "")
	if err := receive(t, done, "signon"); err != nil {
		t.Fatal(err)
	}
	client.SignOff()

	var inbound, outbound []string
	for len(frames) > 0 {
		f := <-frames
		if f.Outbound {
			outbound = append(outbound, f.Text)
		} else {
			inbound = append(inbound, f.Text)
		}
	}
	if len(inbound) != 2 || inbound[1] != "SIGN_ON:TOC2.0" {
		t.Errorf("inbound frames = %q", inbound)
	}
	if len(outbound) != 3 || !strings.HasPrefix(outbound[0], "toc2_signon ") {
		t.Errorf("outbound frames = %q", outbound)
	}
}

// signedOn returns a client that has completed signon against srv.
func signedOn(t *testing.T, srv *fakeServer, v ProtocolVersion, ev *events) (*Client, *serverConn) {
	t.Helper()
	client := NewClient(srv.config(v), ev.handlers())
	done := signOnAsync(client, "bob", "pw")
	sc := srv.accept()
	sc.handshake("bob", "pw")
	sc.acceptSignOn("bob", "")
	if err := receive(t, done, "signon"); err != nil {
		t.Fatal(err)
	}
	return client, sc
}

func TestRestartListenerMidFrame(t *testing.T) {
	srv := newFakeServer(t)
	ev := newEvents()
	client, sc := signedOn(t, srv, TOCv2, ev)
	defer client.SignOff()

	if err := client.StartListening(); err != nil {
		t.Fatal(err)
	}
	first := sc.frame(flap.FrameData, "IM_IN2:alice:F:F:a*b")
	sc.write(first[:9])
	time.Sleep(50 * time.Millisecond)
	client.StopListening()

	sc.write(first[9:])
	sc.send("IM_IN2:alice:F:F:second")
	if err := client.StartListening(); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"a*b", "second"} {
		msg := receive(t, ev.messages, "message "+want)
		if msg.Text != want {
			t.Errorf("message = %q, want %q", msg.Text, want)
		}
	}
	select {
	case err := <-ev.disconnect:
		t.Fatalf("unexpected disconnect: %v", err)
	default:
	}
}

func TestReadFailureWhileShuttingDownIsSilent(t *testing.T) {
	srv := newFakeServer(t)
	ev := newEvents()
	client, sc := signedOn(t, srv, TOCv2, ev)
	if err := client.StartListening(); err != nil {
		t.Fatal(err)
	}

	// The window between SignOff marking the client and stopping the
	// listener.
	client.mu.Lock()
	client.state = ShuttingDown
	client.mu.Unlock()
	sc.nc.Close()

	deadline := time.Now().Add(eventTimeout)
	for client.Listening() {
		if time.Now().After(deadline) {
			t.Fatal("listener did not exit after the server closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(ev.disconnect) != 0 {
		t.Errorf("disconnect notified during shutdown: %v", <-ev.disconnect)
	}
	client.SignOff()
	if client.State() != Disconnected {
		t.Errorf("state after SignOff = %v", client.State())
	}
}

func TestSendTooLarge(t *testing.T) {
	srv := newFakeServer(t)
	client, sc := signedOn(t, srv, TOCv2, newEvents())
	defer client.SignOff()

	err := client.Send(context.Background(), "alice", strings.Repeat("a", flap.MaxPayload), false)
	if !errors.Is(err, flap.ErrFrameTooLarge) {
		t.Fatalf("Send error = %v, want flap.ErrFrameTooLarge", err)
	}
	if !client.Connected() {
		t.Fatal("oversized message dropped the connection")
	}

	if err := client.Send(context.Background(), "alice", "short", false); err != nil {
		t.Fatal(err)
	}
	sc.expectData(`toc_send_im alice "short"`)
}

func TestSignOnNormalizesMixedCaseName(t *testing.T) {
	if got := AuthCode("bob", "pw"); got != 84471296 {
		t.Fatalf("AuthCode(bob, pw) = %d, want 84471296", got)
	}
	if AuthCode("Bob", "pw") == AuthCode("bob", "pw") {
		t.Fatal("AuthCode does not depend on the case of the screen name")
	}

	srv := newFakeServer(t)
	client := NewClient(srv.config(TOCv2), Handlers{})
	done := signOnAsync(client, "Bob", "pw")
	sc := srv.accept()

	sc.nc.SetReadDeadline(time.Now().Add(frameTimeout))
	io.ReadFull(sc.r, make([]byte, len(flapOn)))
	sc.write(sc.frame(flap.FrameSignOn, "\x00\x00\x00"))
	sc.readFrame()

	auth := sc.readFrame().Text()
	if !strings.HasPrefix(auth, "toc2_signon auth.example 5190 bob ") || !strings.HasSuffix(auth, " 160 84471296") {
		t.Errorf("signon command = %q", auth)
	}
	sc.send("ERROR:980:")
	receive(t, done, "signon")
}

func TestSetConfigEscapesNames(t *testing.T) {
	srv := newFakeServer(t)
	client, sc := signedOn(t, srv, TOCv1, newEvents())
	defer client.SignOff()

	if err := client.Roster().Add(NewBuddy("x", `Say "hi"`)); err != nil {
		t.Fatal(err)
	}
	sc.expectData("toc_add_buddy x")

	if err := client.SetConfig(); err != nil {
		t.Fatal(err)
	}
	sc.expectData(`toc_set_config "g Say \"hi\"` + "\nb x\n" + `"`)
}
