package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// upstreamServer is a loopback TCP server standing in for the game server.
type upstreamServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newUpstreamServer(t *testing.T) *upstreamServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	u := &upstreamServer{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			u.conns <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return u
}

func (u *upstreamServer) addr() string { return u.ln.Addr().String() }

func (u *upstreamServer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-u.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("upstream never received a connection")
		return nil
	}
}

func (u *upstreamServer) expectNoConn(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case c := <-u.conns:
		c.Close()
		t.Fatal("unexpected upstream connection")
	case <-time.After(wait):
	}
}

// gatedDialer blocks every dial until release is closed.
type gatedDialer struct {
	calls     atomic.Int32
	release   chan struct{}
	ignoreCtx bool
	err       error
}

func newGatedDialer() *gatedDialer {
	return &gatedDialer{release: make(chan struct{})}
}

func (d *gatedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.calls.Add(1)
	if d.ignoreCtx {
		<-d.release
	} else {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	var nd net.Dialer
	return nd.DialContext(context.Background(), network, addr)
}

// recordingObserver counts the notifications a session makes.
type recordingObserver struct {
	mu        sync.Mutex
	started   int
	finished  []error
	forwarded int
	dropped   int
	relayed   int
	closed    []error
}

func (o *recordingObserver) DialStarted() { o.mu.Lock(); o.started++; o.mu.Unlock() }
func (o *recordingObserver) DialFinished(err error, _ time.Duration) {
	o.mu.Lock()
	o.finished = append(o.finished, err)
	o.mu.Unlock()
}
func (o *recordingObserver) Forwarded(n int) { o.mu.Lock(); o.forwarded += n; o.mu.Unlock() }
func (o *recordingObserver) Dropped(n int)   { o.mu.Lock(); o.dropped += n; o.mu.Unlock() }
func (o *recordingObserver) Relayed(n int)   { o.mu.Lock(); o.relayed += n; o.mu.Unlock() }
func (o *recordingObserver) Closed(err error) {
	o.mu.Lock()
	o.closed = append(o.closed, err)
	o.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readExactly(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("reading %d bytes: %v", n, err)
	}
	return buf
}

func expectEOF(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 16)
	n, err := c.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected closed connection, read %d bytes err %v", n, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatalf("connection was not closed: %v", err)
	}
}

func TestSessionSingleFlightDial(t *testing.T) {
	up := newUpstreamServer(t)
	dialer := newGatedDialer()
	obs := &recordingObserver{}

	_, relaySide := net.Pipe()
	s := NewSession("single-flight", relaySide, Config{Upstream: up.addr(), Dialer: dialer, Observer: obs})
	defer s.Close()

	first := []byte{0x03, 0x00, 0x01, 0x02}
	second := []byte{0x02, 0x00, 0x09}
	if err := s.Forward(first); err != nil {
		t.Fatalf("forward first: %v", err)
	}
	if err := s.Forward(second); err != nil {
		t.Fatalf("forward second: %v", err)
	}
	if s.Phase() != PhaseDialing {
		t.Fatalf("phase = %s, want dialing", s.Phase())
	}

	waitFor(t, "dial attempt", func() bool { return dialer.calls.Load() == 1 })
	close(dialer.release)

	conn := up.accept(t)
	waitFor(t, "connected phase", func() bool { return s.Phase() == PhaseConnected })

	third := []byte{0x01, 0x07}
	if err := s.Forward(third); err != nil {
		t.Fatalf("forward third: %v", err)
	}

	want := append(append([]byte{}, first...), third...)
	got := readExactly(t, conn, len(want))
	if !bytes.Equal(got, want) {
		t.Fatalf("upstream received % x, want % x", got, want)
	}

	if n := dialer.calls.Load(); n != 1 {
		t.Errorf("dial attempts = %d, want 1", n)
	}
	if st := s.Stats(); st.FramesDropped != 1 || st.FramesUp != 2 {
		t.Errorf("stats = %+v, want 1 dropped 2 forwarded", st)
	}
	obs.mu.Lock()
	if obs.started != 1 || obs.dropped != len(second) {
		t.Errorf("observer started=%d dropped=%d", obs.started, obs.dropped)
	}
	obs.mu.Unlock()
}

func TestSessionPreservesOrderBothWays(t *testing.T) {
	up := newUpstreamServer(t)
	clientSide, relaySide := net.Pipe()
	defer clientSide.Close()

	s := NewSession("ordering", relaySide, Config{Upstream: up.addr()})
	defer s.Close()

	trigger := []byte{0x01, 0x00}
	if err := s.Forward(trigger); err != nil {
		t.Fatal(err)
	}
	conn := up.accept(t)
	waitFor(t, "connected phase", func() bool { return s.Phase() == PhaseConnected })

	frames := [][]byte{[]byte("\x02AA"), []byte("\x03BBB"), []byte("\x01C")}
	var want []byte
	want = append(want, trigger...)
	for _, f := range frames {
		if err := s.Forward(f); err != nil {
			t.Fatal(err)
		}
		want = append(want, f...)
	}
	if got := readExactly(t, conn, len(want)); !bytes.Equal(got, want) {
		t.Fatalf("upstream received %q, want %q", got, want)
	}

	conn.Write([]byte("XX"))
	conn.Write([]byte("YYY"))
	if got := readExactly(t, clientSide, 5); string(got) != "XXYYY" {
		t.Fatalf("client received %q, want XXYYY", got)
	}
	// The counter moves once the client write returns, which can be after
	// the reader above wakes up.
	waitFor(t, "bytes down", func() bool { return s.Stats().BytesDown == 5 })
}

func TestSessionCloseWhileDialingCancelsDial(t *testing.T) {
	up := newUpstreamServer(t)
	dialer := newGatedDialer()

	_, relaySide := net.Pipe()
	s := NewSession("cancel", relaySide, Config{Upstream: up.addr(), Dialer: dialer})

	if err := s.Forward([]byte{0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "dial attempt", func() bool { return dialer.calls.Load() == 1 })

	s.Close()
	s.Wait()

	up.expectNoConn(t, 100*time.Millisecond)
	if s.Phase() != PhaseClosed {
		t.Errorf("phase = %s, want closed", s.Phase())
	}
	if err := s.Forward([]byte{0x01, 0x00}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("forward after close = %v, want ErrSessionClosed", err)
	}
}

func TestSessionLateDialResultIsDiscarded(t *testing.T) {
	up := newUpstreamServer(t)
	dialer := newGatedDialer()
	dialer.ignoreCtx = true

	_, relaySide := net.Pipe()
	s := NewSession("late", relaySide, Config{Upstream: up.addr(), Dialer: dialer})

	if err := s.Forward([]byte{0x02, 0x00, 0x01}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "dial attempt", func() bool { return dialer.calls.Load() == 1 })
	s.Close()

	close(dialer.release)
	s.Wait()

	// The dial completed after teardown: the connection must be closed
	// without a single byte written.
	conn := up.accept(t)
	expectEOF(t, conn)
}

func TestSessionDialFailureClosesClient(t *testing.T) {
	dialer := newGatedDialer()
	dialer.err = errors.New("connection refused")
	close(dialer.release)

	clientSide, relaySide := net.Pipe()
	s := NewSession("refused", relaySide, Config{Upstream: "127.0.0.1:1", Dialer: dialer})

	if err := s.Forward([]byte{0x01, 0x00}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session not closed after dial failure")
	}
	if !errors.Is(s.Err(), ErrDialFailure) {
		t.Errorf("err = %v, want ErrDialFailure", s.Err())
	}
	if IsPeerClosed(s.Err()) {
		t.Error("dial failure must not look like a normal disconnect")
	}
	expectEOF(t, clientSide)

	time.Sleep(20 * time.Millisecond)
	if n := dialer.calls.Load(); n != 1 {
		t.Errorf("dial attempts = %d, want exactly 1 (no retry)", n)
	}
}

func TestSessionDialTimeout(t *testing.T) {
	dialer := newGatedDialer()

	_, relaySide := net.Pipe()
	s := NewSession("timeout", relaySide, Config{Upstream: "127.0.0.1:1", Dialer: dialer, DialTimeout: 50 * time.Millisecond})
	s.Forward([]byte{0x01, 0x00})

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("dial timeout did not close the session")
	}
	if !errors.Is(s.Err(), ErrDialFailure) || !errors.Is(s.Err(), context.DeadlineExceeded) {
		t.Errorf("err = %v, want dial failure from deadline", s.Err())
	}
}

func TestSessionUpstreamCloseClosesClient(t *testing.T) {
	up := newUpstreamServer(t)
	clientSide, relaySide := net.Pipe()

	s := NewSession("upstream-eof", relaySide, Config{Upstream: up.addr()})
	s.Forward([]byte{0x01, 0x00})
	conn := up.accept(t)
	readExactly(t, conn, 2)

	conn.Close()
	expectEOF(t, clientSide)
	s.Wait()

	if !errors.Is(s.Err(), ErrPeerClosed) {
		t.Errorf("err = %v, want ErrPeerClosed", s.Err())
	}
}

func TestSessionClientAbortClosesUpstream(t *testing.T) {
	up := newUpstreamServer(t)
	obs := &recordingObserver{}
	_, relaySide := net.Pipe()

	s := NewSession("client-eof", relaySide, Config{Upstream: up.addr(), Observer: obs})
	s.Forward([]byte{0x01, 0x00})
	conn := up.accept(t)
	readExactly(t, conn, 2)

	s.Abort(io.EOF)
	s.Abort(errors.New("second signal"))
	s.Close()
	expectEOF(t, conn)
	s.Wait()

	if !errors.Is(s.Err(), ErrPeerClosed) {
		t.Errorf("err = %v, want ErrPeerClosed", s.Err())
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.closed) != 1 {
		t.Errorf("teardown ran %d times, want 1", len(obs.closed))
	}
}

func TestSessionIdleCloseNeverDials(t *testing.T) {
	dialer := newGatedDialer()
	_, relaySide := net.Pipe()

	s := NewSession("idle", relaySide, Config{Upstream: "127.0.0.1:1", Dialer: dialer})
	s.Close()
	s.Wait()

	if dialer.calls.Load() != 0 {
		t.Fatal("idle session dialed upstream")
	}
}

func TestPhaseString(t *testing.T) {
	for p, want := range map[Phase]string{PhaseIdle: "idle", PhaseDialing: "dialing", PhaseConnected: "connected", PhaseClosed: "closed", Phase(9): "unknown"} {
		if p.String() != want {
			t.Errorf("Phase(%d).String() = %q, want %q", p, p.String(), want)
		}
	}
}
