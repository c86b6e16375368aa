// Package bridge relays one client connection to the fixed upstream server.
//
// A Session dials upstream lazily when the first frame arrives, delivers
// that frame first once connected, relays upstream output back to the
// client and tears both legs down together.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Default tuning for a session.
const (
	DefaultDialTimeout = 5 * time.Second
	DefaultBufferSize  = 32 * 1024
)

var (
	// ErrDialFailure wraps the error of a failed upstream dial.
	ErrDialFailure = errors.New("upstream dial failed")

	// ErrSessionClosed is returned by Forward once the session is torn down.
	ErrSessionClosed = errors.New("session closed")

	// ErrPeerClosed marks a normal teardown started by either peer.
	ErrPeerClosed = errors.New("peer closed")
)

// Phase is the lifecycle position of a Session.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseDialing
	PhaseConnected
	PhaseClosed
)

var phaseStrings = map[Phase]string{
	PhaseIdle:      "idle",
	PhaseDialing:   "dialing",
	PhaseConnected: "connected",
	PhaseClosed:    "closed",
}

func (p Phase) String() string {
	if s, ok := phaseStrings[p]; ok {
		return s
	}
	return "unknown"
}

// MarshalText renders the phase by name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Dialer opens the upstream connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Observer receives session lifecycle notifications. Calls are made from
// the session's goroutines and must not block.
type Observer interface {
	DialStarted()
	DialFinished(err error, elapsed time.Duration)
	Forwarded(n int)
	Dropped(n int)
	Relayed(n int)
	Closed(reason error)
}

// Config holds the per-session settings.
type Config struct {
	Upstream     string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
	Dialer       Dialer
	Observer     Observer
}

// Stats is a snapshot of a session's traffic counters.
type Stats struct {
	BytesUp       int64 `json:"bytes_up"`
	BytesDown     int64 `json:"bytes_down"`
	FramesUp      int64 `json:"frames_up"`
	FramesDropped int64 `json:"frames_dropped"`
}

// Session is the per-client bridge.
type Session struct {
	id     string
	cfg    Config
	client net.Conn
	obs    Observer
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	phase    Phase
	upstream net.Conn
	pending  []byte
	reason   error

	// wmu serialises writes to upstream so the frame that triggered the
	// dial is always written before any later frame.
	wmu sync.Mutex

	bytesUp       atomic.Int64
	bytesDown     atomic.Int64
	framesUp      atomic.Int64
	framesDropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewSession creates an idle session for client. No dial happens until the
// first call to Forward.
func NewSession(id string, client net.Conn, cfg Config) *Session {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		cfg:    cfg,
		client: client,
		obs:    obs,
		logger: log.With().
			Str("component", "bridge").
			Str("session_id", id).
			Str("upstream", cfg.Upstream).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the cause of teardown: nil while open or after a local
// Close, ErrPeerClosed for a normal disconnect, anything else for a failure.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Stats returns the session's traffic counters.
func (s *Session) Stats() Stats {
	return Stats{
		BytesUp:       s.bytesUp.Load(),
		BytesDown:     s.bytesDown.Load(),
		FramesUp:      s.framesUp.Load(),
		FramesDropped: s.framesDropped.Load(),
	}
}

// Forward sends one raw frame upstream. It must be called from a single
// goroutine, the client reader, so frames keep their arrival order.
//
// The first frame starts the dial and is held until it completes. Frames
// arriving while the dial is pending are dropped. Forward never blocks on
// the dial itself.
func (s *Session) Forward(frame []byte) error {
	s.mu.Lock()
	switch s.phase {
	case PhaseClosed:
		s.mu.Unlock()
		return ErrSessionClosed

	case PhaseIdle:
		s.phase = PhaseDialing
		s.pending = bytes.Clone(frame)
		s.wg.Add(1)
		s.mu.Unlock()
		go s.dial()
		return nil

	case PhaseDialing:
		s.mu.Unlock()
		s.framesDropped.Add(1)
		s.obs.Dropped(len(frame))
		s.logger.Trace().Int("bytes", len(frame)).Msg("frame dropped while dialing")
		return nil
	}

	up := s.upstream
	s.mu.Unlock()

	if err := s.writeUpstream(up, frame); err != nil {
		s.shutdown(classify(err))
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	return nil
}

func (s *Session) writeUpstream(up net.Conn, frame []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.cfg.WriteTimeout > 0 {
		up.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if _, err := up.Write(frame); err != nil {
		return err
	}
	s.bytesUp.Add(int64(len(frame)))
	s.framesUp.Add(1)
	s.obs.Forwarded(len(frame))
	return nil
}

func (s *Session) dial() {
	defer s.wg.Done()

	s.obs.DialStarted()
	start := time.Now()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	conn, err := s.cfg.Dialer.DialContext(ctx, "tcp", s.cfg.Upstream)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		if s.ctx.Err() != nil {
			// Torn down while dialing; the outcome is irrelevant.
			s.obs.DialFinished(context.Canceled, elapsed)
			return
		}
		s.obs.DialFinished(err, elapsed)
		s.logger.Debug().Err(err).Dur("elapsed", elapsed).Msg("upstream dial failed")
		s.shutdown(fmt.Errorf("%w: %w", ErrDialFailure, err))
		return
	}

	// Hold wmu across the phase change so no later frame can overtake the
	// pending one.
	s.wmu.Lock()
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		s.wmu.Unlock()
		conn.Close()
		s.obs.DialFinished(context.Canceled, elapsed)
		return
	}
	s.upstream = conn
	s.phase = PhaseConnected
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.obs.DialFinished(nil, elapsed)
	s.logger.Debug().Dur("elapsed", elapsed).Msg("upstream connected")

	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	_, err = conn.Write(pending)
	if err == nil {
		s.bytesUp.Add(int64(len(pending)))
		s.framesUp.Add(1)
		s.obs.Forwarded(len(pending))
	}
	s.wmu.Unlock()

	if err != nil {
		s.shutdown(classify(err))
		return
	}

	s.wg.Add(1)
	go s.relayUpstream(conn)
}

// relayUpstream copies upstream output to the client verbatim until either
// side fails.
func (s *Session) relayUpstream(up net.Conn) {
	defer s.wg.Done()

	buf := make([]byte, s.cfg.BufferSize)
	for {
		n, err := up.Read(buf)
		if n > 0 {
			if s.cfg.WriteTimeout > 0 {
				s.client.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			}
			if _, werr := s.client.Write(buf[:n]); werr != nil {
				s.shutdown(classify(werr))
				return
			}
			s.bytesDown.Add(int64(n))
			s.obs.Relayed(n)
		}
		if err != nil {
			s.shutdown(classify(err))
			return
		}
	}
}

// Close tears the session down. Safe to call any number of times.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

// Abort tears the session down recording err as the cause.
func (s *Session) Abort(err error) {
	s.shutdown(classify(err))
}

// Wait blocks until the session's internal goroutines have exited.
func (s *Session) Wait() {
	<-s.done
	s.wg.Wait()
}

func (s *Session) shutdown(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.phase = PhaseClosed
		s.reason = reason
		up := s.upstream
		s.pending = nil
		s.mu.Unlock()

		s.cancel()
		s.client.Close()
		if up != nil {
			up.Close()
		}
		close(s.done)

		s.obs.Closed(reason)
		s.logger.Debug().
			AnErr("reason", reason).
			Int64("bytes_up", s.bytesUp.Load()).
			Int64("bytes_down", s.bytesDown.Load()).
			Msg("session closed")
	})
}

// classify maps the errors a torn-down socket produces to ErrPeerClosed.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return ErrPeerClosed
	}
	return err
}

// IsPeerClosed reports whether err is a normal teardown rather than a failure.
func IsPeerClosed(err error) bool {
	return err == nil || errors.Is(err, ErrPeerClosed)
}

type nopObserver struct{}

func (nopObserver) DialStarted()                      {}
func (nopObserver) DialFinished(error, time.Duration) {}
func (nopObserver) Forwarded(int)                     {}
func (nopObserver) Dropped(int)                       {}
func (nopObserver) Relayed(int)                       {}
func (nopObserver) Closed(error)                      {}
