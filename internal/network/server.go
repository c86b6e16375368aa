// Package network contains the relay's listeners: the client-facing TCP
// server that wires frame decoding, state tracking and the bridge together
// for every accepted connection, and the best-effort UDP responder.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/blockbridge/internal/bridge"
	"github.com/energizer-project/blockbridge/internal/events"
	"github.com/energizer-project/blockbridge/internal/protocol"
)

// DefaultReadBuffer is the size of each client read.
const DefaultReadBuffer = 4096

// Rejection reasons reported for refused connections.
const (
	RejectRateLimited   = "rate_limited"
	RejectMaxConcurrent = "max_concurrent"
)

// ServerConfig holds the listener settings.
type ServerConfig struct {
	ListenAddr    string
	Upstream      string
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	ReadBuffer    int
	MaxFrameSize  int
	MaxConnPerSec int
	MaxConcurrent int

	// Dialer overrides how upstream connections are opened. Optional.
	Dialer bridge.Dialer
}

// Server accepts client connections and runs one bridge session each.
type Server struct {
	cfg      ServerConfig
	bus      *events.EventBus
	metrics  Metrics
	registry *ConnectionRegistry
	limiter  *rateTracker
	logger   zerolog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	active   atomic.Int32
	stopped  atomic.Bool
}

// NewServer creates a server. bus and metrics may be nil.
func NewServer(cfg ServerConfig, bus *events.EventBus, metrics Metrics) *Server {
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = DefaultReadBuffer
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Server{
		cfg:      cfg,
		bus:      bus,
		metrics:  metrics,
		registry: NewConnectionRegistry(),
		limiter:  newRateTracker(cfg.MaxConnPerSec),
		logger: log.With().
			Str("component", "relay").
			Str("upstream", cfg.Upstream).
			Logger(),
	}
}

// Start binds the listener and accepts connections in the background until
// ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(s.ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to start relay listener on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("relay listener started")

	go func() {
		<-s.ctx.Done()
		ln.Close()
	}()

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Registry returns the live connection registry.
func (s *Server) Registry() *ConnectionRegistry {
	return s.registry
}

// Sessions lists the live connections, oldest first.
func (s *Server) Sessions() []ConnectionInfo {
	return s.registry.List()
}

// SessionCount returns the number of live connections.
func (s *Server) SessionCount() int {
	return s.registry.Count()
}

// CloseSession forces the identified session down.
func (s *Server) CloseSession(id string) error {
	return s.registry.Close(id)
}

// MarkPlay moves the identified session's tracker to Play.
func (s *Server) MarkPlay(id string) error {
	conn, ok := s.registry.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	from := conn.MarkPlay()
	if from != protocol.StatePlay {
		emit(s.ctx, s.bus, events.Event{
			Type:      events.EventStateChanged,
			SessionID: id,
			Payload:   events.StateChangedPayload{From: from, To: protocol.StatePlay},
		})
	}
	return nil
}

// Stop closes the listener, tears down every session and waits for the
// handlers to exit. It is safe to call more than once.
func (s *Server) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.logger.Info().Int("sessions", s.registry.Count()).Msg("stopping relay listener")

	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.registry.CloseAll()
	s.wg.Wait()

	s.logger.Info().Msg("relay listener stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopped.Load() || s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.registry.CloseAll()
				return
			}
			s.logger.Warn().Err(err).Msg("accept error")
			continue
		}

		srcIP := extractIP(conn.RemoteAddr())

		if !s.limiter.allow(srcIP) {
			s.reject(conn, srcIP, RejectRateLimited)
			continue
		}
		if s.cfg.MaxConcurrent > 0 && int(s.active.Load()) >= s.cfg.MaxConcurrent {
			s.reject(conn, srcIP, RejectMaxConcurrent)
			continue
		}

		s.active.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.active.Add(-1)
			s.handle(conn)
		}()
	}
}

func (s *Server) reject(conn net.Conn, srcIP, reason string) {
	s.logger.Warn().Str("src", srcIP).Str("reason", reason).Msg("connection rejected")
	conn.Close()
	s.metrics.ConnectionRejected(reason)
	emit(s.ctx, s.bus, events.Event{
		Type:    events.EventConnectionRejected,
		Payload: events.ConnectionRejectedPayload{Remote: conn.RemoteAddr().String(), Reason: reason},
	})
}

// handle runs the per-connection pipeline: bytes are fed to the frame
// decoder, each frame is observed by the tracker and then forwarded by the
// session. Any framing or packet error ends the session.
func (s *Server) handle(raw net.Conn) {
	id := uuid.NewString()
	remote := raw.RemoteAddr().String()
	logger := log.With().
		Str("component", "session").
		Str("session_id", id).
		Str("remote", remote).
		Logger()

	tracker := protocol.NewTracker(logger)
	session := bridge.NewSession(id, raw, bridge.Config{
		Upstream:     s.cfg.Upstream,
		DialTimeout:  s.cfg.DialTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		Dialer:       s.cfg.Dialer,
		Observer: &sessionObserver{
			Metrics:  s.metrics,
			ctx:      s.ctx,
			bus:      s.bus,
			id:       id,
			upstream: s.cfg.Upstream,
		},
	})
	conn := newConnection(id, remote, session, tracker)

	s.registry.Register(conn)
	defer s.registry.Unregister(id)

	s.metrics.SessionOpened()
	emit(s.ctx, s.bus, events.Event{
		Type:      events.EventSessionOpened,
		SessionID: id,
		Payload:   events.SessionOpenedPayload{Remote: remote},
	})
	logger.Debug().Msg("client connected")

	decoder := protocol.NewFrameDecoder(s.cfg.MaxFrameSize)
	buf := make([]byte, s.cfg.ReadBuffer)
	var cause error
	for {
		n, err := raw.Read(buf)
		if n > 0 {
			conn.touch()
			if cause = s.pump(conn, decoder, buf[:n]); cause != nil {
				break
			}
		}
		if err != nil {
			cause = err
			break
		}
	}

	session.Abort(cause)
	session.Wait()

	info := conn.Info()
	reason := closeReason(session.Err())
	logger.Debug().Str("reason", reason).Msg("client disconnected")
	emit(s.ctx, s.bus, events.Event{
		Type:      events.EventSessionClosed,
		SessionID: id,
		Payload: events.SessionClosedPayload{
			Remote:        remote,
			Username:      info.Username,
			State:         info.State,
			Duration:      time.Since(info.OpenedAt),
			BytesUp:       info.Stats.BytesUp,
			BytesDown:     info.Stats.BytesDown,
			FramesDropped: info.Stats.FramesDropped,
			Reason:        reason,
		},
	})
}

// pump feeds one chunk through the decoder and hands every completed
// frame to the tracker and then the session.
func (s *Server) pump(conn *Connection, decoder *protocol.FrameDecoder, chunk []byte) error {
	decoder.Feed(chunk)
	for {
		frame, ok, err := decoder.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.observe(conn, frame.Payload); err != nil {
			return err
		}
		if err := conn.session.Forward(frame.Raw); err != nil {
			return err
		}
	}
}

func (s *Server) observe(conn *Connection, payload []byte) error {
	before := conn.tracker.State()
	pkt, err := conn.tracker.Observe(payload)
	if err != nil {
		return err
	}
	s.metrics.PacketObserved(before)

	switch p := pkt.(type) {
	case protocol.Handshake:
		conn.recordHandshake(p)
		emit(s.ctx, s.bus, events.Event{
			Type:      events.EventHandshake,
			SessionID: conn.id,
			Payload:   events.HandshakePayload{Remote: conn.remote, Packet: p},
		})
	case protocol.LoginStart:
		version := conn.recordLogin(p)
		emit(s.ctx, s.bus, events.Event{
			Type:      events.EventLogin,
			SessionID: conn.id,
			Payload:   events.LoginPayload{Remote: conn.remote, ProtocolVersion: version, Packet: p},
		})
	case protocol.ChatMessage:
		emit(s.ctx, s.bus, events.Event{
			Type:      events.EventChat,
			SessionID: conn.id,
			Payload:   events.ChatPayload{Username: conn.Username(), Packet: p},
		})
	}

	if after := conn.tracker.State(); after != before {
		emit(s.ctx, s.bus, events.Event{
			Type:      events.EventStateChanged,
			SessionID: conn.id,
			Payload:   events.StateChangedPayload{From: before, To: after},
		})
	}
	return nil
}

// closeReason names why a session ended for events and storage.
func closeReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, bridge.ErrPeerClosed):
		return "peer_closed"
	case errors.Is(err, bridge.ErrDialFailure):
		return "dial_failed"
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return "malformed_frame"
	case errors.Is(err, protocol.ErrMalformedPacket):
		return "malformed_packet"
	}
	return err.Error()
}
