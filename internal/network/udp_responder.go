package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/blockbridge/internal/events"
)

// DefaultUDPResponse is the acknowledgment sent for every datagram.
const DefaultUDPResponse = "Hytale_Bridge_Online"

const udpBufSize = 2048

// UDPResponder answers every non-empty datagram on its port with a fixed
// acknowledgment. It shares no state with the TCP relay.
type UDPResponder struct {
	addr     string
	response []byte
	bus      *events.EventBus
	limiter  *rateTracker
	logger   zerolog.Logger

	conn *net.UDPConn
	wg   sync.WaitGroup
}

// NewUDPResponder creates a responder for addr ("host:port"). An empty
// response selects DefaultUDPResponse. maxPerSec limits replies per source
// IP; zero disables the limit.
func NewUDPResponder(addr, response string, maxPerSec int, bus *events.EventBus) *UDPResponder {
	if response == "" {
		response = DefaultUDPResponse
	}
	return &UDPResponder{
		addr:     addr,
		response: []byte(response),
		bus:      bus,
		limiter:  newRateTracker(maxPerSec),
		logger:   log.With().Str("component", "udp").Logger(),
	}
}

// Start binds the socket and serves datagrams until ctx is cancelled.
func (u *UDPResponder) Start(ctx context.Context) error {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", u.addr)
	if err != nil {
		return fmt.Errorf("failed to start UDP responder on %s: %w", u.addr, err)
	}
	u.conn = pc.(*net.UDPConn)

	u.logger.Info().Str("addr", u.conn.LocalAddr().String()).Msg("UDP responder started")

	go func() {
		<-ctx.Done()
		u.conn.Close()
	}()

	u.wg.Add(1)
	go u.serve(ctx)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (u *UDPResponder) Addr() net.Addr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

func (u *UDPResponder) serve(ctx context.Context) {
	defer u.wg.Done()

	buf := make([]byte, udpBufSize)
	for {
		n, remoteAddr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				u.logger.Info().Msg("UDP responder stopping")
				return
			default:
			}
			if isClosedErr(err) {
				return
			}
			u.logger.Error().Err(err).Msg("UDP read error")
			continue
		}
		if n < 1 {
			continue
		}
		if !u.limiter.allow(remoteAddr.IP.String()) {
			continue
		}

		if _, err := u.conn.WriteToUDP(u.response, remoteAddr); err != nil {
			u.logger.Warn().Err(err).Str("remote", remoteAddr.String()).Msg("failed to send UDP response")
			continue
		}

		u.logger.Trace().Str("remote", remoteAddr.String()).Int("bytes", n).Msg("answered datagram")
		emit(ctx, u.bus, events.Event{
			Type:    events.EventDatagram,
			Source:  "udp",
			Payload: events.DatagramPayload{Remote: remoteAddr.String(), Size: n},
		})
	}
}

// SelfTest sends a probe to the bound port over loopback and checks the
// acknowledgment comes back.
func (u *UDPResponder) SelfTest(timeout time.Duration) error {
	if u.conn == nil {
		return fmt.Errorf("self-test: responder not started")
	}
	port := u.conn.LocalAddr().(*net.UDPAddr).Port
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("self-test dial failed: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x01}); err != nil {
		return fmt.Errorf("self-test write failed: %w", err)
	}

	buf := make([]byte, udpBufSize)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("self-test read failed: %w", err)
	}
	if !bytes.Equal(buf[:n], u.response) {
		return fmt.Errorf("self-test: unexpected response %q", buf[:n])
	}

	u.logger.Debug().Int("port", port).Msg("UDP self-test passed")
	return nil
}

// Stop closes the socket and waits for the serve loop to exit.
func (u *UDPResponder) Stop() error {
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.wg.Wait()
	if isClosedErr(err) {
		return nil
	}
	return err
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
