package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/energizer-project/blockbridge/internal/protocol"
)

// pingProtocolVersion is sent in the probe handshake. Status requests are
// answered whatever the version.
const pingProtocolVersion = 767

// maxStatusResponse bounds the reply frame ping is willing to buffer.
const maxStatusResponse = 1 << 20

type pingResult struct {
	Status   string
	RTT      time.Duration
	Attempts int
}

func pingCmd() *cobra.Command {
	var (
		timeout time.Duration
		settle  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping <host:port>",
		Short: "Query a server's status and measure the round trip",
		Long: `Send a handshake with next state Status, then a status request, and
wait for the status response followed by a ping/pong exchange.

A relay drops frames that arrive while it is still dialing its upstream, so
the status request is repeated every --settle until an answer arrives.
Pointed at a relay this exercises the lazy upstream dial end to end.

Examples:
  blockbridge ping 127.0.0.1:25565
  blockbridge ping 127.0.0.1:25565 --settle 500ms`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := ping(args[0], timeout, settle)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s answered in %s (%d status request(s))\n",
				args[0], res.RTT.Truncate(time.Microsecond), res.Attempts)
			fmt.Fprintln(out, res.Status)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Overall dial and reply timeout")
	cmd.Flags().DurationVar(&settle, "settle", 250*time.Millisecond, "Delay before repeating an unanswered status request")

	return cmd
}

type pingReply struct {
	id      int32
	payload []byte
	err     error
}

// ping queries addr's status. The RTT is measured on the ping/pong
// exchange that follows the status response.
func ping(addr string, timeout, settle time.Duration) (pingResult, error) {
	var res pingResult

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return res, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return res, fmt.Errorf("invalid port %q", portStr)
	}
	if settle <= 0 {
		settle = timeout
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return res, fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	handshake := protocol.BuildHandshake(protocol.Handshake{
		ProtocolVersion: pingProtocolVersion,
		ServerAddress:   host,
		ServerPort:      uint16(port),
		NextState:       protocol.NextStateStatus,
	})
	if _, err := conn.Write(handshake); err != nil {
		return res, fmt.Errorf("send failed: %w", err)
	}

	replies := make(chan pingReply)
	done := make(chan struct{})
	defer close(done)
	go readReplies(bufio.NewReader(conn), replies, done)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// Status request, repeated until the response arrives.
	for answered := false; !answered; {
		if _, err := conn.Write(protocol.BuildStatusRequest()); err != nil {
			return res, fmt.Errorf("send failed: %w", err)
		}
		res.Attempts++

		select {
		case r, ok := <-replies:
			if !ok || r.err != nil {
				return res, noReply(addr, r.err)
			}
			if r.id != protocol.PktStatusResponse {
				return res, fmt.Errorf("unexpected packet 0x%02x from %s", r.id, addr)
			}
			status, err := protocol.NewPacketReader(r.payload).ReadString()
			if err != nil {
				return res, fmt.Errorf("bad status response: %w", err)
			}
			res.Status = status
			answered = true
		case <-time.After(settle):
		case <-deadline.C:
			return res, noReply(addr, errors.New("timed out"))
		}
	}

	token := time.Now().UnixNano()
	sent := time.Now()
	if _, err := conn.Write(protocol.BuildStatusPing(token)); err != nil {
		return res, fmt.Errorf("send failed: %w", err)
	}
	for {
		select {
		case r, ok := <-replies:
			if !ok || r.err != nil {
				return res, fmt.Errorf("no pong from %s: %w", addr, replyErr(r.err))
			}
			// A repeated status request may be answered twice.
			if r.id == protocol.PktStatusResponse {
				continue
			}
			echo, err := protocol.NewPacketReader(r.payload).ReadInt64()
			if r.id != protocol.PktPongResponse || err != nil || echo != token {
				return res, fmt.Errorf("bad pong from %s", addr)
			}
			res.RTT = time.Since(sent)
			return res, nil
		case <-deadline.C:
			return res, fmt.Errorf("no pong from %s: timed out", addr)
		}
	}
}

// readReplies decodes clientbound frames until the connection fails or
// done is closed.
func readReplies(r *bufio.Reader, out chan<- pingReply, done <-chan struct{}) {
	defer close(out)
	send := func(reply pingReply) bool {
		select {
		case out <- reply:
			return reply.err == nil
		case <-done:
			return false
		}
	}
	for {
		length, err := protocol.ReadVarInt(r)
		if err != nil {
			send(pingReply{err: err})
			return
		}
		if length < 0 || length > maxStatusResponse {
			send(pingReply{err: fmt.Errorf("reply frame of %d bytes", length)})
			return
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			send(pingReply{err: err})
			return
		}
		pr := protocol.NewPacketReader(body)
		id, err := pr.ReadVarInt()
		if err != nil {
			send(pingReply{err: err})
			return
		}
		if !send(pingReply{id: id, payload: body[len(body)-pr.Remaining():]}) {
			return
		}
	}
}

func replyErr(err error) error {
	if err == nil {
		return io.EOF
	}
	return err
}

func noReply(addr string, err error) error {
	return fmt.Errorf("no reply from %s: %w", addr, replyErr(err))
}
