// Package cli implements the operator-facing side of the relay: an
// interactive console for a running process, an admin API client and the
// table output they share.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/blockbridge/internal/events"
	"github.com/energizer-project/blockbridge/internal/network"
	"github.com/energizer-project/blockbridge/internal/store"
)

// Relay is the live relay the console drives.
type Relay interface {
	Sessions() []network.ConnectionInfo
	SessionCount() int
	CloseSession(id string) error
	MarkPlay(id string) error
}

// CLI provides an interactive command-line interface.
type CLI struct {
	relay    Relay
	recorder store.Recorder
	eventBus *events.EventBus
	in       io.Reader
	out      io.Writer
	started  time.Time
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(relay Relay, recorder store.Recorder, eventBus *events.EventBus, in io.Reader, out io.Writer) *CLI {
	if recorder == nil {
		recorder = store.Nop{}
	}
	return &CLI{
		relay:    relay,
		recorder: recorder,
		eventBus: eventBus,
		in:       in,
		out:      out,
		started:  time.Now(),
	}
}

// Start runs the command loop until ctx is cancelled, input ends or the
// operator quits.
func (c *CLI) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fmt.Fprintln(c.out, "\nblockbridge console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "blockbridge> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			quit, err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}

// execute processes a single command and reports whether the console
// should stop.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "sessions", "ls":
		c.printSessions()
	case "kick", "close":
		return false, c.cmdKick(args)
	case "play":
		return false, c.cmdPlay(args)
	case "logins":
		return false, c.cmdLogins(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down blockbridge...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status            Show uptime and session count
  sessions          List live sessions
  kick <id>         Close a session (id prefix accepted)
  play <id>         Inspect a session's packets as Play state
  logins [n]        Show the n most recent logins
  quit              Shut blockbridge down
  help              Show this help message`)
}

func (c *CLI) printStatus() {
	fmt.Fprintf(c.out, "  Uptime:    %s\n", time.Since(c.started).Truncate(time.Second))
	fmt.Fprintf(c.out, "  Sessions:  %d\n", c.relay.SessionCount())
}

func (c *CLI) printSessions() {
	infos := c.relay.Sessions()
	views := make([]SessionView, 0, len(infos))
	for _, info := range infos {
		views = append(views, ViewOf(info))
	}
	PrintSessions(c.out, views, time.Now())
}

// resolveID expands an unambiguous id prefix to the full session id.
func (c *CLI) resolveID(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("session id required")
	}
	prefix := args[0]

	var match string
	for _, info := range c.relay.Sessions() {
		if info.ID == prefix {
			return info.ID, nil
		}
		if strings.HasPrefix(info.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("ambiguous session id: %s", prefix)
			}
			match = info.ID
		}
	}
	if match == "" {
		return "", network.ErrUnknownSession
	}
	return match, nil
}

func (c *CLI) cmdKick(args []string) error {
	id, err := c.resolveID(args)
	if err != nil {
		return err
	}
	if err := c.relay.CloseSession(id); err != nil {
		return err
	}
	log.Info().Str("session", id).Msg("session closed from console")
	fmt.Fprintf(c.out, "Session %s closed\n", id)
	return nil
}

func (c *CLI) cmdPlay(args []string) error {
	id, err := c.resolveID(args)
	if err != nil {
		return err
	}
	if err := c.relay.MarkPlay(id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Session %s marked as play\n", id)
	return nil
}

func (c *CLI) cmdLogins(ctx context.Context, args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}
	logins, err := c.recorder.RecentLogins(ctx, limit)
	if err != nil {
		return err
	}
	PrintLogins(c.out, logins)
	return nil
}
