// Package health runs the relay's periodic self-checks: upstream
// reachability, the UDP responder loopback test and disk headroom for the
// data directory. Results are kept for the admin API, exported as metrics
// and announced on the event bus when they change.
package health

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/energizer-project/blockbridge/internal/config"
	"github.com/energizer-project/blockbridge/internal/events"
)

// Check names.
const (
	CheckUpstream = "upstream"
	CheckUDP      = "udp"
	CheckDisk     = "disk"
)

// SelfTester is implemented by the UDP responder.
type SelfTester interface {
	SelfTest(timeout time.Duration) error
}

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	SessionCount() int
}

// Reporter receives every check result.
type Reporter interface {
	CheckResult(check string, ok bool)
}

// DialFunc opens a connection, net.Dialer.DialContext style.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Status is the last result of one check.
type Status struct {
	Name      string        `json:"name"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Options wires a Manager to the rest of the process. Only Upstream is
// required; checks whose dependency is missing are skipped.
type Options struct {
	Upstream    string
	DialTimeout time.Duration
	Dial        DialFunc
	UDP         SelfTester
	Sessions    SessionCounter
	Reporter    Reporter
	// DataDir is the directory whose disk is watched.
	DataDir string
}

// Manager runs the periodic checks.
type Manager struct {
	cfg      config.HealthConfig
	opts     Options
	eventBus *events.EventBus
	logger   zerolog.Logger
	started  time.Time

	mu       sync.RWMutex
	statuses map[string]Status

	// diskUsage is swapped out in tests.
	diskUsage func(path string) (float64, error)
}

// NewManager creates a health check manager.
func NewManager(cfg config.HealthConfig, eventBus *events.EventBus, opts Options) *Manager {
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = d.DialContext
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.DataDir == "" {
		opts.DataDir = "."
	}
	return &Manager{
		cfg:       cfg,
		opts:      opts,
		eventBus:  eventBus,
		logger:    log.With().Str("component", "health").Logger(),
		started:   time.Now(),
		statuses:  make(map[string]Status),
		diskUsage: diskUsedPercent,
	}
}

type check struct {
	name     string
	interval int
	fn       func(context.Context) error
}

func (m *Manager) checks() []check {
	list := []check{
		{CheckUpstream, m.cfg.UpstreamCheckSec, m.checkUpstream},
		{CheckDisk, m.cfg.DiskCheckSec, m.checkDisk},
	}
	if m.opts.UDP != nil {
		list = append(list, check{CheckUDP, m.cfg.UDPCheckSec, m.checkUDP})
	}
	return list
}

// Start launches every enabled check and the heartbeat, and blocks until
// ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	var wg sync.WaitGroup
	enabled := 0

	for _, c := range m.checks() {
		if c.interval <= 0 {
			continue
		}
		enabled++

		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Duration(c.interval) * time.Second)
			defer ticker.Stop()

			m.Run(ctx, c.name, c.fn)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.Run(ctx, c.name, c.fn)
				}
			}
		}()
	}

	if m.cfg.HeartbeatSec > 0 && m.eventBus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.heartbeatLoop(ctx, time.Duration(m.cfg.HeartbeatSec)*time.Second)
		}()
	}

	m.logger.Info().Int("checks", enabled).Msg("health check manager started")

	<-ctx.Done()
	wg.Wait()
	m.logger.Info().Msg("health check manager stopped")
}

// Run executes one check, stores the result and announces a change of
// outcome.
func (m *Manager) Run(ctx context.Context, name string, fn func(context.Context) error) Status {
	start := time.Now()
	err := fn(ctx)
	st := Status{
		Name:      name,
		OK:        err == nil,
		Latency:   time.Since(start),
		CheckedAt: start,
	}
	if err != nil {
		st.Error = err.Error()
	}

	m.mu.Lock()
	prev, seen := m.statuses[name]
	m.statuses[name] = st
	m.mu.Unlock()

	if m.opts.Reporter != nil {
		m.opts.Reporter.CheckResult(name, st.OK)
	}

	if seen && prev.OK == st.OK {
		return st
	}
	if st.OK {
		m.logger.Info().Str("check", name).Dur("latency", st.Latency).Msg("health check passing")
	} else {
		m.logger.Warn().Str("check", name).Str("error", st.Error).Msg("health check failing")
	}
	if m.eventBus != nil {
		m.eventBus.Emit(ctx, events.Event{
			Type:   events.EventHealthChanged,
			Source: "health",
			Payload: events.HealthChangedPayload{
				Check: name,
				OK:    st.OK,
				Error: st.Error,
			},
		})
	}
	return st
}

// Snapshot returns the latest result of every check that has run, sorted
// by name.
func (m *Manager) Snapshot() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// checkUpstream opens and immediately closes a TCP connection to the game
// server.
func (m *Manager) checkUpstream(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	conn, err := m.opts.Dial(ctx, "tcp", m.opts.Upstream)
	if err != nil {
		return fmt.Errorf("upstream %s unreachable: %w", m.opts.Upstream, err)
	}
	return conn.Close()
}

// checkUDP probes the responder over loopback.
func (m *Manager) checkUDP(ctx context.Context) error {
	return m.opts.UDP.SelfTest(2 * time.Second)
}

// checkDisk fails once the data directory's disk passes the warn threshold.
func (m *Manager) checkDisk(ctx context.Context) error {
	used, err := m.diskUsage(m.opts.DataDir)
	if err != nil {
		return fmt.Errorf("disk usage unavailable: %w", err)
	}
	if m.cfg.DiskWarnPercent > 0 && used >= m.cfg.DiskWarnPercent {
		return fmt.Errorf("disk usage at %.1f%% (threshold %.0f%%)", used, m.cfg.DiskWarnPercent)
	}
	return nil
}

func diskUsedPercent(path string) (float64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent, nil
}

// heartbeatLoop publishes a periodic liveness summary.
func (m *Manager) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.eventBus.Emit(ctx, events.Event{
				Type:    events.EventHeartbeat,
				Source:  "heartbeat",
				Payload: m.Heartbeat(),
			})
		}
	}
}

// Heartbeat builds the payload of a heartbeat event.
func (m *Manager) Heartbeat() events.HeartbeatPayload {
	hb := events.HeartbeatPayload{
		UptimeSeconds: int64(time.Since(m.started).Seconds()),
		Checks:        make(map[string]bool),
	}
	if m.opts.Sessions != nil {
		hb.Sessions = m.opts.Sessions.SessionCount()
	}
	for _, st := range m.Snapshot() {
		hb.Checks[st.Name] = st.OK
	}
	return hb
}
