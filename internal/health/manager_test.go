package health

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/blockbridge/internal/config"
	"github.com/energizer-project/blockbridge/internal/events"
)

type fakeUDP struct{ err error }

func (f fakeUDP) SelfTest(time.Duration) error { return f.err }

type fakeSessions int

func (f fakeSessions) SessionCount() int { return int(f) }

type recordingReporter struct {
	mu      sync.Mutex
	results map[string]bool
}

func (r *recordingReporter) CheckResult(check string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = make(map[string]bool)
	}
	r.results[check] = ok
}

func TestUpstreamCheckAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	m := NewManager(config.HealthConfig{}, nil, Options{Upstream: ln.Addr().String(), DialTimeout: time.Second})
	if st := m.Run(context.Background(), CheckUpstream, m.checkUpstream); !st.OK {
		t.Fatalf("status = %+v", st)
	}

	addr := ln.Addr().String()
	ln.Close()
	m = NewManager(config.HealthConfig{}, nil, Options{Upstream: addr, DialTimeout: time.Second})
	if st := m.Run(context.Background(), CheckUpstream, m.checkUpstream); st.OK || st.Error == "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunAnnouncesOnlyTransitions(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	stream, cancel := bus.Stream(16)
	defer cancel()

	reporter := &recordingReporter{}
	m := NewManager(config.HealthConfig{}, bus, Options{Upstream: "x", Reporter: reporter})

	fail := errors.New("down")
	results := []error{nil, nil, fail, fail, nil}
	for _, r := range results {
		r := r
		m.Run(context.Background(), "probe", func(context.Context) error { return r })
	}

	var changes []bool
	timeout := time.After(time.Second)
	for len(changes) < 3 {
		select {
		case e := <-stream:
			if e.Type != events.EventHealthChanged {
				continue
			}
			changes = append(changes, e.Payload.(events.HealthChangedPayload).OK)
		case <-timeout:
			t.Fatalf("got %d transitions, want 3", len(changes))
		}
	}
	if !changes[0] || changes[1] || !changes[2] {
		t.Fatalf("transitions = %v", changes)
	}
	select {
	case e := <-stream:
		t.Fatalf("unexpected extra event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if ok, seen := reporter.results["probe"]; !seen || !ok {
		t.Fatalf("reporter = %v", reporter.results)
	}
}

func TestDiskCheckThreshold(t *testing.T) {
	m := NewManager(config.HealthConfig{DiskWarnPercent: 90}, nil, Options{Upstream: "x"})

	m.diskUsage = func(string) (float64, error) { return 42, nil }
	if err := m.checkDisk(context.Background()); err != nil {
		t.Fatalf("42%% should pass: %v", err)
	}
	m.diskUsage = func(string) (float64, error) { return 95.5, nil }
	if err := m.checkDisk(context.Background()); err == nil {
		t.Fatal("95.5% should fail")
	}
	m.diskUsage = func(string) (float64, error) { return 0, errors.New("no such device") }
	if err := m.checkDisk(context.Background()); err == nil {
		t.Fatal("usage error should fail the check")
	}
}

func TestSnapshotAndHeartbeat(t *testing.T) {
	m := NewManager(config.HealthConfig{}, nil, Options{
		Upstream: "x",
		UDP:      fakeUDP{err: errors.New("no ack")},
		Sessions: fakeSessions(7),
	})
	m.Run(context.Background(), CheckUDP, m.checkUDP)
	m.Run(context.Background(), CheckDisk, func(context.Context) error { return nil })

	snap := m.Snapshot()
	if len(snap) != 2 || snap[0].Name != CheckDisk || snap[1].Name != CheckUDP {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[1].OK || snap[1].Error != "no ack" {
		t.Fatalf("udp status = %+v", snap[1])
	}

	hb := m.Heartbeat()
	if hb.Sessions != 7 || hb.Checks[CheckDisk] != true || hb.Checks[CheckUDP] != false {
		t.Fatalf("heartbeat = %+v", hb)
	}
}

func TestChecksSkipMissingResponder(t *testing.T) {
	m := NewManager(config.HealthConfig{UDPCheckSec: 10}, nil, Options{Upstream: "x"})
	for _, c := range m.checks() {
		if c.name == CheckUDP {
			t.Fatal("udp check registered without a responder")
		}
	}
}

func TestStartStopsOnContext(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	m := NewManager(config.HealthConfig{DiskCheckSec: 1, HeartbeatSec: 1}, bus, Options{Upstream: "x"})
	m.diskUsage = func(string) (float64, error) { return 1, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(m.Snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("disk check never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
