package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/blockbridge/internal/events"
	"github.com/energizer-project/blockbridge/internal/network"
	"github.com/energizer-project/blockbridge/internal/protocol"
	"github.com/energizer-project/blockbridge/internal/store"
)

type fakeRelay struct {
	infos  []network.ConnectionInfo
	closed []string
	played []string
}

func (f *fakeRelay) Sessions() []network.ConnectionInfo { return f.infos }
func (f *fakeRelay) SessionCount() int                  { return len(f.infos) }

func (f *fakeRelay) CloseSession(id string) error {
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeRelay) MarkPlay(id string) error {
	f.played = append(f.played, id)
	return nil
}

type fakeLogins struct {
	store.Nop
}

func (fakeLogins) RecentLogins(context.Context, int) ([]store.LoginRecord, error) {
	return []store.LoginRecord{{Username: "Notch", Remote: "1.1.1.1:1", ProtocolVersion: 767, At: time.Now()}}, nil
}

func newRelay() *fakeRelay {
	return &fakeRelay{infos: []network.ConnectionInfo{
		{ID: "aaaa1111-0000", Remote: "10.0.0.1:1", State: protocol.StatePlay, Username: "Steve", OpenedAt: time.Now()},
		{ID: "aaaa2222-0000", Remote: "10.0.0.2:2", State: protocol.StateHandshaking, OpenedAt: time.Now()},
		{ID: "bbbb3333-0000", Remote: "10.0.0.3:3", State: protocol.StateLogin, OpenedAt: time.Now()},
	}}
}

func TestConsoleCommands(t *testing.T) {
	relay := newRelay()
	bus := events.NewEventBus()
	defer bus.Stop()
	shutdown, cancelStream := bus.Stream(4)
	defer cancelStream()

	in := strings.NewReader("sessions\nkick bbbb\nkick aaaa\nplay aaaa2222\nlogins 5\nbogus\nquit\nsessions\n")
	var out bytes.Buffer
	NewCLI(relay, fakeLogins{}, bus, in, &out).Start(context.Background())

	text := out.String()
	for _, want := range []string{"Steve", "3 session(s)", "Session bbbb3333-0000 closed", "ambiguous session id", "marked as play", "Notch", "Unknown command: 'bogus'"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if len(relay.closed) != 1 || relay.closed[0] != "bbbb3333-0000" {
		t.Fatalf("closed = %v", relay.closed)
	}
	if len(relay.played) != 1 || relay.played[0] != "aaaa2222-0000" {
		t.Fatalf("played = %v", relay.played)
	}
	if strings.Count(text, "3 session(s)") != 1 {
		t.Fatal("commands after quit must not run")
	}

	select {
	case e := <-shutdown:
		if e.Type != events.EventShutdown {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("quit did not emit shutdown")
	}
}

func TestConsoleStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	pr, pw := io.Pipe()
	defer pw.Close()

	go func() {
		NewCLI(newRelay(), nil, events.NewEventBus(), pr, &bytes.Buffer{}).Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("console ignored context cancellation")
	}
}

func TestClient(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/sessions":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"sessions": []map[string]interface{}{{"id": "s-1", "state": "login", "phase": "connected", "stats": map[string]int{"bytes_up": 2048}}},
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/sessions/missing":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"session not found"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/logins":
			if r.URL.Query().Get("limit") != "3" {
				t.Errorf("limit = %q", r.URL.Query().Get("limit"))
			}
			w.Write([]byte(`{"logins":[{"username":"Alex"}]}`))
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer ts.Close()

	c := NewClient(strings.TrimPrefix(ts.URL, "http://"), "tok")
	ctx := context.Background()

	sessions, err := c.Sessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].State != "login" || sessions[0].Stats.BytesUp != 2048 {
		t.Fatalf("sessions = %+v", sessions)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("auth header = %q", gotAuth)
	}

	err = c.CloseSession(ctx, "missing")
	if err == nil || !strings.Contains(err.Error(), "session not found") {
		t.Fatalf("err = %v", err)
	}

	logins, err := c.Logins(ctx, 3)
	if err != nil || len(logins) != 1 || logins[0].Username != "Alex" {
		t.Fatalf("logins = %+v, %v", logins, err)
	}

	if err := c.MarkPlay(ctx, "x"); err == nil || !strings.Contains(err.Error(), "418") {
		t.Fatalf("err = %v", err)
	}
}

func TestPrintSessionsEmpty(t *testing.T) {
	var out bytes.Buffer
	PrintSessions(&out, nil, time.Now())
	if !strings.Contains(out.String(), "No active sessions") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestHumanBytes(t *testing.T) {
	cases := map[int64]string{
		0:       "0 B",
		1023:    "1023 B",
		1024:    "1.0 KiB",
		1536:    "1.5 KiB",
		5 << 20: "5.0 MiB",
	}
	for in, want := range cases {
		if got := humanBytes(in); got != want {
			t.Errorf("humanBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
