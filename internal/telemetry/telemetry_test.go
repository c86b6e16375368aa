package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/energizer-project/blockbridge/internal/bridge"
	"github.com/energizer-project/blockbridge/internal/config"
	"github.com/energizer-project/blockbridge/internal/events"
	"github.com/energizer-project/blockbridge/internal/protocol"
)

func TestMetricsCountSessionLifecycle(t *testing.T) {
	m := NewMetrics()

	m.SessionOpened()
	m.SessionOpened()
	m.DialStarted()
	m.DialFinished(nil, 15*time.Millisecond)
	m.DialFinished(fmt.Errorf("%w: refused", bridge.ErrDialFailure), time.Millisecond)
	m.DialFinished(context.Canceled, 0)
	m.PacketObserved(protocol.StateHandshaking)
	m.Forwarded(10)
	m.Forwarded(5)
	m.Dropped(3)
	m.Relayed(100)
	m.Closed(bridge.ErrPeerClosed)
	m.ConnectionRejected("rate_limited")
	m.CheckResult("upstream", true)
	m.CheckResult("udp", true)
	m.CheckResult("udp", false)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"active", testutil.ToFloat64(m.sessionsActive), 1},
		{"total", testutil.ToFloat64(m.sessionsTotal), 2},
		{"dial ok", testutil.ToFloat64(m.dials.WithLabelValues("ok")), 1},
		{"dial failed", testutil.ToFloat64(m.dials.WithLabelValues("failed")), 1},
		{"dial cancelled", testutil.ToFloat64(m.dials.WithLabelValues("cancelled")), 1},
		{"frames up", testutil.ToFloat64(m.frames.WithLabelValues("up")), 2},
		{"bytes up", testutil.ToFloat64(m.bytes.WithLabelValues("up")), 15},
		{"bytes down", testutil.ToFloat64(m.bytes.WithLabelValues("down")), 100},
		{"dropped", testutil.ToFloat64(m.framesDropped), 1},
		{"closed", testutil.ToFloat64(m.sessionsClosed.WithLabelValues("peer_closed")), 1},
		{"rejected", testutil.ToFloat64(m.rejected.WithLabelValues("rate_limited")), 1},
		{"packets", testutil.ToFloat64(m.packets.WithLabelValues(protocol.StateHandshaking.String())), 1},
		{"upstream up", testutil.ToFloat64(m.healthUp.WithLabelValues("upstream")), 1},
		{"udp down", testutil.ToFloat64(m.healthUp.WithLabelValues("udp")), 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	m := NewMetrics()
	m.SessionOpened()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{"blockbridge_sessions_active 1", "blockbridge_sessions_total 1", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("exposition missing %q", name)
		}
	}
}

func TestCloseLabel(t *testing.T) {
	cases := map[string]error{
		"closed":      nil,
		"peer_closed": bridge.ErrPeerClosed,
		"dial_failed": fmt.Errorf("%w: timeout", bridge.ErrDialFailure),
		"malformed":   fmt.Errorf("%w: bad varint", protocol.ErrFrameTooLarge),
		"error":       errors.New("connection reset by peer"),
	}
	for want, err := range cases {
		if got := closeLabel(err); got != want {
			t.Errorf("closeLabel(%v) = %q, want %q", err, got, want)
		}
	}
}

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	messages     []published
	disconnected bool
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	c.messages = append(c.messages, published{topic: topic, retained: retained, payload: payload.([]byte)})
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) snapshot() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

func newTestHandler(t *testing.T, bus *events.EventBus) (*MQTTHandler, *fakeClient) {
	t.Helper()
	cfg := config.DefaultConfig().MQTT
	cfg.Enabled = true
	cfg.BrokerURL = "broker.test"
	cfg.TopicPrefix = "relay-eu"

	h, err := NewMQTTHandler(cfg, bus, "test")
	if err != nil {
		t.Fatal(err)
	}
	fc := &fakeClient{}
	h.client = fc
	return h, fc
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	if _, err := NewMQTTHandler(config.DefaultConfig().MQTT, events.NewEventBus(), "test"); err == nil {
		t.Fatal("expected error for disabled MQTT")
	}
}

func TestTopicFor(t *testing.T) {
	h, _ := newTestHandler(t, events.NewEventBus())

	if got := h.TopicFor(events.Event{Type: events.EventLogin}); got != "relay-eu/session/login" {
		t.Errorf("login topic = %q", got)
	}
	if got := h.TopicFor(events.Event{Type: events.EventConnectionRejected}); got != "relay-eu/relay/connection_rejected" {
		t.Errorf("rejected topic = %q", got)
	}
	if got := h.TopicFor(events.Event{Type: events.EventHeartbeat}); got != "relay-eu/relay/heartbeat" {
		t.Errorf("heartbeat topic = %q", got)
	}
}

func TestMQTTHandlerPublishesSessionEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	h, fc := newTestHandler(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for bus.HandlerCount(events.EventLogin) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := bus.EmitSync(context.Background(), events.Event{
		Type:      events.EventLogin,
		SessionID: "abc",
		Payload:   events.LoginPayload{Remote: "1.2.3.4:5", Packet: protocol.LoginStart{Username: "Steve"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	bus.EmitSync(context.Background(), events.Event{Type: events.EventDatagram})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	msgs := fc.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want login and shutdown status: %+v", len(msgs), msgs)
	}

	login := msgs[0]
	if login.topic != "relay-eu/session/login" || login.retained {
		t.Fatalf("login message = %+v", login)
	}
	var body struct {
		AppVersion string `json:"app_version"`
		Payload    struct {
			SessionID string `json:"session_id"`
			Payload   struct {
				Packet struct {
					Username string `json:"username"`
				} `json:"packet"`
			} `json:"payload"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(login.payload, &body); err != nil {
		t.Fatal(err)
	}
	if body.AppVersion != "test" || body.Payload.SessionID != "abc" || body.Payload.Payload.Packet.Username != "Steve" {
		t.Fatalf("login body = %s", login.payload)
	}

	status := msgs[1]
	if status.topic != "relay-eu/status" || !status.retained || !strings.Contains(string(status.payload), "offline") {
		t.Fatalf("status message = %+v", status)
	}
	if !fc.disconnected {
		t.Fatal("client not disconnected")
	}
	if bus.HandlerCount(events.EventLogin) != 0 {
		t.Fatal("handler still subscribed after Start returned")
	}
}
