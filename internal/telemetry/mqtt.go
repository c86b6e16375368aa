// Package telemetry exports relay activity: session events to an MQTT
// broker and counters to Prometheus.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/blockbridge/internal/config"
	"github.com/energizer-project/blockbridge/internal/events"
	"github.com/energizer-project/blockbridge/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicStatus  = "status"
	TopicSession = "session"
	TopicRelay   = "relay"
)

const publishTimeout = 5 * time.Second

// mqttClient is the part of mqtt.Client the handler uses.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler publishes bus events to an MQTT broker as JSON.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqttClient
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
	pending  sync.WaitGroup
}

// NewMQTTHandler creates a handler for cfg. It does not connect.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus, version string) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		logger:   log.With().Str("component", "mqtt").Logger(),
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"os":          sysInfo.OS,
			"app_version": version,
		},
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("%s-%s", util.AppName, sysInfo.Hostname))
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	will, _ := json.Marshal(map[string]interface{}{"status": "offline"})
	opts.SetWill(h.topic(TopicStatus), string(will), 1, true)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
		h.publishStatus("online")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	// mTLS: load client certificate
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Start connects to the broker, subscribes to the bus and blocks until ctx
// is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	defer h.unsubscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.pending.Wait()
	h.client.Disconnect(1000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

var publishedEvents = []events.EventType{
	events.EventSessionOpened,
	events.EventSessionClosed,
	events.EventDialFailed,
	events.EventUpstreamReady,
	events.EventStateChanged,
	events.EventHandshake,
	events.EventLogin,
	events.EventChat,
	events.EventConnectionRejected,
	events.EventHealthChanged,
	events.EventHeartbeat,
}

func (h *MQTTHandler) subscribeEvents() {
	for _, t := range publishedEvents {
		h.eventBus.Subscribe(t, "mqtt", h.onEvent)
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	for _, t := range publishedEvents {
		h.eventBus.Unsubscribe(t, "mqtt")
	}
}

func (h *MQTTHandler) topic(parts ...string) string {
	t := h.cfg.TopicPrefix
	for _, p := range parts {
		t += "/" + p
	}
	return t
}

// TopicFor returns the topic an event is published on.
func (h *MQTTHandler) TopicFor(e events.Event) string {
	switch e.Type {
	case events.EventConnectionRejected, events.EventHealthChanged, events.EventHeartbeat:
		return h.topic(TopicRelay, string(e.Type))
	}
	return h.topic(TopicSession, string(e.Type))
}

func (h *MQTTHandler) onEvent(ctx context.Context, e events.Event) error {
	h.publish(h.TopicFor(e), false, map[string]interface{}{
		"event":      e.Type,
		"session_id": e.SessionID,
		"time":       e.Time.UTC().Format(time.RFC3339Nano),
		"payload":    e.Payload,
	})
	return nil
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, retained bool, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	h.mu.Lock()
	token := h.client.Publish(topic, 1, retained, data)
	h.mu.Unlock()

	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		if !token.WaitTimeout(publishTimeout) {
			h.logger.Warn().Str("topic", topic).Msg("MQTT publish timed out")
			return
		}
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) publishStatus(status string) {
	h.publish(h.topic(TopicStatus), true, map[string]interface{}{"status": status})
}

// PublishShutdown sends the retained offline status.
func (h *MQTTHandler) PublishShutdown() {
	h.publishStatus("offline")
}
