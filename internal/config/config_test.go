package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.ListenPort != DefaultListenPort || cfg.Relay.UpstreamAddr() != "127.0.0.1:25566" {
		t.Fatalf("unexpected defaults: %+v", cfg.Relay)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	partial := `{"relay": {"listen_port": 30000, "upstream_host": "10.0.0.5"}, "store": {"driver": "none"}}`
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.ListenPort != 30000 || cfg.Relay.UpstreamHost != "10.0.0.5" {
		t.Fatalf("file values not applied: %+v", cfg.Relay)
	}
	if cfg.Relay.UpstreamPort != DefaultUpstreamPort || cfg.Relay.DialTimeout() != 5*time.Second {
		t.Fatalf("defaults lost: %+v", cfg.Relay)
	}
	if cfg.Store.Driver != StoreNone {
		t.Fatalf("store driver = %q", cfg.Store.Driver)
	}

	// The re-saved file lists every section.
	data, _ := os.ReadFile(path)
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	for _, section := range []string{"relay", "udp", "api", "mqtt", "store", "metrics", "logging"} {
		if _, ok := m[section]; !ok {
			t.Errorf("re-saved config missing %q", section)
		}
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockbridge.toml")
	doc := `
[relay]
listen_port = 25570
upstream_host = "mc.internal"
upstream_port = 25580

[udp]
enabled = false
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.UpstreamAddr() != "mc.internal:25580" || cfg.Relay.ListenPort != 25570 {
		t.Fatalf("relay = %+v", cfg.Relay)
	}
	if cfg.UDP.Enabled {
		t.Fatal("udp should be disabled")
	}
	if cfg.API.Port != DefaultAPIPort {
		t.Fatalf("api port default lost: %d", cfg.API.Port)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "[metrics]") {
		t.Fatalf("re-saved TOML missing sections:\n%s", data)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte("{not json"), 0644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	result := Validate(DefaultConfig())
	if !result.IsValid() {
		t.Fatalf("default config invalid: %v", result.Err())
	}
	if result.Err() != nil {
		t.Fatal("Err should be nil for a valid result")
	}
}

func TestValidateCatchesProblems(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad listen port", func(c *Config) { c.Relay.ListenPort = 70000 }, "relay.listen_port"},
		{"empty upstream", func(c *Config) { c.Relay.UpstreamHost = " " }, "relay.upstream_host"},
		{"relay loop", func(c *Config) { c.Relay.UpstreamPort = c.Relay.ListenPort }, "relay.upstream_port"},
		{"zero dial timeout", func(c *Config) { c.Relay.DialTimeoutMS = 0 }, "relay.dial_timeout_ms"},
		{"oversized frames", func(c *Config) { c.Relay.MaxFrameSize = 1 << 22 }, "relay.max_frame_size"},
		{"api port clash", func(c *Config) { c.API.Port = c.Relay.ListenPort }, "api.port"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker_url"},
		{"unknown store", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"bad redis addr", func(c *Config) { c.Store.Driver = StoreRedis; c.Store.RedisAddr = "nohost" }, "store.redis_addr"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			result := Validate(cfg)
			for _, e := range result.Errors {
				if e.Field == tc.field {
					return
				}
			}
			t.Fatalf("expected error on %s, got %+v", tc.field, result.Errors)
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Relay.ListenPort = 80
	cfg.Relay.MaxConnPerSec = 0
	result := Validate(cfg)
	if !result.IsValid() {
		t.Fatalf("warnings must not invalidate: %v", result.Err())
	}
	if len(result.Warnings) < 2 {
		t.Fatalf("warnings = %+v", result.Warnings)
	}
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MQTT.Password = "hunter2"
	cfg.Store.RedisPassword = "s3cret"

	out, _ := json.Marshal(cfg.Redacted())
	if bytes.Contains(out, []byte("hunter2")) || bytes.Contains(out, []byte("s3cret")) {
		t.Fatalf("secrets leaked: %s", out)
	}
	if cfg.MQTT.Password != "hunter2" {
		t.Fatal("Redacted must not modify the config")
	}
}

func TestSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), "config.json"))

	answers := strings.Join([]string{
		"26000",
		"10.1.1.1",
		"",
		"",
		"no",
		"yes",
		"9000",
		"none",
		"",
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader(answers), &out); err != nil {
		t.Fatalf("wizard: %v\n%s", err, out.String())
	}
	if cfg.Relay.ListenPort != 26000 || cfg.Relay.UpstreamHost != "10.1.1.1" || cfg.UDP.Enabled || cfg.API.Port != 9000 {
		t.Fatalf("answers not applied: %+v %+v %+v", cfg.Relay, cfg.UDP, cfg.API)
	}
	if cfg.Store.Driver != StoreNone {
		t.Fatalf("store driver = %q", cfg.Store.Driver)
	}

	saved, err := Load(cfg.Path())
	if err != nil || saved.Relay.ListenPort != 26000 {
		t.Fatalf("saved config not readable: %v", err)
	}
}

func TestSetupWizardGivesUpOnInvalidInput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), "config.json"))

	answers := "99999" + strings.Repeat("\n", 11) + "no\n"
	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader(answers), &out); err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(out.String(), "relay.listen_port") {
		t.Fatalf("error not reported to the operator:\n%s", out.String())
	}
}

func TestValidateAPIAccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.IPWhitelist = []string{"10.0.0.0/8", "192.168.1.10", "nonsense"}
	result := Validate(cfg)
	if len(result.Errors) != 1 || result.Errors[0].Field != "api.ip_whitelist" {
		t.Fatalf("errors = %+v", result.Errors)
	}

	cfg = DefaultConfig()
	cfg.API.Host = "0.0.0.0"
	result = Validate(cfg)
	found := false
	for _, w := range result.Warnings {
		found = found || w.Field == "api.token"
	}
	if !found {
		t.Fatalf("expected api.token warning, got %+v", result.Warnings)
	}

	cfg.API.Token = "secret"
	out, _ := json.Marshal(cfg.Redacted())
	if bytes.Contains(out, []byte(`"secret"`)) {
		t.Fatalf("token leaked: %s", out)
	}
}

func TestValidateHealthAndRetention(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Health.UDPCheckSec = -1
	cfg.Health.DiskWarnPercent = 120
	cfg.Store.CleanupTime = "25:00"
	result := Validate(cfg)

	fields := map[string]bool{}
	for _, e := range result.Errors {
		fields[e.Field] = true
	}
	for _, want := range []string{"health.udp_check_sec", "health.disk_warn_percent", "store.cleanup_time"} {
		if !fields[want] {
			t.Errorf("missing error for %s in %+v", want, result.Errors)
		}
	}

	cfg.Store.RetentionDays = 0
	cfg.Health = DefaultConfig().Health
	if result := Validate(cfg); !result.IsValid() {
		t.Fatalf("cleanup time is ignored without retention: %+v", result.Errors)
	}
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("04:30")
	if err != nil || h != 4 || m != 30 {
		t.Fatalf("ParseClock = %d, %d, %v", h, m, err)
	}
	for _, bad := range []string{"", "4", "24:00", "12:60", "ab:cd", "1:2:3"} {
		if _, _, err := ParseClock(bad); err == nil {
			t.Errorf("ParseClock(%q) accepted", bad)
		}
	}
}
