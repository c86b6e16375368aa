// Package config handles configuration loading, validation, and persistence
// for the relay.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir    = "config"
	DefaultConfigFile   = "config.json"
	DefaultListenPort   = 25565
	DefaultUpstreamPort = 25566
	DefaultUDPPort      = 5520
	DefaultAPIPort      = 8087
)

// DefaultPath is where the config file lives unless overridden.
var DefaultPath = filepath.Join(DefaultConfigDir, DefaultConfigFile)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Relay   RelayConfig   `json:"relay" toml:"relay"`
	UDP     UDPConfig     `json:"udp" toml:"udp"`
	API     APIConfig     `json:"api" toml:"api"`
	MQTT    MQTTConfig    `json:"mqtt" toml:"mqtt"`
	Store   StoreConfig   `json:"store" toml:"store"`
	Metrics MetricsConfig `json:"metrics" toml:"metrics"`
	Health  HealthConfig  `json:"health" toml:"health"`
	Logging LoggingConfig `json:"logging" toml:"logging"`
}

// RelayConfig holds the client listener and upstream settings.
type RelayConfig struct {
	ListenHost     string `json:"listen_host" toml:"listen_host"`
	ListenPort     int    `json:"listen_port" toml:"listen_port"`
	UpstreamHost   string `json:"upstream_host" toml:"upstream_host"`
	UpstreamPort   int    `json:"upstream_port" toml:"upstream_port"`
	DialTimeoutMS  int    `json:"dial_timeout_ms" toml:"dial_timeout_ms"`
	WriteTimeoutMS int    `json:"write_timeout_ms" toml:"write_timeout_ms"`
	ReadBuffer     int    `json:"read_buffer" toml:"read_buffer"`
	MaxFrameSize   int    `json:"max_frame_size" toml:"max_frame_size"`
	MaxConnPerSec  int    `json:"max_conn_per_sec" toml:"max_conn_per_sec"`
	MaxConcurrent  int    `json:"max_concurrent" toml:"max_concurrent"`
}

// ListenAddr returns host:port for the client listener.
func (r RelayConfig) ListenAddr() string {
	return net.JoinHostPort(r.ListenHost, strconv.Itoa(r.ListenPort))
}

// UpstreamAddr returns host:port of the game server.
func (r RelayConfig) UpstreamAddr() string {
	return net.JoinHostPort(r.UpstreamHost, strconv.Itoa(r.UpstreamPort))
}

// DialTimeout returns the upstream connect timeout.
func (r RelayConfig) DialTimeout() time.Duration {
	return time.Duration(r.DialTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the per-write deadline, zero for none.
func (r RelayConfig) WriteTimeout() time.Duration {
	return time.Duration(r.WriteTimeoutMS) * time.Millisecond
}

// UDPConfig holds the datagram responder settings.
type UDPConfig struct {
	Enabled   bool   `json:"enabled" toml:"enabled"`
	Host      string `json:"host" toml:"host"`
	Port      int    `json:"port" toml:"port"`
	Response  string `json:"response" toml:"response"`
	MaxPerSec int    `json:"max_per_sec" toml:"max_per_sec"`
}

// Addr returns host:port for the responder.
func (u UDPConfig) Addr() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// APIConfig holds admin HTTP API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled" toml:"enabled"`
	Host           string   `json:"host" toml:"host"`
	Port           int      `json:"port" toml:"port"`
	AllowedOrigins []string `json:"allowed_origins" toml:"allowed_origins"`
	MaxUploadKB    int      `json:"max_upload_kb" toml:"max_upload_kb"`
	// Token, when set, must be presented as a bearer token on every
	// /api route.
	Token        string   `json:"token" toml:"token"`
	IPWhitelist  []string `json:"ip_whitelist" toml:"ip_whitelist"`
	RateLimitRPS int      `json:"rate_limit_rps" toml:"rate_limit_rps"`
}

// Addr returns host:port for the API server.
func (a APIConfig) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" toml:"enabled"`
	BrokerURL   string `json:"broker_url" toml:"broker_url"`
	Port        int    `json:"port" toml:"port"`
	UseTLS      bool   `json:"use_tls" toml:"use_tls"`
	CertFile    string `json:"cert_file" toml:"cert_file"`
	KeyFile     string `json:"key_file" toml:"key_file"`
	CAFile      string `json:"ca_file" toml:"ca_file"`
	ClientID    string `json:"client_id" toml:"client_id"`
	Username    string `json:"username" toml:"username"`
	Password    string `json:"password" toml:"password"`
	TopicPrefix string `json:"topic_prefix" toml:"topic_prefix"`
}

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreNone   = "none"
)

// StoreConfig selects and configures the session audit store.
type StoreConfig struct {
	Driver        string `json:"driver" toml:"driver"`
	SQLitePath    string `json:"sqlite_path" toml:"sqlite_path"`
	RedisAddr     string `json:"redis_addr" toml:"redis_addr"`
	RedisPassword string `json:"redis_password" toml:"redis_password"`
	RedisDB       int    `json:"redis_db" toml:"redis_db"`
	RecentLimit   int    `json:"recent_limit" toml:"recent_limit"`
	// RetentionDays bounds how long SQLite records are kept; zero keeps
	// them forever. CleanupTime is the local "HH:MM" the purge runs at.
	RetentionDays int    `json:"retention_days" toml:"retention_days"`
	CleanupTime   string `json:"cleanup_time" toml:"cleanup_time"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled"`
	Path    string `json:"path" toml:"path"`
}

// HealthConfig sets the periodic self-check intervals, in seconds. Zero
// disables a check.
type HealthConfig struct {
	UpstreamCheckSec int     `json:"upstream_check_sec" toml:"upstream_check_sec"`
	UDPCheckSec      int     `json:"udp_check_sec" toml:"udp_check_sec"`
	DiskCheckSec     int     `json:"disk_check_sec" toml:"disk_check_sec"`
	DiskWarnPercent  float64 `json:"disk_warn_percent" toml:"disk_warn_percent"`
	HeartbeatSec     int     `json:"heartbeat_sec" toml:"heartbeat_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" toml:"level"`
	Directory  string `json:"directory" toml:"directory"`
	MaxSizeMB  int    `json:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" toml:"max_backups"`
	Console    bool   `json:"console" toml:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		path: DefaultPath,
		Relay: RelayConfig{
			ListenHost:    "0.0.0.0",
			ListenPort:    DefaultListenPort,
			UpstreamHost:  "127.0.0.1",
			UpstreamPort:  DefaultUpstreamPort,
			DialTimeoutMS: 5000,
			ReadBuffer:    4096,
			MaxFrameSize:  1<<21 - 1,
			MaxConnPerSec: 10,
			MaxConcurrent: 500,
		},
		UDP: UDPConfig{
			Enabled:   true,
			Host:      "0.0.0.0",
			Port:      DefaultUDPPort,
			Response:  "Hytale_Bridge_Online",
			MaxPerSec: 300,
		},
		API: APIConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         DefaultAPIPort,
			MaxUploadKB:  512,
			RateLimitRPS: 20,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        1883,
			ClientID:    "blockbridge",
			TopicPrefix: "blockbridge",
		},
		Store: StoreConfig{
			Driver:        StoreSQLite,
			SQLitePath:    filepath.Join("data", "blockbridge.db"),
			RedisAddr:     "127.0.0.1:6379",
			RecentLimit:   100,
			RetentionDays: 30,
			CleanupTime:   "04:00",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			UpstreamCheckSec: 60,
			UDPCheckSec:      120,
			DiskCheckSec:     300,
			DiskWarnPercent:  90,
			HeartbeatSec:     30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// isTOML reports whether path selects the TOML format.
func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads configuration from path, JSON or TOML by extension. A missing
// file is created with defaults. Values absent from the file keep their
// defaults, and the file is re-saved so it lists every option.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = path
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	cfg.path = path
	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	log.Info().Str("path", path).Msg("configuration loaded")

	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to its path.
func (c *Config) Save() error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Marshal encodes the configuration in the format its path selects.
func (c *Config) Marshal() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if isTOML(c.path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		return buf.Bytes(), nil
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return append(data, '\n'), nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath changes where Save writes.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetRelay returns a copy of the relay configuration.
func (c *Config) GetRelay() RelayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay
}

// SetRelay replaces the relay configuration.
func (c *Config) SetRelay(r RelayConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Relay = r
}

// Redacted returns a copy of every section with secrets blanked, for
// display over the admin API.
func (c *Config) Redacted() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	mqtt := c.MQTT
	if mqtt.Password != "" {
		mqtt.Password = "********"
	}
	api := c.API
	if api.Token != "" {
		api.Token = "********"
	}
	store := c.Store
	if store.RedisPassword != "" {
		store.RedisPassword = "********"
	}
	return map[string]interface{}{
		"relay":   c.Relay,
		"udp":     c.UDP,
		"api":     api,
		"mqtt":    mqtt,
		"store":   store,
		"metrics": c.Metrics,
		"health":  c.Health,
		"logging": c.Logging,
	}
}
