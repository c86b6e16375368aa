package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Err joins the errors into one, or returns nil when valid.
func (r *ValidationResult) Err() error {
	if r.IsValid() {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, fmt.Sprintf("[%s] %s", e.Field, e.Message))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateRelay(&cfg.Relay, result)
	validateServices(cfg, result)
	validateStore(&cfg.Store, result)
	validateHealth(&cfg.Health, result)
	validateLogging(&cfg.Logging, result)

	return result
}

func validateRelay(r *RelayConfig, result *ValidationResult) {
	validatePort(r.ListenPort, "relay.listen_port", result)
	validatePort(r.UpstreamPort, "relay.upstream_port", result)

	if strings.TrimSpace(r.UpstreamHost) == "" {
		result.AddError("relay.upstream_host", "upstream host is required")
	}
	if isLoopback(r.UpstreamHost) && isLoopback(r.ListenHost) && r.ListenPort == r.UpstreamPort {
		result.AddError("relay.upstream_port", "upstream points back at the relay listener")
	}

	if r.DialTimeoutMS < 1 {
		result.AddError("relay.dial_timeout_ms", "dial timeout must be positive")
	} else if r.DialTimeoutMS > 60000 {
		result.AddWarning("relay.dial_timeout_ms",
			fmt.Sprintf("dial timeout of %dms leaves clients hanging for a long time", r.DialTimeoutMS))
	}
	if r.WriteTimeoutMS < 0 {
		result.AddError("relay.write_timeout_ms", "write timeout cannot be negative")
	}

	if r.ReadBuffer < 64 {
		result.AddError("relay.read_buffer", "read buffer must be at least 64 bytes")
	}
	if r.MaxFrameSize < 1 || r.MaxFrameSize > 1<<21-1 {
		result.AddError("relay.max_frame_size",
			fmt.Sprintf("max frame size must be between 1 and %d", 1<<21-1))
	}

	if r.MaxConnPerSec < 1 {
		result.AddWarning("relay.max_conn_per_sec",
			"connection rate limit is disabled, this may expose the relay to floods")
	}
	if r.MaxConcurrent < 1 {
		result.AddWarning("relay.max_concurrent", "concurrent session limit is disabled")
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	// Port conflict detection across every enabled listener.
	ports := map[int]string{cfg.Relay.ListenPort: "relay.listen_port"}
	claim := func(port int, field string) {
		if other, taken := ports[port]; taken {
			result.AddError(field, fmt.Sprintf("port %d already used by %s", port, other))
			return
		}
		ports[port] = field
	}

	if cfg.UDP.Enabled {
		validatePort(cfg.UDP.Port, "udp.port", result)
		if cfg.UDP.Response == "" {
			result.AddWarning("udp.response", "empty response, the default acknowledgment will be sent")
		}
	}

	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		claim(cfg.API.Port, "api.port")
		if cfg.API.MaxUploadKB < 1 {
			result.AddError("api.max_upload_kb", "upload limit must be positive")
		}
		for _, entry := range cfg.API.IPWhitelist {
			if net.ParseIP(entry) == nil {
				if _, _, err := net.ParseCIDR(entry); err != nil {
					result.AddError("api.ip_whitelist", fmt.Sprintf("%q is neither an IP nor a CIDR", entry))
				}
			}
		}
		if ip := net.ParseIP(cfg.API.Host); cfg.API.Token == "" && cfg.API.Host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			result.AddWarning("api.token", "admin API is reachable off-host without a token")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
		if cfg.MQTT.UseTLS && (cfg.MQTT.CertFile == "") != (cfg.MQTT.KeyFile == "") {
			result.AddError("mqtt.cert_file", "client certificate and key must be set together")
		}
		if strings.TrimSpace(cfg.MQTT.TopicPrefix) == "" {
			result.AddError("mqtt.topic_prefix", "topic prefix is required when enabled")
		}
	}

	if cfg.Metrics.Enabled {
		if !cfg.API.Enabled {
			result.AddWarning("metrics.enabled", "metrics are served by the API, which is disabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			result.AddError("metrics.path", "metrics path must start with /")
		}
	}
}

func validateStore(s *StoreConfig, result *ValidationResult) {
	switch s.Driver {
	case StoreSQLite:
		if strings.TrimSpace(s.SQLitePath) == "" {
			result.AddError("store.sqlite_path", "SQLite path is required for the sqlite driver")
		}
	case StoreRedis:
		if _, _, err := net.SplitHostPort(s.RedisAddr); err != nil {
			result.AddError("store.redis_addr", fmt.Sprintf("invalid Redis address %q", s.RedisAddr))
		}
		if s.RedisDB < 0 {
			result.AddError("store.redis_db", "Redis database index cannot be negative")
		}
	case StoreNone, "":
	default:
		result.AddError("store.driver", fmt.Sprintf("unknown driver %q (sqlite, redis or none)", s.Driver))
	}

	if s.RecentLimit < 1 {
		result.AddError("store.recent_limit", "recent login limit must be at least 1")
	}
	if s.RetentionDays < 0 {
		result.AddError("store.retention_days", "retention cannot be negative")
	}
	if s.RetentionDays > 0 {
		if _, _, err := ParseClock(s.CleanupTime); err != nil {
			result.AddError("store.cleanup_time", err.Error())
		}
	}
}

func validateHealth(h *HealthConfig, result *ValidationResult) {
	checks := map[string]int{
		"health.upstream_check_sec": h.UpstreamCheckSec,
		"health.udp_check_sec":      h.UDPCheckSec,
		"health.disk_check_sec":     h.DiskCheckSec,
		"health.heartbeat_sec":      h.HeartbeatSec,
	}
	for field, v := range checks {
		if v < 0 {
			result.AddError(field, "interval cannot be negative")
		}
	}
	if h.DiskWarnPercent < 0 || h.DiskWarnPercent > 100 {
		result.AddError("health.disk_warn_percent", "must be between 0 and 100")
	}
}

// ParseClock parses a local "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

func validateLogging(l *LoggingConfig, result *ValidationResult) {
	switch strings.ToLower(l.Level) {
	case "trace", "debug", "info", "warn", "error", "":
	default:
		result.AddWarning("logging.level", fmt.Sprintf("unknown level %q, info will be used", l.Level))
	}
	if l.MaxBackups < 1 {
		result.AddWarning("logging.max_backups", "old log files will not be pruned")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

func isLoopback(host string) bool {
	switch host {
	case "", "0.0.0.0", "::", "localhost":
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// IsPortAvailable checks if a TCP port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
