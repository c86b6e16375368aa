package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard walks the operator through the essential settings,
// validates them and saves the file.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	w := &wizard{reader: reader, out: out}

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║            blockbridge - Setup               ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	for {
		w.section("Relay")
		cfg.Relay.ListenPort = w.promptInt("Client listen port", cfg.Relay.ListenPort)
		cfg.Relay.UpstreamHost = w.promptString("Upstream game server host", cfg.Relay.UpstreamHost)
		cfg.Relay.UpstreamPort = w.promptInt("Upstream game server port", cfg.Relay.UpstreamPort)
		cfg.Relay.DialTimeoutMS = w.promptInt("Upstream connect timeout (ms)", cfg.Relay.DialTimeoutMS)

		w.section("UDP responder")
		cfg.UDP.Enabled = w.promptBool("Enable UDP responder", cfg.UDP.Enabled)
		if cfg.UDP.Enabled {
			cfg.UDP.Port = w.promptInt("UDP port", cfg.UDP.Port)
		}

		w.section("Admin API")
		cfg.API.Enabled = w.promptBool("Enable admin API", cfg.API.Enabled)
		if cfg.API.Enabled {
			cfg.API.Port = w.promptInt("API port", cfg.API.Port)
		}

		w.section("Session store")
		cfg.Store.Driver = strings.ToLower(w.promptString("Store driver (sqlite, redis, none)", cfg.Store.Driver))
		switch cfg.Store.Driver {
		case StoreSQLite:
			cfg.Store.SQLitePath = w.promptString("SQLite database path", cfg.Store.SQLitePath)
		case StoreRedis:
			cfg.Store.RedisAddr = w.promptString("Redis address", cfg.Store.RedisAddr)
		}

		w.section("MQTT telemetry")
		cfg.MQTT.Enabled = w.promptBool("Enable MQTT telemetry", cfg.MQTT.Enabled)
		if cfg.MQTT.Enabled {
			cfg.MQTT.BrokerURL = w.promptString("Broker host", cfg.MQTT.BrokerURL)
			cfg.MQTT.Port = w.promptInt("Broker port", cfg.MQTT.Port)
			cfg.MQTT.UseTLS = w.promptBool("Use TLS", cfg.MQTT.UseTLS)
		}

		result := Validate(cfg)
		if result.IsValid() {
			for _, warn := range result.Warnings {
				log.Warn().Str("field", warn.Field).Msg(warn.Message)
			}
			break
		}

		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if !w.promptBool("Would you like to try again?", false) {
			return fmt.Errorf("configuration validation failed: %w", result.Err())
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "✓ Configuration saved to %s\n", cfg.Path())
	return nil
}

type wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

func (w *wizard) section(title string) {
	fmt.Fprintf(w.out, "\n── %s ──\n", title)
}

func (w *wizard) readLine() string {
	input, _ := w.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (w *wizard) promptString(prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(w.out, "  %s: ", prompt)
	}

	if input := w.readLine(); input != "" {
		return input
	}
	return defaultVal
}

func (w *wizard) promptInt(prompt string, defaultVal int) int {
	fmt.Fprintf(w.out, "  %s [%d]: ", prompt, defaultVal)

	input := w.readLine()
	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(w.out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (w *wizard) promptBool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(w.readLine())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}
