// Package config handles meshline configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshline/meshline/internal/alerts"
	"github.com/meshline/meshline/internal/health"
	"github.com/meshline/meshline/internal/humansim"
	"github.com/meshline/meshline/internal/signalrpc"
	"github.com/meshline/meshline/internal/telegram"
	"github.com/meshline/meshline/internal/webchat"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/meshline/config.yaml, /etc/meshline/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "meshline", "config.yaml"))
	}

	paths = append(paths, "/etc/meshline/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all meshline configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Signal   SignalConfig   `yaml:"signal"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Webchat  WebchatConfig  `yaml:"webchat"`

	Behaviour BehaviourConfig  `yaml:"behaviour"`
	HumanSim  humansim.Profile `yaml:"humansim"`

	Health  HealthConfig  `yaml:"health"`
	Alerts  AlertsConfig  `yaml:"alerts"`
	Autofix AutofixConfig `yaml:"autofix"`
	Archive ArchiveConfig `yaml:"archive"`

	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" (default) or "json"
}

// TelegramConfig enables the Telegram adapter and carries its settings.
type TelegramConfig struct {
	Enabled         bool `yaml:"enabled"`
	telegram.Config `yaml:",inline"`
}

// SignalConfig enables the signal-cli adapter and carries its settings.
type SignalConfig struct {
	Enabled          bool `yaml:"enabled"`
	signalrpc.Config `yaml:",inline"`
}

// WebchatConfig enables the webchat adapter and carries its settings.
type WebchatConfig struct {
	Enabled        bool `yaml:"enabled"`
	webchat.Config `yaml:",inline"`
}

// WhatsAppConfig defines the WhatsApp session. The session manager
// itself takes injected transport and store constructors, so only the
// declarative knobs live here.
type WhatsAppConfig struct {
	Enabled bool `yaml:"enabled"`
	// AuthStoreDir holds the pairing credentials. Defaults to
	// <data_dir>/whatsapp.
	AuthStoreDir         string        `yaml:"auth_store_dir"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	BaseReconnectDelay   time.Duration `yaml:"base_reconnect_delay"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay"`
	PrintQRInTerminal    bool          `yaml:"print_qr_in_terminal"`
}

// BehaviourConfig tunes the behavioural state machine. The dwell and
// weight tables keep their compiled-in defaults; only the time scale
// is exposed.
type BehaviourConfig struct {
	// Scale multiplies every dwell range. <= 0 means 1.0.
	Scale float64 `yaml:"scale"`
}

// HealthConfig defines the per-platform health window.
type HealthConfig struct {
	Window              time.Duration `yaml:"window"`
	MaxWindowSize       int           `yaml:"max_window_size"`
	DisconnectThreshold time.Duration `yaml:"disconnect_threshold"`
}

// Collector converts the section into a collector configuration.
// Zero fields keep the collector defaults.
func (c HealthConfig) Collector() health.CollectorConfig {
	return health.CollectorConfig{
		Window:              c.Window,
		MaxWindowSize:       c.MaxWindowSize,
		DisconnectThreshold: c.DisconnectThreshold,
	}
}

// AlertsConfig defines alert rules and the optional MQTT sink. An
// empty broker disables publishing.
type AlertsConfig struct {
	Rules []alerts.Rule     `yaml:"rules"`
	MQTT  alerts.MQTTConfig `yaml:"mqtt"`
}

// AutofixConfig defines the fix rollout pipeline settings.
type AutofixConfig struct {
	Enabled bool `yaml:"enabled"`
	// ConfidenceThreshold is the minimum confidence for automatic
	// deployment. Default 0.8.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// TestCommand validates a deployed fix (e.g. "go test ./...").
	TestCommand string      `yaml:"test_command"`
	Forge       ForgeConfig `yaml:"forge"`
}

// ForgeConfig defines where deployment reports are filed.
type ForgeConfig struct {
	// BaseURL of the forge API. Empty means github.com.
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	Owner   string `yaml:"owner"`
	Repo    string `yaml:"repo"`
}

// ArchiveConfig defines message archive storage.
type ArchiveConfig struct {
	// Path to the SQLite database. Defaults to <data_dir>/archive.db.
	Path string `yaml:"path"`
	// Retention prunes messages older than this on startup. Zero
	// keeps everything.
	Retention time.Duration `yaml:"retention"`
}

// ArchivePath resolves the archive database location against DataDir.
func (c *Config) ArchivePath() string {
	if c.Archive.Path != "" {
		return c.Archive.Path
	}
	return filepath.Join(c.DataDir, "archive.db")
}

// WhatsAppAuthDir resolves the credential directory against DataDir.
func (c *Config) WhatsAppAuthDir() string {
	if c.WhatsApp.AuthStoreDir != "" {
		return c.WhatsApp.AuthStoreDir
	}
	return filepath.Join(c.DataDir, "whatsapp")
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks cross-field constraints that the YAML schema cannot
// express: required fields of enabled platforms, value ranges, and
// rule completeness.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram enabled without a token")
	}
	if c.Signal.Enabled {
		if c.Signal.Account == "" {
			return fmt.Errorf("signal enabled without an account")
		}
		if c.Signal.Command == "" {
			return fmt.Errorf("signal enabled without a signal-cli command")
		}
	}
	if c.Webchat.Enabled {
		if c.Webchat.BaseURL == "" {
			return fmt.Errorf("webchat enabled without a base_url")
		}
		if c.Webchat.DebuggerURL == "" {
			return fmt.Errorf("webchat enabled without a debugger_url")
		}
	}
	if t := c.Autofix.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("autofix confidence_threshold %v outside [0,1]", t)
	}
	for i, rule := range c.Alerts.Rules {
		if rule.ID == "" {
			return fmt.Errorf("alert rule %d has no id", i)
		}
		if len(rule.Conditions) == 0 {
			return fmt.Errorf("alert rule %q has no conditions", rule.ID)
		}
		for _, cond := range rule.Conditions {
			if !alerts.KnownMetric(cond.Metric) {
				return fmt.Errorf("alert rule %q references unknown metric %q", rule.ID, cond.Metric)
			}
		}
		for _, cond := range rule.ResolveConditions {
			if !alerts.KnownMetric(cond.Metric) {
				return fmt.Errorf("alert rule %q references unknown metric %q", rule.ID, cond.Metric)
			}
		}
	}
	return nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		HumanSim: humansim.Profile{
			ReadingSpeed:  0.5,
			Deliberation:  0.5,
			ActivityLevel: 0.5,
			IdleTendency:  0.5,
		},
		Autofix: AutofixConfig{
			ConfidenceThreshold: 0.8,
			TestCommand:         "go test ./...",
		},
		DataDir:  "data",
		LogLevel: "info",
	}
}
