// Package config loads the sink configuration: built-in defaults, then an
// optional YAML or TOML file, then environment variable overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Relay provider names accepted in relay.provider.
const (
	RelayNone   = ""
	RelayStdout = "stdout"
	RelaySES    = "ses"
	RelayGraph  = "graph"
)

// Config holds the complete application configuration.
type Config struct {
	Debug     bool          `yaml:"debug" toml:"debug"`
	MailDir   string        `yaml:"mail_dir" toml:"mail_dir"`
	SMTP      ListenConfig  `yaml:"smtp" toml:"smtp"`
	POP3      ListenConfig  `yaml:"pop3" toml:"pop3"`
	SOTimeout int           `yaml:"so_timeout" toml:"so_timeout"`
	Logging   LoggingConfig `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig `yaml:"metrics" toml:"metrics"`
	Relay     RelayConfig   `yaml:"relay" toml:"relay"`
}

// ListenConfig describes one protocol listener.
type ListenConfig struct {
	Host    string `yaml:"host" toml:"host"`
	Port    int    `yaml:"port" toml:"port"`
	Backlog int    `yaml:"backlog" toml:"backlog"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// MetricsConfig holds the Prometheus endpoint configuration. An empty Listen
// disables the endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// RelayConfig selects where captured messages are forwarded after being stored.
type RelayConfig struct {
	Provider string      `yaml:"provider" toml:"provider"`
	SES      SESConfig   `yaml:"ses" toml:"ses"`
	Graph    GraphConfig `yaml:"graph" toml:"graph"`
}

// SESConfig holds AWS SES relay configuration.
type SESConfig struct {
	Region          string   `yaml:"region" toml:"region"`
	AccessKeyID     string   `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key" toml:"secret_access_key"`
	Sender          string   `yaml:"sender" toml:"sender"`
	Recipients      []string `yaml:"recipients" toml:"recipients"`
}

// GraphConfig holds Microsoft Graph API relay configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id" toml:"tenant_id"`
	ClientID     string `yaml:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret"`
	Sender       string `yaml:"sender" toml:"sender"`
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML (.yaml, .yml) or TOML (.toml)
// file as the base layer, then overrides with environment variables. Returns
// an error if the file does not exist or cannot be parsed.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q", ext)
	}

	// Environment variables always override file values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.MailDir == "" {
		return fmt.Errorf("mail_dir must not be empty")
	}
	if err := validatePort("smtp", c.SMTP.Port); err != nil {
		return err
	}
	if err := validatePort("pop3", c.POP3.Port); err != nil {
		return err
	}
	if c.SMTP.Backlog < 0 || c.POP3.Backlog < 0 {
		return fmt.Errorf("backlog must not be negative")
	}
	if c.SOTimeout <= 0 {
		return fmt.Errorf("so_timeout must be positive, got %d", c.SOTimeout)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}

	switch c.Relay.Provider {
	case RelayNone, RelayStdout:
	case RelaySES:
		if c.Relay.SES.Region == "" || c.Relay.SES.Sender == "" {
			return fmt.Errorf("ses relay requires region and sender")
		}
	case RelayGraph:
		if !c.GraphConfigured() {
			return fmt.Errorf("graph relay requires tenant_id, client_id, client_secret and sender")
		}
	default:
		return fmt.Errorf("unknown relay provider %q", c.Relay.Provider)
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s port out of range: %d", name, port)
	}
	return nil
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Relay.Graph.TenantID != "" &&
		c.Relay.Graph.ClientID != "" &&
		c.Relay.Graph.ClientSecret != "" &&
		c.Relay.Graph.Sender != ""
}

// SMTPAddr returns the SMTP listen address as host:port.
func (c *Config) SMTPAddr() string {
	return net.JoinHostPort(c.SMTP.Host, strconv.Itoa(c.SMTP.Port))
}

// POP3Addr returns the POP3 listen address as host:port.
func (c *Config) POP3Addr() string {
	return net.JoinHostPort(c.POP3.Host, strconv.Itoa(c.POP3.Port))
}

// AcceptTimeout returns so_timeout as a duration.
func (c *Config) AcceptTimeout() time.Duration {
	return time.Duration(c.SOTimeout) * time.Millisecond
}

// LogLevel returns the effective log level. Debug mode always wins.
func (c *Config) LogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.Logging.Level
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.MailDir = "mail"
	c.SMTP = ListenConfig{Host: "localhost", Port: 25}
	c.POP3 = ListenConfig{Host: "localhost", Port: 110}
	c.SOTimeout = 10000
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; numbers that
// fail to parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
	if v := os.Getenv("MAIL_DIR"); v != "" {
		c.MailDir = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	setInt(&c.SMTP.Port, "SMTP_PORT")
	setInt(&c.SMTP.Backlog, "SMTP_BACKLOG")

	if v := os.Getenv("POP3_HOST"); v != "" {
		c.POP3.Host = v
	}
	setInt(&c.POP3.Port, "POP3_PORT")
	setInt(&c.POP3.Backlog, "POP3_BACKLOG")

	setInt(&c.SOTimeout, "SO_TIMEOUT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}

	if v := os.Getenv("RELAY_PROVIDER"); v != "" {
		c.Relay.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.Relay.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.Relay.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.Relay.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.Relay.SES.Sender = v
	}
	if v := os.Getenv("SES_RECIPIENTS"); v != "" {
		c.Relay.SES.Recipients = splitList(v)
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Relay.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Relay.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Relay.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Relay.Graph.Sender = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// splitList splits a comma separated list, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
