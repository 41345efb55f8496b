package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"
)

// Config is the top-level application configuration. It is read once at
// startup and treated as immutable afterwards.
type Config struct {
	LogLevel       string  `yaml:"log_level"`
	Listen         string  `yaml:"listen"`
	Username       string  `yaml:"username"`
	Password       string  `yaml:"password"`
	From           string  `yaml:"from"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	SentLog        string  `yaml:"sent_log"`
	Sender         SMTP    `yaml:"sender"`
	Mailbox        Mailbox `yaml:"mailbox"`
}

// SMTP holds the outgoing mail server configuration.
type SMTP struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	UseTLS bool   `yaml:"use_tls"` // implicit TLS; otherwise STARTTLS is required
}

// Mailbox describes the single mailbox messages are listed from.
type Mailbox struct {
	Protocol string `yaml:"protocol"` // "imap" or "pop3"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	UseTLS   bool   `yaml:"use_tls"`
	Folder   string `yaml:"folder"`
}

// Timeout returns the network timeout as a time.Duration.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// FromAddress returns the sender address, defaulting to the username.
func (c *Config) FromAddress() string {
	if c.From == "" {
		return c.Username
	}
	return c.From
}

// GetFolder returns the mailbox folder name, defaulting to "INBOX".
func (m *Mailbox) GetFolder() string {
	if m.Folder == "" {
		return "INBOX"
	}
	return m.Folder
}

// Load reads an optional YAML configuration file and applies environment
// overrides on top of it. An empty path loads from the environment only.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel: "info",
		Listen:   "127.0.0.1:5001",
		Sender: SMTP{
			Port: 587,
		},
		Mailbox: Mailbox{
			Protocol: "imap",
			Port:     993,
			UseTLS:   true,
		},
	}
}

// applyEnv overrides file values with environment variables. The variable
// names match the ones the service has always been deployed with.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("RFQMAIL_LOG_LEVEL", &c.LogLevel)
	str("RFQMAIL_LISTEN", &c.Listen)
	str("EMAIL_USER", &c.Username)
	str("EMAIL_PASS", &c.Password)
	str("EMAIL_FROM", &c.From)
	str("SMTP_HOST", &c.Sender.Host)
	str("IMAP_HOST", &c.Mailbox.Host)
	str("MAILBOX_PROTOCOL", &c.Mailbox.Protocol)

	if err := num("SMTP_PORT", &c.Sender.Port); err != nil {
		return err
	}
	if err := num("IMAP_PORT", &c.Mailbox.Port); err != nil {
		return err
	}
	return nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if c.Sender.Host == "" {
		return fmt.Errorf("sender.host is required")
	}
	if c.Sender.Port <= 0 || c.Sender.Port > 65535 {
		return fmt.Errorf("sender.port is out of range")
	}
	if c.Mailbox.Protocol != "imap" && c.Mailbox.Protocol != "pop3" {
		return fmt.Errorf("mailbox.protocol must be imap or pop3")
	}
	if c.Mailbox.Host == "" {
		return fmt.Errorf("mailbox.host is required")
	}
	if c.Mailbox.Port <= 0 || c.Mailbox.Port > 65535 {
		return fmt.Errorf("mailbox.port is out of range")
	}
	if c.Mailbox.Protocol == "pop3" && !c.Mailbox.UseTLS {
		return fmt.Errorf("mailbox.use_tls is required for pop3")
	}
	return nil
}
