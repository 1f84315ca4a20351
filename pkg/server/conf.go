package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime core's configuration.
type Config struct {
	// --- Identity ---
	MudName string `yaml:"mud_name"`
	Port    int    `yaml:"port"`

	// --- TLS listener (0 = disabled) ---
	TLSPort  int    `yaml:"tls_port"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// --- WebSocket door (0 = disabled) ---
	WebPort int `yaml:"web_port"`

	// --- Connection limits ---
	MaxDescriptors int `yaml:"max_descriptors"` // Slots before accepting pauses
	IdleTimeout    int `yaml:"idle_timeout"`    // Seconds, consulted by the dispatch layer

	// --- Fairness/quota ---
	TimesliceMS  int `yaml:"timeslice_ms"`   // Length of one fairness slice
	CmdQuotaMax  int `yaml:"cmd_quota_max"`  // Quota ceiling per descriptor
	CmdQuotaIncr int `yaml:"cmd_quota_incr"` // Quota restored per elapsed slice

	// --- Queue ---
	WaitCost     int `yaml:"wait_cost"`      // Deposit per queued command
	QueueChunk   int `yaml:"queue_chunk"`    // Batch size on a quiet tick
	ActiveQChunk int `yaml:"active_q_chunk"` // Batch size when sockets are busy
	PIDMax       int `yaml:"pid_max"`        // Top of the queue PID space

	// --- Resolver ---
	ResolverDepth int `yaml:"resolver_depth"` // Request channel depth

	// --- Site access control ---
	SiteFile string `yaml:"site_file"` // CIDR access rules, live-reloaded

	// --- Banner text ---
	WelcomeText string `yaml:"welcome_text"`
	RejectText  string `yaml:"reject_text"`

	// --- Storage ---
	SessionDB string `yaml:"session_db"` // SQLite session accounting database
	HistoryDB string `yaml:"history_db"` // Bolt site-history database

	// --- Metrics (0 = disabled) ---
	MetricsPort int `yaml:"metrics_port"`
}

// DefaultConfig returns a Config with TinyMUSH-compatible defaults.
func DefaultConfig() *Config {
	return &Config{
		MudName:        "MushCore",
		Port:           6250,
		MaxDescriptors: 500,
		IdleTimeout:    3600,
		TimesliceMS:    1000,
		CmdQuotaMax:    100,
		CmdQuotaIncr:   1,
		WaitCost:       10,
		QueueChunk:     3,
		ActiveQChunk:   10,
		PIDMax:         10000,
		ResolverDepth:  64,
		WelcomeText:    "Welcome. Type \"connect <name> <password>\" to connect.",
		RejectText:     "Connections from your site are not permitted.",
		SessionDB:      "sessions.db",
		HistoryDB:      "sitehist.db",
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
