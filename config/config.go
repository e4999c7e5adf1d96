// Package config reads process configuration from the environment and sets
// up logging and tracing for the node and notary daemons.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Vault backends.
const (
	VaultSQLite    = "sqlite"
	VaultJetStream = "jetstream"
)

// Common holds the settings shared by every daemon.
type Common struct {
	NATSURL      string `env:"PROBE_NATS_URL"      envDefault:"nats://localhost:4222"`
	PartyName    string `env:"PROBE_PARTY_NAME,required,notEmpty"`
	KeySeed      string `env:"PROBE_KEY_SEED"`
	NetworkFile  string `env:"PROBE_NETWORK_FILE"`
	LogLevel     string `env:"PROBE_LOG_LEVEL"     envDefault:"info"`
	OTelEndpoint string `env:"PROBE_OTEL_ENDPOINT"`
}

// Node configures a party node.
type Node struct {
	Common

	Vault          string        `env:"PROBE_VAULT"           envDefault:"sqlite"`
	VaultDSN       string        `env:"PROBE_VAULT_DSN"       envDefault:"file:vault.db"`
	HTTPAddr       string        `env:"PROBE_HTTP_ADDR"       envDefault:":8080"`
	SessionTimeout time.Duration `env:"PROBE_SESSION_TIMEOUT" envDefault:"30s"`
	PollTimeout    time.Duration `env:"PROBE_POLL_TIMEOUT"    envDefault:"10s"`
	PageSize       int           `env:"PROBE_PAGE_SIZE"       envDefault:"100"`
	AcceptRPS      float64       `env:"PROBE_ACCEPT_RPS"      envDefault:"5"`
	AcceptBurst    int           `env:"PROBE_ACCEPT_BURST"    envDefault:"10"`
	ExpireAfter    time.Duration `env:"PROBE_EXPIRE_AFTER"    envDefault:"5m"`
}

// Notary configures the notary daemon.
type Notary struct {
	Common

	MetricsAddr string `env:"PROBE_METRICS_ADDR" envDefault:":9090"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadNode parses and validates the node configuration.
func LoadNode() (Node, error) {
	var cfg Node
	if err := ParseEnv(&cfg); err != nil {
		return Node{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks values the environment parser cannot.
func (n Node) Validate() error {
	switch n.Vault {
	case VaultSQLite, VaultJetStream:
	default:
		return fmt.Errorf("PROBE_VAULT must be %q or %q, got %q", VaultSQLite, VaultJetStream, n.Vault)
	}
	if n.PageSize <= 0 {
		return fmt.Errorf("PROBE_PAGE_SIZE must be positive, got %d", n.PageSize)
	}
	return nil
}

// LoadNotary parses the notary configuration.
func LoadNotary() (Notary, error) {
	var cfg Notary
	if err := ParseEnv(&cfg); err != nil {
		return Notary{}, err
	}
	return cfg, nil
}

// NewLogger returns a JSON logger writing to w at the named level
// (debug, info, warn, error). Unknown levels fall back to info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}
