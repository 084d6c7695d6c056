package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for hitl-agent.
type Config struct {
	// Base URL of the relay backend (authorization server + MCP relay).
	BackendURL string `env:"HITL_BACKEND_URL" envDefault:"https://hitlrelay.app"`

	// Display name this agent identifies as. Defaults to system hostname.
	AgentName string `env:"HITL_AGENT_NAME"`

	// Directory for persisted records (registration, tokens, keypair,
	// metadata cache). Defaults to ~/.hitl-agent.
	ConfigDir string `env:"HITL_CONFIG_DIR"`

	// Port for the local OAuth callback listener. 0 picks an ephemeral port.
	CallbackPort int `env:"HITL_CALLBACK_PORT" envDefault:"0"`

	// How long to wait for the authorization redirect before giving up.
	CallbackTimeout time.Duration `env:"HITL_CALLBACK_TIMEOUT" envDefault:"5m"`

	// Safety margin subtracted from token expiry when deciding whether
	// an access token needs refreshing.
	TokenSkew time.Duration `env:"HITL_TOKEN_SKEW" envDefault:"60s"`

	// Scope requested during authorization.
	Scope string `env:"HITL_OAUTH_SCOPE" envDefault:"openid profile email"`

	// Timeout for proxied relay tool calls. Human responses can take a
	// while, so this is deliberately long.
	CallTimeout time.Duration `env:"HITL_CALL_TIMEOUT" envDefault:"15m"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.AgentName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "hitl-agent"
		}

		cfg.AgentName = hostname
	}

	if cfg.ConfigDir == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}

		cfg.ConfigDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve ConfigDir to an absolute path at startup so downstream
	// packages can join paths without caring about the working directory.
	absDir, err := filepath.Abs(cfg.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir to absolute path: %w", err)
	}

	cfg.ConfigDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("HITL_BACKEND_URL must be an absolute http(s) URL, got %q", c.BackendURL)
	}

	if c.CallbackPort < 0 || c.CallbackPort > 65535 {
		return fmt.Errorf("HITL_CALLBACK_PORT out of range: %d", c.CallbackPort)
	}

	if c.CallbackTimeout <= 0 {
		return fmt.Errorf("HITL_CALLBACK_TIMEOUT must be positive")
	}

	if c.TokenSkew < 0 {
		return fmt.Errorf("HITL_TOKEN_SKEW must not be negative")
	}

	if c.CallTimeout <= 0 {
		return fmt.Errorf("HITL_CALL_TIMEOUT must be positive")
	}

	return nil
}

// DefaultConfigDir returns the default record directory: ~/.hitl-agent
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".hitl-agent"), nil
}

// BackendEndpoint joins path onto the backend base URL.
func (c *Config) BackendEndpoint(path string) string {
	return strings.TrimRight(c.BackendURL, "/") + path
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
