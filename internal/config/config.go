package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for token-keeper. Values come from
// environment variables first; an optional YAML file fills in whatever
// the environment left empty.
type Config struct {
	// OAuth client identity (required).
	ClientID string `env:"CLIENT_ID" yaml:"client_id"`

	// Base URL of the authorization server, e.g. https://auth.example.com.
	// The device-authorization and token endpoints are derived from it.
	AuthURL string `env:"AUTH_URL" yaml:"auth_url"`

	// Scopes requested for the credential. At least one is required.
	Scopes []string `env:"SCOPES" envSeparator:" " yaml:"scopes"`

	// Path of the encrypted token blob. Defaults to
	// ~/.token-keeper/token.enc.
	TokenFile string `env:"TOKEN_FILE" yaml:"token_file"`

	// Passphrase the at-rest encryption key is derived from (required).
	Passphrase string `env:"TOKEN_PASSPHRASE" yaml:"-"`

	// Path of the operational state database. Defaults to
	// ~/.token-keeper/state.db.
	StateFile string `env:"STATE_FILE" yaml:"state_file"`

	// SafetyMargin is how close to expiry a credential is considered
	// stale at startup.
	SafetyMargin time.Duration `env:"SAFETY_MARGIN" envDefault:"5m"`

	// RefreshLead is how long before expiry the scheduler fires a
	// proactive renewal.
	RefreshLead time.Duration `env:"REFRESH_LEAD" envDefault:"10s"`

	// RestartBackoff is the pause between a failed renewal and the
	// fresh device flow that replaces it.
	RestartBackoff time.Duration `env:"RESTART_BACKOFF" envDefault:"5s"`

	// MaxPollAttempts bounds the device-flow polling loop.
	MaxPollAttempts int `env:"MAX_POLL_ATTEMPTS" envDefault:"100"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the passphrase to other users.
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

// Load reads configuration from environment variables, then overlays an
// optional YAML file (TOKEN_KEEPER_CONFIG) onto fields the environment
// left empty. Environment always wins.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if path := os.Getenv("TOKEN_KEEPER_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// overlayFile fills empty fields from a YAML file. Only fields without
// env defaults participate, so a file value can never shadow one the
// environment set explicitly.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing yaml: %w", err)
	}

	if c.ClientID == "" {
		c.ClientID = file.ClientID
	}

	if c.AuthURL == "" {
		c.AuthURL = file.AuthURL
	}

	if len(c.Scopes) == 0 {
		c.Scopes = file.Scopes
	}

	if c.TokenFile == "" {
		c.TokenFile = file.TokenFile
	}

	if c.StateFile == "" {
		c.StateFile = file.StateFile
	}

	return nil
}

func (c *Config) applyDefaults() error {
	if c.TokenFile != "" && c.StateFile != "" {
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	if c.TokenFile == "" {
		c.TokenFile = filepath.Join(home, ".token-keeper", "token.enc")
	}

	if c.StateFile == "" {
		c.StateFile = filepath.Join(home, ".token-keeper", "state.db")
	}

	return nil
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("CLIENT_ID is required")
	}

	// Most authorization servers issue UUID client IDs. A mismatch is
	// worth a warning but not a hard failure.
	if _, err := uuid.Parse(c.ClientID); err != nil {
		log.Printf("WARNING: CLIENT_ID does not look like a UUID: %s", c.ClientID)
	}

	if err := validateAuthURL(c.AuthURL); err != nil {
		return fmt.Errorf("AUTH_URL: %w", err)
	}

	if len(c.Scopes) == 0 {
		return fmt.Errorf("SCOPES is required (space-separated)")
	}

	if c.Passphrase == "" {
		return fmt.Errorf("TOKEN_PASSPHRASE is required")
	}

	if c.SafetyMargin <= 0 || c.RefreshLead <= 0 || c.RestartBackoff <= 0 {
		return fmt.Errorf("SAFETY_MARGIN, REFRESH_LEAD and RESTART_BACKOFF must be positive")
	}

	if c.MaxPollAttempts <= 0 {
		return fmt.Errorf("MAX_POLL_ATTEMPTS must be positive")
	}

	return nil
}

func validateAuthURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("is required")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("must include a host")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
