package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// knownVoices lists the synthesis voices the broker accepts. Used by
// [Validate] to warn about likely typos without rejecting future voices.
var knownVoices = []string{"cedar", "alloy", "marin"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found; conditions that are
// suspicious but workable are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Client
	if cfg.Client.BrokerURL != "" {
		if u, err := url.Parse(cfg.Client.BrokerURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("client.broker_url %q is not an absolute URL", cfg.Client.BrokerURL))
		} else if u.Scheme != "https" && u.Scheme != "http" {
			errs = append(errs, fmt.Errorf("client.broker_url scheme %q is invalid; use http or https", u.Scheme))
		}
	}
	if b := cfg.Client.Secrets.Backend; b != "" && !b.IsValid() {
		errs = append(errs, fmt.Errorf("client.secrets.backend %q is invalid; valid values: auto, pass, file", b))
	}
	if v := cfg.Client.Defaults.Voice; v != "" && !slices.Contains(knownVoices, v) {
		slog.Warn("unknown default voice — may be a typo or a newly added voice",
			"voice", v,
			"known", knownVoices,
		)
	}
	for i, s := range cfg.Client.STUNServers {
		if s == "" {
			errs = append(errs, fmt.Errorf("client.stun_servers[%d] is empty", i))
		}
	}

	// Broker
	if cfg.Broker.JWTSecret != "" && len(cfg.Broker.JWTSecret) < 32 {
		slog.Warn("broker.jwt_secret is short; 32+ random bytes recommended",
			"length", len(cfg.Broker.JWTSecret),
		)
	}
	if cfg.Broker.Provider.BaseURL != "" {
		if u, err := url.Parse(cfg.Broker.Provider.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("broker.provider.base_url %q is not an absolute URL", cfg.Broker.Provider.BaseURL))
		}
	}
	if cfg.Broker.ListenAddr != "" && cfg.Broker.Provider.APIKey == "" {
		slog.Warn("broker.provider.api_key is empty; token and session endpoints will fail upstream")
	}

	return errors.Join(errs...)
}
