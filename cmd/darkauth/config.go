package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/puzed/darkauth/server"
	"github.com/puzed/darkauth/storage"
	"github.com/puzed/darkauth/storage/memory"
	"github.com/puzed/darkauth/storage/sql"
)

// Config is the top-level config file format: one struct per concern, a
// dynamically-typed Storage field, and a Validate method run before
// anything is wired up.
type Config struct {
	Issuer       string `json:"issuer"`
	PublicOrigin string `json:"publicOrigin"`
	RPID         string `json:"rpId"`

	UserPort  int `json:"userPort"`
	AdminPort int `json:"adminPort"`

	IsDevelopment           bool   `json:"isDevelopment"`
	SelfRegistrationEnabled bool   `json:"selfRegistrationEnabled"`
	KEKPassphrase           string `json:"kekPassphrase"`

	Storage Storage `json:"storage"`
	Logger  Logger  `json:"logger"`

	Expiry Expiry `json:"expiry"`

	Telemetry Telemetry `json:"telemetry"`
}

// Expiry overrides server.DefaultConfig's lifetimes, spec §6
// "Configuration". Durations are strings like "15m".
type Expiry struct {
	AccessToken string `json:"accessToken"`
	IDToken     string `json:"idToken"`
	AuthCode    string `json:"authCode"`
	PendingAuth string `json:"pendingAuth"`
	Session     string `json:"session"`
}

type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type Telemetry struct {
	HTTP string `json:"http"`
}

// StorageConfig is a configuration that can open a storage.Storage.
type StorageConfig interface {
	Open(logger *slog.Logger) (storage.Storage, error)
}

var (
	_ StorageConfig = (*memory.Config)(nil)
	_ StorageConfig = (*sql.SQLite3)(nil)
	_ StorageConfig = (*sql.Postgres)(nil)
)

var storages = map[string]func() StorageConfig{
	"memory":   func() StorageConfig { return new(memory.Config) },
	"sqlite3":  func() StorageConfig { return new(sql.SQLite3) },
	"postgres": func() StorageConfig { return new(sql.Postgres) },
}

// Storage holds the dynamically-typed storage backend configuration.
type Storage struct {
	Type   string        `json:"type"`
	Config StorageConfig `json:"config"`
}

// UnmarshalJSON dynamically resolves Config by Type before decoding the
// nested config object into it.
func (s *Storage) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type   string          `json:"type"`
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("parse storage: %w", err)
	}
	f, ok := storages[raw.Type]
	if !ok {
		return fmt.Errorf("unknown storage type %q", raw.Type)
	}
	cfg := f()
	if len(raw.Config) != 0 {
		if err := json.Unmarshal(raw.Config, cfg); err != nil {
			return fmt.Errorf("parse storage config: %w", err)
		}
	}
	*s = Storage{Type: raw.Type, Config: cfg}
	return nil
}

// Validate runs the fast, responsive checks before anything expensive
// (storage open, KEK derivation) is attempted.
func (c Config) Validate() error {
	var errs []string
	if c.Issuer == "" {
		errs = append(errs, "no issuer specified in config file")
	}
	if c.PublicOrigin == "" {
		errs = append(errs, "no publicOrigin specified in config file")
	}
	if c.UserPort == 0 {
		errs = append(errs, "no userPort specified in config file")
	}
	if c.AdminPort == 0 {
		errs = append(errs, "no adminPort specified in config file")
	}
	if c.Storage.Config == nil {
		errs = append(errs, "no storage supplied in config file")
	}
	if c.KEKPassphrase == "" {
		errs = append(errs, "no kekPassphrase specified in config file")
	}
	if len(errs) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(errs, "\n\t-\t"))
	}
	return nil
}

// toServerConfig merges the file config's overrides onto
// server.DefaultConfig, spec §6 "Configuration".
func (c Config) toServerConfig() (server.Config, error) {
	cfg := server.DefaultConfig()
	cfg.Issuer = c.Issuer
	cfg.PublicOrigin = c.PublicOrigin
	cfg.SelfRegistrationEnabled = c.SelfRegistrationEnabled
	cfg.Secure = !c.IsDevelopment

	durations := []struct {
		raw  string
		dest *time.Duration
		name string
	}{
		{c.Expiry.AccessToken, &cfg.AccessTokenLifetime, "accessToken"},
		{c.Expiry.IDToken, &cfg.IDTokenLifetime, "idToken"},
		{c.Expiry.AuthCode, &cfg.AuthCodeLifetime, "authCode"},
		{c.Expiry.PendingAuth, &cfg.PendingAuthLifetime, "pendingAuth"},
		{c.Expiry.Session, &cfg.SessionInactivity, "session"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return server.Config{}, fmt.Errorf("invalid expiry.%s %q: %w", d.name, d.raw, err)
		}
		*d.dest = parsed
	}
	return cfg, nil
}

// resolveEnvKeys applies the $ENV_VAR convention of spec §6
// ("ZKAUTH_KEK_PASSPHRASE"/"KEK_PASSPHRASE").
func resolveEnvKeys(c *Config) error {
	if err := replaceEnvKeys(c, os.Getenv); err != nil {
		return err
	}
	if c.KEKPassphrase == "" {
		if v := os.Getenv("ZKAUTH_KEK_PASSPHRASE"); v != "" {
			c.KEKPassphrase = v
		} else if v := os.Getenv("KEK_PASSPHRASE"); v != "" {
			c.KEKPassphrase = v
		}
	}
	return nil
}
