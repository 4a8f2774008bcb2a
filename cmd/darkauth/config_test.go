package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/puzed/darkauth/storage/memory"
)

func TestConfigValidateReportsEveryMissingField(t *testing.T) {
	var c Config
	err := c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "issuer")
	require.Contains(t, err.Error(), "publicOrigin")
	require.Contains(t, err.Error(), "userPort")
	require.Contains(t, err.Error(), "adminPort")
	require.Contains(t, err.Error(), "storage")
	require.Contains(t, err.Error(), "kekPassphrase")
}

func TestConfigValidateAcceptsCompleteConfig(t *testing.T) {
	c := Config{
		Issuer:        "https://auth.example.test",
		PublicOrigin:  "https://auth.example.test",
		UserPort:      8080,
		AdminPort:     8081,
		KEKPassphrase: "correct horse battery staple",
		Storage:       Storage{Type: "memory", Config: new(memory.Config)},
	}
	require.NoError(t, c.Validate())
}

func TestStorageUnmarshalJSONResolvesByType(t *testing.T) {
	var s Storage
	err := json.Unmarshal([]byte(`{"type":"memory","config":{}}`), &s)
	require.NoError(t, err)
	require.Equal(t, "memory", s.Type)
	require.IsType(t, &memory.Config{}, s.Config)
}

func TestStorageUnmarshalJSONRejectsUnknownType(t *testing.T) {
	var s Storage
	err := json.Unmarshal([]byte(`{"type":"dynamodb","config":{}}`), &s)
	require.Error(t, err)
}

func TestToServerConfigMergesExpiryOverrides(t *testing.T) {
	c := Config{
		Issuer:       "https://auth.example.test",
		PublicOrigin: "https://auth.example.test",
		Expiry:       Expiry{AccessToken: "5m"},
	}
	cfg, err := c.toServerConfig()
	require.NoError(t, err)
	require.Equal(t, "https://auth.example.test", cfg.Issuer)
	require.Equal(t, int64(300), int64(cfg.AccessTokenLifetime.Seconds()))
}

func TestToServerConfigRejectsInvalidDuration(t *testing.T) {
	c := Config{Expiry: Expiry{IDToken: "not-a-duration"}}
	_, err := c.toServerConfig()
	require.Error(t, err)
}

func TestToServerConfigSecureFollowsIsDevelopment(t *testing.T) {
	c := Config{IsDevelopment: true}
	cfg, err := c.toServerConfig()
	require.NoError(t, err)
	require.False(t, cfg.Secure)
}
