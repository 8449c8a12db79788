package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Homeserver: HomeserverConfig{
			URL:         "https://matrix.example.org",
			Domain:      "example.org",
			UserID:      "@warden:example.org",
			AccessToken: "syt_secret",
		},
		ManagementRoom: "!management:example.org",
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "missing access token",
			mutate:  func(c *Config) { c.Homeserver.AccessToken = "" },
			wantSub: "AccessToken",
		},
		{
			name:    "malformed user id",
			mutate:  func(c *Config) { c.Homeserver.UserID = "warden:example.org" },
			wantSub: "matrix_user_id",
		},
		{
			name:    "malformed management room",
			mutate:  func(c *Config) { c.ManagementRoom = "management" },
			wantSub: "room_id",
		},
		{
			name:    "bad homeserver url",
			mutate:  func(c *Config) { c.Homeserver.URL = "not a url" },
			wantSub: "url",
		},
		{
			name:    "user id on foreign domain",
			mutate:  func(c *Config) { c.Homeserver.UserID = "@warden:other.example" },
			wantSub: "does not belong",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantSub: "oneof",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantSub)
			}
		})
	}
}

func TestSetDefaults(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.HTTP.Enabled = true
	cfg.SetDefaults()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q, want info", cfg.LogLevel)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("HTTP.Addr default = %q, want :8080", cfg.HTTP.Addr)
	}
	if len(cfg.Engine.AutomaticallyRedactForReasons) == 0 {
		t.Error("auto-redact reason defaults missing")
	}
}
