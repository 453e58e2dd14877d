package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}

	if cfg.DatabasePath != "datesky.db" {
		t.Fatalf("unexpected database path: %s", cfg.DatabasePath)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level: %s", cfg.LogLevel)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address: %s", cfg.HTTPAddress)
	}
	if cfg.JetstreamURL != "wss://jetstream2.us-east.bsky.network/subscribe" {
		t.Fatalf("unexpected jetstream url: %s", cfg.JetstreamURL)
	}
	if cfg.Collection != "app.datesky.profile" {
		t.Fatalf("unexpected collection: %s", cfg.Collection)
	}
	if cfg.CursorSaveInterval != 100 {
		t.Fatalf("unexpected cursor save interval: %d", cfg.CursorSaveInterval)
	}
	if cfg.ResolverTimeout != 5*time.Second {
		t.Fatalf("unexpected resolver timeout: %v", cfg.ResolverTimeout)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DATESKY_DATABASE_PATH", "/var/lib/datesky/index.db")
	t.Setenv("DATESKY_JETSTREAM_CURSOR_SAVE_INTERVAL", "25")
	t.Setenv("DATESKY_LIST_OWNER_DID", "did:plc:owner0000000000000000000")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if cfg.DatabasePath != "/var/lib/datesky/index.db" {
		t.Fatalf("expected env override, got %s", cfg.DatabasePath)
	}
	if cfg.CursorSaveInterval != 25 {
		t.Fatalf("expected env override, got %d", cfg.CursorSaveInterval)
	}
	if cfg.ListOwnerDID != "did:plc:owner0000000000000000000" {
		t.Fatalf("expected env override, got %s", cfg.ListOwnerDID)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	invalid := map[string]string{
		"DATESKY_DATABASE_PATH":                  " ",
		"DATESKY_JETSTREAM_URL":                  " ",
		"DATESKY_JETSTREAM_COLLECTION":           " ",
		"DATESKY_JETSTREAM_CURSOR_SAVE_INTERVAL": "0",
		"DATESKY_RESOLVER_TIMEOUT_MS":            "-1",
	}
	for envKey, value := range invalid {
		t.Run(envKey, func(t *testing.T) {
			t.Setenv(envKey, value)
			if _, err := Load(NewViper()); err == nil {
				t.Fatalf("expected validation error for %s=%q", envKey, value)
			}
		})
	}
}

func TestListSyncConfigured(t *testing.T) {
	cfg := AppConfig{
		ListOwnerDID:   "did:plc:owner0000000000000000000",
		ListURI:        "at://did:plc:owner0000000000000000000/app.bsky.graph.list/3jlist",
		PDSHost:        "https://bsky.social",
		PDSIdentifier:  "owner.example.com",
		PDSAppPassword: "app-password",
	}
	if !cfg.ListSyncConfigured() {
		t.Fatalf("expected fully populated config to report configured")
	}

	partial := cfg
	partial.PDSAppPassword = ""
	if partial.ListSyncConfigured() {
		t.Fatalf("expected partial config to report unconfigured")
	}
	if (AppConfig{}).ListSyncConfigured() {
		t.Fatalf("expected empty config to report unconfigured")
	}
}

func TestValidateForBackfill(t *testing.T) {
	cfg := AppConfig{
		ListOwnerDID:   "did:plc:owner0000000000000000000",
		ListURI:        "at://did:plc:owner0000000000000000000/app.bsky.graph.list/3jlist",
		PDSHost:        "https://bsky.social",
		PDSIdentifier:  "owner.example.com",
		PDSAppPassword: "app-password",
	}
	if err := cfg.ValidateForBackfill(); err != nil {
		t.Fatalf("expected complete config to pass, got %v", err)
	}

	missing := cfg
	missing.ListURI = ""
	if err := missing.ValidateForBackfill(); err == nil {
		t.Fatalf("expected error for missing list uri")
	}
	if err := (AppConfig{}).ValidateForBackfill(); err == nil {
		t.Fatalf("expected error for empty config")
	}
}
