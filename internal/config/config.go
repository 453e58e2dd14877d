package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "DATESKY"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "datesky.db"
	defaultLogLevel          = "info"
	defaultJetstreamURL      = "wss://jetstream2.us-east.bsky.network/subscribe"
	defaultCollection        = "app.datesky.profile"
	defaultCursorInterval    = 100
	defaultPLCDirectoryURL   = "https://plc.directory"
	defaultResolverTimeoutMS = 5000
)

// AppConfig captures runtime configuration for the indexer.
type AppConfig struct {
	DatabasePath       string
	LogLevel           string
	HTTPAddress        string
	JetstreamURL       string
	Collection         string
	CursorSaveInterval int
	PLCDirectoryURL    string
	ResolverTimeout    time.Duration
	ListOwnerDID       string
	ListURI            string
	PDSHost            string
	PDSIdentifier      string
	PDSAppPassword     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("jetstream.url", defaultJetstreamURL)
	configViper.SetDefault("jetstream.collection", defaultCollection)
	configViper.SetDefault("jetstream.cursor_save_interval", defaultCursorInterval)
	configViper.SetDefault("resolver.plc_url", defaultPLCDirectoryURL)
	configViper.SetDefault("resolver.timeout_ms", defaultResolverTimeoutMS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		HTTPAddress:        configViper.GetString("http.address"),
		JetstreamURL:       configViper.GetString("jetstream.url"),
		Collection:         configViper.GetString("jetstream.collection"),
		CursorSaveInterval: configViper.GetInt("jetstream.cursor_save_interval"),
		PLCDirectoryURL:    configViper.GetString("resolver.plc_url"),
		ResolverTimeout:    time.Duration(configViper.GetInt("resolver.timeout_ms")) * time.Millisecond,
		ListOwnerDID:       configViper.GetString("list.owner_did"),
		ListURI:            configViper.GetString("list.uri"),
		PDSHost:            configViper.GetString("list.pds_host"),
		PDSIdentifier:      configViper.GetString("list.identifier"),
		PDSAppPassword:     configViper.GetString("list.app_password"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.JetstreamURL) == "" {
		return fmt.Errorf("jetstream.url is required")
	}
	if strings.TrimSpace(c.Collection) == "" {
		return fmt.Errorf("jetstream.collection is required")
	}
	if c.CursorSaveInterval <= 0 {
		return fmt.Errorf("jetstream.cursor_save_interval must be positive")
	}
	if c.ResolverTimeout <= 0 {
		return fmt.Errorf("resolver.timeout_ms must be positive")
	}
	return nil
}

// ListSyncConfigured reports whether the optional list mirror is fully configured.
// The ingestion pipeline degrades gracefully when it is not; backfill refuses to run.
func (c AppConfig) ListSyncConfigured() bool {
	return strings.TrimSpace(c.ListOwnerDID) != "" &&
		strings.TrimSpace(c.ListURI) != "" &&
		strings.TrimSpace(c.PDSHost) != "" &&
		strings.TrimSpace(c.PDSIdentifier) != "" &&
		strings.TrimSpace(c.PDSAppPassword) != ""
}

// ValidateForBackfill enforces the configuration that the one-shot backfill
// command strictly requires.
func (c AppConfig) ValidateForBackfill() error {
	if strings.TrimSpace(c.ListOwnerDID) == "" {
		return fmt.Errorf("list.owner_did is required for backfill")
	}
	if strings.TrimSpace(c.ListURI) == "" {
		return fmt.Errorf("list.uri is required for backfill")
	}
	if strings.TrimSpace(c.PDSHost) == "" {
		return fmt.Errorf("list.pds_host is required for backfill")
	}
	if strings.TrimSpace(c.PDSIdentifier) == "" {
		return fmt.Errorf("list.identifier is required for backfill")
	}
	if strings.TrimSpace(c.PDSAppPassword) == "" {
		return fmt.Errorf("list.app_password is required for backfill")
	}
	return nil
}
