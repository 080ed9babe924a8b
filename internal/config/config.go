package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "DRAFTGATE"
	defaultHTTPAddress  = "127.0.0.1:8765"
	defaultDatabasePath = "draftgate.db"
	defaultLogLevel     = "info"

	defaultExpiryMinutes     = 10
	defaultSweepMinutes      = 60
	defaultExpiredGraceHours = 24
	defaultRetentionDays     = 90
)

// bearDatabaseRelPath is where Bear keeps its database under the user's
// home directory.
const bearDatabaseRelPath = "Library/Group Containers/9K33E3U3T4.net.shinyfrog.bear/Application Data/database.sqlite"

// AppConfig captures runtime configuration for the draftgate process.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	BearDatabasePath string
	ReviewBaseURL    string
	PreviewExpiry    time.Duration
	SweepInterval    time.Duration
	ExpiredGrace     time.Duration
	Retention        time.Duration
	LogLevel         string
	MCPEnabled       bool
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("bear.database_path", defaultBearDatabasePath())
	configViper.SetDefault("review.base_url", "")
	configViper.SetDefault("preview.expiry_minutes", defaultExpiryMinutes)
	configViper.SetDefault("sweep.interval_minutes", defaultSweepMinutes)
	configViper.SetDefault("sweep.expired_grace_hours", defaultExpiredGraceHours)
	configViper.SetDefault("retention.days", defaultRetentionDays)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("mcp.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		BearDatabasePath: configViper.GetString("bear.database_path"),
		ReviewBaseURL:    configViper.GetString("review.base_url"),
		PreviewExpiry:    time.Duration(configViper.GetInt("preview.expiry_minutes")) * time.Minute,
		SweepInterval:    time.Duration(configViper.GetInt("sweep.interval_minutes")) * time.Minute,
		ExpiredGrace:     time.Duration(configViper.GetInt("sweep.expired_grace_hours")) * time.Hour,
		Retention:        time.Duration(configViper.GetInt("retention.days")) * 24 * time.Hour,
		LogLevel:         configViper.GetString("log.level"),
		MCPEnabled:       configViper.GetBool("mcp.enabled"),
	}

	if cfg.ReviewBaseURL == "" {
		cfg.ReviewBaseURL = "http://" + cfg.HTTPAddress
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.BearDatabasePath) == "" {
		return fmt.Errorf("bear.database_path is required")
	}
	if c.PreviewExpiry <= 0 {
		return fmt.Errorf("preview.expiry_minutes must be positive")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention.days must be positive")
	}
	return nil
}

func defaultBearDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, filepath.FromSlash(bearDatabaseRelPath))
}
