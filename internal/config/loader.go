package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, warden.yaml/.yml is searched for in
// the standard locations. The search requires an explicit YAML extension so
// the binary itself is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("warden")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: WARDEN_HOMESERVER_ACCESS_TOKEN etc.
	viper.SetEnvPrefix("WARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".warden"),
		"/etc/warden",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "warden"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment overrides.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("homeserver.url")
	_ = viper.BindEnv("homeserver.domain")
	_ = viper.BindEnv("homeserver.user_id")
	_ = viper.BindEnv("homeserver.access_token")
	_ = viper.BindEnv("management_room")
	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("http.enabled")
	_ = viper.BindEnv("http.addr")
	_ = viper.BindEnv("engine.faster_membership_checks")
	_ = viper.BindEnv("engine.no_op")
	_ = viper.BindEnv("engine.verbose_logging")
	_ = viper.BindEnv("engine.confirm_wildcard_ban")
	_ = viper.BindEnv("engine.protect_all_joined_rooms")
	// engine.automatically_redact_for_reasons is an array; use the config
	// file for it.
}

// LoadConfig reads the configuration, applies environment overrides and
// defaults, and validates the result.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: environment-only configuration is allowed.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded config file, or "" when
// running on environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
