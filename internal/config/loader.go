package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// proxyEnvFile is the optional env file for proxy settings,
// looked up relative to the working directory.
const proxyEnvFile = ".proxy.env"

// InitViper initializes Viper with the proxy env file and environment
// variables. If envFile is empty, .proxy.env in the working directory is
// used when present.
func InitViper(envFile string) {
	if envFile != "" {
		viper.SetConfigFile(envFile)
		viper.SetConfigType("env")
	} else if found := findEnvFile(); found != "" {
		viper.SetConfigFile(found)
		viper.SetConfigType("env")
	} else {
		// No env file anywhere. Set name/type without search paths so
		// ReadInConfig returns ConfigFileNotFoundError, which callers
		// handle gracefully.
		viper.SetConfigName(".proxy")
		viper.SetConfigType("env")
	}

	viper.AutomaticEnv()
	bindEnvKeys()
}

// findEnvFile looks for .proxy.env in the working directory.
func findEnvFile() string {
	path := filepath.Join(".", proxyEnvFile)
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

// bindEnvKeys binds every proxy config key for environment variable support.
// Example: DATABASE=/var/lib/filewarden/auth_errors.db
func bindEnvKeys() {
	_ = viper.BindEnv("host")
	_ = viper.BindEnv("port")
	_ = viper.BindEnv("workers")
	_ = viper.BindEnv("debug")
	_ = viper.BindEnv("origins")
	_ = viper.BindEnv("database")
	_ = viper.BindEnv("allow_public_ip")
	_ = viper.BindEnv("allow_private_ip")
	_ = viper.BindEnv("origin_refresh")
	_ = viper.BindEnv("rate_limit")
	_ = viper.BindEnv("unsupported_browsers")
	_ = viper.BindEnv("error_page")
	_ = viper.BindEnv("warn_page")
}

// LoadConfig reads the env file, applies environment overrides, sets
// defaults, validates, and normalizes origins to bare hosts.
func LoadConfig() (*EnvConfig, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	cfg.Origins = NormalizeOrigins(cfg.Origins)
	return cfg, nil
}

// LoadConfigRaw reads the env file and applies defaults, but does NOT
// validate. Use this when CLI flags may override fields before validation.
func LoadConfigRaw() (*EnvConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read env file: %w", err)
		}
		// Env file not found, continue with process environment only.
	}

	var cfg EnvConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the env file that was loaded,
// or empty when running from process environment only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
