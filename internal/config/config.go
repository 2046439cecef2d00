// Package config provides proxy configuration loading for filewarden.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// RateLimitRule is a fixed-window request cap. Entries are given in the
// environment as "max_requests:seconds" pairs, e.g. RATE_LIMIT=100:60,5000:3600.
type RateLimitRule struct {
	MaxRequests int
	Seconds     int
}

// EnvConfig is the proxy-side configuration, loaded from the process
// environment and an optional .proxy.env file.
type EnvConfig struct {
	// Host and Port are the proxy's bind address.
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"gt=0,lte=65535"`

	// Workers caps concurrent in-flight requests. 0 means unlimited.
	Workers int `mapstructure:"workers" validate:"gte=0"`

	Debug bool `mapstructure:"debug"`

	// Origins are additional host identities accepted by the origin firewall.
	// Each entry is reduced to its bare host component during validation.
	Origins []string `mapstructure:"origins" validate:"dive,origin_host"`

	// Database is the path of the persistent auth-block ledger.
	Database string `mapstructure:"database" validate:"required"`

	AllowPublicIP  bool `mapstructure:"allow_public_ip"`
	AllowPrivateIP bool `mapstructure:"allow_private_ip"`

	// OriginRefresh is the refresher interval in seconds. Zero disables it.
	OriginRefresh int `mapstructure:"origin_refresh" validate:"gte=0"`

	// RateLimit entries, one fixed-window gate each, applied in order.
	RateLimit []string `mapstructure:"rate_limit" validate:"dive,rate_limit_rule"`

	// UnsupportedBrowsers lists browser families that get a warning page
	// on first contact instead of being proxied.
	UnsupportedBrowsers []string `mapstructure:"unsupported_browsers" validate:"dive,browser_token"`

	// ErrorPage and WarnPage override the embedded HTML templates when set.
	ErrorPage string `mapstructure:"error_page" validate:"omitempty,file"`
	WarnPage  string `mapstructure:"warn_page" validate:"omitempty,file"`
}

// SetDefaults applies default values for optional fields.
// Existing values are preserved.
func (c *EnvConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 && !viper.IsSet("port") {
		c.Port = 8000
	}
	if c.Database == "" {
		c.Database = "auth_errors.db"
	}
	if len(c.UnsupportedBrowsers) == 0 && !viper.IsSet("unsupported_browsers") {
		c.UnsupportedBrowsers = []string{"Chrome"}
	}
}

// Rules parses the raw rate-limit entries into typed rules.
// Entry format has already been checked by Validate; malformed
// entries are skipped.
func (c *EnvConfig) Rules() []RateLimitRule {
	rules := make([]RateLimitRule, 0, len(c.RateLimit))
	for _, raw := range c.RateLimit {
		rule, ok := parseRateLimitRule(raw)
		if !ok {
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

// parseRateLimitRule parses a "max_requests:seconds" pair.
func parseRateLimitRule(raw string) (RateLimitRule, bool) {
	maxPart, secPart, found := strings.Cut(raw, ":")
	if !found {
		return RateLimitRule{}, false
	}
	maxRequests, err := strconv.Atoi(strings.TrimSpace(maxPart))
	if err != nil || maxRequests <= 0 {
		return RateLimitRule{}, false
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(secPart))
	if err != nil || seconds <= 0 {
		return RateLimitRule{}, false
	}
	return RateLimitRule{MaxRequests: maxRequests, Seconds: seconds}, true
}

// Addr returns the host:port the proxy binds to.
func (c *EnvConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
