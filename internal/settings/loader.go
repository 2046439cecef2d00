package settings

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Section key lists. Every key a section understands is enumerated here so
// unprefixed process environment variables can be bound explicitly instead
// of scanning the whole environment.
var (
	settingsKeys = []string{
		"signup", "createuserdir", "userhomebasepath",
		"authmethod", "authheader", "shell", "rules",
	}
	defaultsKeys = []string{
		"scope", "locale", "viewmode", "singleclick",
		"commands", "hidedotfiles", "dateformat",
	}
	brandingKeys = []string{
		"name", "disableexternal", "disableusedpercentage",
		"files", "theme", "color",
	}
	tusKeys      = []string{"chunksize", "retrycount"}
	commandsKeys = []string{
		"after_copy", "after_delete", "after_rename", "after_save",
		"after_upload", "before_copy", "before_delete", "before_rename",
		"before_save", "before_upload",
	}
	serverKeys = []string{
		"root", "baseurl", "socket", "tlskey", "tlscert", "port",
		"address", "log", "enablethumbnails", "resizepreview",
		"enableexec", "typedetectionbyheader", "authhook",
		"tokenexpirationtime",
	}
	autherKeys = []string{"recaptcha_host", "recaptcha_key", "recaptcha_secret"}
	profileKeys = []string{
		"username", "password", "admin", "scope", "locale",
		"lockpassword", "viewmode", "singleclick", "commands",
		"rules", "hidedotfiles", "dateformat",
	}
)

// envSource resolves configuration keys against the process environment
// first and an optional env-format file second.
type envSource struct {
	file *viper.Viper
}

// newEnvSource reads the given env file if it exists. A missing file is not
// an error; the process environment alone may carry the whole configuration.
func newEnvSource(envFile string) (*envSource, error) {
	v := viper.New()
	v.SetConfigType("env")

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			v.SetConfigFile(envFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", envFile, err)
			}
		}
	}

	return &envSource{file: v}, nil
}

// lookup resolves one key. Uppercase environment wins, then the exact
// spelling, then the file.
func (s *envSource) lookup(key string) (string, bool) {
	if val, ok := os.LookupEnv(strings.ToUpper(key)); ok {
		return val, true
	}
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	if s.file.IsSet(key) {
		return s.file.GetString(key), true
	}
	return "", false
}

// section collects the given keys under a prefix and unmarshals them into
// out. String values convert to bools, ints, and comma-separated slices.
func (s *envSource) section(prefix string, keys []string, out any) error {
	sec := viper.New()
	for _, key := range keys {
		if val, ok := s.lookup(prefix + key); ok {
			sec.Set(key, val)
		}
	}
	if err := sec.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to decode %s section: %w", strings.TrimSuffix(prefix, "_"), err)
	}
	return nil
}

// LoadServerConfig assembles the child's config sections from the process
// environment and the given env file, applies defaults, and validates.
func LoadServerConfig(envFile string) (*ServerConfig, error) {
	src, err := newEnvSource(envFile)
	if err != nil {
		return nil, err
	}

	var cfg ServerConfig
	if err := src.section("", settingsKeys, &cfg.Settings); err != nil {
		return nil, err
	}
	if err := src.section("defaults_", defaultsKeys, &cfg.Settings.Defaults); err != nil {
		return nil, err
	}
	if err := src.section("branding_", brandingKeys, &cfg.Settings.Branding); err != nil {
		return nil, err
	}
	if err := src.section("tus_", tusKeys, &cfg.Settings.Tus); err != nil {
		return nil, err
	}
	if err := src.section("commands_", commandsKeys, &cfg.Settings.Commands); err != nil {
		return nil, err
	}
	if err := src.section("", serverKeys, &cfg.Server); err != nil {
		return nil, err
	}

	var captcha ReCAPTCHA
	if err := src.section("auth_", autherKeys, &captcha); err != nil {
		return nil, err
	}
	if captcha.Key != "" && captcha.Secret != "" {
		if captcha.Host == "" {
			captcha.Host = "https://www.google.com"
		}
		cfg.Auther.ReCAPTCHA = &captcha
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadUserProfile reads one per-user env file. Profile files hold flat keys
// only; the process environment is deliberately not consulted so multiple
// profiles cannot bleed into each other.
func LoadUserProfile(path string) (*UserProfile, error) {
	v := viper.New()
	v.SetConfigType("env")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read user profile %s: %w", path, err)
	}

	sec := viper.New()
	for _, key := range profileKeys {
		if v.IsSet(key) {
			sec.Set(key, v.GetString(key))
		}
	}

	var profile UserProfile
	if err := sec.Unmarshal(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode user profile %s: %w", path, err)
	}
	if err := sec.Unmarshal(&profile.Authentication); err != nil {
		return nil, fmt.Errorf("failed to decode user profile %s: %w", path, err)
	}

	profile.SetDefaults()
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid user profile %s: %w", path, err)
	}
	return &profile, nil
}

// LoadUserProfiles loads every profile file under dir in sorted order.
func LoadUserProfiles(dir string) ([]*UserProfile, error) {
	files, err := DiscoverProfileFiles(dir)
	if err != nil {
		return nil, err
	}

	profiles := make([]*UserProfile, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, file := range files {
		profile, err := LoadUserProfile(file)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[profile.Authentication.Username]; dup {
			return nil, fmt.Errorf("user %q defined in both %s and %s",
				profile.Authentication.Username, prev, file)
		}
		seen[profile.Authentication.Username] = file
		profiles = append(profiles, profile)
	}
	return profiles, nil
}
