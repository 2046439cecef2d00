package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizeOrigin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"http://127.0.0.1:8000/", "127.0.0.1"},
		{"https://files.example.com/some/path", "files.example.com"},
		{"files.example.com:8443", "files.example.com"},
		{"Files.Example.COM", "files.example.com"},
		{"localhost", "localhost"},
		{"example.com.", "example.com"},
		{"  10.0.0.5  ", "10.0.0.5"},
		{"", ""},
		{"   ", ""},
	}

	for _, tc := range cases {
		if got := NormalizeOrigin(tc.in); got != tc.want {
			t.Errorf("NormalizeOrigin(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeOrigins_Deduplicates(t *testing.T) {
	t.Parallel()

	got := NormalizeOrigins([]string{
		"http://example.com/",
		"example.com:8080",
		"EXAMPLE.COM",
		"other.example",
		"",
	})

	want := []string{"example.com", "other.example"}
	if len(got) != len(want) {
		t.Fatalf("NormalizeOrigins = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("NormalizeOrigins[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEnvConfig_Validate_MinimalValid(t *testing.T) {
	t.Parallel()

	cfg := EnvConfig{
		Host:     "127.0.0.1",
		Port:     8000,
		Database: "auth_errors.db",
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestEnvConfig_Validate_BadPort(t *testing.T) {
	t.Parallel()

	cfg := EnvConfig{Host: "127.0.0.1", Port: 0, Database: "x.db"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted port 0")
	}

	cfg.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted port 70000")
	}
}

func TestEnvConfig_Validate_BrowserToken(t *testing.T) {
	t.Parallel()

	cfg := EnvConfig{
		Host:                "127.0.0.1",
		Port:                8000,
		Database:            "x.db",
		UnsupportedBrowsers: []string{"Chrome"},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() rejected valid browser token: %v", err)
	}

	for _, bad := range []string{"Chrome Mobile", "Chrome!", "a,b", ""} {
		cfg.UnsupportedBrowsers = []string{bad}
		err := cfg.Validate()
		if err == nil {
			t.Errorf("Validate() accepted browser token %q", bad)
			continue
		}
		if !strings.Contains(err.Error(), "punctuation") {
			t.Errorf("Validate(%q) error = %v, want punctuation message", bad, err)
		}
	}
}

func TestEnvConfig_Validate_RateLimitRule(t *testing.T) {
	t.Parallel()

	cfg := EnvConfig{
		Host:      "127.0.0.1",
		Port:      8000,
		Database:  "x.db",
		RateLimit: []string{"3:60"},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() rejected valid rate-limit rule: %v", err)
	}

	cfg.RateLimit = []string{"not-a-rule"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted malformed rate-limit rule")
	}
}

func TestEnvConfig_Validate_TemplateOverridePaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	page := filepath.Join(dir, "error.html")
	if err := os.WriteFile(page, []byte("<html></html>"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := EnvConfig{Host: "127.0.0.1", Port: 8000, Database: "x.db", ErrorPage: page}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() rejected existing error page: %v", err)
	}

	cfg.ErrorPage = filepath.Join(dir, "missing.html")
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted missing error page")
	}
}
