package supervisor

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/filewarden/filewarden/internal/settings"
)

func baseServerConfig() *settings.ServerConfig {
	cfg := &settings.ServerConfig{}
	cfg.Settings.Shell = []string{"/bin/sh", "-c"}
	cfg.SetDefaults()
	return cfg
}

func TestRenderConfig_Deterministic(t *testing.T) {
	t.Parallel()

	cfg := baseServerConfig()
	first, err := RenderConfig(cfg, false, "")
	if err != nil {
		t.Fatalf("RenderConfig() error: %v", err)
	}
	second, err := RenderConfig(cfg, false, "")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("two renders of the same config differ")
	}
}

func TestRenderConfig_Shape(t *testing.T) {
	t.Parallel()

	cfg := baseServerConfig()
	cfg.Server.Port = 9090
	cfg.Settings.Branding.Files = "."

	out, err := RenderConfig(cfg, false, "")
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}

	server := m["server"].(map[string]any)
	if port, ok := server["port"].(string); !ok || port != "9090" {
		t.Errorf("server.port = %v, want string \"9090\"", server["port"])
	}

	settingsSection := m["settings"].(map[string]any)
	if _, hasUnderscore := settingsSection["shell_"]; hasUnderscore {
		t.Error("shell_ key not renamed")
	}
	if _, hasShell := settingsSection["shell"]; !hasShell {
		t.Error("shell key missing")
	}

	branding := settingsSection["branding"].(map[string]any)
	if branding["files"] != "" {
		t.Errorf("branding.files = %v, want empty for %q input", branding["files"], ".")
	}

	if !bytes.Contains(out, []byte("\n    \"server\"")) && !bytes.Contains(out, []byte("\n    \"settings\"")) {
		t.Error("output is not indented with four spaces")
	}
}

func TestRenderConfig_ProxyModeForcesJSONAuth(t *testing.T) {
	t.Parallel()

	cfg := baseServerConfig()
	cfg.Settings.AuthMethod = "proxy"
	cfg.Settings.AuthHeader = "X-Remote-User"

	out, err := RenderConfig(cfg, true, "")
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatal(err)
	}
	settingsSection := m["settings"].(map[string]any)
	if settingsSection["authMethod"] != "json" {
		t.Errorf("authMethod = %v, want json", settingsSection["authMethod"])
	}
	if settingsSection["authHeader"] != "" {
		t.Errorf("authHeader = %v, want empty", settingsSection["authHeader"])
	}

	// The loaded configuration itself is untouched.
	if cfg.Settings.AuthMethod != "proxy" {
		t.Error("RenderConfig mutated its input")
	}
}

func TestRenderConfig_MergesExtras(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	extraJSON := `{"server": {"enableExec": true}, "custom": {"flag": 1}}`
	if err := os.WriteFile(filepath.Join(dir, "extra.json"), []byte(extraJSON), 0644); err != nil {
		t.Fatal(err)
	}
	extraYAML := "settings:\n  signup: true\n"
	if err := os.WriteFile(filepath.Join(dir, "extra.yaml"), []byte(extraYAML), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := RenderConfig(baseServerConfig(), false, dir)
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatal(err)
	}

	server := m["server"].(map[string]any)
	if server["enableExec"] != true {
		t.Error("extra.json did not override server.enableExec")
	}
	// Other server keys survive the merge.
	if server["address"] != "127.0.0.1" {
		t.Errorf("server.address lost in merge: %v", server["address"])
	}
	if m["custom"] == nil {
		t.Error("extra.json section not added")
	}
	settingsSection := m["settings"].(map[string]any)
	if settingsSection["signup"] != true {
		t.Error("extra.yaml did not override settings.signup")
	}
}

func TestRenderUsers(t *testing.T) {
	t.Parallel()

	admin := &settings.UserProfile{
		Authentication: settings.Authentication{Username: "alice", Password: "pw-a", Admin: true},
	}
	admin.SetDefaults()
	member := &settings.UserProfile{
		Authentication: settings.Authentication{Username: "bob", Password: "pw-b"},
	}
	member.SetDefaults()

	out, creds, err := RenderUsers([]*settings.UserProfile{admin, member})
	if err != nil {
		t.Fatalf("RenderUsers() error: %v", err)
	}

	if creds["alice"] != "pw-a" || creds["bob"] != "pw-b" {
		t.Errorf("credential map = %v", creds)
	}

	var entries []map[string]any
	if err := json.Unmarshal(out, &entries); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("rendered %d entries, want 2", len(entries))
	}

	for i, entry := range entries {
		if got := entry["id"].(float64); int(got) != i+1 {
			t.Errorf("entry %d id = %v, want %d", i, got, i+1)
		}
		if _, nested := entry["authentication"]; nested {
			t.Error("authentication block not flattened")
		}
		if _, hasAdmin := entry["admin"]; hasAdmin {
			t.Error("admin flag leaked to the top level")
		}
	}

	if entries[0]["username"] != "alice" || entries[1]["username"] != "bob" {
		t.Error("profile order not preserved")
	}
	if !validatePassword(entries[0]["password"].(string), "pw-a") {
		t.Error("stored hash does not verify")
	}

	perm := entries[0]["perm"].(map[string]any)
	if perm["admin"] != true {
		t.Error("admin preset not applied")
	}
	perm = entries[1]["perm"].(map[string]any)
	if perm["admin"] != false || perm["download"] != true {
		t.Errorf("member preset wrong: %v", perm)
	}
}
