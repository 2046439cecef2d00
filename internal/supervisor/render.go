package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/filewarden/filewarden/internal/auth"
	"github.com/filewarden/filewarden/internal/settings"
)

const jsonIndent = "    "

// RenderConfig produces the config JSON the managed server imports. The
// output is deterministic: rendering the same inputs twice gives identical
// bytes.
//
// In proxy mode the auth method is forced to "json" so logins arrive as the
// rewritten body the proxy produces.
func RenderConfig(cfg *settings.ServerConfig, proxyMode bool, extrasDir string) ([]byte, error) {
	rendered := *cfg
	if proxyMode {
		rendered.Settings.AuthMethod = "json"
		rendered.Settings.AuthHeader = ""
	}
	// "." marks the branding directory as unset.
	if rendered.Settings.Branding.Files == "." {
		rendered.Settings.Branding.Files = ""
	}

	raw, err := json.Marshal(&rendered)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to rebuild config map: %w", err)
	}

	// The child expects the port as a string.
	if server, ok := m["server"].(map[string]any); ok {
		server["port"] = strconv.Itoa(rendered.Server.Port)
	}

	m = removeTrailingUnderscore(m).(map[string]any)

	extras, err := loadExtras(extrasDir)
	if err != nil {
		return nil, err
	}
	mergeSections(m, extras)

	out, err := json.MarshalIndent(m, "", jsonIndent)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return append(out, '\n'), nil
}

// loadExtras reads optional extra.json and extra.yaml files whose sections
// are merged over the generated config. Missing files are fine.
func loadExtras(dir string) (map[string]any, error) {
	if dir == "" {
		return nil, nil
	}

	extras := make(map[string]any)

	jsonPath := filepath.Join(dir, "extra.json")
	if raw, err := os.ReadFile(jsonPath); err == nil {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", jsonPath, err)
		}
		mergeSections(extras, m)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", jsonPath, err)
	}

	yamlPath := filepath.Join(dir, "extra.yaml")
	if raw, err := os.ReadFile(yamlPath); err == nil {
		var m map[string]any
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", yamlPath, err)
		}
		mergeSections(extras, m)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", yamlPath, err)
	}

	if len(extras) == 0 {
		return nil, nil
	}
	return extras, nil
}

// mergeSections merges src into dst one section deep: section maps are
// merged key by key, anything else replaces the destination value.
func mergeSections(dst, src map[string]any) {
	for key, val := range src {
		srcSection, srcIsMap := val.(map[string]any)
		dstSection, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			for k, v := range srcSection {
				dstSection[k] = v
			}
			continue
		}
		dst[key] = val
	}
}

// RenderUsers produces the users JSON the managed server imports, plus the
// username-to-password map the proxy needs for login rewriting. Each
// profile becomes one entry with its credentials flattened to the top
// level, the password bcrypt-hashed, and a 1-based id from file order.
func RenderUsers(profiles []*settings.UserProfile) ([]byte, auth.Credentials, error) {
	creds := make(auth.Credentials, len(profiles))
	entries := make([]map[string]any, 0, len(profiles))

	for i, profile := range profiles {
		raw, err := json.Marshal(profile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal user %q: %w", profile.Authentication.Username, err)
		}
		var entry map[string]any
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, nil, fmt.Errorf("failed to rebuild user %q: %w", profile.Authentication.Username, err)
		}
		delete(entry, "authentication")

		hash, err := hashPassword(profile.Authentication.Password)
		if err != nil {
			return nil, nil, err
		}
		if !validatePassword(hash, profile.Authentication.Password) {
			return nil, nil, fmt.Errorf("password hash verification failed for user %q", profile.Authentication.Username)
		}

		entry["id"] = i + 1
		entry["username"] = profile.Authentication.Username
		entry["password"] = hash
		entries = append(entries, removeTrailingUnderscore(entry).(map[string]any))

		creds[profile.Authentication.Username] = profile.Authentication.Password
	}

	out, err := json.MarshalIndent(entries, "", jsonIndent)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to render users: %w", err)
	}
	return append(out, '\n'), creds, nil
}
