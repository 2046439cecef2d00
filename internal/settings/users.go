package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Authentication is the credential pair carried inside a user profile.
// It never appears in the rendered users JSON; the renderer flattens it.
type Authentication struct {
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Admin    bool   `json:"admin" mapstructure:"admin"`
}

// UserProfile is one entry of the users JSON the child imports.
type UserProfile struct {
	Authentication Authentication `json:"authentication"`
	Scope          string         `json:"scope" mapstructure:"scope"`
	Locale         string         `json:"locale" mapstructure:"locale"`
	LockPassword   bool           `json:"lockPassword" mapstructure:"lockpassword"`
	ViewMode       string         `json:"viewMode" mapstructure:"viewmode"`
	SingleClick    bool           `json:"singleClick" mapstructure:"singleclick"`
	Perm           Perm           `json:"perm"`
	Commands       []string       `json:"commands" mapstructure:"commands"`
	Sorting        Sorting        `json:"sorting"`
	Rules          []string       `json:"rules" mapstructure:"rules"`
	HideDotfiles   bool           `json:"hideDotfiles" mapstructure:"hidedotfiles"`
	DateFormat     bool           `json:"dateFormat" mapstructure:"dateformat"`
}

// SetDefaults fills unset profile fields with the child's documented defaults.
// The permission preset is chosen by the admin flag and never read from the
// profile file.
func (p *UserProfile) SetDefaults() {
	if p.Scope == "" {
		p.Scope = "/"
	}
	if p.Locale == "" {
		p.Locale = "en"
	}
	if p.ViewMode == "" {
		p.ViewMode = "list"
	}
	if p.Sorting == (Sorting{}) {
		p.Sorting = DefaultSorting()
	}
	if p.Authentication.Admin {
		p.Perm = AdminPerm()
	} else {
		// Non-admins cannot change their password or see dotfiles,
		// whatever the profile file says.
		p.Perm = DefaultPerm()
		p.LockPassword = true
		p.HideDotfiles = true
	}
}

// Validate rejects profiles that cannot be imported.
func (p *UserProfile) Validate() error {
	if p.Authentication.Username == "" {
		return fmt.Errorf("user profile is missing a username")
	}
	if p.Authentication.Password == "" {
		return fmt.Errorf("user %q has no password", p.Authentication.Username)
	}
	if p.ViewMode != "list" && p.ViewMode != "mosaic" {
		return fmt.Errorf("user %q viewMode must be 'list' or 'mosaic', got %q",
			p.Authentication.Username, p.ViewMode)
	}
	return nil
}

// DiscoverProfileFiles lists the per-user env files under dir: any file whose
// name contains "user" and ends in ".env". The result is sorted so profile
// ordering, and therefore assigned user ids, is deterministic.
func DiscoverProfileFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile directory %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.Contains(name, "user") && strings.HasSuffix(name, ".env") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}
