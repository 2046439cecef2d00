// Package settings provides the typed configuration and user models for the
// managed filebrowser binary, loaded from env-prefixed sections and rendered
// to the JSON files its CLI imports.
package settings

// Sorting is the listing sort order for a user or for the defaults section.
type Sorting struct {
	By  string `json:"by" mapstructure:"by"`
	Asc bool   `json:"asc" mapstructure:"asc"`
}

// DefaultSorting returns the sort order applied when nothing is configured.
func DefaultSorting() Sorting {
	return Sorting{By: "name", Asc: false}
}

// Perm is the fixed capability set assigned wholesale to each user.
// Exactly one preset applies per user; there are no per-flag overrides.
type Perm struct {
	Admin    bool `json:"admin"`
	Execute  bool `json:"execute"`
	Create   bool `json:"create"`
	Rename   bool `json:"rename"`
	Modify   bool `json:"modify"`
	Delete   bool `json:"delete"`
	Share    bool `json:"share"`
	Download bool `json:"download"`
}

// AdminPerm returns the permission preset for administrators.
func AdminPerm() Perm {
	return Perm{
		Admin:    true,
		Execute:  true,
		Create:   true,
		Rename:   true,
		Modify:   true,
		Delete:   true,
		Share:    true,
		Download: true,
	}
}

// DefaultPerm returns the permission preset for non-admin users.
func DefaultPerm() Perm {
	return Perm{
		Admin:    false,
		Execute:  true,
		Create:   true,
		Rename:   false,
		Modify:   false,
		Delete:   false,
		Share:    true,
		Download: true,
	}
}
