package settings

import (
	"fmt"
	"os"
	"path/filepath"
)

// Defaults is the per-user defaults section of the child config.
// Environment keys carry the "defaults_" prefix.
type Defaults struct {
	Scope        string   `json:"scope" mapstructure:"scope"`
	Locale       string   `json:"locale" mapstructure:"locale"`
	ViewMode     string   `json:"viewMode" mapstructure:"viewmode"`
	SingleClick  bool     `json:"singleClick" mapstructure:"singleclick"`
	Sorting      Sorting  `json:"sorting"`
	Perm         Perm     `json:"perm"`
	Commands     []string `json:"commands" mapstructure:"commands"`
	HideDotfiles bool     `json:"hideDotfiles" mapstructure:"hidedotfiles"`
	DateFormat   bool     `json:"dateFormat" mapstructure:"dateformat"`
}

// Branding is the custom branding section. Environment keys carry the
// "branding_" prefix. A Files value of "." is rendered as the empty string.
type Branding struct {
	Name                  string `json:"name" mapstructure:"name"`
	DisableExternal       bool   `json:"disableExternal" mapstructure:"disableexternal"`
	DisableUsedPercentage bool   `json:"disableUsedPercentage" mapstructure:"disableusedpercentage"`
	Files                 string `json:"files" mapstructure:"files"`
	Theme                 string `json:"theme" mapstructure:"theme"`
	Color                 string `json:"color" mapstructure:"color"`
}

// Tus is the chunked-upload section. Environment keys carry the "tus_" prefix.
type Tus struct {
	ChunkSize  int64 `json:"chunkSize" mapstructure:"chunksize"`
	RetryCount int   `json:"retryCount" mapstructure:"retrycount"`
}

// Commands lists shell hooks executed around server events.
// Environment keys carry the "commands_" prefix.
type Commands struct {
	AfterCopy    []string `json:"after_copy" mapstructure:"after_copy"`
	AfterDelete  []string `json:"after_delete" mapstructure:"after_delete"`
	AfterRename  []string `json:"after_rename" mapstructure:"after_rename"`
	AfterSave    []string `json:"after_save" mapstructure:"after_save"`
	AfterUpload  []string `json:"after_upload" mapstructure:"after_upload"`
	BeforeCopy   []string `json:"before_copy" mapstructure:"before_copy"`
	BeforeDelete []string `json:"before_delete" mapstructure:"before_delete"`
	BeforeRename []string `json:"before_rename" mapstructure:"before_rename"`
	BeforeSave   []string `json:"before_save" mapstructure:"before_save"`
	BeforeUpload []string `json:"before_upload" mapstructure:"before_upload"`
}

// Settings is the child's "settings" section. Most keys are unprefixed in
// the environment; nested sections carry their own prefixes.
type Settings struct {
	Signup           bool     `json:"signup" mapstructure:"signup"`
	CreateUserDir    bool     `json:"createUserDir" mapstructure:"createuserdir"`
	UserHomeBasePath string   `json:"userHomeBasePath" mapstructure:"userhomebasepath"`
	Defaults         Defaults `json:"defaults"`
	AuthMethod       string   `json:"authMethod" mapstructure:"authmethod"`
	AuthHeader       string   `json:"authHeader" mapstructure:"authheader"`
	Branding         Branding `json:"branding"`
	Tus              Tus      `json:"tus"`
	Commands         Commands `json:"commands"`
	Shell            []string `json:"shell_" mapstructure:"shell"`
	Rules            []string `json:"rules" mapstructure:"rules"`
}

// Server is the child's "server" section, unprefixed in the environment.
// Port is an integer here and stringified when the config is rendered.
type Server struct {
	Root                  string `json:"root" mapstructure:"root"`
	BaseURL               string `json:"baseURL" mapstructure:"baseurl"`
	Socket                string `json:"socket" mapstructure:"socket"`
	TLSKey                string `json:"tlsKey" mapstructure:"tlskey"`
	TLSCert               string `json:"tlsCert" mapstructure:"tlscert"`
	Port                  int    `json:"port" mapstructure:"port"`
	Address               string `json:"address" mapstructure:"address"`
	Log                   string `json:"log" mapstructure:"log"`
	EnableThumbnails      bool   `json:"enableThumbnails" mapstructure:"enablethumbnails"`
	ResizePreview         bool   `json:"resizePreview" mapstructure:"resizepreview"`
	EnableExec            bool   `json:"enableExec" mapstructure:"enableexec"`
	TypeDetectionByHeader bool   `json:"typeDetectionByHeader" mapstructure:"typedetectionbyheader"`
	AuthHook              string `json:"authHook" mapstructure:"authhook"`
	TokenExpirationTime   string `json:"tokenExpirationTime" mapstructure:"tokenexpirationtime"`
}

// ReCAPTCHA holds the optional reCAPTCHA triple for the auther section.
type ReCAPTCHA struct {
	Host   string `json:"host" mapstructure:"recaptcha_host"`
	Key    string `json:"key" mapstructure:"recaptcha_key"`
	Secret string `json:"secret" mapstructure:"recaptcha_secret"`
}

// Auther is the child's "auther" section. Environment keys carry the
// "auth_" prefix.
type Auther struct {
	ReCAPTCHA *ReCAPTCHA `json:"recaptcha"`
}

// ServerConfig wraps the three sections of the child config JSON.
type ServerConfig struct {
	Settings Settings `json:"settings"`
	Server   Server   `json:"server"`
	Auther   Auther   `json:"auther"`
}

// SetDefaults fills unset fields with the child's documented defaults.
func (c *ServerConfig) SetDefaults() {
	if c.Settings.UserHomeBasePath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Settings.UserHomeBasePath = filepath.Join(home, "users")
		}
	}
	if c.Settings.AuthMethod == "" {
		c.Settings.AuthMethod = "json"
	}
	if c.Settings.Defaults.Scope == "" {
		c.Settings.Defaults.Scope = "."
	}
	if c.Settings.Defaults.Locale == "" {
		c.Settings.Defaults.Locale = "en"
	}
	if c.Settings.Defaults.ViewMode == "" {
		c.Settings.Defaults.ViewMode = "list"
	}
	if c.Settings.Defaults.Sorting == (Sorting{}) {
		c.Settings.Defaults.Sorting = DefaultSorting()
	}
	if c.Settings.Defaults.Perm == (Perm{}) {
		c.Settings.Defaults.Perm = DefaultPerm()
	}
	if c.Settings.Tus.ChunkSize == 0 {
		c.Settings.Tus.ChunkSize = 10 * 1024 * 1024
	}
	if c.Settings.Tus.RetryCount == 0 {
		c.Settings.Tus.RetryCount = 5
	}
	if c.Server.Root == "" {
		c.Server.Root = "."
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1"
	}
	if c.Server.Log == "" {
		c.Server.Log = "stdout"
	}
}

// Validate checks section invariants beyond struct tags.
func (c *ServerConfig) Validate() error {
	if c.Server.Root == "" {
		return fmt.Errorf("server.root is required")
	}
	if info, err := os.Stat(c.Server.Root); err != nil || !info.IsDir() {
		return fmt.Errorf("server.root %q is not a directory", c.Server.Root)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Log != "stdout" && c.Server.Log != "file" {
		return fmt.Errorf("server.log must be 'stdout' or 'file', got %q", c.Server.Log)
	}
	if c.Settings.CreateUserDir {
		info, err := os.Stat(c.Settings.UserHomeBasePath)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("settings.userHomeBasePath %q is not a directory", c.Settings.UserHomeBasePath)
		}
	}
	return nil
}
