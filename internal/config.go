package internal

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Asset drivers.
const (
	AssetDriverFS  = "fs"
	AssetDriverGCS = "gcs"
)

var (
	namespaceRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	httpURLRe   = regexp.MustCompile(`^https?://[^\s/]+`)
	// STORAGE_EMULATOR_HOST style: host:port with an optional scheme.
	emulatorRe  = regexp.MustCompile(`^(https?://)?[^\s/:]+(:\d+)?/?$`)
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	SQLite  SQLiteConfig      `yaml:"sqlite"`
	Assets  AssetsConfig      `yaml:"assets"`
	Content ContentConfig     `yaml:"content"`
	Auth    AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Assets.Validate(); err != nil {
		return err
	}
	if err := c.Content.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`

	// ListThrottle bounds how often list.invalidated is sent per kind.
	ListThrottle time.Duration `yaml:"list_throttle"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.ListThrottle, validation.Min(time.Duration(0))),
	)
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AssetsConfig selects where externalized images are stored.
//
// Driver "fs" writes under FS.Root and serves objects at /assets; "gcs"
// uploads to a Cloud Storage bucket (or its emulator).
type AssetsConfig struct {
	Driver    string          `yaml:"driver"`
	Namespace string          `yaml:"namespace"`
	FS        FSAssetsConfig  `yaml:"fs"`
	GCS       GCSAssetsConfig `yaml:"gcs"`
}

// Validate validates the assets configuration.
func (c *AssetsConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(AssetDriverFS, AssetDriverGCS)),
		validation.Field(&c.Namespace, validation.Required, validation.Match(namespaceRe)),
	); err != nil {
		return err
	}
	if c.Driver == AssetDriverGCS {
		return c.GCS.Validate()
	}
	return c.FS.Validate()
}

// FSAssetsConfig configures the local asset directory.
type FSAssetsConfig struct {
	Root string `yaml:"root"`

	// BaseURL prefixes stored URLs; defaults to the /assets route.
	BaseURL string `yaml:"base_url"`
}

// Validate validates the fs driver configuration.
func (c *FSAssetsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
	)
}

// GCSAssetsConfig configures the Cloud Storage driver.
type GCSAssetsConfig struct {
	Bucket        string `yaml:"bucket"`
	EmulatorHost  string `yaml:"emulator_host"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// Validate validates the gcs driver configuration.
func (c *GCSAssetsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Bucket, validation.Required),
		validation.Field(&c.EmulatorHost, validation.Match(emulatorRe)),
		validation.Field(&c.PublicBaseURL, validation.Match(httpURLRe)),
	)
}

// ContentConfig points at a directory of YAML record files imported at
// startup.
type ContentConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// Validate validates the content configuration.
func (c *ContentConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.When(c.Watch, validation.Required)),
	)
}

// Enabled reports whether content import is configured.
func (c *ContentConfig) Enabled() bool {
	return c.Path != ""
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled".
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
			ListThrottle: 2 * time.Second,
		},
		SQLite: SQLiteConfig{
			Path: "./verdant.db",
		},
		Assets: AssetsConfig{
			Driver:    AssetDriverFS,
			Namespace: "images",
			FS: FSAssetsConfig{
				Root:    "./assets",
				BaseURL: "/assets",
			},
		},
		Content: ContentConfig{
			Path:  "./content",
			Watch: true,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
