package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Sessions  SessionsConfig    `yaml:"sessions"`
	Index     IndexConfig       `yaml:"index"`
	Batch     BatchConfig       `yaml:"batch"`
	Reconcile ReconcileConfig   `yaml:"reconcile"`
	Search    SearchConfig      `yaml:"search"`
	Watcher   WatcherConfig     `yaml:"watcher"`
	Auth      AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []validation.Validatable{
		&c.App, &c.Sessions, &c.Index, &c.Batch, &c.Reconcile, &c.Search,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	for _, f := range []struct{ name, path string }{
		{"index.path", c.Index.Path},
		{"index.fingerprints_path", c.Index.FingerprintsPath},
	} {
		inside, err := within(c.Sessions.Path, f.path)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		if inside {
			return fmt.Errorf("%s %q must not be inside sessions.path %q", f.name, f.path, c.Sessions.Path)
		}
	}
	return c.Auth.Validate()
}

// within reports whether path lies in dir or any of its subdirectories.
func within(dir, path string) (bool, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		// different volumes
		return false, nil
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))), nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	// LogFile, when set, receives a rotated copy of the JSON log.
	LogFile string     `yaml:"log_file"`
	HTTP    HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
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

// SessionsConfig holds the path to the session documents directory.
type SessionsConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the sessions configuration.
func (c *SessionsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// IndexConfig locates the index file and the fingerprint table.
type IndexConfig struct {
	Path             string `yaml:"path"`
	FingerprintsPath string `yaml:"fingerprints_path"`
}

// Validate validates the index configuration.
func (c *IndexConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.FingerprintsPath, validation.Required),
	); err != nil {
		return err
	}
	if filepath.Clean(c.Path) == filepath.Clean(c.FingerprintsPath) {
		return errors.New("index: path and fingerprints_path must differ")
	}
	return nil
}

// BatchConfig controls how live change notifications are coalesced.
type BatchConfig struct {
	MaxSize  int           `yaml:"max_size"`
	Interval time.Duration `yaml:"interval"`
}

// Validate validates the batch configuration.
func (c *BatchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxSize, validation.Required, validation.Min(1)),
		validation.Field(&c.Interval, validation.Required, validation.Min(time.Millisecond)),
	)
}

// ReconcileConfig controls periodic and on-demand reconcile passes.
// Interval 0 disables the periodic pass. MinGap throttles the HTTP trigger.
type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
	MinGap   time.Duration `yaml:"min_gap"`
}

// Validate validates the reconcile configuration.
func (c *ReconcileConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Interval, validation.Min(time.Duration(0))),
		validation.Field(&c.MinGap, validation.Min(time.Duration(0))),
	)
}

// SearchConfig holds the optional SQLite search mirror settings.
type SearchConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Validate validates the search configuration.
func (c *SearchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SQLitePath, validation.When(c.Enabled, validation.Required)),
	)
}

// WatcherConfig toggles the filesystem watcher.
type WatcherConfig struct {
	Enabled bool `yaml:"enabled"`
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
		},
		Sessions: SessionsConfig{
			Path: "./data/sessions",
		},
		Index: IndexConfig{
			Path:             "./data/index.json",
			FingerprintsPath: "./data/fingerprints.json",
		},
		Batch: BatchConfig{
			MaxSize:  50,
			Interval: 2 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval: 10 * time.Minute,
			MinGap:   5 * time.Second,
		},
		Search: SearchConfig{
			Enabled:    true,
			SQLitePath: "./data/search.db",
		},
		Watcher: WatcherConfig{
			Enabled: true,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
