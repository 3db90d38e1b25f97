package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// FileName is the name of the project configuration file.
	FileName = "elit.json"

	// DefaultPort is the default dev server port.
	DefaultPort = 3000

	// DefaultHost is the default dev server host.
	DefaultHost = "localhost"

	// DefaultSyncPath is the default URL path for the sync endpoint.
	DefaultSyncPath = "/_elit/live"
)

// ErrNotFound reports that no elit.json exists at the searched location.
var ErrNotFound = errors.New("config: no elit.json found")

// Config represents the complete elit.json configuration.
type Config struct {
	// Name is the project name.
	Name string `json:"name,omitempty"`

	// Version is the project version.
	Version string `json:"version,omitempty"`

	// Port is the dev server port.
	Port int `json:"port,omitempty"`

	// Host is the host the dev server binds to.
	Host string `json:"host,omitempty"`

	// SyncPath is the URL path serving the sync endpoint.
	SyncPath string `json:"syncPath,omitempty"`

	// Static contains static file serving settings.
	Static StaticConfig `json:"static,omitempty"`

	// Watch contains file watcher settings.
	Watch WatchConfig `json:"watch,omitempty"`

	// configPath stores the path the config was loaded from.
	configPath string
}

// StaticConfig contains static file serving settings.
type StaticConfig struct {
	// Dir is the directory containing static files.
	Dir string `json:"dir,omitempty"`

	// Prefix is the URL prefix for static files.
	Prefix string `json:"prefix,omitempty"`
}

// WatchConfig contains file watcher settings.
type WatchConfig struct {
	// Paths are the directories to watch.
	Paths []string `json:"paths,omitempty"`

	// Ignore contains patterns to skip during watch.
	Ignore []string `json:"ignore,omitempty"`

	// DebounceMS is the poll interval in milliseconds.
	DebounceMS int `json:"debounceMs,omitempty"`
}

// New creates a Config with default values.
func New() *Config {
	return &Config{
		Version:  "0.1.0",
		Port:     DefaultPort,
		Host:     DefaultHost,
		SyncPath: DefaultSyncPath,
		Static: StaticConfig{
			Dir:    "public",
			Prefix: "/",
		},
		Watch: WatchConfig{
			Paths:      []string{"app", "public"},
			DebounceMS: 100,
		},
	}
}

// Load reads configuration from elit.json in the given directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile reads configuration from the given file path. Missing fields
// keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w in %s", ErrNotFound, filepath.Dir(path))
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := New()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.configPath = path
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the configuration back to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.New("config: no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to the given path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	c.configPath = path
	return nil
}

// Path returns the path the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// applyDefaults fills in defaults for empty fields.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.SyncPath == "" {
		c.SyncPath = DefaultSyncPath
	}
	if c.Static.Dir == "" {
		c.Static.Dir = "public"
	}
	if c.Static.Prefix == "" {
		c.Static.Prefix = "/"
	}
	if c.Watch.Paths == nil {
		c.Watch.Paths = []string{"app", "public"}
	}
	if c.Watch.DebounceMS == 0 {
		c.Watch.DebounceMS = 100
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Watch.DebounceMS < 0 {
		return fmt.Errorf("config: debounceMs must not be negative")
	}
	return nil
}

// Address returns the host:port the dev server listens on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL returns the base HTTP URL of the dev server.
func (c *Config) URL() string {
	return "http://" + c.Address()
}

// SyncURL returns the ws:// URL of the sync endpoint.
func (c *Config) SyncURL() string {
	return "ws://" + c.Address() + c.SyncPath
}

// Debounce returns the watcher poll interval as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMS) * time.Millisecond
}

// StaticDir returns the absolute path to the static files directory.
func (c *Config) StaticDir() string {
	if filepath.IsAbs(c.Static.Dir) {
		return c.Static.Dir
	}
	return filepath.Join(c.Dir(), c.Static.Dir)
}

// WatchPaths returns the watch directories resolved against the project
// root. Directories that do not exist are dropped.
func (c *Config) WatchPaths() []string {
	paths := make([]string, 0, len(c.Watch.Paths))
	for _, p := range c.Watch.Paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(c.Dir(), p)
		}
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			paths = append(paths, p)
		}
	}
	return paths
}

// Exists reports whether an elit.json exists in the given directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, FileName))
	return err == nil
}

// FindProjectRoot walks up from startDir to the directory containing
// elit.json.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w in %s or any parent directory", ErrNotFound, startDir)
		}
		dir = parent
	}
}
