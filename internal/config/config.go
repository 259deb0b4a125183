// Package config handles TOML-based configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// EnvConfigPath names the variable that points at an explicit config file.
const EnvConfigPath = "HLSGRAB_CONFIG"

// Config holds all application configuration.
type Config struct {
	Listen        string `toml:"listen"`
	CookiesDir    string `toml:"cookies_dir"`
	DownloadsDir  string `toml:"downloads_dir"`
	YtdlpPath     string `toml:"ytdlp_path"`
	VerifyStreams bool   `toml:"verify_streams"`
	Debug         bool   `toml:"debug"`

	Timeouts Timeouts `toml:"timeouts"`
	PCloud   PCloud   `toml:"pcloud"`
	Log      Log      `toml:"log"`
}

// Timeouts are expressed in whole seconds.
type Timeouts struct {
	BackendSeconds int `toml:"backend_seconds"`
	PageSeconds    int `toml:"page_seconds"`
	APISeconds     int `toml:"api_seconds"`
	ProbeSeconds   int `toml:"probe_seconds"`
}

// Backend is the limit for one extraction-backend invocation.
func (t Timeouts) Backend() time.Duration { return seconds(t.BackendSeconds) }

// Page is the limit for one provider page fetch.
func (t Timeouts) Page() time.Duration { return seconds(t.PageSeconds) }

// API is the limit for one provider API call.
func (t Timeouts) API() time.Duration { return seconds(t.APISeconds) }

// Probe is the limit for one stream reachability probe.
func (t Timeouts) Probe() time.Duration { return seconds(t.ProbeSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// PCloud tunes the pCloud scraper.
type PCloud struct {
	APIBase           string `toml:"api_base"`
	RequestsPerSecond int    `toml:"requests_per_second"`
}

// Log configures the logrus output.
type Log struct {
	Level      string `toml:"level"`
	JSON       bool   `toml:"json"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Listen:       ":5000",
		CookiesDir:   "cookies",
		DownloadsDir: "downloads",
		YtdlpPath:    "yt-dlp",
		Timeouts: Timeouts{
			BackendSeconds: 30,
			PageSeconds:    15,
			APISeconds:     10,
			ProbeSeconds:   5,
		},
		PCloud: PCloud{
			APIBase:           "https://api.pcloud.com",
			RequestsPerSecond: 4,
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// configDir returns the XDG-compliant config directory.
func configDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "hlsgrab"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".config", "hlsgrab"), nil
}

// ConfigPath returns the path to the config file. HLSGRAB_CONFIG wins over
// the XDG location.
func ConfigPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the config file and merges with defaults.
// If the config file doesn't exist, defaults are returned.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		log.WithField("path", path).Debug("loaded config file")
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnv lets a PORT variable override the listen port.
func (c *Config) applyEnv() {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.Listen = ":" + port
	}
}

// Validate checks config values are within acceptable bounds.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.CookiesDir == "" {
		return fmt.Errorf("cookies_dir cannot be empty")
	}
	if c.DownloadsDir == "" {
		return fmt.Errorf("downloads_dir cannot be empty")
	}
	if c.YtdlpPath == "" {
		return fmt.Errorf("ytdlp_path cannot be empty")
	}

	for name, v := range map[string]int{
		"backend_seconds": c.Timeouts.BackendSeconds,
		"page_seconds":    c.Timeouts.PageSeconds,
		"api_seconds":     c.Timeouts.APISeconds,
		"probe_seconds":   c.Timeouts.ProbeSeconds,
	} {
		if v <= 0 {
			return fmt.Errorf("timeouts.%s must be positive, got %d", name, v)
		}
	}

	u, err := url.Parse(c.PCloud.APIBase)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("pcloud.api_base %q is not an absolute HTTP(S) URL", c.PCloud.APIBase)
	}
	if c.PCloud.RequestsPerSecond <= 0 {
		return fmt.Errorf("pcloud.requests_per_second must be positive, got %d", c.PCloud.RequestsPerSecond)
	}

	if c.Log.Level != "" {
		if _, err := log.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("unsupported log level %q", c.Log.Level)
		}
	}

	return nil
}

// expandHome resolves ~ and makes the path absolute.
func expandHome(dir string) (string, error) {
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding home dir: %w", err)
		}
		dir = filepath.Join(home, dir[2:])
	}
	return filepath.Abs(dir)
}

// EnsureDirs expands the cookie and download directories in place and
// creates them if missing.
func (c *Config) EnsureDirs() error {
	for _, dir := range []*string{&c.CookiesDir, &c.DownloadsDir} {
		abs, err := expandHome(*dir)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(abs, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", abs, err)
		}
		*dir = abs
	}
	return nil
}
