// Package config loads shelf configuration.
//
// Values come from a config file (shelf.yaml, shelf.toml or shelf.json),
// environment variables and built-in defaults, merged with precedence
// env > file > defaults. Environment variables use the SHELF_ prefix with
// dots replaced by underscores, e.g. SHELF_CLOUD_ENABLED=true.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/docshelf/internal/coord"
	"github.com/mschirtzinger/docshelf/internal/document"
	"github.com/mschirtzinger/docshelf/internal/naming"
	"github.com/mschirtzinger/docshelf/internal/preview"
)

// EnvVarPrefix is the prefix for environment variables.
const EnvVarPrefix = "SHELF"

// FileName is the config file name searched for, without extension.
const FileName = "shelf"

// Mirror kinds.
const (
	MirrorDir   = "dir"
	MirrorMinio = "minio"
)

// Config is the complete shelf configuration.
type Config struct {
	Documents  DocumentsConfig  `mapstructure:"documents"`
	Cloud      CloudConfig      `mapstructure:"cloud"`
	Preview    PreviewConfig    `mapstructure:"preview"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
	Log        LogConfig        `mapstructure:"log"`
	Controller ControllerConfig `mapstructure:"controller"`

	// Source is the config file the values were read from, or "" when
	// none was found.
	Source string `mapstructure:"-"`
}

// DocumentsConfig locates the local documents directory.
type DocumentsConfig struct {
	Dir       string `mapstructure:"dir"`
	Extension string `mapstructure:"extension"`
}

// CloudConfig configures the remote store.
type CloudConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// ContainerDir holds the container's documents and its sync index.
	ContainerDir       string        `mapstructure:"container_dir"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	RemoteSyncInterval time.Duration `mapstructure:"remote_sync_interval"`

	Mirror MirrorConfig `mapstructure:"mirror"`
}

// MirrorConfig selects the byte store documents are mirrored to.
type MirrorConfig struct {
	Kind string `mapstructure:"kind"` // "dir" or "minio"

	// Dir is the mirror directory for kind "dir".
	Dir string `mapstructure:"dir"`

	// S3-compatible endpoint for kind "minio".
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// PreviewConfig lists the preview width classes.
type PreviewConfig struct {
	Widths []int `mapstructure:"widths"`
}

// DashboardConfig configures `shelf daemon`'s dashboard.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig configures logging. File logging is disabled when File is empty.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	// JSON switches the stderr output to JSON.
	JSON bool `mapstructure:"json"`
}

// ControllerConfig tunes the document controller.
type ControllerConfig struct {
	BulkConcurrency int           `mapstructure:"bulk_concurrency"`
	WatchDebounce   time.Duration `mapstructure:"watch_debounce"`
}

// DataDir returns the default base directory for shelf data:
// $XDG_DATA_HOME/shelf, falling back to ~/.local/share/shelf.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "shelf")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shelf"
	}
	return filepath.Join(home, ".local", "share", "shelf")
}

// SearchPaths returns the directories searched for a config file.
func SearchPaths() []string {
	var paths []string
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		paths = append(paths, filepath.Join(dir, "shelf"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".shelf"))
	}
	return append(paths, ".")
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	data := DataDir()
	return &Config{
		Documents: DocumentsConfig{
			Dir:       filepath.Join(data, "Documents"),
			Extension: document.DefaultExtension,
		},
		Cloud: CloudConfig{
			ContainerDir:       filepath.Join(data, "Cloud"),
			PollInterval:       250 * time.Millisecond,
			RemoteSyncInterval: 30 * time.Second,
			Mirror: MirrorConfig{
				Kind: MirrorDir,
				Dir:  filepath.Join(data, "Remote"),
			},
		},
		Preview:   PreviewConfig{Widths: append([]int(nil), preview.DefaultWidths...)},
		Dashboard: DashboardConfig{Port: 8080},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Controller: ControllerConfig{
			BulkConcurrency: 4,
			WatchDebounce:   coord.DefaultDebounce,
		},
	}
}

// Load reads configuration. With an explicit path the file must exist;
// otherwise shelf.{yaml,toml,json} is searched in SearchPaths and a missing
// file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range flatten("", DefaultConfig().Settings()) {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(EnvVarPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		for _, dir := range SearchPaths() {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()

	cfg.Documents.Dir = expandHome(cfg.Documents.Dir)
	cfg.Cloud.ContainerDir = expandHome(cfg.Cloud.ContainerDir)
	cfg.Cloud.Mirror.Dir = expandHome(cfg.Cloud.Mirror.Dir)
	cfg.Log.File = expandHome(cfg.Log.File)
	cfg.Documents.Extension = naming.NormalizeExtension(cfg.Documents.Extension)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Documents.Dir == "" {
		return fmt.Errorf("documents.dir is required")
	}
	if naming.NormalizeExtension(c.Documents.Extension) == "" {
		return fmt.Errorf("documents.extension is required")
	}
	if c.Cloud.Enabled {
		if c.Cloud.ContainerDir == "" {
			return fmt.Errorf("cloud.container_dir is required when cloud is enabled")
		}
		if c.Cloud.PollInterval <= 0 {
			return fmt.Errorf("cloud.poll_interval must be positive, got %s", c.Cloud.PollInterval)
		}
		if c.Cloud.RemoteSyncInterval < 0 {
			return fmt.Errorf("cloud.remote_sync_interval must not be negative")
		}
		switch c.Cloud.Mirror.Kind {
		case MirrorDir:
			if c.Cloud.Mirror.Dir == "" {
				return fmt.Errorf("cloud.mirror.dir is required for a dir mirror")
			}
		case MirrorMinio:
			if c.Cloud.Mirror.Endpoint == "" || c.Cloud.Mirror.Bucket == "" {
				return fmt.Errorf("cloud.mirror.endpoint and cloud.mirror.bucket are required for a minio mirror")
			}
		default:
			return fmt.Errorf("unknown cloud.mirror.kind %q (expected %s or %s)", c.Cloud.Mirror.Kind, MirrorDir, MirrorMinio)
		}
	}
	if len(c.Preview.Widths) == 0 {
		return fmt.Errorf("preview.widths must not be empty")
	}
	for _, w := range c.Preview.Widths {
		if w <= 0 {
			return fmt.Errorf("preview.widths must be positive, got %d", w)
		}
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	if c.Controller.BulkConcurrency < 1 {
		return fmt.Errorf("controller.bulk_concurrency must be at least 1")
	}
	if c.Controller.WatchDebounce < 0 {
		return fmt.Errorf("controller.watch_debounce must not be negative")
	}
	return nil
}

// Settings returns the configuration as nested maps keyed like the config
// file. Durations are rendered as strings so the result reads back in.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"documents": map[string]any{
			"dir":       c.Documents.Dir,
			"extension": c.Documents.Extension,
		},
		"cloud": map[string]any{
			"enabled":              c.Cloud.Enabled,
			"container_dir":        c.Cloud.ContainerDir,
			"poll_interval":        c.Cloud.PollInterval.String(),
			"remote_sync_interval": c.Cloud.RemoteSyncInterval.String(),
			"mirror": map[string]any{
				"kind":       c.Cloud.Mirror.Kind,
				"dir":        c.Cloud.Mirror.Dir,
				"endpoint":   c.Cloud.Mirror.Endpoint,
				"bucket":     c.Cloud.Mirror.Bucket,
				"prefix":     c.Cloud.Mirror.Prefix,
				"access_key": c.Cloud.Mirror.AccessKey,
				"secret_key": c.Cloud.Mirror.SecretKey,
				"use_ssl":    c.Cloud.Mirror.UseSSL,
			},
		},
		"preview": map[string]any{
			"widths": append([]int(nil), c.Preview.Widths...),
		},
		"dashboard": map[string]any{
			"port": c.Dashboard.Port,
		},
		"log": map[string]any{
			"level":        c.Log.Level,
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"json":         c.Log.JSON,
		},
		"controller": map[string]any{
			"bulk_concurrency": c.Controller.BulkConcurrency,
			"watch_debounce":   c.Controller.WatchDebounce.String(),
		},
	}
}

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Preview.Widths = append([]int(nil), c.Preview.Widths...)
	if out.Cloud.Mirror.SecretKey != "" {
		out.Cloud.Mirror.SecretKey = "********"
	}
	return &out
}

// Encode renders the configuration as "yaml" or "toml".
func (c *Config) Encode(format string) ([]byte, error) {
	settings := c.Settings()
	switch strings.ToLower(format) {
	case "yaml", "yml":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		return buf.Bytes(), nil
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(settings); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %q (expected yaml or toml)", format)
	}
}

// Keys returns every config key in dotted form, sorted.
func Keys() []string {
	flat := flatten("", DefaultConfig().Settings())
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
