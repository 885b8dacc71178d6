// Package config handles configuration loading and validation for archivist.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // embedded zoneinfo

	"gopkg.in/yaml.v3"

	"github.com/artspace/archivist/internal/collection"
	"github.com/artspace/archivist/internal/credentials"
	"github.com/artspace/archivist/pkg/bytesize"
)

// Defaults mirror the site the archive is published for.
const (
	DefaultTimezone  = "Asia/Seoul"
	DefaultOutputDir = "public/data"
	DefaultJobName   = "archivist"
)

// DefaultCollections are the collections published when none are configured.
var DefaultCollections = []string{"exhibitions", "lectures"}

// MirrorConfig holds configuration for uploading the archive to Cloud Storage.
type MirrorConfig struct {
	Bucket string `yaml:"bucket"` // Empty disables the mirror
	Prefix string `yaml:"prefix"` // Object name prefix, e.g. "data/"
}

// MetricsConfig holds configuration for pushing run metrics.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"` // Empty disables the push
	Job            string `yaml:"job"`
}

// LokiConfig holds configuration for shipping logs to Loki.
type LokiConfig struct {
	URL    string            `yaml:"url"` // Empty disables shipping
	Labels map[string]string `yaml:"labels"`
}

// Config holds configuration for one publish run.
type Config struct {
	ProjectID    string             `yaml:"project_id"` // Defaults to the service account's project
	Collections  []string           `yaml:"collections"`
	Timezone     string             `yaml:"timezone"`         // IANA zone used for the date stamp
	OutputDir    string             `yaml:"output_dir"`       // Archive directory
	ChunkSize    int                `yaml:"chunk_size"`       // Documents per purge batch
	Compress     bool               `yaml:"compress"`         // Also write .gz sidecars
	MaxSize      bytesize.Size      `yaml:"max_archive_size"` // Zero means unlimited
	EmulatorHost string             `yaml:"emulator_host"`
	Credentials  credentials.Source `yaml:"credentials"`
	Mirror       MirrorConfig       `yaml:"mirror"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Loki         LokiConfig         `yaml:"loki"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file. An empty path yields the defaults.
// Environment overrides are applied after the file and before defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("ARCHIVIST_PROJECT_ID"); v != "" {
		c.ProjectID = v
	}
	if v := getenv("ARCHIVIST_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := getenv("ARCHIVIST_COLLECTIONS"); v != "" {
		c.Collections = splitList(v)
	}
	if v := getenv("ARCHIVIST_CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ARCHIVIST_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = n
	}
	if v := getenv("FIRESTORE_EMULATOR_HOST"); v != "" && c.EmulatorHost == "" {
		c.EmulatorHost = v
	}
	if v := getenv("ARCHIVIST_PUSHGATEWAY_URL"); v != "" {
		c.Metrics.PushgatewayURL = v
	}
	if v := getenv("ARCHIVIST_LOKI_URL"); v != "" {
		c.Loki.URL = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Collections) == 0 {
		c.Collections = append([]string(nil), DefaultCollections...)
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}
	// Expand home directory in output dir
	if strings.HasPrefix(c.OutputDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.OutputDir = filepath.Join(homeDir, c.OutputDir[2:])
		}
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = collection.DefaultChunkSize
	}
	if c.Credentials.Env == "" {
		c.Credentials.Env = credentials.DefaultEnv
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = DefaultJobName
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	seen := make(map[string]bool, len(c.Collections))
	for _, name := range c.Collections {
		if name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("invalid collection name %q", name)
		}
		if seen[name] {
			return fmt.Errorf("collection %q listed twice", name)
		}
		seen[name] = true
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.ChunkSize < 1 || c.ChunkSize > collection.MaxChunkSize {
		return fmt.Errorf("chunk_size must be between 1 and %d", collection.MaxChunkSize)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if c.MaxSize < 0 {
		return fmt.Errorf("max_archive_size must not be negative")
	}
	if c.Mirror.Prefix != "" && c.Mirror.Bucket == "" {
		return fmt.Errorf("mirror.prefix requires mirror.bucket")
	}
	return nil
}

// Location loads the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
