package pipeline

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/focusflow/dbopen"
	"github.com/hazyhaar/focusflow/observability"
	"github.com/hazyhaar/focusflow/pipeline/internal/convert"
	"github.com/hazyhaar/focusflow/pipeline/internal/ingest"
)

// Config holds the full focusflow configuration.
type Config struct {
	InputDir   string `yaml:"input_dir"`
	WorkDir    string `yaml:"work_dir"`
	ArchiveDir string `yaml:"archive_dir"`
	DBPath     string `yaml:"db_path"`
	// BusyTimeout bounds how long a ledger write waits on a locked database.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	Extensions  []string      `yaml:"extensions"`
	// Identity is "path" or "sha256".
	Identity   string        `yaml:"identity"`
	Workers    int           `yaml:"workers"`
	QueueDepth int           `yaml:"queue_depth"`
	Settle     time.Duration `yaml:"settle"`
	// Listen enables the operator HTTP surface when non-empty.
	Listen      string                  `yaml:"listen"`
	Log         observability.LogConfig `yaml:"log"`
	DateColumns []string                `yaml:"date_columns"`
	Conversion  ConversionConfig        `yaml:"conversion"`
}

// ConversionConfig configures the built-in normalizer.
type ConversionConfig struct {
	IncludeSourceColumns bool                   `yaml:"include_source_columns"`
	RowsPerArtifact      int                    `yaml:"rows_per_artifact"`
	Providers            []convert.ProviderRule `yaml:"providers"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		InputDir:    "data/in",
		WorkDir:     "data/work",
		ArchiveDir:  "data/archive",
		DBPath:      "data/focusflow.db",
		BusyTimeout: dbopen.DefaultBusyTimeout,
		Extensions:  []string{".csv", ".csv.gz", ".csv.zst"},
		Identity:    ingest.IdentityPath,
		Workers:     2,
		QueueDepth:  64,
		Settle:      time.Second,
		Log:         observability.LogConfig{Level: "info", Format: "text"},
		DateColumns: []string{"Date"},
		Conversion: ConversionConfig{
			IncludeSourceColumns: true,
			RowsPerArtifact:      50_000,
		},
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from FOCUSFLOW_* environment variables. Unset
// variables leave the field alone.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	str := func(key string, dst *string) {
		if v := getenv("FOCUSFLOW_" + key); v != "" {
			*dst = v
		}
	}
	str("INPUT_DIR", &c.InputDir)
	str("WORK_DIR", &c.WorkDir)
	str("ARCHIVE_DIR", &c.ArchiveDir)
	str("DB_PATH", &c.DBPath)
	str("IDENTITY", &c.Identity)
	str("LISTEN", &c.Listen)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v := getenv("FOCUSFLOW_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FOCUSFLOW_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := getenv("FOCUSFLOW_SETTLE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FOCUSFLOW_SETTLE: %w", err)
		}
		c.Settle = d
	}
	if v := getenv("FOCUSFLOW_EXTENSIONS"); v != "" {
		c.Extensions = strings.Split(v, ",")
	}
	return nil
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"input_dir":   c.InputDir,
		"work_dir":    c.WorkDir,
		"archive_dir": c.ArchiveDir,
		"db_path":     c.DBPath,
	} {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if len(c.Extensions) == 0 {
		return fmt.Errorf("extensions must not be empty")
	}
	for i, ext := range c.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("extensions[%d]: %q must start with a dot", i, ext)
		}
	}
	switch c.Identity {
	case ingest.IdentityPath, ingest.IdentitySHA256:
	default:
		return fmt.Errorf("unsupported identity %q (use path or sha256)", c.Identity)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("queue_depth must be > 0")
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("busy_timeout must be >= 0")
	}
	if c.Settle < 0 {
		return fmt.Errorf("settle must be >= 0")
	}
	if c.Conversion.RowsPerArtifact <= 0 {
		return fmt.Errorf("conversion.rows_per_artifact must be > 0")
	}
	if _, err := observability.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for i, p := range c.Conversion.Providers {
		if p.Name == "" {
			return fmt.Errorf("conversion.providers[%d]: name is required", i)
		}
		if p.Name == convert.GenericProvider || seen[p.Name] {
			return fmt.Errorf("conversion.providers[%d]: name %q is reserved or duplicated", i, p.Name)
		}
		seen[p.Name] = true
		if len(p.Detect) == 0 {
			return fmt.Errorf("conversion.providers[%d]: detect is required", i)
		}
	}
	return nil
}
