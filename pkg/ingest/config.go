package ingest

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"aodp-ingest/pkg/confkit"
)

const (
	DefaultIndexURL          = "https://www.albion-online-data.com/database-europe/"
	DefaultDownloadDir       = "data/dumps"
	DefaultStorePath         = "data/history/market.duckdb"
	DefaultParallelDownloads = 3
	DefaultMaxSnapshots      = 1
	defaultHTTPTimeout       = 30 * time.Second
	defaultDownloadTimeout   = 30 * time.Minute
	defaultMaxRetries        = 2
	defaultProgressInterval  = 100000
)

// Environment overrides applied after the file is read.
const (
	EnvIndexURL    = "AODP_DUMP_INDEX_URL"
	EnvDownloadDir = "DUMP_DOWNLOAD_DIR"
	EnvStorePath   = "MARKET_HISTORY_DB"
)

// Config drives discovery, download and import.
type Config struct {
	IndexURL           string `yaml:"index_url"`
	DownloadDir        string `yaml:"download_dir"`
	StorePath          string `yaml:"store_path"`
	HTTPTimeoutRaw     string `yaml:"http_timeout"`
	DownloadTimeoutRaw string `yaml:"download_timeout"`
	MaxRetries         *int   `yaml:"max_retries"`
	ParallelDownloads  int    `yaml:"parallel_downloads"`
	MaxSnapshots       int    `yaml:"max_snapshots"`
	CleanupAfterImport *bool  `yaml:"cleanup_after_import"`
	ProgressInterval   int    `yaml:"progress_interval"`
	JournalDir         string `yaml:"journal_dir"`

	HTTPTimeout     time.Duration `yaml:"-"`
	DownloadTimeout time.Duration `yaml:"-"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	_ = cfg.normalise()
	return cfg
}

// LoadConfig reads configuration from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ingest config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader constructs a Config from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	confkit.LoadDotenvOnce()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read ingest config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal ingest config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalise() error {
	c.IndexURL = strings.TrimSpace(os.ExpandEnv(c.IndexURL))
	c.DownloadDir = strings.TrimSpace(os.ExpandEnv(c.DownloadDir))
	c.StorePath = strings.TrimSpace(os.ExpandEnv(c.StorePath))
	c.JournalDir = strings.TrimSpace(os.ExpandEnv(c.JournalDir))

	if v := strings.TrimSpace(os.Getenv(EnvIndexURL)); v != "" {
		c.IndexURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDownloadDir)); v != "" {
		c.DownloadDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorePath)); v != "" {
		c.StorePath = v
	}

	if c.IndexURL == "" {
		c.IndexURL = DefaultIndexURL
	}
	if c.DownloadDir == "" {
		c.DownloadDir = DefaultDownloadDir
	}
	if c.StorePath == "" {
		c.StorePath = DefaultStorePath
	}
	if c.ParallelDownloads == 0 {
		c.ParallelDownloads = DefaultParallelDownloads
	}
	if c.MaxSnapshots == 0 {
		c.MaxSnapshots = DefaultMaxSnapshots
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = defaultProgressInterval
	}
	if c.MaxRetries == nil {
		n := defaultMaxRetries
		c.MaxRetries = &n
	}
	if c.CleanupAfterImport == nil {
		v := true
		c.CleanupAfterImport = &v
	}

	var err error
	if c.HTTPTimeout, err = parseDuration("http_timeout", c.HTTPTimeoutRaw, defaultHTTPTimeout); err != nil {
		return err
	}
	if c.DownloadTimeout, err = parseDuration("download_timeout", c.DownloadTimeoutRaw, defaultDownloadTimeout); err != nil {
		return err
	}
	return nil
}

func parseDuration(field, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(os.ExpandEnv(raw))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("ingest config: invalid %s %q: %w", field, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("ingest config: %s must be positive, got %s", field, d)
	}
	return d, nil
}

// Validate ensures the configuration is structurally sound.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.IndexURL, "http://") && !strings.HasPrefix(c.IndexURL, "https://") {
		return fmt.Errorf("ingest config: index_url must be http(s), got %q", c.IndexURL)
	}
	if c.ParallelDownloads < 1 {
		return fmt.Errorf("ingest config: parallel_downloads must be >= 1, got %d", c.ParallelDownloads)
	}
	if c.MaxSnapshots < 1 {
		return fmt.Errorf("ingest config: max_snapshots must be >= 1, got %d", c.MaxSnapshots)
	}
	if c.ProgressInterval < 1 {
		return fmt.Errorf("ingest config: progress_interval must be >= 1, got %d", c.ProgressInterval)
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("ingest config: max_retries must be >= 0, got %d", *c.MaxRetries)
	}
	return nil
}

// Retries returns the configured retry budget.
func (c *Config) Retries() int {
	if c.MaxRetries == nil {
		return defaultMaxRetries
	}
	return *c.MaxRetries
}

// Cleanup reports whether imported archives are deleted. Defaults to true.
func (c *Config) Cleanup() bool {
	return c.CleanupAfterImport == nil || *c.CleanupAfterImport
}

// RunOptions returns the run defaults described by the configuration.
func (c *Config) RunOptions() Options {
	return Options{
		MaxSnapshots:       c.MaxSnapshots,
		CleanupAfterImport: c.Cleanup(),
		ParallelDownloads:  c.ParallelDownloads,
	}
}
