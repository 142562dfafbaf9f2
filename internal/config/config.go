package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"threatscan/internal/pipeline"
)

type Config struct {
	CacheDir   string       `yaml:"cache_dir"`
	DataDir    string       `yaml:"data_dir"`
	LedgerDSN  string       `yaml:"ledger_dsn"`
	HotEntries int          `yaml:"hot_entries"`
	ChunkBytes int64        `yaml:"chunk_bytes"`
	Mirror     MirrorConfig `yaml:"mirror"`
}

type MirrorConfig struct {
	Enabled   bool   `yaml:"-"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// LedgerPath is where the file ledger lives when no DSN is configured.
func (c *Config) LedgerPath() string { return filepath.Join(c.CacheDir, "ledger.jsonl") }

func defaults() Config {
	return Config{
		CacheDir:   "cache",
		DataDir:    "data",
		HotEntries: 64,
		ChunkBytes: pipeline.DefaultChunkBytes,
		Mirror: MirrorConfig{
			Region: "us-east-1",
			Bucket: "threatscan-cache",
			UseSSL: true,
		},
	}
}

// Load layers defaults, then the YAML file at path (skipped when path is
// empty), then THREATSCAN_* environment variables. A .env file in the working
// directory is read first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.Mirror.Enabled = strings.TrimSpace(cfg.Mirror.Endpoint) != ""
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.CacheDir = firstNonEmpty(env("THREATSCAN_CACHE_DIR"), cfg.CacheDir)
	cfg.DataDir = firstNonEmpty(env("THREATSCAN_DATA_DIR"), cfg.DataDir)
	cfg.LedgerDSN = firstNonEmpty(env("THREATSCAN_LEDGER_DSN"), env("DATABASE_URL"), cfg.LedgerDSN)

	if raw := env("THREATSCAN_HOT_ENTRIES"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("THREATSCAN_HOT_ENTRIES: %w", err)
		}
		cfg.HotEntries = n
	}
	if raw := env("THREATSCAN_CHUNK_BYTES"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("THREATSCAN_CHUNK_BYTES: %w", err)
		}
		cfg.ChunkBytes = n
	}

	m := &cfg.Mirror
	m.Endpoint = firstNonEmpty(env("THREATSCAN_MIRROR_ENDPOINT"), m.Endpoint)
	m.Region = firstNonEmpty(env("THREATSCAN_MIRROR_REGION"), m.Region)
	m.AccessKey = firstNonEmpty(env("THREATSCAN_MIRROR_ACCESS_KEY"), env("MINIO_ROOT_USER"), m.AccessKey)
	m.SecretKey = firstNonEmpty(env("THREATSCAN_MIRROR_SECRET_KEY"), env("MINIO_ROOT_PASSWORD"), m.SecretKey)
	m.Bucket = firstNonEmpty(env("THREATSCAN_MIRROR_BUCKET"), m.Bucket)
	m.Prefix = firstNonEmpty(env("THREATSCAN_MIRROR_PREFIX"), m.Prefix)
	m.UseSSL = resolveBool(env("THREATSCAN_MIRROR_USE_SSL"), m.UseSSL)
	return nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.CacheDir) == "" {
		return errors.New("cache dir is required")
	}
	if c.HotEntries < 0 {
		return fmt.Errorf("hot entries must be >= 0, got %d", c.HotEntries)
	}
	if c.ChunkBytes <= 0 {
		return fmt.Errorf("chunk bytes must be positive, got %d", c.ChunkBytes)
	}
	return nil
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

// resolveBool keeps fallback when raw is empty or unparsable.
func resolveBool(raw string, fallback bool) bool {
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
