// Package config provides configuration loading for the pipeline.
// Supports YAML files, environment variable overrides for secrets, and
// programmatic defaults. A Config value is copied into every job at
// submission time, so changes never affect in-flight work.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names a storage backend.
type Provider string

const (
	ProviderLocal Provider = "local"
	ProviderAWS   Provider = "aws"
	ProviderAzure Provider = "azure"
)

// OCRBackend names a text-extraction backend.
type OCRBackend string

const (
	OCRTesseract OCRBackend = "tesseract"
	OCRMistral   OCRBackend = "mistral"
)

// Config holds all configuration for the pipeline.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Thumbnail ThumbnailConfig `yaml:"thumbnail"`
	OCR       OCRConfig       `yaml:"ocr"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SchedulerConfig holds worker pool settings.
type SchedulerConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// ThumbnailConfig holds thumbnail generation settings.
type ThumbnailConfig struct {
	// TargetSize constrains the thumbnail's long edge, in pixels.
	TargetSize int `yaml:"target_size"`
	// Oversample is the super-sampling multiplier applied before the
	// final downscale.
	Oversample int `yaml:"oversample"`
}

// OCRConfig selects and configures the text-extraction backend.
type OCRConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Backend   OCRBackend    `yaml:"backend"`
	Languages []string      `yaml:"languages"`
	Mistral   MistralConfig `yaml:"mistral"`
}

// MistralConfig holds settings for the remote LLM OCR backend.
type MistralConfig struct {
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StorageConfig selects a storage provider. Only the selected provider's
// block is consulted; validation checks that block alone, never the union.
type StorageConfig struct {
	Provider Provider    `yaml:"provider"`
	Local    LocalConfig `yaml:"local"`
	AWS      AWSConfig   `yaml:"aws"`
	Azure    AzureConfig `yaml:"azure"`
}

// LocalConfig holds local-disk storage settings.
type LocalConfig struct {
	BaseDir string `yaml:"base_dir"`
}

// AWSConfig holds S3 storage settings.
type AWSConfig struct {
	BucketName      string `yaml:"bucket_name"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"` // optional, for S3-compatible stores
}

// AzureConfig holds Azure blob storage settings. Either a connection string
// or the account name/key pair must be provided.
type AzureConfig struct {
	AccountName      string `yaml:"account_name"`
	AccountKey       string `yaml:"account_key"`
	ContainerName    string `yaml:"container_name"`
	ConnectionString string `yaml:"connection_string"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			Workers:   2,
			QueueSize: 64,
		},
		Thumbnail: ThumbnailConfig{
			TargetSize: 256,
			Oversample: 3,
		},
		OCR: OCRConfig{
			Enabled: false,
			Backend: OCRTesseract,
			Mistral: MistralConfig{
				Model:   "mistral-ocr-latest",
				Timeout: 2 * time.Minute,
			},
		},
		Storage: StorageConfig{
			Provider: ProviderLocal,
			Local:    LocalConfig{BaseDir: "output"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from a YAML file, applies environment overrides
// and validates the result. An empty path yields defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides secrets from the environment so they can stay out of
// config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		c.Storage.AWS.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		c.Storage.AWS.SecretAccessKey = v
	}
	if v := os.Getenv("AZURE_STORAGE_CONNECTION_STRING"); v != "" {
		c.Storage.Azure.ConnectionString = v
	}
	if v := os.Getenv("MISTRAL_API_KEY"); v != "" {
		c.OCR.Mistral.APIKey = v
	}
}

// Validate checks the configuration for consistency. Storage settings are
// validated against the selected provider only.
func (c *Config) Validate() error {
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler: workers must be at least 1, got %d", c.Scheduler.Workers)
	}
	if c.Thumbnail.TargetSize < 1 {
		return fmt.Errorf("thumbnail: target_size must be positive, got %d", c.Thumbnail.TargetSize)
	}
	if c.Thumbnail.Oversample < 1 {
		return fmt.Errorf("thumbnail: oversample must be at least 1, got %d", c.Thumbnail.Oversample)
	}
	if c.OCR.Enabled {
		switch c.OCR.Backend {
		case OCRTesseract:
		case OCRMistral:
			if c.OCR.Mistral.APIKey == "" {
				return fmt.Errorf("ocr: mistral backend selected but APIKey is missing")
			}
		default:
			return fmt.Errorf("ocr: unrecognized backend %q", c.OCR.Backend)
		}
	}
	return c.Storage.Validate()
}

// Validate checks the storage block for the selected provider.
func (s *StorageConfig) Validate() error {
	switch s.Provider {
	case ProviderLocal:
		if strings.TrimSpace(s.Local.BaseDir) == "" {
			return fmt.Errorf("storage local: BaseDir is missing")
		}
	case ProviderAWS:
		if strings.TrimSpace(s.AWS.BucketName) == "" {
			return fmt.Errorf("storage aws: BucketName is missing")
		}
		if strings.TrimSpace(s.AWS.Region) == "" {
			return fmt.Errorf("storage aws: Region is missing")
		}
	case ProviderAzure:
		if strings.TrimSpace(s.Azure.ContainerName) == "" {
			return fmt.Errorf("storage azure: ContainerName is missing")
		}
		if strings.TrimSpace(s.Azure.ConnectionString) != "" {
			return nil
		}
		if strings.TrimSpace(s.Azure.AccountName) == "" {
			return fmt.Errorf("storage azure: AccountName is missing")
		}
		if strings.TrimSpace(s.Azure.AccountKey) == "" {
			return fmt.Errorf("storage azure: AccountKey or ConnectionString is missing")
		}
	default:
		return fmt.Errorf("storage: unrecognized provider %q", s.Provider)
	}
	return nil
}

// Snapshot returns a deep copy of the configuration. Each job captures one
// at submission so later reconfiguration cannot affect it mid-flight.
func (c Config) Snapshot() Config {
	cp := c
	cp.OCR.Languages = append([]string(nil), c.OCR.Languages...)
	return cp
}
