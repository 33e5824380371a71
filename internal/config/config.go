// Package config loads the server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/eteran/stash/internal/storage"
)

type Config struct {
	ListenAddr      string        `env:"LISTEN_ADDR" envDefault:":3000"`
	TurboToken      string        `env:"TURBO_TOKEN"`
	ExpirationHours float64       `env:"BUCKET_OBJECT_EXPIRATION_HOURS" envDefault:"720"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	TempDir         string        `env:"TEMP_DIR"`

	KV   KVConfig
	Blob BlobConfig
	S3   S3Config
}

type KVConfig struct {
	DataDir   string `env:"KV_DATA_DIR"`
	Namespace string `env:"KV_NAMESPACE" envDefault:"artifacts"`
}

type BlobConfig struct {
	Endpoint        string `env:"BLOB_ENDPOINT"`
	AccessKeyID     string `env:"BLOB_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"BLOB_SECRET_ACCESS_KEY"`
	Bucket          string `env:"BLOB_BUCKET"`
	Region          string `env:"BLOB_REGION" envDefault:"us-east-1"`
	UseSSL          bool   `env:"BLOB_USE_SSL"`
}

type S3Config struct {
	AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	Region          string `env:"S3_REGION" envDefault:"us-east-1"`
	Bucket          string `env:"S3_BUCKET"`
	Endpoint        string `env:"S3_ENDPOINT"`
	MaxRetries      int    `env:"S3_MAX_RETRIES" envDefault:"3"`
	Concurrency     int    `env:"S3_CONCURRENCY" envDefault:"16"`
}

// Load reads the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads the given variables instead of the process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}

	return &cfg, nil
}

// Storage maps the configuration onto the storage manager's.
func (c *Config) Storage() storage.Config {
	return storage.Config{
		KV: storage.KVConfig{
			DataDir:   c.KV.DataDir,
			Namespace: c.KV.Namespace,
		},
		Blob: storage.BlobConfig{
			Endpoint:        c.Blob.Endpoint,
			AccessKeyID:     c.Blob.AccessKeyID,
			SecretAccessKey: c.Blob.SecretAccessKey,
			Bucket:          c.Blob.Bucket,
			Region:          c.Blob.Region,
			UseSSL:          c.Blob.UseSSL,
		},
		S3: storage.S3Config{
			AccessKeyID:     c.S3.AccessKeyID,
			SecretAccessKey: c.S3.SecretAccessKey,
			Region:          c.S3.Region,
			Bucket:          c.S3.Bucket,
			Endpoint:        c.S3.Endpoint,
			MaxRetries:      c.S3.MaxRetries,
			Concurrency:     c.S3.Concurrency,
		},
		ExpirationHours: c.ExpirationHours,
		TempDir:         c.TempDir,
	}
}
