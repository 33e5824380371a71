package core

import (
	"github.com/eteran/stash/internal/auth"
	"github.com/eteran/stash/internal/metrics"
	"github.com/eteran/stash/internal/storage"
)

const DefaultExpirationHours = 720

type Config struct {
	// Storage is the active backend. When nil, every storage-backed request
	// answers 500 with StorageErr.
	Storage    storage.Storage
	StorageErr error

	Authenticator   auth.AuthEngine
	ExpirationHours float64
	Metrics         *metrics.Metrics
}

type ConfigOption func(*Config)

func WithStorage(s storage.Storage) ConfigOption {
	return func(cfg *Config) {
		cfg.Storage = s
	}
}

// WithStorageError records why no backend could be selected.
func WithStorageError(err error) ConfigOption {
	return func(cfg *Config) {
		cfg.StorageErr = err
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithExpirationHours(hours float64) ConfigOption {
	return func(cfg *Config) {
		cfg.ExpirationHours = hours
	}
}

func WithMetrics(m *metrics.Metrics) ConfigOption {
	return func(cfg *Config) {
		cfg.Metrics = m
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{ExpirationHours: DefaultExpirationHours}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
