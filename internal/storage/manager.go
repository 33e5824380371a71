package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/eteran/stash/internal/kv"
	"github.com/eteran/stash/internal/s3wire"
)

// ErrNoStorage is returned when no backend is configured.
var ErrNoStorage = errors.New("no storage provided")

type KVConfig struct {
	DataDir   string
	Namespace string
}

func (c KVConfig) valid() bool {
	return c.DataDir != ""
}

// Config describes every backend the manager may choose from.
type Config struct {
	KV   KVConfig
	Blob BlobConfig
	S3   S3Config

	// ExpirationHours sets the KV TTL. Zero or less disables it.
	ExpirationHours float64

	// TempDir is where streamed uploads are spooled.
	TempDir string

	// S3Options are applied to the S3 wire client.
	S3Options []s3wire.ConfigOption
}

// Manager owns the one backend selected at construction.
type Manager struct {
	name    string
	storage Storage
	closer  func() error
}

// NewManager selects exactly one backend in the fixed order KV, Blob, S3.
// The first configured backend wins even when a later one is also
// configured.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	switch {
	case cfg.KV.valid():
		store, err := kv.Open(ctx, kv.Config{DataDir: cfg.KV.DataDir, Namespace: cfg.KV.Namespace})
		if err != nil {
			return nil, fmt.Errorf("open kv storage: %w", err)
		}
		adapter := NewKVStorage(store, cfg.ExpirationHours)
		slog.Info("Using KV storage", "dir", cfg.KV.DataDir, "namespace", cfg.KV.Namespace)
		return &Manager{name: "kv", storage: adapter, closer: adapter.Close}, nil

	case cfg.Blob.valid():
		adapter, err := NewBlobStorage(cfg.Blob, cfg.TempDir)
		if err != nil {
			return nil, err
		}
		slog.Info("Using blob storage", "endpoint", cfg.Blob.Endpoint, "bucket", cfg.Blob.Bucket)
		return &Manager{name: "blob", storage: adapter}, nil

	case cfg.S3.valid():
		client, err := s3wire.New(s3wire.Config{
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Endpoint:        cfg.S3.Endpoint,
			MaxRetries:      cfg.S3.MaxRetries,
			Concurrency:     cfg.S3.Concurrency,
			TempDir:         cfg.TempDir,
		}, cfg.S3Options...)
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		slog.Info("Using S3 storage", "bucket", cfg.S3.Bucket, "endpoint", cfg.S3.Endpoint)
		return &Manager{name: "s3", storage: NewS3Storage(client)}, nil
	}

	return nil, fmt.Errorf("configure KV_DATA_DIR, BLOB_ENDPOINT/BLOB_BUCKET or S3_BUCKET with credentials: %w", ErrNoStorage)
}

// Active returns the selected backend.
func (m *Manager) Active() Storage {
	return m.storage
}

// Name is "kv", "blob" or "s3".
func (m *Manager) Name() string {
	return m.name
}

// Close releases backend resources.
func (m *Manager) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer()
}

// Purger is implemented by backends with native expiry that needs
// periodic compaction.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}
