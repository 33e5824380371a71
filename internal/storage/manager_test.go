package storage_test

import (
	"testing"

	"github.com/eteran/stash/internal/storage"

	"github.com/stretchr/testify/require"
)

func TestManagerPriority(t *testing.T) {
	t.Parallel()

	kvConfig := storage.KVConfig{DataDir: "", Namespace: "artifacts"}
	blobConfig := storage.BlobConfig{Endpoint: "127.0.0.1:9000", Bucket: "artifacts", AccessKeyID: "a", SecretAccessKey: "b"}
	s3Config := storage.S3Config{Bucket: "artifacts", AccessKeyID: "a", SecretAccessKey: "b"}

	tests := []struct {
		name     string
		kv       bool
		blob     bool
		s3       bool
		expected string
	}{
		{name: "all configured picks kv", kv: true, blob: true, s3: true, expected: "kv"},
		{name: "blob over s3", blob: true, s3: true, expected: "blob"},
		{name: "s3 alone", s3: true, expected: "s3"},
		{name: "kv alone", kv: true, expected: "kv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var cfg storage.Config
			if tt.kv {
				cfg.KV = kvConfig
				cfg.KV.DataDir = t.TempDir()
			}
			if tt.blob {
				cfg.Blob = blobConfig
			}
			if tt.s3 {
				cfg.S3 = s3Config
			}

			manager := newManager(t, cfg)
			require.Equal(t, tt.expected, manager.Name(), "selected backend")
			require.NotNil(t, manager.Active(), "active backend")
		})
	}
}

func TestManagerWithoutStorage(t *testing.T) {
	t.Parallel()

	_, err := storage.NewManager(t.Context(), storage.Config{})
	require.ErrorIs(t, err, storage.ErrNoStorage, "no backend configured")

	// An S3 bucket without credentials is not a configuration.
	_, err = storage.NewManager(t.Context(), storage.Config{S3: storage.S3Config{Bucket: "artifacts"}})
	require.ErrorIs(t, err, storage.ErrNoStorage, "incomplete S3 configuration")
}

func TestKVPurgeExpired(t *testing.T) {
	t.Parallel()

	s := OpenKV(t)
	purger, ok := s.(storage.Purger)
	require.True(t, ok, "KV storage purges expired keys")

	n, err := purger.PurgeExpired(t.Context())
	require.NoError(t, err, "PurgeExpired error")
	require.Zero(t, n, "nothing has expired")
}
