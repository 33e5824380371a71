package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eteran/stash/internal/storage"
)

func openKV(t *testing.T) storage.Storage {
	t.Helper()

	manager, err := storage.NewManager(t.Context(), storage.Config{
		KV:              storage.KVConfig{DataDir: t.TempDir(), Namespace: "admin"},
		ExpirationHours: 720,
		TempDir:         t.TempDir(),
	})
	require.NoError(t, err, "NewManager error")
	t.Cleanup(func() { _ = manager.Close() })
	return manager.Active()
}

func TestPopulateAndCount(t *testing.T) {
	t.Parallel()

	s := openKV(t)
	ctx := t.Context()

	require.NoError(t, PopulateObjects(ctx, s, 40), "PopulateObjects error")
	require.NoError(t, s.Write(ctx, "other/key", storage.String("x"), nil), "Write error")

	count, err := CountObjects(ctx, s, "")
	require.NoError(t, err, "CountObjects error")
	require.Equal(t, 41, count, "all objects")

	count, err = CountObjects(ctx, s, "random-data/")
	require.NoError(t, err, "CountObjects error")
	require.Equal(t, 40, count, "populated objects")
}

func TestUploadAndDownloadArtifact(t *testing.T) {
	t.Parallel()

	s := openKV(t)
	ctx := t.Context()

	path := filepath.Join(t.TempDir(), "artifact.tar.zst")
	require.NoError(t, os.WriteFile(path, []byte("compressed"), 0o644), "WriteFile error")

	require.NoError(t, UploadArtifact(ctx, s, "team_a", "abc", path, "tag-1"), "UploadArtifact error")

	var buf bytes.Buffer
	require.NoError(t, DownloadArtifact(ctx, s, "team_a", "abc", &buf), "DownloadArtifact error")
	require.Equal(t, "compressed", buf.String(), "downloaded content")

	obj, err := s.ReadWithMetadata(ctx, "team_a/abc")
	require.NoError(t, err, "ReadWithMetadata error")
	_ = obj.Data.Close()
	require.Equal(t, "tag-1", obj.Metadata.Custom["artifactTag"], "stored tag")

	require.Error(t, DownloadArtifact(ctx, s, "team_a", "missing", &buf), "missing artifact")
}
