package storage_test

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/eteran/stash/internal/s3test"
	"github.com/eteran/stash/internal/s3wire"
	"github.com/eteran/stash/internal/storage"

	"github.com/stretchr/testify/require"
)

const (
	AccessKeyID     = "stashadmin"
	SecretAccessKey = "stashsecret"
	Bucket          = "artifacts"
)

type backend struct {
	name string
	open func(t *testing.T) storage.Storage
}

func newManager(t *testing.T, cfg storage.Config) *storage.Manager {
	t.Helper()

	cfg.TempDir = t.TempDir()
	manager, err := storage.NewManager(t.Context(), cfg)
	require.NoError(t, err, "NewManager error")
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func OpenKV(t *testing.T) storage.Storage {
	return newManager(t, storage.Config{
		KV:              storage.KVConfig{DataDir: t.TempDir(), Namespace: "artifacts"},
		ExpirationHours: 720,
	}).Active()
}

func OpenBlob(t *testing.T) (storage.Storage, *s3test.Server) {
	srv := s3test.NewServer(t, Bucket, s3test.WithCredentials(AccessKeyID, SecretAccessKey))
	return newManager(t, storage.Config{
		Blob: storage.BlobConfig{
			Endpoint:        srv.Host(),
			AccessKeyID:     AccessKeyID,
			SecretAccessKey: SecretAccessKey,
			Bucket:          Bucket,
		},
	}).Active(), srv
}

func OpenS3(t *testing.T, opts ...s3test.Option) (storage.Storage, *s3test.Server) {
	opts = append([]s3test.Option{s3test.WithCredentials(AccessKeyID, SecretAccessKey)}, opts...)
	srv := s3test.NewServer(t, Bucket, opts...)
	return newManager(t, storage.Config{
		S3: storage.S3Config{
			AccessKeyID:     AccessKeyID,
			SecretAccessKey: SecretAccessKey,
			Bucket:          Bucket,
			Endpoint:        srv.URL(),
		},
		S3Options: []s3wire.ConfigOption{s3wire.WithRetryPolicy(3, time.Millisecond, 4*time.Millisecond)},
	}).Active(), srv
}

func backends() []backend {
	return []backend{
		{"kv", OpenKV},
		{"blob", func(t *testing.T) storage.Storage { s, _ := OpenBlob(t); return s }},
		{"s3", func(t *testing.T) storage.Storage { s, _ := OpenS3(t); return s }},
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			s := b.open(t)
			ctx := t.Context()
			before := time.Now().Add(-time.Minute)

			key := storage.Key("team_a", "abc123")
			require.NoError(t, s.Write(ctx, key, storage.String("hello world"), map[string]string{"artifactTag": "tag-1"}), "Write error")

			obj, err := s.ReadWithMetadata(ctx, key)
			require.NoError(t, err, "ReadWithMetadata error")
			require.False(t, obj.Absent(), "object should be present")

			text, err := storage.ReadText(obj.Data)
			require.NoError(t, err, "ReadText error")
			require.Equal(t, "hello world", text, "payload mismatch")

			require.NotNil(t, obj.Metadata, "metadata should be resolved")
			require.Equal(t, map[string]string{"artifactTag": "tag-1"}, obj.Metadata.Custom, "custom metadata mismatch")
			require.True(t, obj.Metadata.CreatedAt.After(before), "CreatedAt should be recent, got %s", obj.Metadata.CreatedAt)

			rc, err := s.Read(ctx, key)
			require.NoError(t, err, "Read error")
			data, err := storage.ReadBytes(rc)
			require.NoError(t, err, "ReadBytes error")
			require.Equal(t, []byte("hello world"), data, "Read payload mismatch")
		})
	}
}

func TestWriteStreamOfUnknownSize(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			s := b.open(t)
			ctx := t.Context()
			payload := strings.Repeat("0123456789", 10_000)

			r := io.MultiReader(strings.NewReader(payload[:5]), strings.NewReader(payload[5:]))
			require.NoError(t, s.Write(ctx, "team/stream", storage.Stream(r, -1), nil), "Write error")

			rc, err := s.Read(ctx, "team/stream")
			require.NoError(t, err, "Read error")
			got, err := storage.ReadText(rc)
			require.NoError(t, err, "ReadText error")
			require.Equal(t, payload, got, "payload mismatch")

			obj, err := s.ReadWithMetadata(ctx, "team/stream")
			require.NoError(t, err, "ReadWithMetadata error")
			_ = obj.Data.Close()
			require.NotNil(t, obj.Metadata, "metadata should be present")
			require.NotNil(t, obj.Metadata.Custom, "custom metadata is never nil")
			require.Empty(t, obj.Metadata.Custom, "custom metadata should be empty")
		})
	}
}

func TestAbsentKey(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			s := b.open(t)
			ctx := t.Context()

			rc, err := s.Read(ctx, "team/missing")
			require.NoError(t, err, "Read of a missing key is not an error")
			require.Nil(t, rc, "Read of a missing key returns nil")

			obj, err := s.ReadWithMetadata(ctx, "team/missing")
			require.NoError(t, err, "ReadWithMetadata of a missing key is not an error")
			require.True(t, obj.Absent(), "object should be absent")
			require.Nil(t, obj.Metadata, "absent object has no metadata")
		})
	}
}

func TestOverwriteReplacesContentAndMetadata(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			s := b.open(t)
			ctx := t.Context()

			require.NoError(t, s.Write(ctx, "team/k", storage.String("one"), map[string]string{"a": "1", "b": "2"}), "first Write")
			require.NoError(t, s.Write(ctx, "team/k", storage.Bytes([]byte("two")), map[string]string{"c": "3"}), "second Write")

			obj, err := s.ReadWithMetadata(ctx, "team/k")
			require.NoError(t, err, "ReadWithMetadata error")
			text, err := storage.ReadText(obj.Data)
			require.NoError(t, err, "ReadText error")
			require.Equal(t, "two", text, "content should be replaced")
			require.Equal(t, map[string]string{"c": "3"}, obj.Metadata.Custom, "metadata should be replaced, not merged")
		})
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			s := b.open(t)
			ctx := t.Context()

			for _, key := range []string{"team/a", "team/b", "team/c"} {
				require.NoError(t, s.Write(ctx, key, storage.String(key), nil), "Write %s", key)
			}

			require.NoError(t, s.Delete(ctx), "Delete with no keys")
			require.NoError(t, s.Delete(ctx, "team/a"), "Delete one key")
			require.NoError(t, s.Delete(ctx, "team/a"), "Delete one key again")
			require.NoError(t, s.Delete(ctx, "team/b", "team/c", "team/missing"), "Delete several keys")

			list, err := s.List(ctx, storage.ListOptions{})
			require.NoError(t, err, "List error")
			require.Empty(t, list.Keys, "everything should be deleted")
			require.False(t, list.Truncated, "empty listing is complete")
			require.Empty(t, list.Cursor, "empty listing has no cursor")
		})
	}
}

func listAll(t *testing.T, s storage.Storage, opts storage.ListOptions) ([]string, int) {
	t.Helper()

	var (
		keys  []string
		pages int
	)
	for {
		page, err := s.List(t.Context(), opts)
		require.NoError(t, err, "List error")
		pages++
		keys = append(keys, page.Keys...)

		if !page.Truncated {
			require.Empty(t, page.Cursor, "complete page has no cursor")
			return keys, pages
		}
		require.NotEmpty(t, page.Cursor, "truncated page needs a cursor")
		opts.Cursor = page.Cursor
	}
}

func TestListPagination(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			s := b.open(t)
			ctx := t.Context()

			for i := range 25 {
				key := fmt.Sprintf("team/%03d", i)
				require.NoError(t, s.Write(ctx, key, storage.String(key), nil), "Write %s", key)
			}
			require.NoError(t, s.Write(ctx, "other/x", storage.String("x"), nil), "Write other/x")

			keys, pages := listAll(t, s, storage.ListOptions{Limit: 10, Prefix: "team/"})
			require.Equal(t, 3, pages, "25 keys at 10 per page")
			require.Len(t, keys, 25, "every key listed once")
			require.Equal(t, "team/000", keys[0], "ascending order")
			require.Equal(t, "team/024", keys[24], "ascending order")

			keys, pages = listAll(t, s, storage.ListOptions{Limit: 100})
			require.Equal(t, 1, pages, "fewer keys than the limit fit one page")
			require.Len(t, keys, 26, "unfiltered listing")
		})
	}
}

func TestListPaginationAboveBulkLimit(t *testing.T) {
	t.Parallel()

	const total = 1205

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			s := b.open(t)
			ctx := t.Context()

			for i := range total {
				key := fmt.Sprintf("team/%04d", i)
				require.NoError(t, s.Write(ctx, key, storage.String("x"), nil), "Write %s", key)
			}

			tests := []struct {
				limit int
				pages int
			}{
				{limit: 500, pages: 3},
				{limit: 5000, pages: 2},
			}

			for _, tt := range tests {
				keys, pages := listAll(t, s, storage.ListOptions{Limit: tt.limit})
				require.Equalf(t, tt.pages, pages, "pages at limit %d", tt.limit)
				require.Lenf(t, keys, total, "keys at limit %d", tt.limit)

				seen := make(map[string]bool, len(keys))
				for _, key := range keys {
					require.Falsef(t, seen[key], "duplicate %s at limit %d", key, tt.limit)
					seen[key] = true
				}
				for i := range total {
					key := fmt.Sprintf("team/%04d", i)
					require.Truef(t, seen[key], "missing %s at limit %d", key, tt.limit)
				}
			}
		})
	}
}

func TestListWithMetadata(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			s := b.open(t)
			ctx := t.Context()

			for i := range 5 {
				key := fmt.Sprintf("team/%d", i)
				require.NoError(t, s.Write(ctx, key, storage.String(key), map[string]string{"n": fmt.Sprint(i)}), "Write %s", key)
			}

			var seen int
			opts := storage.ListOptions{Limit: 2}
			for {
				page, err := s.ListWithMetadata(ctx, opts)
				require.NoError(t, err, "ListWithMetadata error")
				for _, entry := range page.Keys {
					require.NotNil(t, entry.Metadata, "metadata for %s", entry.Key)
					require.Equal(t, strings.TrimPrefix(entry.Key, "team/"), entry.Metadata.Custom["n"], "metadata for %s", entry.Key)
					require.False(t, entry.Metadata.CreatedAt.IsZero(), "CreatedAt for %s", entry.Key)
					seen++
				}
				if !page.Truncated {
					break
				}
				opts.Cursor = page.Cursor
			}
			require.Equal(t, 5, seen, "every key listed once")
		})
	}
}

func TestS3DeleteWithoutKeysMakesNoRequests(t *testing.T) {
	t.Parallel()

	s, srv := OpenS3(t)
	require.NoError(t, s.Delete(t.Context()), "Delete error")
	require.Equal(t, 0, srv.Total(), "no request should be made")
}

func TestS3CreatedAtHeaderWins(t *testing.T) {
	t.Parallel()

	s, srv := OpenS3(t)
	ctx := t.Context()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	header := http.Header{}
	header.Set("X-Amz-Meta-Createdat", fmt.Sprint(created.UnixMilli()))
	srv.Put("team/with-header", []byte("a"), header, time.Now())
	srv.Put("team/without-header", []byte("b"), nil, created.Add(time.Hour))

	obj, err := s.ReadWithMetadata(ctx, "team/with-header")
	require.NoError(t, err, "ReadWithMetadata error")
	_ = obj.Data.Close()
	require.True(t, created.Equal(obj.Metadata.CreatedAt), "reserved header should win, got %s", obj.Metadata.CreatedAt)

	obj, err = s.ReadWithMetadata(ctx, "team/without-header")
	require.NoError(t, err, "ReadWithMetadata error")
	_ = obj.Data.Close()
	require.True(t, created.Add(time.Hour).Equal(obj.Metadata.CreatedAt), "Last-Modified fallback, got %s", obj.Metadata.CreatedAt)
}

func TestS3CorruptCustomMetadata(t *testing.T) {
	t.Parallel()

	s, srv := OpenS3(t)
	ctx := t.Context()

	require.NoError(t, s.Write(ctx, "team/good", storage.String("a"), map[string]string{"k": "v"}), "Write good")
	require.NoError(t, s.Write(ctx, "team/bad", storage.String("b"), nil), "Write bad")
	srv.SetHeader("team/bad", "X-Amz-Meta-Custom", "{not json")

	obj, err := s.ReadWithMetadata(ctx, "team/bad")
	require.NoError(t, err, "corrupt metadata is not an error")
	_ = obj.Data.Close()
	require.Nil(t, obj.Metadata, "corrupt metadata should be nil")

	page, err := s.ListWithMetadata(ctx, storage.ListOptions{})
	require.NoError(t, err, "ListWithMetadata error")
	require.Len(t, page.Keys, 2, "both keys listed")
	require.Equal(t, "team/bad", page.Keys[0].Key, "ascending order")
	require.Nil(t, page.Keys[0].Metadata, "corrupt metadata should be nil")
	require.NotNil(t, page.Keys[1].Metadata, "good metadata survives")
}

func TestS3HeadFailureOnlyAffectsThatKey(t *testing.T) {
	t.Parallel()

	s, srv := OpenS3(t)
	ctx := t.Context()

	for _, key := range []string{"team/a", "team/b", "team/c"} {
		require.NoError(t, s.Write(ctx, key, storage.String(key), nil), "Write %s", key)
	}
	srv.FailHead("team/b", http.StatusNotFound)

	page, err := s.ListWithMetadata(ctx, storage.ListOptions{})
	require.NoError(t, err, "a failing HEAD does not fail the page")
	require.Len(t, page.Keys, 3, "all keys listed")
	require.NotNil(t, page.Keys[0].Metadata, "team/a metadata")
	require.Nil(t, page.Keys[1].Metadata, "team/b metadata should be nil")
	require.NotNil(t, page.Keys[2].Metadata, "team/c metadata")
}

func TestS3ServerErrorIsReturned(t *testing.T) {
	t.Parallel()

	s, srv := OpenS3(t)
	srv.FailNext(http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError)

	_, err := s.Read(t.Context(), "team/a")
	require.Error(t, err, "exhausted retries should surface")
	require.Equal(t, 4, srv.Total(), "one attempt plus three retries")
}

func TestBlobDeleteManyKeys(t *testing.T) {
	t.Parallel()

	s, srv := OpenBlob(t)
	ctx := t.Context()

	keys := make([]string, 0, 30)
	for i := range 30 {
		key := fmt.Sprintf("team/%02d", i)
		keys = append(keys, key)
		require.NoError(t, s.Write(ctx, key, storage.String(key), nil), "Write %s", key)
	}

	require.NoError(t, s.Delete(ctx, keys...), "Delete error")
	require.Empty(t, srv.Keys(), "bucket should be empty")
	require.Equal(t, 1, srv.Count(http.MethodPost), "one multi-object delete")
}

func TestKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "team_a/abc", storage.Key("team_a", "abc"), "explicit team")
	require.Equal(t, "team_default_team/abc", storage.Key("", "abc"), "default team")
}
