package expiry_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eteran/stash/internal/expiry"
	"github.com/eteran/stash/internal/s3test"
	"github.com/eteran/stash/internal/s3wire"
	"github.com/eteran/stash/internal/storage"

	"github.com/stretchr/testify/require"
)

var Now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// memoryStorage is an in-memory storage.Storage that records every list and
// delete call in order.
type memoryStorage struct {
	mu        sync.Mutex
	objects   map[string]*storage.Metadata
	calls     []string
	listErr   error
	deleteErr error

	// dropCursor reports truncated pages without a cursor.
	dropCursor bool
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{objects: make(map[string]*storage.Metadata)}
}

func (m *memoryStorage) add(key string, meta *storage.Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = meta
}

func (m *memoryStorage) addCreated(key string, createdAt time.Time) {
	m.add(key, &storage.Metadata{CreatedAt: createdAt, Custom: map[string]string{}})
}

func (m *memoryStorage) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (m *memoryStorage) log() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

func (m *memoryStorage) List(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	page, err := m.ListWithMetadata(ctx, opts)
	if err != nil {
		return nil, err
	}
	result := &storage.ListResult{Cursor: page.Cursor, Truncated: page.Truncated}
	for _, entry := range page.Keys {
		result.Keys = append(result.Keys, entry.Key)
	}
	return result, nil
}

func (m *memoryStorage) ListWithMetadata(_ context.Context, opts storage.ListOptions) (*storage.ListWithMetadataResult, error) {
	keys := m.keys()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "list")
	if m.listErr != nil {
		return nil, m.listErr
	}

	result := &storage.ListWithMetadataResult{}
	for _, key := range keys {
		if opts.Cursor != "" && key <= opts.Cursor {
			continue
		}
		if len(result.Keys) == opts.Limit {
			result.Truncated = true
			if !m.dropCursor {
				result.Cursor = result.Keys[len(result.Keys)-1].Key
			}
			break
		}
		result.Keys = append(result.Keys, storage.KeyWithMetadata{Key: key, Metadata: m.objects[key]})
	}
	return result, nil
}

func (m *memoryStorage) Read(context.Context, string) (io.ReadCloser, error) {
	return nil, nil
}

func (m *memoryStorage) ReadWithMetadata(context.Context, string) (*storage.Object, error) {
	return &storage.Object{}, nil
}

func (m *memoryStorage) Write(_ context.Context, key string, _ storage.Data, custom map[string]string) error {
	m.add(key, &storage.Metadata{CreatedAt: Now, Custom: custom})
	return nil
}

func (m *memoryStorage) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("delete:%d", len(keys)))
	if m.deleteErr != nil {
		return m.deleteErr
	}
	for _, key := range keys {
		delete(m.objects, key)
	}
	return nil
}

func sweep(t *testing.T, s storage.Storage, hours float64) expiry.Result {
	t.Helper()
	result, err := expiry.DeleteOldCache(t.Context(), s, expiry.Options{CutoffHours: hours, Now: func() time.Time { return Now }})
	require.NoError(t, err, "DeleteOldCache error")
	return result
}

func TestIsExpired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		age      time.Duration
		hours    float64
		expected bool
	}{
		{name: "older than cutoff", age: 2 * time.Hour, hours: 1, expected: true},
		{name: "younger than cutoff", age: 30 * time.Minute, hours: 1, expected: false},
		{name: "exactly at cutoff", age: time.Hour, hours: 1, expected: true},
		{name: "one millisecond short", age: time.Hour - time.Millisecond, hours: 1, expected: false},
		{name: "negative cutoff", age: 0, hours: -1, expected: true},
		{name: "negative cutoff future object", age: -2 * time.Hour, hours: -1, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.expected, expiry.IsExpired(Now.Add(-tt.age), Now, tt.hours), "IsExpired")
		})
	}
}

func TestDeleteOldCacheCutoff(t *testing.T) {
	t.Parallel()

	s := newMemoryStorage()
	s.addCreated("team/old", Now.Add(-2*time.Hour))
	s.addCreated("team/new", Now.Add(-30*time.Minute))
	s.addCreated("team/boundary", Now.Add(-time.Hour))

	result := sweep(t, s, 1)
	require.Equal(t, []string{"team/new"}, s.keys(), "only the young object survives")
	require.Equal(t, expiry.Result{Pages: 1, Scanned: 3, Deleted: 2}, result, "sweep result")
}

func TestDeleteOldCacheMissingMetadataIsEligible(t *testing.T) {
	t.Parallel()

	s := newMemoryStorage()
	s.add("team/no-metadata", nil)
	s.add("team/no-created-at", &storage.Metadata{})
	s.addCreated("team/fresh", Now)

	sweep(t, s, 1)
	require.Equal(t, []string{"team/fresh"}, s.keys(), "objects without an age are swept")
}

func TestDeleteOldCacheNothingToDelete(t *testing.T) {
	t.Parallel()

	s := newMemoryStorage()
	for i := range 1200 {
		s.addCreated(fmt.Sprintf("team/%04d", i), Now)
	}

	result := sweep(t, s, 1)
	require.Equal(t, []string{"list", "list", "list"}, s.log(), "no delete call when nothing qualifies")
	require.Zero(t, result.Deleted, "nothing deleted")
	require.Equal(t, 1200, result.Scanned, "every key scanned")
}

func TestDeleteOldCacheDelaysDeletesByOnePage(t *testing.T) {
	t.Parallel()

	s := newMemoryStorage()
	for i := range 1203 {
		s.addCreated(fmt.Sprintf("team/%04d", i), Now.Add(-48*time.Hour))
	}

	result := sweep(t, s, 24)
	require.Empty(t, s.keys(), "every expired object is deleted")
	require.Equal(t, expiry.Result{Pages: 3, Scanned: 1203, Deleted: 1203}, result, "sweep result")
	require.Equal(t,
		[]string{"list", "list", "delete:500", "list", "delete:500", "delete:203"},
		s.log(),
		"each batch is deleted after the next page is listed",
	)
}

func TestDeleteOldCacheMixedPages(t *testing.T) {
	t.Parallel()

	s := newMemoryStorage()
	// First page holds only fresh keys, second only expired ones.
	for i := range 500 {
		s.addCreated(fmt.Sprintf("a/%04d", i), Now)
	}
	for i := range 300 {
		s.addCreated(fmt.Sprintf("b/%04d", i), Now.Add(-10*time.Hour))
	}

	sweep(t, s, 1)
	require.Len(t, s.keys(), 500, "fresh keys survive")
	require.Equal(t, []string{"list", "list", "delete:300"}, s.log(), "empty batches are skipped")
}

func TestDeleteOldCacheStopsWithoutCursor(t *testing.T) {
	t.Parallel()

	s := newMemoryStorage()
	s.dropCursor = true
	for i := range 1200 {
		s.addCreated(fmt.Sprintf("team/%04d", i), Now.Add(-2*time.Hour))
	}

	result := sweep(t, s, 1)
	require.Equal(t, expiry.Result{Pages: 1, Scanned: 500, Deleted: 500}, result, "sweep ends after the first page")
	require.Equal(t, []string{"list", "delete:500"}, s.log(), "no second listing")
	require.Len(t, s.keys(), 700, "unreached keys remain")
}

func TestDeleteOldCacheStopsOnErrors(t *testing.T) {
	t.Parallel()

	listFailure := newMemoryStorage()
	listFailure.listErr = errors.New("list exploded")
	_, err := expiry.DeleteOldCache(t.Context(), listFailure, expiry.Options{CutoffHours: 1})
	require.ErrorIs(t, err, listFailure.listErr, "list error is returned")

	deleteFailure := newMemoryStorage()
	deleteFailure.addCreated("team/old", Now.Add(-2*time.Hour))
	deleteFailure.deleteErr = errors.New("delete exploded")
	result, err := expiry.DeleteOldCache(t.Context(), deleteFailure, expiry.Options{CutoffHours: 1, Now: func() time.Time { return Now }})
	require.ErrorIs(t, err, deleteFailure.deleteErr, "delete error is returned")
	require.Zero(t, result.Deleted, "nothing counted as deleted")
}

func TestDeleteOldCacheAgainstS3(t *testing.T) {
	t.Parallel()

	srv := s3test.NewServer(t, "artifacts", s3test.WithCredentials("stashadmin", "stashsecret"))
	manager, err := storage.NewManager(t.Context(), storage.Config{
		S3: storage.S3Config{
			AccessKeyID:     "stashadmin",
			SecretAccessKey: "stashsecret",
			Bucket:          "artifacts",
			Endpoint:        srv.URL(),
		},
		TempDir:   t.TempDir(),
		S3Options: []s3wire.ConfigOption{s3wire.WithRetryPolicy(3, time.Millisecond, 4*time.Millisecond)},
	})
	require.NoError(t, err, "NewManager error")

	old := http.Header{}
	old.Set("X-Amz-Meta-Createdat", fmt.Sprint(Now.Add(-3*time.Hour).UnixMilli()))
	for i := range 1001 {
		srv.Put(fmt.Sprintf("team/old-%04d", i), []byte("x"), old, Now)
	}

	fresh := http.Header{}
	fresh.Set("X-Amz-Meta-Createdat", fmt.Sprint(Now.UnixMilli()))
	srv.Put("team/fresh", []byte("y"), fresh, Now)

	result := sweep(t, manager.Active(), 1)
	require.Equal(t, []string{"team/fresh"}, srv.Keys(), "only the fresh object survives")
	require.Equal(t, 1001, result.Deleted, "expired objects deleted")
	require.GreaterOrEqual(t, result.Pages, 3, "sweep needs at least three pages")
	require.Equal(t, 2, srv.Count(http.MethodPost), "full pages are deleted in batches")
	require.Equal(t, 1, srv.Count(http.MethodDelete), "a single leftover key is deleted directly")
}

func TestSchedulerRunOnce(t *testing.T) {
	t.Parallel()

	s := newMemoryStorage()
	s.addCreated("team/old", time.Now().Add(-2*time.Hour))

	var got []expiry.Result
	scheduler := &expiry.Scheduler{
		Storage:     s,
		Interval:    time.Hour,
		CutoffHours: 1,
		OnResult: func(result expiry.Result, _ time.Duration, err error) {
			require.NoError(t, err, "sweep error")
			got = append(got, result)
		},
	}

	result, err := scheduler.RunOnce(t.Context())
	require.NoError(t, err, "RunOnce error")
	require.Equal(t, 1, result.Deleted, "old object deleted")
	require.Len(t, got, 1, "OnResult called once")
}

func TestSchedulerRunStopsWithContext(t *testing.T) {
	t.Parallel()

	s := newMemoryStorage()
	runs := make(chan expiry.Result, 16)
	scheduler := &expiry.Scheduler{
		Storage:     s,
		Interval:    5 * time.Millisecond,
		CutoffHours: 1,
		OnResult: func(result expiry.Result, _ time.Duration, _ error) {
			select {
			case runs <- result:
			default:
			}
		},
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	select {
	case <-runs:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler never ran")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err, "Run should return cleanly")
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	require.True(t, strings.HasPrefix(strings.Join(s.log(), ","), "list"), "scheduler listed the store")
}

func TestSchedulerDisabled(t *testing.T) {
	t.Parallel()

	scheduler := &expiry.Scheduler{Storage: newMemoryStorage()}
	require.NoError(t, scheduler.Run(t.Context()), "a zero interval disables the scheduler")
}
