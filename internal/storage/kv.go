package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/eteran/stash/internal/kv"
)

// kvEnvelope is the metadata blob stored next to every KV value.
type kvEnvelope struct {
	CreatedAtEpochMilliseconds int64             `json:"createdAtEpochMilliseconds"`
	CustomMetadata             map[string]string `json:"customMetadata"`
}

// KVStorage stores artifacts in an embedded kv.Store.
type KVStorage struct {
	store *kv.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewKVStorage wraps store. Keys expire after expirationHours, or never
// when it is not positive.
func NewKVStorage(store *kv.Store, expirationHours float64) *KVStorage {
	return &KVStorage{
		store: store,
		ttl:   kvTTL(expirationHours),
		now:   time.Now,
	}
}

// kvTTL converts hours into a TTL the store accepts.
func kvTTL(hours float64) time.Duration {
	if hours <= 0 {
		return 0
	}
	return max(time.Duration(hours*float64(time.Hour)), kv.MinExpirationTTL)
}

// decodeEnvelope returns nil for an absent or malformed envelope.
func decodeEnvelope(raw []byte) *Metadata {
	if len(raw) == 0 {
		return nil
	}

	var env kvEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.CreatedAtEpochMilliseconds == 0 {
		return nil
	}

	return &Metadata{
		CreatedAt: time.UnixMilli(env.CreatedAtEpochMilliseconds).UTC(),
		Custom:    emptyIfNil(env.CustomMetadata),
	}
}

func (s *KVStorage) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	page, err := s.store.List(ctx, kv.ListOptions{Prefix: opts.Prefix, Cursor: opts.Cursor, Limit: clampLimit(opts.Limit)})
	if err != nil {
		return nil, err
	}

	result := &ListResult{Keys: make([]string, 0, len(page.Keys))}
	for _, key := range page.Keys {
		result.Keys = append(result.Keys, key.Name)
	}

	if !page.ListComplete {
		result.Truncated = true
		result.Cursor = page.Cursor
	}

	return result, nil
}

func (s *KVStorage) ListWithMetadata(ctx context.Context, opts ListOptions) (*ListWithMetadataResult, error) {
	page, err := s.store.List(ctx, kv.ListOptions{Prefix: opts.Prefix, Cursor: opts.Cursor, Limit: clampLimit(opts.Limit)})
	if err != nil {
		return nil, err
	}

	result := &ListWithMetadataResult{Keys: make([]KeyWithMetadata, 0, len(page.Keys))}
	for _, key := range page.Keys {
		result.Keys = append(result.Keys, KeyWithMetadata{
			Key:      key.Name,
			Metadata: decodeEnvelope(key.Metadata),
		})
	}

	if !page.ListComplete {
		result.Truncated = true
		result.Cursor = page.Cursor
	}

	return result, nil
}

func (s *KVStorage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	body, err := s.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	return body, err
}

func (s *KVStorage) ReadWithMetadata(ctx context.Context, key string) (*Object, error) {
	body, raw, err := s.store.GetWithMetadata(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return &Object{}, nil
	}
	if err != nil {
		return nil, err
	}

	return &Object{Data: body, Metadata: decodeEnvelope(raw)}, nil
}

func (s *KVStorage) Write(ctx context.Context, key string, data Data, custom map[string]string) error {
	envelope, err := json.Marshal(kvEnvelope{
		CreatedAtEpochMilliseconds: s.now().UnixMilli(),
		CustomMetadata:             emptyIfNil(custom),
	})
	if err != nil {
		return fmt.Errorf("encode metadata for %q: %w", key, err)
	}

	return s.store.Put(ctx, key, data.Reader(), kv.PutOptions{
		Metadata:      envelope,
		ExpirationTTL: s.ttl,
	})
}

func (s *KVStorage) Delete(ctx context.Context, keys ...string) error {
	var errs []error
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PurgeExpired drops keys whose TTL has passed.
func (s *KVStorage) PurgeExpired(ctx context.Context) (int, error) {
	return s.store.PurgeExpired(ctx)
}

func (s *KVStorage) Close() error {
	return s.store.Close()
}
