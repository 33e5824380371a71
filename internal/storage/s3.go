package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/eteran/stash/internal/s3wire"
)

// Reserved headers written on every S3 upload.
const (
	s3HeaderCreatedAt = "X-Amz-Meta-Createdat"
	s3HeaderCustom    = "X-Amz-Meta-Custom"
)

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	Endpoint        string
	MaxRetries      int
	Concurrency     int
}

func (c S3Config) valid() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// S3Storage stores artifacts in an S3 bucket through the wire client.
type S3Storage struct {
	client *s3wire.Client
	now    func() time.Time
}

// NewS3Storage wraps an existing wire client.
func NewS3Storage(client *s3wire.Client) *S3Storage {
	return &S3Storage{client: client, now: time.Now}
}

// s3Metadata derives metadata from object headers. The reserved creation
// header wins over Last-Modified, which wins over fallback.
func s3Metadata(header http.Header, lastModified time.Time, fallback time.Time) *Metadata {
	meta := &Metadata{Custom: map[string]string{}}

	if raw := header.Get(s3HeaderCustom); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta.Custom); err != nil {
			return nil
		}
		meta.Custom = emptyIfNil(meta.Custom)
	}

	switch {
	case header.Get(s3HeaderCreatedAt) != "":
		ms, err := strconv.ParseInt(header.Get(s3HeaderCreatedAt), 10, 64)
		if err != nil {
			return nil
		}
		meta.CreatedAt = time.UnixMilli(ms).UTC()
	case !lastModified.IsZero():
		meta.CreatedAt = lastModified
	case !fallback.IsZero():
		meta.CreatedAt = fallback
	default:
		return nil
	}

	return meta
}

func (s *S3Storage) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	page, err := s.client.ListObjectsV2(ctx, s3wire.ListInput{
		Prefix:            opts.Prefix,
		MaxKeys:           clampLimit(opts.Limit),
		ContinuationToken: opts.Cursor,
	})
	if err != nil {
		return nil, err
	}

	result := &ListResult{
		Keys:      make([]string, 0, len(page.Objects)),
		Cursor:    page.NextContinuationToken,
		Truncated: page.IsTruncated,
	}
	for _, obj := range page.Objects {
		result.Keys = append(result.Keys, obj.Key)
	}
	return result, nil
}

// ListWithMetadata lists a page and resolves each key's metadata with a
// bounded parallel HEAD. A key whose HEAD fails gets nil metadata.
func (s *S3Storage) ListWithMetadata(ctx context.Context, opts ListOptions) (*ListWithMetadataResult, error) {
	page, err := s.client.ListObjectsV2(ctx, s3wire.ListInput{
		Prefix:            opts.Prefix,
		MaxKeys:           clampLimit(opts.Limit),
		ContinuationToken: opts.Cursor,
	})
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(page.Objects))
	for i, obj := range page.Objects {
		keys[i] = obj.Key
	}

	result := &ListWithMetadataResult{
		Keys:      make([]KeyWithMetadata, len(keys)),
		Cursor:    page.NextContinuationToken,
		Truncated: page.IsTruncated,
	}

	for i, head := range s.client.HeadObjects(ctx, keys) {
		result.Keys[i] = KeyWithMetadata{Key: head.Key}
		if head.Err != nil {
			continue
		}
		result.Keys[i].Metadata = s3Metadata(head.Info.Header, head.Info.LastModified, page.Objects[i].LastModified)
	}

	return result, nil
}

func (s *S3Storage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, key)
	if errors.Is(err, s3wire.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return obj.Body, nil
}

func (s *S3Storage) ReadWithMetadata(ctx context.Context, key string) (*Object, error) {
	obj, err := s.client.GetObject(ctx, key)
	if errors.Is(err, s3wire.ErrNotFound) {
		return &Object{}, nil
	}
	if err != nil {
		return nil, err
	}

	return &Object{
		Data:     obj.Body,
		Metadata: s3Metadata(obj.Header, obj.LastModified, time.Time{}),
	}, nil
}

func (s *S3Storage) Write(ctx context.Context, key string, data Data, custom map[string]string) error {
	encoded, err := json.Marshal(emptyIfNil(custom))
	if err != nil {
		return fmt.Errorf("encode metadata for %q: %w", key, err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	header.Set(s3HeaderCreatedAt, strconv.FormatInt(s.now().UnixMilli(), 10))
	header.Set(s3HeaderCustom, string(encoded))

	return s.client.PutObject(ctx, key, data.Reader(), data.Size(), header)
}

func (s *S3Storage) Delete(ctx context.Context, keys ...string) error {
	return s.client.DeleteObjects(ctx, keys)
}
