package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// blobMetadataKey is the user metadata entry that carries the custom
// metadata as a JSON object.
const blobMetadataKey = "Artifact-Metadata"

type BlobConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
}

func (c BlobConfig) valid() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// BlobStorage stores artifacts in a MinIO-compatible bucket.
type BlobStorage struct {
	client  *minio.Client
	bucket  string
	tempDir string
}

// NewBlobStorage connects to the bucket described by cfg. No request is
// made until the first operation.
func NewBlobStorage(cfg BlobConfig, tempDir string) (*BlobStorage, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       cfg.UseSSL,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}

	return &BlobStorage{client: client, bucket: cfg.Bucket, tempDir: tempDir}, nil
}

// blobUserMetadata finds the metadata entry whatever the casing or prefix
// the server reported it with.
func blobUserMetadata(meta map[string]string) (string, bool) {
	for key, value := range meta {
		name := key
		if len(name) >= len("x-amz-meta-") && strings.EqualFold(name[:len("x-amz-meta-")], "x-amz-meta-") {
			name = name[len("x-amz-meta-"):]
		}
		if strings.EqualFold(name, blobMetadataKey) {
			return value, true
		}
	}
	return "", false
}

func blobMetadata(info minio.ObjectInfo) *Metadata {
	meta := &Metadata{CreatedAt: info.LastModified.UTC(), Custom: map[string]string{}}

	raw, ok := blobUserMetadata(info.UserMetadata)
	if !ok {
		return meta
	}

	if err := json.Unmarshal([]byte(raw), &meta.Custom); err != nil {
		return nil
	}
	meta.Custom = emptyIfNil(meta.Custom)
	return meta
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

// listPage fetches limit+1 entries after the cursor to learn whether more
// remain. The cursor is the last key of the previous page.
func (s *BlobStorage) listPage(ctx context.Context, opts ListOptions, withMetadata bool) ([]minio.ObjectInfo, string, error) {
	limit := clampLimit(opts.Limit)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := make([]minio.ObjectInfo, 0, limit)
	truncated := false

	for obj := range s.client.ListObjectsIter(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:       opts.Prefix,
		StartAfter:   opts.Cursor,
		MaxKeys:      limit + 1,
		Recursive:    true,
		WithMetadata: withMetadata,
	}) {
		if obj.Err != nil {
			return nil, "", fmt.Errorf("list blobs: %w", obj.Err)
		}

		if len(objects) == limit {
			truncated = true
			break
		}
		objects = append(objects, obj)
	}

	cursor := ""
	if truncated {
		cursor = objects[len(objects)-1].Key
	}
	return objects, cursor, nil
}

func (s *BlobStorage) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	objects, cursor, err := s.listPage(ctx, opts, false)
	if err != nil {
		return nil, err
	}

	result := &ListResult{Keys: make([]string, 0, len(objects)), Cursor: cursor, Truncated: cursor != ""}
	for _, obj := range objects {
		result.Keys = append(result.Keys, obj.Key)
	}
	return result, nil
}

func (s *BlobStorage) ListWithMetadata(ctx context.Context, opts ListOptions) (*ListWithMetadataResult, error) {
	objects, cursor, err := s.listPage(ctx, opts, true)
	if err != nil {
		return nil, err
	}

	result := &ListWithMetadataResult{Keys: make([]KeyWithMetadata, 0, len(objects)), Cursor: cursor, Truncated: cursor != ""}
	for _, obj := range objects {
		result.Keys = append(result.Keys, KeyWithMetadata{Key: obj.Key, Metadata: blobMetadata(obj)})
	}
	return result, nil
}

func (s *BlobStorage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.ReadWithMetadata(ctx, key)
	if err != nil {
		return nil, err
	}
	return obj.Data, nil
}

func (s *BlobStorage) ReadWithMetadata(ctx context.Context, key string) (*Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return &Object{}, nil
		}
		return nil, fmt.Errorf("get blob %q: %w", key, err)
	}

	// GetObject is lazy, Stat issues the request.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return &Object{}, nil
		}
		return nil, fmt.Errorf("get blob %q: %w", key, err)
	}

	return &Object{Data: obj, Metadata: blobMetadata(info)}, nil
}

// spool copies an unknown-size stream into a temp file so it can be
// uploaded with a single PUT.
func spool(r io.Reader, tempDir string) (*os.File, int64, error) {
	f, err := os.CreateTemp(tempDir, "stash-upload-*")
	if err != nil {
		return nil, 0, fmt.Errorf("create spool file: %w", err)
	}

	size, err := io.Copy(f, r)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, 0, fmt.Errorf("spool upload: %w", err)
	}

	return f, size, nil
}

func (s *BlobStorage) Write(ctx context.Context, key string, data Data, custom map[string]string) error {
	encoded, err := json.Marshal(emptyIfNil(custom))
	if err != nil {
		return fmt.Errorf("encode metadata for %q: %w", key, err)
	}

	body, size := data.Reader(), data.Size()
	if size < 0 {
		f, n, err := spool(body, s.tempDir)
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}()
		body, size = f, n
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{blobMetadataKey: string(encoded)},
	})
	if err != nil {
		return fmt.Errorf("put blob %q: %w", key, err)
	}
	return nil
}

func (s *BlobStorage) Delete(ctx context.Context, keys ...string) error {
	switch len(keys) {
	case 0:
		return nil
	case 1:
		err := s.client.RemoveObject(ctx, s.bucket, keys[0], minio.RemoveObjectOptions{})
		if err != nil && !isNoSuchKey(err) {
			return fmt.Errorf("delete blob %q: %w", keys[0], err)
		}
		return nil
	}

	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for _, key := range keys {
			select {
			case objectsCh <- minio.ObjectInfo{Key: key}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var errs []error
	for removeErr := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if isNoSuchKey(removeErr.Err) {
			continue
		}
		errs = append(errs, fmt.Errorf("delete blob %q: %w", removeErr.ObjectName, removeErr.Err))
	}

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
