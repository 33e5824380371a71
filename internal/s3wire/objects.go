package s3wire

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ObjectInfo is what a HEAD or GET tells us about an object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	Header       http.Header
}

// Object is a GetObject result. The caller must close Body.
type Object struct {
	ObjectInfo
	Body io.ReadCloser
}

// HeadResult is one entry of a HeadObjects fan-out.
type HeadResult struct {
	Key  string
	Info *ObjectInfo
	Err  error
}

func objectInfo(key string, resp *http.Response) ObjectInfo {
	info := ObjectInfo{
		Key:    key,
		Size:   resp.ContentLength,
		ETag:   resp.Header.Get("ETag"),
		Header: resp.Header,
	}

	if raw := resp.Header.Get("Last-Modified"); raw != "" {
		if t, err := http.ParseTime(raw); err == nil {
			info.LastModified = t.UTC()
		}
	}

	if raw := resp.Header.Get("Content-Length"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			info.Size = n
		}
	}

	return info
}

// GetObject fetches key. A missing key yields ErrNotFound.
func (c *Client) GetObject(ctx context.Context, key string) (*Object, error) {
	rawURL := c.ObjectURL(key)
	resp, err := c.do(ctx, request{method: http.MethodGet, url: rawURL})
	if isStatus(err, http.StatusNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &Object{ObjectInfo: objectInfo(key, resp), Body: resp.Body}, nil
}

// HeadObject fetches the headers of key. A missing key yields ErrNotFound.
func (c *Client) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	rawURL := c.ObjectURL(key)
	resp, err := c.do(ctx, request{method: http.MethodHead, url: rawURL})
	if isStatus(err, http.StatusNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	info := objectInfo(key, resp)
	return &info, nil
}

// HeadObjects issues one HEAD per key, at most Concurrency at a time. Every
// key is attempted; failures are reported per key in the result, which is in
// the same order as keys.
func (c *Client) HeadObjects(ctx context.Context, keys []string) []HeadResult {
	results := make([]HeadResult, len(keys))

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)

	for i, key := range keys {
		g.Go(func() error {
			info, err := c.HeadObject(ctx, key)
			results[i] = HeadResult{Key: key, Info: info, Err: err}
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// PutObject uploads body as key. size may be -1 when unknown. header carries
// extra request headers such as Content-Type and x-amz-meta-*.
//
// The payload must be hashed before signing, so streams that are not
// already in memory are spooled to a temporary file first.
func (c *Client) PutObject(ctx context.Context, key string, body io.Reader, size int64, header http.Header) error {
	p, err := newPayload(body, size, c.cfg.TempDir)
	if err != nil {
		return err
	}
	defer p.Close()

	resp, err := c.do(ctx, request{
		method:      http.MethodPut,
		url:         c.ObjectURL(key),
		header:      header,
		body:        p.reader,
		size:        p.size,
		payloadHash: p.hash,
	})
	if err != nil {
		return err
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// DeleteObject removes key. Deleting a missing key is not an error.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	resp, err := c.do(ctx, request{method: http.MethodDelete, url: c.ObjectURL(key)})
	if isStatus(err, http.StatusNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

type deleteObjectsRequest struct {
	XMLName xml.Name             `xml:"Delete"`
	Quiet   bool                 `xml:"Quiet"`
	Objects []deleteObjectsEntry `xml:"Object"`
}

type deleteObjectsEntry struct {
	Key string `xml:"Key"`
}

type deleteObjectsResult struct {
	XMLName xml.Name             `xml:"DeleteResult"`
	Deleted []deleteObjectsEntry `xml:"Deleted"`
	Errors  []deleteObjectsError `xml:"Error"`
}

type deleteObjectsError struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// DeleteObjects removes keys. It prefers the batched multi-object delete
// and falls back to concurrent per-key deletes when batching is disabled
// or the store does not implement it. All keys are attempted; failures are
// joined into the returned error.
func (c *Client) DeleteObjects(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	if len(keys) == 1 {
		return c.DeleteObject(ctx, keys[0])
	}

	if c.cfg.DisableBatchDelete {
		return c.deleteEach(ctx, keys)
	}

	var errs []error
	for start := 0; start < len(keys); start += MaxDeleteBatch {
		end := min(start+MaxDeleteBatch, len(keys))
		chunk := keys[start:end]

		err := c.deleteBatch(ctx, chunk)
		if isStatus(err, http.StatusNotImplemented) {
			err = c.deleteEach(ctx, chunk)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (c *Client) deleteBatch(ctx context.Context, keys []string) error {
	req := deleteObjectsRequest{Quiet: true}
	for _, key := range keys {
		req.Objects = append(req.Objects, deleteObjectsEntry{Key: key})
	}

	body, err := xml.Marshal(req)
	if err != nil {
		return fmt.Errorf("s3wire: encode delete request: %w", err)
	}

	sum := md5.Sum(body)
	header := http.Header{}
	header.Set("Content-Type", "application/xml")
	header.Set("Content-Md5", base64.StdEncoding.EncodeToString(sum[:]))

	resp, err := c.do(ctx, request{
		method:      http.MethodPost,
		url:         c.BucketURL() + "?delete",
		header:      header,
		body:        func() io.Reader { return bytes.NewReader(body) },
		size:        int64(len(body)),
		payloadHash: sha256Hex(body),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result deleteObjectsResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("s3wire: decode delete result: %w", err)
	}

	var errs []error
	for _, e := range result.Errors {
		if e.Code == "NoSuchKey" {
			continue
		}
		errs = append(errs, fmt.Errorf("s3wire: delete %q: %s: %s", e.Key, e.Code, e.Message))
	}

	return errors.Join(errs...)
}

func (c *Client) deleteEach(ctx context.Context, keys []string) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(c.cfg.Concurrency)

	for _, key := range keys {
		g.Go(func() error {
			if err := c.DeleteObject(ctx, key); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("delete %q: %w", key, err))
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return errors.Join(errs...)
}
