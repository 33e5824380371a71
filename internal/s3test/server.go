// Package s3test provides an in-memory S3-compatible server for tests. It
// speaks enough of the protocol for the wire client and for minio-go:
// object PUT/GET/HEAD/DELETE, ListObjectsV2 and multi-object delete.
package s3test

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eteran/stash/internal/auth"
)

const (
	Region = "us-east-1"

	streamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
)

// Object is a stored object as the server sees it.
type Object struct {
	Data         []byte
	Header       http.Header
	LastModified time.Time
	ETag         string
}

// Server is an in-memory, single-bucket S3 endpoint.
type Server struct {
	bucket string

	mu            sync.Mutex
	objects       map[string]*Object
	failures      []int
	headFailures  map[string]int
	counts        map[string]int
	total         int
	noBatchDelete bool
	now           func() time.Time
	authenticator auth.AuthEngine

	httpSrv *httptest.Server
}

type Option func(*Server)

// WithCredentials makes the server verify SigV4 signatures for the given key pair.
func WithCredentials(accessKeyID string, secretAccessKey string) Option {
	return func(s *Server) {
		s.authenticator = auth.NewAwsHmacAuthEngine(accessKeyID, secretAccessKey)
	}
}

// WithoutBatchDelete makes POST ?delete answer 501 NotImplemented.
func WithoutBatchDelete() Option {
	return func(s *Server) {
		s.noBatchDelete = true
	}
}

// WithClock overrides the time stamped on uploaded objects.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer starts a server for bucket and closes it when the test ends.
func NewServer(t testing.TB, bucket string, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		bucket:       bucket,
		objects:      make(map[string]*Object),
		headFailures: make(map[string]int),
		counts:       make(map[string]int),
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.httpSrv = httptest.NewServer(s.Handler())
	t.Cleanup(s.httpSrv.Close)

	return s
}

// URL is the server's base URL, e.g. http://127.0.0.1:1234.
func (s *Server) URL() string {
	return s.httpSrv.URL
}

// Host is the server's host:port, as minio-go expects its endpoint.
func (s *Server) Host() string {
	u, _ := url.Parse(s.httpSrv.URL)
	return u.Host
}

func (s *Server) Bucket() string {
	return s.bucket
}

// FailNext makes the next len(statuses) requests fail with the given
// statuses, in order, before they reach the handlers.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// FailHead makes every HEAD of key answer status.
func (s *Server) FailHead(key string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headFailures[key] = status
}

// Count returns how many requests with the given method reached the server.
func (s *Server) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[method]
}

// Total returns how many requests reached the server.
func (s *Server) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Put stores an object directly, bypassing HTTP.
func (s *Server) Put(key string, data []byte, header http.Header, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = newObject(data, header, modTime)
}

// Get returns a copy of the stored object.
func (s *Server) Get(key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return Object{}, false
	}
	return Object{Data: bytes.Clone(obj.Data), Header: obj.Header.Clone(), LastModified: obj.LastModified, ETag: obj.ETag}, true
}

// SetLastModified rewrites the modification time of an existing object.
func (s *Server) SetLastModified(key string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[key]; ok {
		obj.LastModified = t.UTC()
	}
}

// SetHeader rewrites one stored header of an existing object.
func (s *Server) SetHeader(key string, name string, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[key]; ok {
		obj.Header.Set(name, value)
	}
}

// Keys returns the stored keys in ascending order.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedKeysLocked("")
}

func newObject(data []byte, header http.Header, modTime time.Time) *Object {
	sum := md5.Sum(data)
	stored := http.Header{}
	for key, values := range header {
		canonical := http.CanonicalHeaderKey(key)
		if strings.HasPrefix(canonical, "X-Amz-Meta-") || canonical == "Content-Type" {
			stored[canonical] = append([]string(nil), values...)
		}
	}
	return &Object{
		Data:         data,
		Header:       stored,
		LastModified: modTime.UTC(),
		ETag:         hex.EncodeToString(sum[:]),
	}
}

func (s *Server) sortedKeysLocked(prefix string) []string {
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{bucket}", s.withBucket(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("location") {
			writeXMLResponse(w, LocationConstraint{XMLNS: S3XMLNamespace, Region: Region})
			return
		}
		s.handleListObjectsV2(w, r)
	}))
	mux.HandleFunc("HEAD /{bucket}", s.withBucket(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.HandleFunc("POST /{bucket}", s.withBucket(func(w http.ResponseWriter, r *http.Request) {
		if !r.URL.Query().Has("delete") {
			writeS3Error(w, "NotImplemented", "Only multi-object delete is supported.", r.URL.Path, http.StatusNotImplemented)
			return
		}
		s.handleDeleteObjects(w, r)
	}))

	mux.HandleFunc("PUT /{bucket}/{key...}", s.withBucket(s.handlePutObject))
	mux.HandleFunc("GET /{bucket}/{key...}", s.withBucket(s.handleGetObject))
	mux.HandleFunc("HEAD /{bucket}/{key...}", s.withBucket(s.handleHeadObject))
	mux.HandleFunc("DELETE /{bucket}/{key...}", s.withBucket(s.handleDeleteObject))

	var handler http.Handler = mux
	handler = slashFix(handler)
	handler = s.injectFailures(handler)
	handler = s.requireSignature(handler)
	handler = s.countRequests(handler)
	return handler
}

func (s *Server) withBucket(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("bucket") != s.bucket {
			writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
			return
		}
		next(w, r)
	}
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.counts[r.Method]++
		s.total++
		s.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authenticator != nil {
			user, err := s.authenticator.AuthenticateRequest(r.Context(), r)
			if err != nil || user == nil {
				writeS3Error(w, "SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.", r.URL.Path, http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := 0
		if len(s.failures) > 0 {
			status = s.failures[0]
			s.failures = s.failures[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			_, _ = io.Copy(io.Discard, r.Body)
			writeS3Error(w, errorCode(status), http.StatusText(status), r.URL.Path, status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// slashFix trims the trailing slash minio-go puts on bucket URLs.
func slashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
			r.URL.RawPath = ""
		}
		next.ServeHTTP(w, r)
	})
}

func errorCode(status int) string {
	switch status {
	case http.StatusTooManyRequests:
		return "SlowDown"
	case http.StatusServiceUnavailable:
		return "ServiceUnavailable"
	case http.StatusForbidden:
		return "AccessDenied"
	case http.StatusNotFound:
		return "NoSuchKey"
	case http.StatusNotImplemented:
		return "NotImplemented"
	default:
		if status >= 500 {
			return "InternalError"
		}
		return "InvalidRequest"
	}
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

func writeNoSuchKeyError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
}

func writeXMLResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if err := xml.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encode XML response", "err", err)
	}
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	defer r.Body.Close()

	var buf bytes.Buffer
	if r.Header.Get("X-Amz-Content-Sha256") == streamingPayload || strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") {
		if _, err := decodeStreamingPayload(&buf, r.Body); err != nil {
			writeS3Error(w, "IncompleteBody", err.Error(), r.URL.Path, http.StatusBadRequest)
			return
		}
		if raw := r.Header.Get("X-Amz-Decoded-Content-Length"); raw != "" {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n != int64(buf.Len()) {
				writeS3Error(w, "IncompleteBody", "decoded length mismatch", r.URL.Path, http.StatusBadRequest)
				return
			}
		}
	} else if _, err := buf.ReadFrom(r.Body); err != nil {
		writeS3Error(w, "IncompleteBody", err.Error(), r.URL.Path, http.StatusBadRequest)
		return
	}

	obj := newObject(buf.Bytes(), r.Header, s.now())

	s.mu.Lock()
	s.objects[key] = obj
	s.mu.Unlock()

	w.Header().Set("ETag", fmt.Sprintf("%q", obj.ETag))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) lookup(key string) (*Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj, ok
}

func writeObjectHeaders(w http.ResponseWriter, obj *Object) {
	for key, values := range obj.Header {
		w.Header()[key] = values
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("ETag", fmt.Sprintf("%q", obj.ETag))
	w.Header().Set("Accept-Ranges", "bytes")
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.lookup(r.PathValue("key"))
	if !ok {
		writeNoSuchKeyError(w, r)
		return
	}

	writeObjectHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}

func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	s.mu.Lock()
	status := s.headFailures[key]
	s.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	obj, ok := s.lookup(key)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	writeObjectHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delete(s.objects, r.PathValue("key"))
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteObjects(w http.ResponseWriter, r *http.Request) {
	if s.noBatchDelete {
		writeS3Error(w, "NotImplemented", "Multi-object delete is not implemented.", r.URL.Path, http.StatusNotImplemented)
		return
	}

	defer r.Body.Close()
	var req DeleteObjectsRequest
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		writeS3Error(w, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.", r.URL.Path, http.StatusBadRequest)
		return
	}

	if len(req.Objects) == 0 {
		writeS3Error(w, "InvalidRequest", "You must specify at least one object to delete.", r.URL.Path, http.StatusBadRequest)
		return
	}

	resp := DeleteResult{XMLNS: S3XMLNamespace}

	s.mu.Lock()
	for _, obj := range req.Objects {
		if obj.Key == "" {
			continue
		}
		delete(s.objects, obj.Key)
		if !req.Quiet {
			resp.Deleted = append(resp.Deleted, obj)
		}
	}
	s.mu.Unlock()

	writeXMLResponse(w, resp)
}

func (s *Server) handleListObjectsV2(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	continuationToken := q.Get("continuation-token")
	startAfter := ""
	if continuationToken == "" {
		startAfter = q.Get("start-after")
	}
	withMetadata := q.Get("metadata") == "true"

	maxKeys := 1000
	if raw := q.Get("max-keys"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v < maxKeys {
			maxKeys = v
		}
	}

	after := startAfter
	if continuationToken != "" {
		after = continuationToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		summaries   []ObjectSummary
		isTruncated bool
	)

	for _, key := range s.sortedKeysLocked(prefix) {
		if after != "" && key <= after {
			continue
		}
		if len(summaries) == maxKeys {
			isTruncated = true
			break
		}

		obj := s.objects[key]
		summary := ObjectSummary{
			Key:          key,
			LastModified: obj.LastModified.UTC().Format("2006-01-02T15:04:05.000Z"),
			ETag:         fmt.Sprintf("%q", obj.ETag),
			Size:         int64(len(obj.Data)),
			StorageClass: "STANDARD",
		}

		if withMetadata {
			meta := &UserMetadata{}
			for name, values := range obj.Header {
				if strings.HasPrefix(name, "X-Amz-Meta-") && len(values) > 0 {
					meta.Items = append(meta.Items, MetadataItem{XMLName: xml.Name{Local: name}, Value: values[0]})
				}
			}
			sort.Slice(meta.Items, func(i, j int) bool { return meta.Items[i].XMLName.Local < meta.Items[j].XMLName.Local })
			summary.UserMetadata = meta
		}

		summaries = append(summaries, summary)
	}

	nextContinuationToken := ""
	if isTruncated {
		nextContinuationToken = summaries[len(summaries)-1].Key
	}

	writeXMLResponse(w, ListBucketResultV2{
		XMLNS:                 S3XMLNamespace,
		Name:                  s.bucket,
		Prefix:                prefix,
		KeyCount:              len(summaries),
		MaxKeys:               maxKeys,
		IsTruncated:           isTruncated,
		ContinuationToken:     continuationToken,
		NextContinuationToken: nextContinuationToken,
		StartAfter:            startAfter,
		Contents:              summaries,
	})
}
