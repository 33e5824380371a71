// Package storage defines the backend-agnostic artifact store and its three
// adapters: an embedded KV store, a MinIO-compatible blob bucket and a raw
// S3 bucket spoken to over signed HTTP.
package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"
)

const (
	// DefaultTeam is used when a request names no team.
	DefaultTeam = "team_default_team"

	DefaultListLimit = 1000
	MaxListLimit     = 1000
)

// Storage is implemented by every backend.
//
// A missing key is not an error: Read returns a nil reader and
// ReadWithMetadata returns an Object whose Data is nil.
type Storage interface {
	List(ctx context.Context, opts ListOptions) (*ListResult, error)
	ListWithMetadata(ctx context.Context, opts ListOptions) (*ListWithMetadataResult, error)
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	ReadWithMetadata(ctx context.Context, key string) (*Object, error)
	Write(ctx context.Context, key string, data Data, custom map[string]string) error

	// Delete removes keys. Missing keys are not an error and zero keys is
	// a no-op that performs no I/O.
	Delete(ctx context.Context, keys ...string) error
}

type ListOptions struct {
	// Limit of 0 means DefaultListLimit. Values above MaxListLimit are clamped.
	Limit int

	// Cursor is an opaque token from a previous page.
	Cursor string

	Prefix string
}

type ListResult struct {
	Keys      []string
	Cursor    string
	Truncated bool
}

// Metadata is what the cache knows about an object beyond its bytes.
type Metadata struct {
	CreatedAt time.Time
	Custom    map[string]string
}

type KeyWithMetadata struct {
	Key string

	// Metadata is nil when it could not be resolved.
	Metadata *Metadata
}

type ListWithMetadataResult struct {
	Keys      []KeyWithMetadata
	Cursor    string
	Truncated bool
}

// Object is a ReadWithMetadata result. Data is nil when the key is absent.
type Object struct {
	Data     io.ReadCloser
	Metadata *Metadata
}

// Absent reports whether the object was not found.
func (o *Object) Absent() bool {
	return o == nil || o.Data == nil
}

// Data is the payload of a Write. Build it with String, Bytes or Stream.
type Data struct {
	reader io.Reader
	size   int64
	raw    []byte
}

// String wraps s as a payload.
func String(s string) Data {
	return Bytes([]byte(s))
}

// Bytes wraps b as a payload.
func Bytes(b []byte) Data {
	return Data{raw: b, size: int64(len(b))}
}

// Stream wraps r as a payload of the given size, or -1 when unknown.
func Stream(r io.Reader, size int64) Data {
	if size < 0 {
		size = -1
	}
	return Data{reader: r, size: size}
}

// Reader returns a reader over the payload.
func (d Data) Reader() io.Reader {
	if d.reader != nil {
		return d.reader
	}
	return bytes.NewReader(d.raw)
}

// Size is the payload length, -1 when unknown.
func (d Data) Size() int64 {
	return d.size
}

// ReadBytes drains and closes rc.
func ReadBytes(rc io.ReadCloser) ([]byte, error) {
	if rc == nil {
		return nil, nil
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ReadText drains and closes rc.
func ReadText(rc io.ReadCloser) (string, error) {
	b, err := ReadBytes(rc)
	return string(b), err
}

// Key builds the storage key of an artifact.
func Key(team string, artifactID string) string {
	if strings.TrimSpace(team) == "" {
		team = DefaultTeam
	}
	return team + "/" + artifactID
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}

func emptyIfNil(custom map[string]string) map[string]string {
	if custom == nil {
		return map[string]string{}
	}
	return custom
}
