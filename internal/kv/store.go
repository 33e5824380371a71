// Package kv is an embedded key-value store with per-key metadata and
// native expiry. Values live in a content-addressed payload directory and
// an SQLite index maps keys to payloads.
package kv

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	DefaultNamespace = "default"
	DefaultListLimit = 1000
	MaxListLimit     = 1000

	// MinExpirationTTL is the shortest TTL Put accepts.
	MinExpirationTTL = 60 * time.Second
)

var (
	ErrNotFound      = errors.New("kv: key not found")
	ErrInvalidTTL    = fmt.Errorf("kv: expiration TTL must be at least %s", MinExpirationTTL)
	ErrInvalidCursor = errors.New("kv: invalid cursor")
	ErrEmptyKey      = errors.New("kv: key must not be empty")
)

//go:embed migrations
var migrationsFS embed.FS

type Config struct {
	DataDir   string
	Namespace string

	// Now defaults to time.Now.
	Now func() time.Time
}

// Store is a single KV namespace.
type Store struct {
	db        *sql.DB
	files     *LocalFileStorage
	namespace string
	tempDir   string
	now       func() time.Time

	// mu serialises payload bookkeeping so a payload is never removed while
	// a concurrent Put is about to reference it.
	mu sync.Mutex
}

type PutOptions struct {
	// Metadata is stored verbatim alongside the value.
	Metadata []byte

	// ExpirationTTL, when positive, expires the key after that long.
	ExpirationTTL time.Duration
}

type ListOptions struct {
	Prefix string
	Cursor string
	Limit  int
}

// Key is one entry of a listing.
type Key struct {
	Name string

	// Expiration is the expiry time, zero when the key never expires.
	Expiration time.Time
	Metadata   []byte
}

type ListResult struct {
	Keys         []Key
	ListComplete bool
	Cursor       string
}

// initSchema applies all SQL files in the embedded migrations in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// Open opens or creates the store under cfg.DataDir.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("kv: DataDir must not be empty")
	}

	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	tempDir := filepath.Join(cfg.DataDir, "tmp")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := filepath.Join(cfg.DataDir, "index.sqlite") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:        db,
		files:     NewLocalFileStorage(cfg.DataDir),
		namespace: cfg.Namespace,
		tempDir:   tempDir,
		now:       cfg.Now,
	}, nil
}

// Close closes the index database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// spool copies r into a temporary file while hashing it.
func (s *Store) spool(r io.Reader) (path string, hashHex string, size int64, err error) {
	f, err := os.Create(filepath.Join(s.tempDir, uuid.NewString()))
	if err != nil {
		return "", "", 0, fmt.Errorf("create temp file: %w", err)
	}

	h := sha256.New()
	size, err = io.Copy(f, io.TeeReader(r, h))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", "", 0, fmt.Errorf("write temp file: %w", err)
	}

	return f.Name(), hex.EncodeToString(h.Sum(nil)), size, nil
}

// Put stores the value read from r under key, replacing any previous value
// and metadata.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) error {
	if key == "" {
		return ErrEmptyKey
	}

	if opts.ExpirationTTL > 0 && opts.ExpirationTTL < MinExpirationTTL {
		return ErrInvalidTTL
	}

	tempPath, hashHex, size, err := s.spool(r)
	if err != nil {
		return err
	}
	defer os.Remove(tempPath)

	now := s.now()
	var expiresAt sql.NullInt64
	if opts.ExpirationTTL > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(opts.ExpirationTTL).UnixMilli(), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.files.PutFromFile(s.namespace, hashHex, tempPath, size); err != nil {
		return fmt.Errorf("store payload: %w", err)
	}

	var orphaned string
	err = withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var previous string
		err := tx.QueryRowContext(ctx, `SELECT hash FROM entries WHERE namespace = ? AND key = ?`, s.namespace, key).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO entries(namespace, key, hash, size, metadata, created_at, expires_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(namespace, key) DO UPDATE SET
			 	hash=excluded.hash,
			 	size=excluded.size,
			 	metadata=excluded.metadata,
			 	created_at=excluded.created_at,
			 	expires_at=excluded.expires_at`,
			s.namespace, key, hashHex, size, opts.Metadata, now.UnixMilli(), expiresAt,
		)
		if err != nil {
			return err
		}

		if previous != "" && previous != hashHex {
			unused, err := hashUnused(ctx, tx, s.namespace, previous)
			if err != nil {
				return err
			}
			if unused {
				orphaned = previous
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if orphaned != "" {
		if err := s.files.Remove(s.namespace, orphaned); err != nil {
			slog.Warn("Remove orphaned payload", "hash", orphaned, "err", err)
		}
	}

	return nil
}

func hashUnused(ctx context.Context, tx *sql.Tx, namespace string, hashHex string) (bool, error) {
	var refs int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE namespace = ? AND hash = ?`, namespace, hashHex).Scan(&refs)
	return refs == 0, err
}

// Get returns the value of key. A missing or expired key yields ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	body, _, err := s.GetWithMetadata(ctx, key)
	return body, err
}

// GetWithMetadata returns the value of key and the metadata stored with it.
func (s *Store) GetWithMetadata(ctx context.Context, key string) (io.ReadCloser, []byte, error) {
	var (
		hashHex  string
		metadata []byte
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT hash, metadata FROM entries
		 WHERE namespace = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		s.namespace, key, s.now().UnixMilli(),
	).Scan(&hashHex, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup %q: %w", key, err)
	}

	f, err := s.files.Open(s.namespace, hashHex)
	if os.IsNotExist(err) {
		// Deleted between the lookup and the open.
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open payload for %q: %w", key, err)
	}

	return f, metadata, nil
}

func encodeCursor(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeCursor(cursor string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", ErrInvalidCursor
	}
	return string(raw), nil
}

// List returns live keys in ascending order, with their metadata.
func (s *Store) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	query := `SELECT key, metadata, expires_at FROM entries
		WHERE namespace = ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{s.namespace, s.now().UnixMilli()}

	if opts.Prefix != "" {
		query += " AND substr(key, 1, ?) = ?"
		args = append(args, utf8.RuneCountInString(opts.Prefix), opts.Prefix)
	}

	if opts.Cursor != "" {
		after, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		query += " AND key > ?"
		args = append(args, after)
	}

	query += " ORDER BY key LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	result := &ListResult{ListComplete: true}
	for rows.Next() {
		var (
			key       Key
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&key.Name, &key.Metadata, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}

		if len(result.Keys) == limit {
			result.ListComplete = false
			break
		}

		if expiresAt.Valid {
			key.Expiration = time.UnixMilli(expiresAt.Int64).UTC()
		}
		result.Keys = append(result.Keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	if !result.ListComplete {
		result.Cursor = encodeCursor(result.Keys[len(result.Keys)-1].Name)
	}

	return result, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orphaned string
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var hashHex string
		err := tx.QueryRowContext(ctx, `SELECT hash FROM entries WHERE namespace = ? AND key = ?`, s.namespace, key).Scan(&hashHex)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE namespace = ? AND key = ?`, s.namespace, key); err != nil {
			return err
		}

		unused, err := hashUnused(ctx, tx, s.namespace, hashHex)
		if unused {
			orphaned = hashHex
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}

	if orphaned != "" {
		return s.files.Remove(s.namespace, orphaned)
	}
	return nil
}

// PurgeExpired removes expired keys and any payloads left unreferenced. It
// returns the number of keys removed.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		purged   int
		orphaned []string
	)

	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		now := s.now().UnixMilli()

		rows, err := tx.QueryContext(ctx,
			`SELECT DISTINCT hash FROM entries WHERE namespace = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
			s.namespace, now)
		if err != nil {
			return err
		}
		var hashes []string
		for rows.Next() {
			var hashHex string
			if err := rows.Scan(&hashHex); err != nil {
				rows.Close()
				return err
			}
			hashes = append(hashes, hashHex)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE namespace = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
			s.namespace, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		purged = int(n)

		for _, hashHex := range hashes {
			unused, err := hashUnused(ctx, tx, s.namespace, hashHex)
			if err != nil {
				return err
			}
			if unused {
				orphaned = append(orphaned, hashHex)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}

	for _, hashHex := range orphaned {
		if err := s.files.Remove(s.namespace, hashHex); err != nil {
			slog.Warn("Remove expired payload", "hash", hashHex, "err", err)
		}
	}

	return purged, nil
}
