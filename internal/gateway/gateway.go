// Package gateway implements a small S3-compatible object gateway backed by
// the local filesystem for payloads and SQLite for metadata. It fronts the
// adapter in development and tests the way the hosted gateway fronts the
// storage network in production: SigV4-authenticated S3 requests on one
// surface, anonymous link-sharing reads on the other.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds configuration for the gateway.
type Config struct {
	// DataDir is the root directory for payloads, in-progress multipart
	// uploads, and the metadata database.
	DataDir string

	// Region is the region reported to clients and accepted in credential
	// scopes.
	Region string

	AccessKeyID     string
	SecretAccessKey string

	// MaxRangeLength caps how many bytes a single ranged read returns. Ranges
	// asking for more are truncated, with an accurate Content-Range so
	// clients can resume. Zero means no cap.
	MaxRangeLength int64

	// LinkShareAccess is the access token accepted on the anonymous
	// /raw/{access}/... surface. Empty disables link sharing.
	LinkShareAccess string

	// Now returns the current time for presigned-grant expiry checks.
	// Defaults to time.Now; tests override it to exercise expiry.
	Now func() time.Time
}

// Server provides the S3-compatible HTTP API.
type Server struct {
	cfg   Config
	db    *sql.DB
	store *payloadStore
}

// NewServer initializes the metadata database and returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("credentials must not be empty")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path.Join(cfg.DataDir, "metadata.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Server{cfg: cfg, db: db, store: newPayloadStore(cfg.DataDir)}, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS objects (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			content_type TEXT,
			content_disposition TEXT,
			user_meta TEXT,
			created_at TIMESTAMP NOT NULL,
			modified_at TIMESTAMP NOT NULL,
			PRIMARY KEY (bucket, key),
			FOREIGN KEY(bucket) REFERENCES buckets(name) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_objects_hash ON objects(hash);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// objectRecord is one row of object metadata.
type objectRecord struct {
	Hash               string
	Size               int64
	ContentType        string
	ContentDisposition string
	UserMeta           map[string]string
	ModifiedAt         time.Time
}

// CreateBucket makes sure the given bucket exists. It is used by the serving
// binary and tests to bootstrap the adapter's container.
func (s *Server) CreateBucket(ctx context.Context, name string) error {
	_, err := s.ensureBucket(ctx, name)
	return err
}

// ensureBucket creates the bucket if necessary. It returns true if the bucket
// was created, false if it already existed.
func (s *Server) ensureBucket(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO buckets(name, created_at) VALUES(?, ?)`,
		name, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

// bucketExists checks whether a bucket with the given name exists.
func (s *Server) bucketExists(ctx context.Context, bucket string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets WHERE name = ?`, bucket).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// lookupObject loads the metadata row for the given object key.
func (s *Server) lookupObject(ctx context.Context, bucket, key string) (objectRecord, error) {
	var (
		rec         objectRecord
		contentType sql.NullString
		disposition sql.NullString
		userMeta    sql.NullString
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT hash, size, content_type, content_disposition, user_meta, modified_at
		 FROM objects WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&rec.Hash, &rec.Size, &contentType, &disposition, &userMeta, &rec.ModifiedAt)
	if err != nil {
		return objectRecord{}, err
	}

	rec.ContentType = contentType.String
	rec.ContentDisposition = disposition.String
	if userMeta.Valid && userMeta.String != "" {
		if err := json.Unmarshal([]byte(userMeta.String), &rec.UserMeta); err != nil {
			return objectRecord{}, fmt.Errorf("decode user metadata: %w", err)
		}
	}
	return rec, nil
}

// upsertObject inserts or replaces an object's metadata row.
func (s *Server) upsertObject(ctx context.Context, bucket, key string, rec objectRecord) error {
	var userMeta any
	if len(rec.UserMeta) > 0 {
		encoded, err := json.Marshal(rec.UserMeta)
		if err != nil {
			return fmt.Errorf("encode user metadata: %w", err)
		}
		userMeta = string(encoded)
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO objects(bucket, key, hash, size, content_type, content_disposition, user_meta, created_at, modified_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET
			hash=excluded.hash,
			size=excluded.size,
			content_type=excluded.content_type,
			content_disposition=excluded.content_disposition,
			user_meta=excluded.user_meta,
			modified_at=excluded.modified_at`,
		bucket, key, rec.Hash, rec.Size, nullable(rec.ContentType), nullable(rec.ContentDisposition), userMeta, now, now,
	)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
