package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BlobStore holds opaque media payloads (avatars, images, voice clips) and
// hands back a URL reference that can be embedded in messages and profiles.
type BlobStore interface {
	// Put stores data at path and returns a retrievable URL reference.
	Put(ctx context.Context, path, contentType string, data []byte) (string, error)

	// Open returns the blob stored at path, or ErrBlobNotFound.
	Open(ctx context.Context, path string) (*Blob, error)
}

type Blob struct {
	Path        string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

type SQLiteBlobStore struct {
	db *sql.DB
	// baseURL is prepended to blob paths to form the served reference,
	// e.g. "/api/blobs".
	baseURL string
}

func NewSQLiteBlobStore(db *sql.DB, baseURL string) *SQLiteBlobStore {
	return &SQLiteBlobStore{db: db, baseURL: baseURL}
}

func (s *SQLiteBlobStore) Put(ctx context.Context, path, contentType string, data []byte) (string, error) {
	if !validPath(path) {
		return "", newStoreWriteError(path, errInvalidPath)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (path, content_type, data, created_at) VALUES (@path, @content_type, @data, @created_at)
		ON CONFLICT (path) DO UPDATE SET content_type = excluded.content_type, data = excluded.data`,
		sql.Named("path", path), sql.Named("content_type", contentType),
		sql.Named("data", data), sql.Named("created_at", time.Now().UTC()))
	if err != nil {
		return "", newStoreWriteError(path, fmt.Errorf("ExecContext: %w", err))
	}
	return s.baseURL + "/" + path, nil
}

func (s *SQLiteBlobStore) Open(ctx context.Context, path string) (*Blob, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT content_type, data, created_at FROM blobs WHERE path = ? LIMIT 1", path)

	blob := &Blob{Path: path}
	err := row.Scan(&blob.ContentType, &blob.Data, &blob.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBlobNotFound
		}
		return nil, newStoreReadError(path, err)
	}
	return blob, nil
}
