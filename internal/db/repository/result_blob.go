package repository

import (
	"context"
	"database/sql"

	"querybook/internal/domain"
)

// ResultBlobRepo keeps statement results inside the SQLite store. It backs the
// db:// result-store scheme.
type ResultBlobRepo struct {
	db *sql.DB
}

// NewResultBlobRepo creates a new ResultBlobRepo.
func NewResultBlobRepo(db *sql.DB) *ResultBlobRepo {
	return &ResultBlobRepo{db: db}
}

// Put stores content under path, replacing any previous blob.
func (r *ResultBlobRepo) Put(ctx context.Context, path string, content []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO result_blobs (path, content) VALUES (?, ?)
		ON CONFLICT (path) DO UPDATE SET content = excluded.content, created_at = CURRENT_TIMESTAMP
	`, path, content)
	return mapDBError(err)
}

// Get returns the blob stored under path.
func (r *ResultBlobRepo) Get(ctx context.Context, path string) ([]byte, error) {
	var content []byte
	err := r.db.QueryRowContext(ctx, `SELECT content FROM result_blobs WHERE path = ?`, path).Scan(&content)
	if err != nil {
		err = mapDBError(err)
		if _, ok := err.(*domain.NotFoundError); ok {
			return nil, domain.ErrNotFound("result %q not found", path)
		}
		return nil, err
	}
	return content, nil
}
