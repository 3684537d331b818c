package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sashko-guz/atelier/internal/apperr"
	"github.com/sashko-guz/atelier/internal/logger"
	"github.com/sashko-guz/atelier/internal/operations"
)

const defaultMaxConns = 20

const schema = `
CREATE TABLE IF NOT EXISTS images (
	id            UUID PRIMARY KEY,
	owner         TEXT NOT NULL,
	original_path TEXT NOT NULL,
	size_bytes    BIGINT NOT NULL CHECK (size_bytes >= 0),
	mime          TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);

CREATE TABLE IF NOT EXISTS revisions (
	id            UUID PRIMARY KEY,
	image_id      UUID NOT NULL REFERENCES images(id) ON DELETE CASCADE,
	parent_id     UUID REFERENCES revisions(id),
	op_type       SMALLINT NOT NULL,
	op_params     JSONB NOT NULL,
	op_wire       BYTEA NOT NULL,
	storage_path  TEXT NOT NULL UNIQUE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	tombstoned_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS revisions_image_created_idx
	ON revisions (image_id, created_at DESC);
`

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements Querier over a pgx pool, or over a transaction when
// created by WithImageLock.
type Store struct {
	db   db
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres DSN: %w", err)
	}
	poolCfg.MaxConns = defaultMaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	logger.Infof("[Metadata] Connected to postgres (pool size %d)", defaultMaxConns)
	return &Store{db: pool, pool: pool}, nil
}

// EnsureSchema creates the images and revisions tables if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%w: failed to ensure schema: %v", apperr.ErrMetadata, err)
	}
	return nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// WithImageLock runs fn inside a transaction holding an exclusive row lock
// on the image. The transaction commits when fn returns nil and rolls back
// otherwise; lock waits are bounded by the request context.
func (s *Store) WithImageLock(ctx context.Context, imageID string, fn func(q Querier) error) error {
	if s.pool == nil {
		return fmt.Errorf("%w: nested image locks are not supported", apperr.ErrMetadata)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", apperr.ErrMetadata, err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	var lockedID string
	err = tx.QueryRow(ctx, `SELECT id FROM images WHERE id = $1 FOR UPDATE`, imageID).Scan(&lockedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: image %s", apperr.ErrNotFound, imageID)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: image lock on %s: %v", apperr.ErrConcurrency, imageID, err)
		}
		return fmt.Errorf("%w: failed to lock image %s: %v", apperr.ErrMetadata, imageID, err)
	}

	if err := fn(&Store{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: failed to commit: %v", apperr.ErrMetadata, err)
	}
	return nil
}

func (s *Store) CreateImage(ctx context.Context, img *Image) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO images (id, owner, original_path, size_bytes, mime)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		img.ID, img.Owner, img.OriginalPath, img.SizeBytes, img.Mime,
	).Scan(&img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: failed to create image: %v", apperr.ErrMetadata, err)
	}
	return nil
}

func (s *Store) GetImage(ctx context.Context, id string) (*Image, error) {
	var img Image
	err := s.db.QueryRow(ctx, `
		SELECT id, owner, original_path, size_bytes, mime, created_at, updated_at
		FROM images WHERE id = $1`, id,
	).Scan(&img.ID, &img.Owner, &img.OriginalPath, &img.SizeBytes, &img.Mime, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: image %s", apperr.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: failed to get image %s: %v", apperr.ErrMetadata, id, err)
	}
	return &img, nil
}

func (s *Store) DeleteImage(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete image %s: %v", apperr.ErrMetadata, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: image %s", apperr.ErrNotFound, id)
	}
	return nil
}

func (s *Store) CreateRevision(ctx context.Context, rev *Revision) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO revisions (id, image_id, parent_id, op_type, op_params, op_wire, storage_path)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		RETURNING created_at`,
		rev.ID, rev.ImageID, rev.ParentID, int16(rev.OpType), string(rev.OpParams), rev.OpWire, rev.StoragePath,
	).Scan(&rev.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: failed to create revision: %v", apperr.ErrMetadata, err)
	}
	return nil
}

func (s *Store) GetRevision(ctx context.Context, id string) (*Revision, error) {
	rev, err := s.scanRevision(s.db.QueryRow(ctx, `
		SELECT id, image_id, parent_id, op_type, op_params, op_wire, storage_path, created_at, tombstoned_at
		FROM revisions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: revision %s", apperr.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: failed to get revision %s: %v", apperr.ErrMetadata, id, err)
	}
	return rev, nil
}

func (s *Store) GetLatestRevision(ctx context.Context, imageID string) (*Revision, error) {
	rev, err := s.scanRevision(s.db.QueryRow(ctx, `
		SELECT id, image_id, parent_id, op_type, op_params, op_wire, storage_path, created_at, tombstoned_at
		FROM revisions
		WHERE image_id = $1 AND tombstoned_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`, imageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to get latest revision of %s: %v", apperr.ErrMetadata, imageID, err)
	}
	return rev, nil
}

func (s *Store) GetHistory(ctx context.Context, imageID string) ([]Revision, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, image_id, parent_id, op_type, op_params, op_wire, storage_path, created_at, tombstoned_at
		FROM revisions
		WHERE image_id = $1 AND tombstoned_at IS NULL
		ORDER BY created_at ASC`, imageID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get history of %s: %v", apperr.ErrMetadata, imageID, err)
	}
	defer rows.Close()

	var history []Revision
	for rows.Next() {
		rev, err := s.scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan revision: %v", apperr.ErrMetadata, err)
		}
		history = append(history, *rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to read history of %s: %v", apperr.ErrMetadata, imageID, err)
	}
	return history, nil
}

func (s *Store) TombstoneRevision(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE revisions SET tombstoned_at = clock_timestamp()
		WHERE id = $1 AND tombstoned_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("%w: failed to tombstone revision %s: %v", apperr.ErrMetadata, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: revision %s", apperr.ErrNotFound, id)
	}
	return nil
}

func (s *Store) scanRevision(row pgx.Row) (*Revision, error) {
	var rev Revision
	var opType int16
	var opParams string
	err := row.Scan(&rev.ID, &rev.ImageID, &rev.ParentID, &opType, &opParams,
		&rev.OpWire, &rev.StoragePath, &rev.CreatedAt, &rev.TombstonedAt)
	if err != nil {
		return nil, err
	}
	rev.OpType = operations.OpType(opType)
	rev.OpParams = []byte(opParams)
	return &rev, nil
}
