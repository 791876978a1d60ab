package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore keeps snapshots and metadata in the document_snapshots
// and document_metadata tables.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, docID string) (Snapshot, error) {
	snapshot := Snapshot{DocID: docID}
	err := s.db.QueryRowContext(ctx, `SELECT data, saved_at FROM document_snapshots WHERE doc_id=$1`, docID).
		Scan(&snapshot.Data, &snapshot.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *PostgresStore) PutSnapshot(ctx context.Context, snapshot Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_snapshots (doc_id, data, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (doc_id) DO UPDATE SET data=EXCLUDED.data, saved_at=EXCLUDED.saved_at
		WHERE document_snapshots.saved_at <= EXCLUDED.saved_at
	`, snapshot.DocID, snapshot.Data, snapshot.SavedAt)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMetadata(ctx context.Context, docID string) (Metadata, error) {
	meta := Metadata{DocID: docID}
	var savedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT title, created_at, updated_at, saved_at, snapshot_bytes
		FROM document_metadata
		WHERE doc_id=$1
	`, docID).Scan(&meta.Title, &meta.CreatedAt, &meta.UpdatedAt, &savedAt, &meta.SnapshotBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, ErrNotFound
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	if savedAt.Valid {
		meta.SavedAt = savedAt.Time
	}
	return meta, nil
}

func (s *PostgresStore) PutMetadata(ctx context.Context, meta Metadata) error {
	var savedAt sql.NullTime
	if !meta.SavedAt.IsZero() {
		savedAt = sql.NullTime{Time: meta.SavedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_metadata (doc_id, title, created_at, updated_at, saved_at, snapshot_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (doc_id) DO UPDATE SET
			title=EXCLUDED.title,
			updated_at=EXCLUDED.updated_at,
			saved_at=COALESCE(EXCLUDED.saved_at, document_metadata.saved_at),
			snapshot_bytes=EXCLUDED.snapshot_bytes
	`, meta.DocID, meta.Title, meta.CreatedAt, meta.UpdatedAt, savedAt, meta.SnapshotBytes)
	if err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
