// Package store persists document snapshots and metadata. Every backend
// implements Store; the gateway picks one at startup.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get methods when nothing is stored for the
// document. Callers treat it as "no prior state".
var ErrNotFound = errors.New("store: not found")

type SnapshotStore interface {
	GetSnapshot(ctx context.Context, docID string) (Snapshot, error)
	// PutSnapshot replaces the stored snapshot unless the stored one is
	// newer, in which case the write is dropped without error.
	PutSnapshot(ctx context.Context, snapshot Snapshot) error
}

type MetadataStore interface {
	GetMetadata(ctx context.Context, docID string) (Metadata, error)
	PutMetadata(ctx context.Context, meta Metadata) error
}

type Store interface {
	SnapshotStore
	MetadataStore
	Ping(ctx context.Context) error
	Close() error
}
