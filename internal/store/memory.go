package store

import (
	"context"
	"sync"
)

// MemoryStore keeps everything in process memory. It backs tests and
// single-node development runs where losing state on restart is fine.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	metadata  map[string]Metadata
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]Snapshot),
		metadata:  make(map[string]Metadata),
	}
}

func (s *MemoryStore) GetSnapshot(_ context.Context, docID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[docID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snapshot.Data = append([]byte(nil), snapshot.Data...)
	return snapshot, nil
}

func (s *MemoryStore) PutSnapshot(_ context.Context, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.snapshots[snapshot.DocID]; ok && current.SavedAt.After(snapshot.SavedAt) {
		return nil
	}
	snapshot.Data = append([]byte(nil), snapshot.Data...)
	s.snapshots[snapshot.DocID] = snapshot
	return nil
}

func (s *MemoryStore) GetMetadata(_ context.Context, docID string) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.metadata[docID]
	if !ok {
		return Metadata{}, ErrNotFound
	}
	return meta, nil
}

func (s *MemoryStore) PutMetadata(_ context.Context, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[meta.DocID] = meta
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
