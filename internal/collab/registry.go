// Package collab holds the in-memory state of collaborative editing rooms:
// the registry that creates and evicts them, the participant and presence
// tables, and the timers that persist and reclaim them.
//
// Every room is guarded by its own mutex. Work on one room is serialized;
// rooms never share locks, so different documents proceed in parallel.
// Where both are needed, a room's save mutex is taken before its state
// mutex.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"chronicle/sync/internal/clock"
	"chronicle/sync/internal/snapshot"
	"chronicle/sync/internal/store"
	"chronicle/sync/internal/ydoc"
)

var (
	// ErrRoomEvicted is returned by room operations after the room left the
	// registry. Callers acquire the document again.
	ErrRoomEvicted = errors.New("collab: room evicted")
	// ErrNotJoined is returned when a participant acts on a room it is not
	// registered in.
	ErrNotJoined      = errors.New("collab: participant not joined")
	ErrRegistryClosed = errors.New("collab: registry closed")
)

const (
	DefaultSaveDebounce  = time.Second
	DefaultEvictionGrace = 60 * time.Second

	loadTimeout    = 10 * time.Second
	persistTimeout = 10 * time.Second
)

// Store is the persistence the registry needs.
type Store interface {
	store.SnapshotStore
	store.MetadataStore
}

type Options struct {
	// SaveDebounce is the quiet period before an edited room is saved.
	SaveDebounce time.Duration
	// EvictionGrace is how long an empty room stays resident.
	EvictionGrace time.Duration
	Compression   snapshot.Compression
	// PresenceOwnerOnly rejects presence entries for replica ids currently
	// owned by another live connection in the room.
	PresenceOwnerOnly bool
	Clock             clock.Clock
	NewDocument       func() ydoc.Document
}

// Registry maps document ids to resident rooms.
type Registry struct {
	store       Store
	clock       clock.Clock
	codec       *snapshot.Codec
	newDocument func() ydoc.Document
	debounce    time.Duration
	grace       time.Duration
	ownerOnly   bool

	loads singleflight.Group

	mu     sync.RWMutex
	rooms  map[string]*Room
	closed bool
}

func NewRegistry(st Store, opts Options) *Registry {
	if opts.SaveDebounce <= 0 {
		opts.SaveDebounce = DefaultSaveDebounce
	}
	if opts.EvictionGrace <= 0 {
		opts.EvictionGrace = DefaultEvictionGrace
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.NewDocument == nil {
		opts.NewDocument = func() ydoc.Document { return ydoc.New() }
	}
	return &Registry{
		store:       st,
		clock:       opts.Clock,
		codec:       snapshot.NewCodec(opts.Compression),
		newDocument: opts.NewDocument,
		debounce:    opts.SaveDebounce,
		grace:       opts.EvictionGrace,
		ownerOnly:   opts.PresenceOwnerOnly,
		rooms:       make(map[string]*Room),
	}
}

// Acquire returns the resident room for docID, loading it from the store
// when absent. Concurrent calls for the same document share one load. A
// freshly loaded room has no participants and drains until joined.
func (reg *Registry) Acquire(ctx context.Context, docID string) (*Room, error) {
	if room, err := reg.lookup(docID); room != nil || err != nil {
		return room, err
	}
	v, err, _ := reg.loads.Do(docID, func() (any, error) {
		if room, err := reg.lookup(docID); room != nil || err != nil {
			return room, err
		}
		// The load is shared, so one caller going away must not fail the rest.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		room, err := reg.load(loadCtx, docID)
		if err != nil {
			return nil, err
		}
		reg.mu.Lock()
		defer reg.mu.Unlock()
		if reg.closed {
			return nil, ErrRegistryClosed
		}
		reg.rooms[docID] = room
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

// Release removes participant from room. An emptied room starts draining;
// it is never removed here.
func (reg *Registry) Release(room *Room, participant *Participant) {
	room.leave(participant)
}

// Resident returns the room for docID without loading it.
func (reg *Registry) Resident(docID string) (*Room, bool) {
	room, err := reg.lookup(docID)
	return room, err == nil && room != nil
}

// Len returns the number of resident rooms.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// Close stops every timer and saves every room with unsaved edits. Rooms
// are unusable afterwards.
func (reg *Registry) Close(ctx context.Context) error {
	reg.mu.Lock()
	reg.closed = true
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.rooms = make(map[string]*Room)
	reg.mu.Unlock()

	var errs []error
	for _, room := range rooms {
		if err := room.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (reg *Registry) lookup(docID string) (*Room, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if reg.closed {
		return nil, ErrRegistryClosed
	}
	return reg.rooms[docID], nil
}

func (reg *Registry) load(ctx context.Context, docID string) (*Room, error) {
	doc := reg.newDocument()
	var savedAt time.Time
	snap, err := reg.store.GetSnapshot(ctx, docID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load snapshot %s: %w", docID, err)
	}
	if err == nil {
		state, at, err := reg.codec.Decode(snap.Data)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", docID, err)
		}
		if err := doc.ApplyUpdate(state); err != nil {
			return nil, fmt.Errorf("apply snapshot %s: %w", docID, err)
		}
		savedAt = at
		if snap.SavedAt.After(savedAt) {
			savedAt = snap.SavedAt
		}
	}
	reg.ensureMetadata(ctx, docID)
	return newRoom(reg, docID, doc, savedAt), nil
}

func (reg *Registry) ensureMetadata(ctx context.Context, docID string) {
	_, err := reg.store.GetMetadata(ctx, docID)
	if err == nil {
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		log.Printf("collab: read metadata for %s: %v", docID, err)
		return
	}
	now := reg.clock.Now().UTC()
	if err := reg.store.PutMetadata(ctx, store.Metadata{DocID: docID, CreatedAt: now, UpdatedAt: now}); err != nil {
		log.Printf("collab: create metadata for %s: %v", docID, err)
	}
}

// remove drops docID only while it still maps to room.
func (reg *Registry) remove(docID string, room *Room) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.rooms[docID] == room {
		delete(reg.rooms, docID)
	}
}

// persist writes state as the snapshot of docID and refreshes its metadata.
// Metadata failures are logged only.
func (reg *Registry) persist(ctx context.Context, docID string, state []byte, savedAt time.Time) error {
	blob, err := reg.codec.Encode(state, savedAt)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", docID, err)
	}
	if err := reg.store.PutSnapshot(ctx, store.Snapshot{DocID: docID, Data: blob, SavedAt: savedAt}); err != nil {
		return fmt.Errorf("put snapshot %s: %w", docID, err)
	}

	meta, err := reg.store.GetMetadata(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		meta = store.Metadata{DocID: docID, CreatedAt: savedAt}
	} else if err != nil {
		log.Printf("collab: read metadata for %s: %v", docID, err)
		return nil
	}
	meta.UpdatedAt = savedAt
	meta.SavedAt = savedAt
	meta.SnapshotBytes = len(blob)
	if err := reg.store.PutMetadata(ctx, meta); err != nil {
		log.Printf("collab: update metadata for %s: %v", docID, err)
	}
	return nil
}
