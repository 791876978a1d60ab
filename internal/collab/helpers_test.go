package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"chronicle/sync/internal/clock"
	"chronicle/sync/internal/protocol"
	"chronicle/sync/internal/store"
)

var epoch = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

// fakeStore is a MemoryStore whose snapshot calls can be overridden and
// whose snapshot writes are recorded.
type fakeStore struct {
	*store.MemoryStore

	getSnapshotFn func(context.Context, string) (store.Snapshot, error)
	putSnapshotFn func(context.Context, store.Snapshot) error

	mu   sync.Mutex
	puts []store.Snapshot
}

func newFakeStore() *fakeStore {
	return &fakeStore{MemoryStore: store.NewMemoryStore()}
}

func (f *fakeStore) GetSnapshot(ctx context.Context, docID string) (store.Snapshot, error) {
	if f.getSnapshotFn != nil {
		return f.getSnapshotFn(ctx, docID)
	}
	return f.MemoryStore.GetSnapshot(ctx, docID)
}

func (f *fakeStore) PutSnapshot(ctx context.Context, snap store.Snapshot) error {
	f.mu.Lock()
	f.puts = append(f.puts, snap)
	f.mu.Unlock()
	if f.putSnapshotFn != nil {
		return f.putSnapshotFn(ctx, snap)
	}
	return f.MemoryStore.PutSnapshot(ctx, snap)
}

func (f *fakeStore) writes() []store.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Snapshot(nil), f.puts...)
}

// recorder is a Sink that keeps every message.
type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) Send(msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) messages() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.msgs...)
}

func (r *recorder) ofKind(kind protocol.Kind) []protocol.Message {
	var out []protocol.Message
	for _, msg := range r.messages() {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}

type fixture struct {
	clock *clock.FakeClock
	store *fakeStore
	reg   *Registry
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	fc := clock.Fake(epoch)
	st := newFakeStore()
	opts.Clock = fc
	return &fixture{clock: fc, store: st, reg: NewRegistry(st, opts)}
}

func (f *fixture) acquire(t *testing.T, docID string) *Room {
	t.Helper()
	room, err := f.reg.Acquire(context.Background(), docID)
	if err != nil {
		t.Fatalf("Acquire(%q): %v", docID, err)
	}
	return room
}

func (f *fixture) join(t *testing.T, room *Room, connID string) (*Participant, *recorder) {
	t.Helper()
	sink := &recorder{}
	p := NewParticipant(connID, "user-"+connID, "#123456", sink)
	if err := room.Join(p); err != nil {
		t.Fatalf("Join(%s): %v", connID, err)
	}
	return p, sink
}
