package collab

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"chronicle/sync/internal/snapshot"
	"chronicle/sync/internal/store"
	"chronicle/sync/internal/ydoc"
)

func TestAcquireSharesConcurrentLoads(t *testing.T) {
	f := newFixture(t, Options{})
	gate := make(chan struct{})
	var loads atomic.Int32
	f.store.getSnapshotFn = func(context.Context, string) (store.Snapshot, error) {
		loads.Add(1)
		<-gate
		return store.Snapshot{}, store.ErrNotFound
	}

	const callers = 8
	rooms := make([]*Room, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rooms[i], errs[i] = f.reg.Acquire(context.Background(), "doc")
		}(i)
	}
	close(gate)
	wg.Wait()

	for i := range rooms {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if rooms[i] != rooms[0] {
			t.Fatalf("caller %d got a different room", i)
		}
	}
	if n := loads.Load(); n != 1 {
		t.Fatalf("snapshot loaded %d times, want 1", n)
	}
	if f.reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", f.reg.Len())
	}
}

func TestAcquireWithoutSnapshotIsEmpty(t *testing.T) {
	f := newFixture(t, Options{})
	room := f.acquire(t, "fresh")

	var vector []byte
	if err := room.View(func(doc ydoc.Document) { vector = doc.EncodeStateVector() }); err != nil {
		t.Fatal(err)
	}
	if want := ydoc.New().EncodeStateVector(); !bytes.Equal(vector, want) {
		t.Fatalf("vector = %x, want empty vector %x", vector, want)
	}
	if room.State() != Draining {
		t.Fatalf("unjoined room state = %s, want draining", room.State())
	}

	meta, err := f.store.GetMetadata(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("metadata not created: %v", err)
	}
	if !meta.CreatedAt.Equal(epoch) {
		t.Fatalf("CreatedAt = %v, want %v", meta.CreatedAt, epoch)
	}
}

func TestAcquireAppliesStoredSnapshot(t *testing.T) {
	source := ydoc.NewWithClient(7)
	source.Set("title", []byte("Quarterly plan"))
	source.Set("body", []byte("draft"))
	state, err := source.EncodeStateAsUpdate(nil)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := snapshot.NewCodec(snapshot.Zstd).Encode(state, epoch)
	if err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, Options{})
	if err := f.store.PutSnapshot(context.Background(), store.Snapshot{DocID: "plan", Data: blob, SavedAt: epoch}); err != nil {
		t.Fatal(err)
	}
	room := f.acquire(t, "plan")

	var (
		loaded []byte
		encErr error
	)
	if err := room.View(func(doc ydoc.Document) { loaded, encErr = doc.EncodeStateAsUpdate(nil) }); err != nil {
		t.Fatal(err)
	}
	if encErr != nil {
		t.Fatal(encErr)
	}
	if !bytes.Equal(loaded, state) {
		t.Fatal("loaded document differs from the stored snapshot")
	}
}

func TestAcquireLoadErrors(t *testing.T) {
	boom := errors.New("connection reset")
	cases := []struct {
		name string
		get  func(context.Context, string) (store.Snapshot, error)
		want error
	}{
		{
			name: "store failure",
			get: func(context.Context, string) (store.Snapshot, error) {
				return store.Snapshot{}, boom
			},
			want: boom,
		},
		{
			name: "corrupt snapshot",
			get: func(_ context.Context, docID string) (store.Snapshot, error) {
				return store.Snapshot{DocID: docID, Data: []byte("not an envelope"), SavedAt: epoch}, nil
			},
			want: snapshot.ErrCorrupt,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.store.getSnapshotFn = tc.get
			_, err := f.reg.Acquire(context.Background(), "doc")
			if !errors.Is(err, tc.want) {
				t.Fatalf("Acquire error = %v, want %v", err, tc.want)
			}
			if f.reg.Len() != 0 {
				t.Fatal("failed load left a room registered")
			}
		})
	}
}

func TestAcquireAfterClose(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.reg.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.Acquire(context.Background(), "doc"); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("Acquire after Close = %v, want ErrRegistryClosed", err)
	}
}

func TestCloseSavesDirtyRooms(t *testing.T) {
	f := newFixture(t, Options{})
	dirty := f.acquire(t, "dirty")
	clean := f.acquire(t, "clean")
	p, _ := f.join(t, dirty, "c1")
	f.join(t, clean, "c2")

	writer := ydoc.NewWithClient(1)
	if err := dirty.ApplyUpdate(p, writer.Set("k", []byte("v"))); err != nil {
		t.Fatal(err)
	}

	if err := f.reg.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	writes := f.store.writes()
	if len(writes) != 1 || writes[0].DocID != "dirty" {
		t.Fatalf("writes = %+v, want one write for the dirty room", writes)
	}
	if dirty.State() != Evicted || clean.State() != Evicted {
		t.Fatal("rooms still usable after Close")
	}
	if f.clock.PendingCount() != 0 {
		t.Fatalf("%d timers still pending after Close", f.clock.PendingCount())
	}
}
