package collab

import (
	"context"
	"log"
	"time"
)

// ScheduleSave arms the room's save timer, replacing a pending one, so a
// burst of edits produces a single write once the room has been quiet for
// the debounce period.
func (r *Room) ScheduleSave() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleSaveLocked()
}

func (r *Room) scheduleSaveLocked() {
	if r.state == Evicted {
		return
	}
	r.cancelSaveLocked()
	epoch := r.saveEpoch
	r.saveTimer = r.reg.clock.AfterFunc(r.reg.debounce, func() { r.flush(epoch) })
}

func (r *Room) cancelSaveLocked() {
	r.saveTimer.Stop()
	r.saveTimer = nil
	r.saveEpoch++
}

// ForceSave cancels a pending save and writes the current state now,
// whether or not it changed since the last write.
func (r *Room) ForceSave(ctx context.Context) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	if r.state == Evicted {
		r.mu.Unlock()
		return ErrRoomEvicted
	}
	r.cancelSaveLocked()
	state, savedAt, err := r.captureLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.write(ctx, state, savedAt)
}

func (r *Room) flush(epoch uint64) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	if r.state == Evicted || epoch != r.saveEpoch {
		r.mu.Unlock()
		return
	}
	r.saveTimer = nil
	state, savedAt, err := r.captureLocked()
	r.mu.Unlock()
	if err != nil {
		log.Printf("collab: save %s: %v", r.id, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.write(ctx, state, savedAt); err != nil {
		log.Printf("collab: save %s: %v", r.id, err)
	}
}

// captureLocked encodes the full document and stamps it with a save time
// later than any previous one. The room is marked clean; write marks it
// dirty again if the store rejects the snapshot.
func (r *Room) captureLocked() ([]byte, time.Time, error) {
	state, err := r.doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return nil, time.Time{}, err
	}
	savedAt := r.reg.clock.Now().UTC().Truncate(time.Millisecond)
	if !savedAt.After(r.lastSavedAt) {
		savedAt = r.lastSavedAt.Add(time.Millisecond)
	}
	r.lastSavedAt = savedAt
	r.dirty = false
	return state, savedAt, nil
}

func (r *Room) write(ctx context.Context, state []byte, savedAt time.Time) error {
	if err := r.reg.persist(ctx, r.id, state, savedAt); err != nil {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return err
	}
	return nil
}
