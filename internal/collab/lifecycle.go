package collab

import (
	"context"
	"fmt"
	"log"
)

// drainLocked moves an empty room to Draining and arms the eviction timer.
func (r *Room) drainLocked() {
	r.state = Draining
	r.cancelEvictLocked()
	epoch := r.evictEpoch
	r.evictTimer = r.reg.clock.AfterFunc(r.reg.grace, func() { r.expire(epoch) })
}

// activateLocked cancels a pending eviction. The resident document is kept.
func (r *Room) activateLocked() {
	if r.state == Draining {
		r.cancelEvictLocked()
	}
	r.state = Active
}

func (r *Room) cancelEvictLocked() {
	r.evictTimer.Stop()
	r.evictTimer = nil
	r.evictEpoch++
}

// expire evicts the room if it is still empty and the timer that fired is
// the current one. Unsaved edits are written first with only saveMu held,
// so joins proceed during the write. A join or edit landing meanwhile
// keeps the room resident; a failed write re-arms the drain.
func (r *Room) expire(epoch uint64) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	if !r.evictableLocked(epoch) {
		r.mu.Unlock()
		return
	}
	if r.dirty {
		r.cancelSaveLocked()
		state, savedAt, err := r.captureLocked()
		r.mu.Unlock()
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			err = r.reg.persist(ctx, r.id, state, savedAt)
			cancel()
		}

		r.mu.Lock()
		if err != nil {
			log.Printf("collab: save %s before eviction: %v", r.id, err)
			r.dirty = true
			if r.evictableLocked(epoch) {
				r.drainLocked()
			}
			r.mu.Unlock()
			return
		}
		if !r.evictableLocked(epoch) || r.dirty {
			r.mu.Unlock()
			return
		}
	}
	r.reg.remove(r.id, r)
	r.discardLocked()
	r.mu.Unlock()
	log.Printf("collab: evicted room %s", r.id)
}

// evictableLocked reports whether the drain armed at epoch is still the
// current one and the room is still empty.
func (r *Room) evictableLocked(epoch uint64) bool {
	return r.state == Draining && epoch == r.evictEpoch && len(r.participants) == 0
}

// shutdown stops the room's timers and writes unsaved edits.
func (r *Room) shutdown(ctx context.Context) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	if r.state == Evicted {
		r.mu.Unlock()
		return nil
	}
	dirty := r.dirty
	r.cancelSaveLocked()
	var (
		state []byte
		err   error
	)
	savedAt := r.lastSavedAt
	if dirty {
		state, savedAt, err = r.captureLocked()
	}
	r.discardLocked()
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("shutdown %s: %w", r.id, err)
	}
	if !dirty {
		return nil
	}
	if err := r.reg.persist(ctx, r.id, state, savedAt); err != nil {
		return fmt.Errorf("shutdown %s: %w", r.id, err)
	}
	return nil
}

// discardLocked releases the document and presence table. The room is
// unusable afterwards.
func (r *Room) discardLocked() {
	r.cancelEvictLocked()
	r.cancelSaveLocked()
	r.state = Evicted
	r.doc = nil
	r.presence = nil
	r.participants = make(map[string]*Participant)
}
