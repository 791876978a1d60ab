package collab

import (
	"fmt"
	"sync"
	"time"

	"chronicle/sync/internal/clock"
	"chronicle/sync/internal/protocol"
	"chronicle/sync/internal/ydoc"
)

// Sink delivers messages to one connection. Send must not block; a
// connection that cannot keep up is expected to drop itself.
type Sink interface {
	Send(msg protocol.Message)
}

// Participant is one live connection registered in a room.
type Participant struct {
	ConnID   string
	Username string
	Color    string
	sink     Sink
}

func NewParticipant(connID, username, color string, sink Sink) *Participant {
	return &Participant{ConnID: connID, Username: username, Color: color, sink: sink}
}

func (p *Participant) announce(kind protocol.Kind, docID string) protocol.Message {
	return protocol.Message{
		Kind:         kind,
		DocID:        docID,
		Username:     p.Username,
		Color:        p.Color,
		ConnectionID: p.ConnID,
	}
}

// State is the lifecycle state of a room.
type State int

const (
	Active State = iota
	Draining
	Evicted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Evicted:
		return "evicted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Room is the resident state of one document.
type Room struct {
	id  string
	reg *Registry

	// saveMu orders snapshot writes. Taken before mu.
	saveMu sync.Mutex

	mu           sync.Mutex
	doc          ydoc.Document
	participants map[string]*Participant
	presence     map[uint64]presenceEntry
	state        State

	evictTimer *clock.Timer
	evictEpoch uint64

	saveTimer   *clock.Timer
	saveEpoch   uint64
	dirty       bool
	lastSavedAt time.Time
}

func newRoom(reg *Registry, id string, doc ydoc.Document, savedAt time.Time) *Room {
	r := &Room{
		id:           id,
		reg:          reg,
		doc:          doc,
		participants: make(map[string]*Participant),
		presence:     make(map[uint64]presenceEntry),
		lastSavedAt:  savedAt,
	}
	r.mu.Lock()
	r.drainLocked()
	r.mu.Unlock()
	return r
}

func (r *Room) ID() string { return r.id }

func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Room) Participants() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// Dirty reports whether the room holds edits not yet written to the store.
func (r *Room) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// View calls fn with the document while holding the room lock. fn must not
// retain the document or call back into the room.
func (r *Room) View(fn func(doc ydoc.Document)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Evicted {
		return ErrRoomEvicted
	}
	fn(r.doc)
	return nil
}

// Join registers p, replacing any participant with the same connection id,
// and cancels a pending eviction. In one critical section it sends p the
// document's state vector and the presence table, then announces p to the
// others. A replaced registration is announced again only when its
// username or color changed.
func (r *Room) Join(p *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Evicted {
		return ErrRoomEvicted
	}
	prev, replaced := r.participants[p.ConnID]
	r.participants[p.ConnID] = p
	r.activateLocked()

	p.sink.Send(protocol.Message{
		Kind:   protocol.KindSyncStep1,
		DocID:  r.id,
		Vector: r.doc.EncodeStateVector(),
	})
	if entries := r.presenceTableLocked(); len(entries) > 0 {
		p.sink.Send(protocol.Message{Kind: protocol.KindPresence, DocID: r.id, Entries: entries})
	}
	if !replaced || prev.Username != p.Username || prev.Color != p.Color {
		r.broadcastLocked(p, p.announce(protocol.KindParticipantJoined, r.id))
	}
	return nil
}

// SyncStep2 answers a peer's state vector with everything the room holds
// that the vector does not cover. The reply goes to p only.
func (r *Room) SyncStep2(p *Participant, vector []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMemberLocked(p); err != nil {
		return err
	}
	update, err := r.doc.EncodeStateAsUpdate(vector)
	if err != nil {
		return fmt.Errorf("encode missing update: %w", err)
	}
	p.sink.Send(protocol.Message{Kind: protocol.KindSyncUpdate, DocID: r.id, Update: update})
	return nil
}

// ApplyUpdate merges update into the document, relays the bytes unchanged
// to every other participant and schedules a save. A rejected update
// leaves the document and the participants untouched.
func (r *Room) ApplyUpdate(p *Participant, update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMemberLocked(p); err != nil {
		return err
	}
	if err := r.doc.ApplyUpdate(update); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	r.broadcastLocked(p, protocol.Message{Kind: protocol.KindUpdate, DocID: r.id, Update: update})
	r.dirty = true
	r.scheduleSaveLocked()
	return nil
}

func (r *Room) leave(p *Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Evicted || r.participants[p.ConnID] != p {
		return
	}
	delete(r.participants, p.ConnID)
	if removed := r.clearPresenceLocked(p.ConnID); len(removed) > 0 {
		r.broadcastLocked(nil, protocol.Message{Kind: protocol.KindPresence, DocID: r.id, Entries: removed})
	}
	r.broadcastLocked(nil, p.announce(protocol.KindParticipantLeft, r.id))
	if len(r.participants) == 0 {
		r.drainLocked()
	}
}

func (r *Room) checkMemberLocked(p *Participant) error {
	if r.state == Evicted {
		return ErrRoomEvicted
	}
	if r.participants[p.ConnID] != p {
		return ErrNotJoined
	}
	return nil
}

// broadcastLocked sends msg to every participant except skip.
func (r *Room) broadcastLocked(skip *Participant, msg protocol.Message) {
	for id, p := range r.participants {
		if skip != nil && id == skip.ConnID {
			continue
		}
		p.sink.Send(msg)
	}
}
