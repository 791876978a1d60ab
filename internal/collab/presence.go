package collab

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"chronicle/sync/internal/protocol"
)

// ErrPresenceNotOwned is returned when owner-only presence is enabled and
// a participant names a replica id another live connection owns.
var ErrPresenceNotOwned = errors.New("collab: presence entry owned by another connection")

type presenceEntry struct {
	fields json.RawMessage
	owner  string
}

// ApplyPresence merges entries into the room's presence table, last write
// wins per replica id. An entry with null fields removes the replica. The
// sender becomes the owner of every replica it writes. Accepted entries
// are relayed to everyone but the sender.
func (r *Room) ApplyPresence(p *Participant, entries []protocol.PresenceEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMemberLocked(p); err != nil {
		return err
	}

	accepted := make([]protocol.PresenceEntry, 0, len(entries))
	rejected := 0
	for _, entry := range entries {
		current, known := r.presence[entry.ReplicaID]
		if known && r.reg.ownerOnly && current.owner != p.ConnID && r.participants[current.owner] != nil {
			rejected++
			continue
		}
		if entry.Removed() {
			if !known {
				continue
			}
			delete(r.presence, entry.ReplicaID)
			accepted = append(accepted, protocol.PresenceEntry{ReplicaID: entry.ReplicaID})
			continue
		}
		fields := bytes.Clone(entry.Fields)
		r.presence[entry.ReplicaID] = presenceEntry{fields: fields, owner: p.ConnID}
		accepted = append(accepted, protocol.PresenceEntry{ReplicaID: entry.ReplicaID, Fields: fields})
	}

	if len(accepted) > 0 {
		r.broadcastLocked(p, protocol.Message{Kind: protocol.KindPresence, DocID: r.id, Entries: accepted})
	}
	if rejected > 0 {
		return fmt.Errorf("%w: %d entries dropped", ErrPresenceNotOwned, rejected)
	}
	return nil
}

func (r *Room) presenceTableLocked() []protocol.PresenceEntry {
	entries := make([]protocol.PresenceEntry, 0, len(r.presence))
	for id, entry := range r.presence {
		entries = append(entries, protocol.PresenceEntry{ReplicaID: id, Fields: entry.fields})
	}
	sortEntries(entries)
	return entries
}

// clearPresenceLocked deletes every entry owned by connID and returns the
// removal entries to relay.
func (r *Room) clearPresenceLocked(connID string) []protocol.PresenceEntry {
	var removed []protocol.PresenceEntry
	for id, entry := range r.presence {
		if entry.owner == connID {
			delete(r.presence, id)
			removed = append(removed, protocol.PresenceEntry{ReplicaID: id})
		}
	}
	sortEntries(removed)
	return removed
}

func sortEntries(entries []protocol.PresenceEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ReplicaID < entries[j].ReplicaID })
}
