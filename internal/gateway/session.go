// Package gateway connects editor connections to collaborative rooms. A
// Session runs the join and sync state machine for one connection; Server
// carries sessions over WebSocket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"

	"chronicle/sync/internal/collab"
	"chronicle/sync/internal/protocol"
)

type Phase int

const (
	Unjoined Phase = iota
	Joining
	Synced
	Closed
)

func (p Phase) String() string {
	switch p {
	case Unjoined:
		return "unjoined"
	case Joining:
		return "joining"
	case Synced:
		return "synced"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// joinAttempts bounds retries when a room is evicted between Acquire and
// Join.
const joinAttempts = 3

// Rooms resolves documents to resident rooms. *collab.Registry
// implements it.
type Rooms interface {
	Acquire(ctx context.Context, docID string) (*collab.Room, error)
	Release(room *collab.Room, participant *collab.Participant)
}

// Session is the per-connection record. It is driven by a single reader
// goroutine and is not safe for concurrent use.
type Session struct {
	id   string
	reg  Rooms
	sink collab.Sink

	phase       Phase
	room        *collab.Room
	participant *collab.Participant
}

func NewSession(id string, reg Rooms, sink collab.Sink) *Session {
	return &Session{id: id, reg: reg, sink: sink}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Phase() Phase { return s.phase }

// DocID returns the joined document, or "" when not joined.
func (s *Session) DocID() string {
	if s.room == nil {
		return ""
	}
	return s.room.ID()
}

// Handle processes one inbound message. Failures are reported to the
// connection as error messages; the session stays open.
func (s *Session) Handle(ctx context.Context, msg protocol.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("sync: panic handling %s from %s doc=%s: %v\n%s", msg.Kind, s.id, s.DocID(), rec, debug.Stack())
			s.fail(msg.DocID, protocol.CodeServerError, "internal error")
		}
	}()

	if s.phase == Closed {
		return
	}
	switch msg.Kind {
	case protocol.KindJoin:
		s.join(ctx, msg)
	case protocol.KindSyncStep2, protocol.KindUpdate, protocol.KindPresence:
		if s.phase != Synced {
			s.fail(msg.DocID, protocol.CodeNotJoined, "join a document first")
			return
		}
		if msg.DocID != "" && msg.DocID != s.room.ID() {
			log.Printf("sync: %s sent %s for %s while joined to %s, ignored", s.id, msg.Kind, msg.DocID, s.room.ID())
			return
		}
		s.dispatch(msg)
	default:
		s.fail(msg.DocID, protocol.CodeInvalidMessage, fmt.Sprintf("unsupported message kind %q", msg.Kind))
	}
}

// Close leaves the joined room, if any. Further messages are ignored.
func (s *Session) Close() {
	if s.phase == Closed {
		return
	}
	s.leave()
	s.phase = Closed
}

func (s *Session) join(ctx context.Context, msg protocol.Message) {
	if msg.DocID == "" || msg.Username == "" || msg.Color == "" {
		log.Printf("sync: rejected join from %s: docId, username and color are required", s.id)
		s.fail(msg.DocID, protocol.CodeInvalidJoin, "join requires docId, username and color")
		return
	}
	// Joining the same document again replaces the registration in place;
	// a different document is left first.
	if s.room != nil && s.room.ID() != msg.DocID {
		s.leave()
	}
	s.phase = Joining

	participant := collab.NewParticipant(s.id, msg.Username, msg.Color, s.sink)
	room, err := s.enter(ctx, msg.DocID, participant)
	if err != nil {
		log.Printf("sync: %s could not join %s: %v", s.id, msg.DocID, err)
		s.leave()
		s.phase = Unjoined
		s.fail(msg.DocID, protocol.CodeLoadFailed, "could not open document")
		return
	}
	if s.room != nil && s.room != room {
		s.reg.Release(s.room, s.participant)
	}
	s.room, s.participant = room, participant
	s.phase = Synced
}

func (s *Session) enter(ctx context.Context, docID string, participant *collab.Participant) (*collab.Room, error) {
	var err error
	for attempt := 0; attempt < joinAttempts; attempt++ {
		var room *collab.Room
		room, err = s.reg.Acquire(ctx, docID)
		if err != nil {
			return nil, err
		}
		err = room.Join(participant)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, collab.ErrRoomEvicted) {
			return nil, err
		}
	}
	return nil, err
}

func (s *Session) dispatch(msg protocol.Message) {
	var err error
	switch msg.Kind {
	case protocol.KindSyncStep2:
		err = s.room.SyncStep2(s.participant, msg.Vector)
		if err != nil && !roomGone(err) {
			log.Printf("sync: bad state vector from %s doc=%s: %v", s.id, s.room.ID(), err)
			s.fail(s.room.ID(), protocol.CodeInvalidMessage, "state vector could not be decoded")
			return
		}
	case protocol.KindUpdate:
		if len(msg.Update) == 0 {
			s.fail(s.room.ID(), protocol.CodeInvalidMessage, "update is empty")
			return
		}
		err = s.room.ApplyUpdate(s.participant, msg.Update)
		if err != nil && !roomGone(err) {
			log.Printf("sync: rejected update from %s doc=%s: %v", s.id, s.room.ID(), err)
			s.fail(s.room.ID(), protocol.CodeApplyFailed, "update could not be applied")
			return
		}
	case protocol.KindPresence:
		err = s.room.ApplyPresence(s.participant, msg.Entries)
		if errors.Is(err, collab.ErrPresenceNotOwned) {
			log.Printf("sync: %s doc=%s: %v", s.id, s.room.ID(), err)
			s.fail(s.room.ID(), protocol.CodeInvalidMessage, "presence entry belongs to another connection")
			return
		}
	}
	if roomGone(err) {
		docID := s.room.ID()
		s.room, s.participant = nil, nil
		s.phase = Unjoined
		s.fail(docID, protocol.CodeNotJoined, "document closed, join again")
	}
}

func (s *Session) leave() {
	if s.room == nil {
		return
	}
	s.reg.Release(s.room, s.participant)
	s.room, s.participant = nil, nil
}

func (s *Session) fail(docID, code, message string) {
	s.sink.Send(protocol.Fail(docID, code, message))
}

func roomGone(err error) bool {
	return errors.Is(err, collab.ErrRoomEvicted) || errors.Is(err, collab.ErrNotJoined)
}
