package app

import (
	"context"
	"errors"
	"net/http"

	"chronicle/sync/internal/collab"
	"chronicle/sync/internal/store"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type connectionCounter interface {
	Connections() int
}

// Service exposes the sync server's operational state over HTTP.
type Service struct {
	store   pinger
	meta    store.MetadataStore
	rooms   *collab.Registry
	gateway connectionCounter
}

func New(st store.Store, rooms *collab.Registry, gateway connectionCounter) *Service {
	return &Service{store: st, meta: st, rooms: rooms, gateway: gateway}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Stats() map[string]any {
	return map[string]any{
		"rooms":       s.rooms.Len(),
		"connections": s.gateway.Connections(),
	}
}

// RoomStatus describes a resident room.
func (s *Service) RoomStatus(docID string) (map[string]any, error) {
	room, ok := s.rooms.Resident(docID)
	if !ok {
		return nil, domainError(http.StatusNotFound, "ROOM_NOT_RESIDENT", "Document is not open", map[string]any{"docId": docID})
	}
	return roomPayload(room), nil
}

// SaveRoom writes a resident room's state immediately and returns the
// refreshed metadata.
func (s *Service) SaveRoom(ctx context.Context, docID string) (map[string]any, error) {
	room, ok := s.rooms.Resident(docID)
	if !ok {
		return nil, domainError(http.StatusNotFound, "ROOM_NOT_RESIDENT", "Document is not open", map[string]any{"docId": docID})
	}
	if err := room.ForceSave(ctx); err != nil {
		if errors.Is(err, collab.ErrRoomEvicted) {
			return nil, err
		}
		return nil, domainError(http.StatusBadGateway, "SAVE_FAILED", "Snapshot could not be written", map[string]any{"docId": docID})
	}
	payload := roomPayload(room)
	if meta, err := s.meta.GetMetadata(ctx, docID); err == nil {
		payload["metadata"] = meta
	}
	return payload, nil
}

func roomPayload(room *collab.Room) map[string]any {
	return map[string]any{
		"docId":        room.ID(),
		"state":        room.State().String(),
		"participants": room.Participants(),
		"dirty":        room.Dirty(),
	}
}
