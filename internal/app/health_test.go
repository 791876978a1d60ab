package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chronicle/sync/internal/clock"
	"chronicle/sync/internal/collab"
	"chronicle/sync/internal/protocol"
	"chronicle/sync/internal/store"
	"chronicle/sync/internal/ydoc"
)

// fakeStoreForHealth is a memory store with an overridable ping.
type fakeStoreForHealth struct {
	*store.MemoryStore
	pingFn func(context.Context) error
}

func (f *fakeStoreForHealth) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeGateway struct {
	connections int
}

func (f fakeGateway) Connections() int { return f.connections }

type nopSink struct{}

func (nopSink) Send(protocol.Message) {}

func newTestServer(fs *fakeStoreForHealth) (*HTTPServer, *collab.Registry) {
	if fs.MemoryStore == nil {
		fs.MemoryStore = store.NewMemoryStore()
	}
	reg := collab.NewRegistry(fs, collab.Options{Clock: clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))})
	svc := New(fs, reg, fakeGateway{connections: 3})
	sync := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	return NewHTTPServer(svc, sync, "*"), reg
}

func serve(t *testing.T, server *HTTPServer, method, path string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	response := map[string]any{"_status": float64(rr.Code)}
	if rr.Body.Len() == 0 {
		return response
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	response["_status"] = float64(rr.Code)
	return response
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(&fakeStoreForHealth{})
	response := serve(t, server, http.MethodGet, "/api/health")

	if response["_status"] != float64(http.StatusOK) {
		t.Errorf("expected status 200, got %v", response["_status"])
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	server, _ := newTestServer(&fakeStoreForHealth{
		pingFn: func(context.Context) error {
			return nil
		},
	})
	response := serve(t, server, http.MethodGet, "/api/ready")

	if response["_status"] != float64(http.StatusOK) {
		t.Errorf("expected status 200, got %v", response["_status"])
	}
	if status, exists := response["status"]; !exists || status != "ready" {
		t.Errorf("expected status=ready, got %v", status)
	}
	checks, exists := response["checks"].(map[string]any)
	if !exists {
		t.Fatalf("expected checks object, got %v", response["checks"])
	}
	storeCheck, exists := checks["store"].(map[string]any)
	if !exists {
		t.Fatalf("expected store check, got %v", checks["store"])
	}
	if status := storeCheck["status"]; status != "ok" {
		t.Errorf("expected store status=ok, got %v", status)
	}
	stats, exists := response["stats"].(map[string]any)
	if !exists {
		t.Fatalf("expected stats object, got %v", response["stats"])
	}
	if stats["connections"] != float64(3) || stats["rooms"] != float64(0) {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestReadyEndpoint_StoreFailure(t *testing.T) {
	server, _ := newTestServer(&fakeStoreForHealth{
		pingFn: func(context.Context) error {
			return errors.New("connection refused")
		},
	})
	response := serve(t, server, http.MethodGet, "/api/ready")

	if response["_status"] != float64(http.StatusServiceUnavailable) {
		t.Errorf("expected status 503, got %v", response["_status"])
	}
	if ok := response["ok"]; ok != false {
		t.Errorf("expected ok=false, got %v", ok)
	}
	checks, _ := response["checks"].(map[string]any)
	storeCheck, _ := checks["store"].(map[string]any)
	if storeCheck["error"] != "connection refused" {
		t.Errorf("expected error message, got %v", storeCheck["error"])
	}
}

func TestRoomEndpoints(t *testing.T) {
	server, reg := newTestServer(&fakeStoreForHealth{})

	response := serve(t, server, http.MethodGet, "/api/rooms/plan")
	if response["_status"] != float64(http.StatusNotFound) || response["code"] != "ROOM_NOT_RESIDENT" {
		t.Fatalf("status of a closed room = %v", response)
	}

	room, err := reg.Acquire(context.Background(), "plan")
	if err != nil {
		t.Fatal(err)
	}
	p := collab.NewParticipant("c1", "ana", "#fff", nopSink{})
	if err := room.Join(p); err != nil {
		t.Fatal(err)
	}
	if err := room.ApplyUpdate(p, ydoc.NewWithClient(1).Set("k", []byte("v"))); err != nil {
		t.Fatal(err)
	}

	response = serve(t, server, http.MethodGet, "/api/rooms/plan")
	if response["state"] != "active" || response["participants"] != float64(1) || response["dirty"] != true {
		t.Fatalf("room status = %v", response)
	}

	response = serve(t, server, http.MethodPost, "/api/rooms/plan/save")
	if response["_status"] != float64(http.StatusOK) || response["dirty"] != false {
		t.Fatalf("save response = %v", response)
	}
	meta, ok := response["metadata"].(map[string]any)
	if !ok || meta["snapshotBytes"].(float64) <= 0 {
		t.Fatalf("metadata after save = %v", response["metadata"])
	}
}

func TestSyncRouteDelegates(t *testing.T) {
	server, _ := newTestServer(&fakeStoreForHealth{})
	response := serve(t, server, http.MethodGet, "/sync?codec=json")
	if response["_status"] != float64(http.StatusTeapot) {
		t.Fatalf("expected the sync handler to answer, got %v", response["_status"])
	}
	response = serve(t, server, http.MethodPost, "/sync")
	if response["_status"] != float64(http.StatusMethodNotAllowed) {
		t.Fatalf("expected 405 for POST /sync, got %v", response["_status"])
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(&fakeStoreForHealth{})
	response := serve(t, server, http.MethodGet, "/api/documents")
	if response["_status"] != float64(http.StatusNotFound) || response["code"] != "NOT_FOUND" {
		t.Fatalf("unexpected response %v", response)
	}
}
