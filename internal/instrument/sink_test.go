package instrument

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"dataguard/internal/config"
	"dataguard/internal/store"
)

func newEventStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "events"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx, zap.NewNop()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

func accessEvent(id, trace, resource, user, status string) Event {
	return Event{
		ID:        id,
		TraceID:   trace,
		SpanID:    id + "-span",
		EventType: EventTypeAccess,
		Source:    "engine",
		Component: "access",
		Action:    "check",
		Resource:  strPtr(resource),
		UserID:    strPtr(user),
		Status:    strPtr(status),
		Metadata:  map[string]any{"permission": resource + ":read"},
	}
}

func getJSON(t *testing.T, app *fiber.App, path string) (int, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest("GET", path, nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("failed to parse %q: %v", raw, err)
	}
	return resp.StatusCode, out
}

func TestSQLSink_AndEventHandler(t *testing.T) {
	s := newEventStore(t)
	sink := NewSQLSink(s.DB, s.Dialect)

	batch := []Event{
		accessEvent("e1", "t1", "report", "alice", "granted"),
		accessEvent("e2", "t1", "report", "alice", "denied"),
		accessEvent("e3", "t2", "user", "bob", "denied"),
		{ID: "e4", TraceID: "t1", SpanID: "root", EventType: EventTypeSystem, Source: "http", Component: "handler", Action: "request"},
	}
	if err := sink.Write(context.Background(), batch); err != nil {
		t.Fatalf("write: %v", err)
	}

	h := NewEventHandler(s.DB, s.Dialect)
	app := fiber.New()
	app.Get("/events", h.List)
	app.Get("/events/stats", h.GetStats)
	app.Get("/events/trace/:traceId", h.GetTrace)

	status, body := getJSON(t, app, "/events?event_type=access&user_id=alice")
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	if total := body["pagination"].(map[string]any)["total"]; total != float64(2) {
		t.Fatalf("expected 2 events for alice, got %v", total)
	}

	status, body = getJSON(t, app, "/events/stats")
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	data := body["data"].(map[string]any)
	if data["total_decisions"] != float64(3) || data["denied"] != float64(2) {
		t.Fatalf("unexpected stats %v", data)
	}

	status, body = getJSON(t, app, "/events/trace/t1")
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	trace := body["data"].(map[string]any)
	if len(trace["spans"].([]any)) != 3 {
		t.Fatalf("expected 3 events in trace t1, got %v", trace["spans"])
	}

	status, _ = getJSON(t, app, "/events/trace/missing")
	if status != 404 {
		t.Fatalf("expected 404 for an unknown trace, got %d", status)
	}
}

func TestCleanupOldEvents(t *testing.T) {
	s := newEventStore(t)
	ctx := context.Background()

	if err := NewSQLSink(s.DB, s.Dialect).Write(ctx, []Event{accessEvent("fresh", "t", "report", "alice", "granted")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO _access_events (id, trace_id, span_id, event_type, source, component, action, created_at)
		 VALUES ('old', 't', 's', 'access', 'engine', 'access', 'check', datetime('now', '-90 days'))`)
	if err != nil {
		t.Fatalf("insert old event: %v", err)
	}

	n, err := CleanupOldEvents(ctx, s.DB, s.Dialect, 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted event, got %d", n)
	}

	var remaining int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _access_events").Scan(&remaining); err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected the fresh event to remain, got %d", remaining)
	}
}
