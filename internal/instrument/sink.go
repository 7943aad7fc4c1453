package instrument

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"dataguard/internal/store"
)

var eventColumns = []string{"id", "trace_id", "span_id", "parent_span_id", "event_type", "source", "component", "action", "resource", "user_id", "duration_ms", "status", "metadata"}

// SQLSink batch-inserts events into the _access_events table.
type SQLSink struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewSQLSink(db *sql.DB, dialect store.Dialect) *SQLSink {
	return &SQLSink{db: db, dialect: dialect}
}

func (s *SQLSink) Name() string { return "sql" }

func (s *SQLSink) Write(ctx context.Context, batch []Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if syncOff := s.dialect.SyncCommitOff(); syncOff != "" {
		if _, err := tx.ExecContext(ctx, syncOff); err != nil {
			return fmt.Errorf("set sync commit: %w", err)
		}
	}

	pb := s.dialect.NewParamBuilder()
	placeholders := make([]string, 0, len(batch))
	for _, e := range batch {
		var metaJSON any
		if e.Metadata != nil {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata of event %s: %w", e.ID, err)
			}
			metaJSON = string(b)
		}
		values := []any{e.ID, e.TraceID, e.SpanID, e.ParentSpanID, e.EventType, e.Source, e.Component, e.Action, e.Resource, e.UserID, e.DurationMs, e.Status, metaJSON}
		ph := make([]string, len(values))
		for j, v := range values {
			ph[j] = pb.Add(v)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")
	}

	sqlStr := fmt.Sprintf("INSERT INTO _access_events (%s) VALUES %s", strings.Join(eventColumns, ","), strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return tx.Commit()
}

// RedisSink publishes access events as JSON on a pub/sub channel so that
// notification services can react to denials without polling the table.
// Span events are not published.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, batch []Event) error {
	pipe := s.client.Pipeline()
	n := 0
	for _, e := range batch {
		if e.EventType != EventTypeAccess {
			continue
		}
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		pipe.Publish(ctx, s.channel, b)
		n++
	}
	if n == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %d events to %s: %w", n, s.channel, err)
	}
	return nil
}

// MemorySink keeps flushed events in memory. Used in tests and when no
// database sink is configured.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(ctx context.Context, batch []Event) error {
	s.mu.Lock()
	s.events = append(s.events, batch...)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of everything written so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}
