package instrument

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dataguard/internal/store"
)

// CleanupOldEvents deletes events older than retentionDays from _access_events.
func CleanupOldEvents(ctx context.Context, db *sql.DB, dialect store.Dialect, retentionDays int) (int64, error) {
	pb := dialect.NewParamBuilder()
	whereExpr := dialect.IntervalDeleteExpr("created_at", pb, fmt.Sprintf("%d", retentionDays))
	sqlStr := fmt.Sprintf("DELETE FROM _access_events WHERE %s", whereExpr)
	result, err := db.ExecContext(ctx, sqlStr, pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("event cleanup: %w", err)
	}
	return result.RowsAffected()
}

// RetentionScheduler runs CleanupOldEvents on a ticker.
type RetentionScheduler struct {
	db            *sql.DB
	dialect       store.Dialect
	retentionDays int
	logger        *zap.Logger
	ticker        *time.Ticker
	done          chan struct{}
}

func NewRetentionScheduler(db *sql.DB, dialect store.Dialect, retentionDays int, logger *zap.Logger) *RetentionScheduler {
	return &RetentionScheduler{
		db:            db,
		dialect:       dialect,
		retentionDays: retentionDays,
		logger:        logger,
		done:          make(chan struct{}),
	}
}

// Start begins the background cleanup loop. A non-positive retention disables it.
func (s *RetentionScheduler) Start(interval time.Duration) {
	if s.retentionDays <= 0 {
		return
	}
	s.ticker = time.NewTicker(interval)
	go func() {
		s.runOnce()
		for {
			select {
			case <-s.done:
				return
			case <-s.ticker.C:
				s.runOnce()
			}
		}
	}()
	s.logger.Info("event retention scheduler started",
		zap.Int("retention_days", s.retentionDays), zap.Duration("interval", interval))
}

func (s *RetentionScheduler) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.done)
	}
}

func (s *RetentionScheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := CleanupOldEvents(ctx, s.db, s.dialect, s.retentionDays)
	if err != nil {
		s.logger.Error("event cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("deleted old access events", zap.Int64("count", n))
	}
}
