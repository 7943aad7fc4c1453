package engine

import (
	"time"

	"go.uber.org/zap"
)

// CacheSweeper periodically removes expired effective-permission entries.
type CacheSweeper struct {
	resolver *PermissionResolver
	interval time.Duration
	logger   *zap.Logger
	ticker   *time.Ticker
	done     chan struct{}
}

func NewCacheSweeper(resolver *PermissionResolver, interval time.Duration, logger *zap.Logger) *CacheSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheSweeper{resolver: resolver, interval: interval, logger: logger}
}

// Start begins the background ticker.
func (cs *CacheSweeper) Start() {
	cs.ticker = time.NewTicker(cs.interval)
	cs.done = make(chan struct{})
	go cs.run()
	cs.logger.Info("permission cache sweeper started", zap.Duration("interval", cs.interval))
}

// Stop halts the background ticker.
func (cs *CacheSweeper) Stop() {
	if cs.ticker != nil {
		cs.ticker.Stop()
	}
	if cs.done != nil {
		close(cs.done)
	}
}

func (cs *CacheSweeper) run() {
	for {
		select {
		case <-cs.done:
			return
		case <-cs.ticker.C:
			if n := cs.resolver.Sweep(); n > 0 {
				cs.logger.Debug("swept expired permission cache entries",
					zap.Int("removed", n), zap.Int("remaining", cs.resolver.Len()))
			}
		}
	}
}
