package main

import (
	"context"
	"time"

	"papertrade/internal/ledger"
	"papertrade/internal/persistence"
	"papertrade/internal/snapshot"
	"papertrade/internal/trader"

	"go.uber.org/zap"
)

const persistTimeout = 5 * time.Second

// persister moves ledger and engine changes to the database and the snapshot
// file off the tick path. Snapshot writes are coalesced.
type persister struct {
	eng    *trader.Engine
	lg     *ledger.Ledger
	store  *persistence.Store
	snaps  *snapshot.Store
	logger *zap.Logger

	metrics chan ledger.StrategyMetric
	dirty   chan struct{}
}

func newPersister(eng *trader.Engine, lg *ledger.Ledger, store *persistence.Store, snaps *snapshot.Store, logger *zap.Logger) *persister {
	return &persister{
		eng:     eng,
		lg:      lg,
		store:   store,
		snaps:   snaps,
		logger:  logger,
		metrics: make(chan ledger.StrategyMetric, 256),
		dirty:   make(chan struct{}, 1),
	}
}

func (p *persister) metricChanged(m ledger.StrategyMetric) {
	select {
	case p.metrics <- m:
	default:
		// the snapshot still carries it
		p.logger.Warn("Metric queue full, skipping database write", zap.String("bucket", m.Key()))
	}
	p.markDirty()
}

func (p *persister) markDirty() {
	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

func (p *persister) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-p.metrics:
			p.saveMetric(ctx, m)
		case <-p.dirty:
			p.saveSnapshot()
		}
	}
}

// flush writes whatever is still queued.
func (p *persister) flush(ctx context.Context) {
	for {
		select {
		case m := <-p.metrics:
			p.saveMetric(ctx, m)
		default:
			p.saveSnapshot()
			return
		}
	}
}

func (p *persister) saveMetric(ctx context.Context, m ledger.StrategyMetric) {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := p.store.SaveMetric(ctx, m); err != nil {
		p.logger.Warn("Failed to persist metric", zap.Error(err))
	}
}

func (p *persister) saveSnapshot() {
	cfg := p.eng.Config()
	if err := p.snaps.Save(snapshot.Snapshot{Engine: &cfg, Metrics: p.lg.Metrics()}); err != nil {
		p.logger.Warn("Failed to save snapshot", zap.Error(err))
	}
}
