package signals

import (
	"fmt"
	"math/rand/v2"
	"time"

	"papertrade/internal/config"
	"papertrade/internal/trader"

	"go.uber.org/zap"
)

// PriceBoard is the view of current prices a strategy scouts over.
type PriceBoard interface {
	Prices() map[string]float64
}

// StrategyContext provides the strategy with access to the core components.
type StrategyContext struct {
	Logger *zap.Logger
	Prices PriceBoard
	Now    func() time.Time
}

// Strategy defines the interface for a signal-producing strategy.
type Strategy interface {
	// Name returns the unique name of the strategy.
	Name() string

	// Initialize gives the strategy a chance to perform setup tasks.
	Initialize(ctx StrategyContext) error

	// Scout is called periodically by the Source and returns the signals
	// found in this cycle, possibly none.
	Scout(ctx StrategyContext) ([]trader.Signal, error)
}

// NewStrategy builds the strategy named in cfg.
func NewStrategy(cfg config.Signals, rng *rand.Rand) (Strategy, error) {
	switch cfg.Strategy {
	case "", "random":
		return NewRandomStrategy(cfg, rng), nil
	default:
		return nil, fmt.Errorf("unknown signal strategy %q", cfg.Strategy)
	}
}
