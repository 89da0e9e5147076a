package signals

import (
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"papertrade/internal/config"
	"papertrade/internal/trader"

	"go.uber.org/zap"
)

// RandomStrategy emits one signal per cycle on a randomly chosen symbol, with
// stop and target placed at fixed fractional distances from the current price.
type RandomStrategy struct {
	cfg config.Signals
	rng *rand.Rand
}

// NewRandomStrategy creates a RandomStrategy. A nil rng is seeded from the clock.
func NewRandomStrategy(cfg config.Signals, rng *rand.Rand) *RandomStrategy {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x516e))
	}
	return &RandomStrategy{cfg: cfg, rng: rng}
}

func (s *RandomStrategy) Name() string {
	return "Random"
}

func (s *RandomStrategy) Initialize(ctx StrategyContext) error {
	prices := ctx.Prices.Prices()
	if len(prices) == 0 {
		ctx.Logger.Warn("No quoted symbols. RandomStrategy will not emit signals until prices arrive.")
		return nil
	}
	ctx.Logger.Info("RandomStrategy initialized",
		zap.Int("symbols", len(prices)),
		zap.Float64("min_confidence", s.cfg.MinConfidence),
		zap.Float64("max_confidence", s.cfg.MaxConfidence))
	return nil
}

func (s *RandomStrategy) Scout(ctx StrategyContext) ([]trader.Signal, error) {
	prices := ctx.Prices.Prices()
	symbols := make([]string, 0, len(prices))
	for sym, p := range prices {
		if p > 0 {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) == 0 {
		return nil, nil
	}
	// map order is random; sort so a seeded rng gives a stable pick
	sort.Strings(symbols)

	symbol := symbols[s.rng.IntN(len(symbols))]
	price := prices[symbol]
	direction := trader.Long
	if s.rng.IntN(2) == 1 {
		direction = trader.Short
	}
	confidence := s.cfg.MinConfidence + s.rng.Float64()*(s.cfg.MaxConfidence-s.cfg.MinConfidence)
	confidence = math.Round(confidence*10) / 10

	stop := price * (1 - float64(direction.Sign())*s.cfg.StopDistance)
	target := price * (1 + float64(direction.Sign())*s.cfg.TargetDistance)

	return []trader.Signal{{
		Symbol:      symbol,
		Direction:   direction,
		Confidence:  confidence,
		EntryPrice:  price,
		StopLoss:    stop,
		TakeProfits: []float64{target},
		CreatedAt:   ctx.Now(),
	}}, nil
}
