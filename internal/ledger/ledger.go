package ledger

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"papertrade/internal/notify"

	"go.uber.org/zap"
)

// Policy holds the tunable learning constants.
type Policy struct {
	// BucketWidth groups confidence scores, e.g. 10 -> 70..79.
	BucketWidth int `mapstructure:"bucket_width"`
	// MinSamples is the number of trades a bucket needs before it adjusts anything.
	MinSamples int `mapstructure:"min_samples"`
	// MaxAdjustment bounds the multiplier to 1 ± MaxAdjustment.
	MaxAdjustment float64 `mapstructure:"max_adjustment"`
}

// DefaultPolicy is used when a zero Policy is supplied.
var DefaultPolicy = Policy{BucketWidth: 10, MinSamples: 5, MaxAdjustment: 0.2}

// Validate rejects a policy whose buckets would not tile 0..100 evenly; the
// top bucket would then not be a multiple of the width and fail to reload.
// Zero fields are allowed and take their defaults.
func (p Policy) Validate() error {
	if p.BucketWidth < 0 || p.BucketWidth > 100 || (p.BucketWidth > 0 && 100%p.BucketWidth != 0) {
		return fmt.Errorf("ledger.bucket_width must divide 100, got %d", p.BucketWidth)
	}
	if p.MinSamples < 0 {
		return fmt.Errorf("ledger.min_samples must be >= 0, got %d", p.MinSamples)
	}
	if p.MaxAdjustment < 0 || p.MaxAdjustment > 1 {
		return fmt.Errorf("ledger.max_adjustment must be within [0, 1], got %v", p.MaxAdjustment)
	}
	return nil
}

func (p Policy) withDefaults() Policy {
	if p.BucketWidth <= 0 || p.BucketWidth > 100 || 100%p.BucketWidth != 0 {
		p.BucketWidth = DefaultPolicy.BucketWidth
	}
	if p.MinSamples <= 0 {
		p.MinSamples = DefaultPolicy.MinSamples
	}
	if p.MaxAdjustment <= 0 || p.MaxAdjustment > 1 {
		p.MaxAdjustment = DefaultPolicy.MaxAdjustment
	}
	return p
}

// Multiplier is the confidence scaling derived from one bucket.
type Multiplier struct {
	Symbol       string  `json:"symbol"`
	Bucket       int     `json:"bucket"`
	Value        float64 `json:"value"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	Samples      int     `json:"samples"`
}

// OverallStats summarizes the whole ledger.
type OverallStats struct {
	TotalMetrics      int     `json:"total_metrics"`
	ActiveMultipliers int     `json:"active_multipliers"`
	AvgWinRate        float64 `json:"avg_win_rate"`
	AvgProfitFactor   float64 `json:"avg_profit_factor"`
	TotalTrades       int     `json:"total_trades"`
}

// Ledger learns per-bucket performance from closed trades and re-weights
// future confidence scores with it.
type Ledger struct {
	logger *zap.Logger
	policy Policy
	now    func() time.Time

	mu      sync.RWMutex
	metrics map[string]*StrategyMetric

	listeners notify.Listeners[StrategyMetric]
}

// NewLedger creates an empty ledger.
func NewLedger(logger *zap.Logger, policy Policy) *Ledger {
	return &Ledger{
		logger:  logger,
		policy:  policy.withDefaults(),
		now:     time.Now,
		metrics: make(map[string]*StrategyMetric),
	}
}

// Policy returns the effective policy.
func (l *Ledger) Policy() Policy {
	return l.policy
}

// BucketFor maps a confidence score to the lower bound of its bucket.
func (l *Ledger) BucketFor(confidence float64) int {
	w := l.policy.BucketWidth
	b := int(math.Floor(confidence/float64(w))) * w
	if b < 0 {
		b = 0
	}
	if b > 100-w {
		b = 100 - w
	}
	return b
}

// RecordOutcome folds one closed trade into its bucket.
func (l *Ledger) RecordOutcome(symbol string, confidence, profitLoss float64) error {
	if symbol == "" {
		return fmt.Errorf("record outcome: empty symbol")
	}
	if !finite(confidence) || confidence < 0 || confidence > 100 {
		return fmt.Errorf("record outcome: confidence %v out of range", confidence)
	}
	if !finite(profitLoss) {
		return fmt.Errorf("record outcome: non-finite profit/loss %v", profitLoss)
	}

	bucket := l.BucketFor(confidence)
	key := bucketKey(symbol, bucket)

	l.mu.Lock()
	m, ok := l.metrics[key]
	if !ok {
		m = &StrategyMetric{Symbol: symbol, Bucket: bucket}
		l.metrics[key] = m
	}
	m.TotalTrades++
	if profitLoss > 0 {
		m.WinningTrades++
		m.AvgProfit += (profitLoss - m.AvgProfit) / float64(m.WinningTrades)
	} else {
		m.LosingTrades++
		m.AvgLoss += (profitLoss - m.AvgLoss) / float64(m.LosingTrades)
	}
	m.recompute()
	m.LastUpdated = l.now()
	updated := *m
	l.mu.Unlock()

	l.logger.Debug("Recorded outcome",
		zap.String("bucket", key),
		zap.Float64("profit_loss", profitLoss),
		zap.Int("total_trades", updated.TotalTrades),
		zap.Float64("profit_factor", updated.ProfitFactor))

	l.listeners.Notify(updated)
	return nil
}

// AdjustConfidence scales base by the multiplier of its bucket. Without
// enough samples base is returned unchanged. The result is within [0, 100].
func (l *Ledger) AdjustConfidence(symbol string, base float64) float64 {
	if !finite(base) {
		return base
	}
	key := bucketKey(symbol, l.BucketFor(base))

	l.mu.RLock()
	m, ok := l.metrics[key]
	var mult float64 = 1
	if ok {
		mult = l.multiplier(*m)
	}
	l.mu.RUnlock()

	if mult == 1 {
		return base
	}
	return math.Max(0, math.Min(100, base*mult))
}

// multiplier scores win rate and profit factor against the neutral baseline
// (50%, 1.0), each contributing half of a score in [-1, 1].
func (l *Ledger) multiplier(m StrategyMetric) float64 {
	if m.TotalTrades < l.policy.MinSamples {
		return 1
	}
	winEdge := (m.WinRate/100 - 0.5) * 2
	pfEdge := (m.ProfitFactor - 1) / (m.ProfitFactor + 1)
	score := 0.5*winEdge + 0.5*pfEdge
	score = math.Max(-1, math.Min(1, score))
	return 1 + l.policy.MaxAdjustment*score
}

// Multipliers lists the multiplier of every bucket with enough samples,
// ordered by key.
func (l *Ledger) Multipliers() []Multiplier {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Multiplier, 0, len(l.metrics))
	for _, m := range l.metrics {
		if m.TotalTrades < l.policy.MinSamples {
			continue
		}
		out = append(out, Multiplier{
			Symbol:       m.Symbol,
			Bucket:       m.Bucket,
			Value:        l.multiplier(*m),
			WinRate:      m.WinRate,
			ProfitFactor: m.ProfitFactor,
			Samples:      m.TotalTrades,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Bucket < out[j].Bucket
	})
	return out
}

// Metrics returns a copy of every bucket ordered by key.
func (l *Ledger) Metrics() []StrategyMetric {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]StrategyMetric, 0, len(l.metrics))
	for _, m := range l.metrics {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Bucket < out[j].Bucket
	})
	return out
}

// TopPerformers returns up to n qualified buckets, best profit factor first.
func (l *Ledger) TopPerformers(n int) []StrategyMetric {
	return l.ranked(n, true)
}

// WorstPerformers returns up to n qualified buckets, worst profit factor first.
func (l *Ledger) WorstPerformers(n int) []StrategyMetric {
	return l.ranked(n, false)
}

func (l *Ledger) ranked(n int, desc bool) []StrategyMetric {
	if n <= 0 {
		return []StrategyMetric{}
	}
	all := l.Metrics()
	qualified := all[:0]
	for _, m := range all {
		if m.TotalTrades >= l.policy.MinSamples {
			qualified = append(qualified, m)
		}
	}
	sort.SliceStable(qualified, func(i, j int) bool {
		a, b := qualified[i], qualified[j]
		if a.ProfitFactor != b.ProfitFactor {
			if desc {
				return a.ProfitFactor > b.ProfitFactor
			}
			return a.ProfitFactor < b.ProfitFactor
		}
		if desc {
			return a.WinRate > b.WinRate
		}
		return a.WinRate < b.WinRate
	})
	if len(qualified) > n {
		qualified = qualified[:n]
	}
	return qualified
}

// OverallStats aggregates every bucket.
func (l *Ledger) OverallStats() OverallStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var s OverallStats
	var winSum, pfSum float64
	for _, m := range l.metrics {
		s.TotalMetrics++
		s.TotalTrades += m.TotalTrades
		winSum += m.WinRate
		pfSum += m.ProfitFactor
		if l.multiplier(*m) != 1 {
			s.ActiveMultipliers++
		}
	}
	if s.TotalMetrics > 0 {
		s.AvgWinRate = winSum / float64(s.TotalMetrics)
		s.AvgProfitFactor = pfSum / float64(s.TotalMetrics)
	}
	return s
}

// Load replaces all bucket state with metrics. Malformed records are skipped
// with a warning; the number of records loaded is returned.
func (l *Ledger) Load(metrics []StrategyMetric) int {
	next := make(map[string]*StrategyMetric, len(metrics))
	for _, m := range metrics {
		if err := m.Validate(l.policy.BucketWidth); err != nil {
			l.logger.Warn("Skipping malformed strategy metric",
				zap.String("symbol", m.Symbol), zap.Int("bucket", m.Bucket), zap.Error(err))
			continue
		}
		m := m
		m.recompute()
		next[m.Key()] = &m
	}

	l.mu.Lock()
	l.metrics = next
	l.mu.Unlock()

	l.logger.Info("Strategy metrics loaded", zap.Int("loaded", len(next)), zap.Int("supplied", len(metrics)))
	return len(next)
}

// Subscribe registers fn to receive each bucket right after it is updated.
func (l *Ledger) Subscribe(fn func(StrategyMetric)) (cancel func()) {
	return l.listeners.Add(fn)
}
