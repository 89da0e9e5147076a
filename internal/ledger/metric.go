package ledger

import (
	"fmt"
	"math"
	"time"
)

// ProfitFactorSentinel is reported when a bucket has wins but no losses.
const ProfitFactorSentinel = 999.0

// StrategyMetric aggregates closed-trade outcomes for one (symbol, bucket).
// AvgLoss is kept negative, matching the sign of the losing trades.
type StrategyMetric struct {
	Symbol        string    `json:"symbol" yaml:"symbol"`
	Bucket        int       `json:"bucket" yaml:"bucket"`
	TotalTrades   int       `json:"total_trades" yaml:"total_trades"`
	WinningTrades int       `json:"winning_trades" yaml:"winning_trades"`
	LosingTrades  int       `json:"losing_trades" yaml:"losing_trades"`
	AvgProfit     float64   `json:"avg_profit" yaml:"avg_profit"`
	AvgLoss       float64   `json:"avg_loss" yaml:"avg_loss"`
	WinRate       float64   `json:"win_rate" yaml:"win_rate"`
	ProfitFactor  float64   `json:"profit_factor" yaml:"profit_factor"`
	LastUpdated   time.Time `json:"last_updated" yaml:"last_updated"`
}

// Key identifies the bucket, e.g. "EURUSD:70".
func (m StrategyMetric) Key() string {
	return bucketKey(m.Symbol, m.Bucket)
}

// Validate checks the invariants a loaded record must satisfy.
func (m StrategyMetric) Validate(bucketWidth int) error {
	switch {
	case m.Symbol == "":
		return fmt.Errorf("empty symbol")
	case m.Bucket < 0 || m.Bucket > 100-bucketWidth || m.Bucket%bucketWidth != 0:
		return fmt.Errorf("bucket %d is not a multiple of %d below 100", m.Bucket, bucketWidth)
	case m.WinningTrades < 0 || m.LosingTrades < 0:
		return fmt.Errorf("negative trade counts")
	case m.TotalTrades != m.WinningTrades+m.LosingTrades:
		return fmt.Errorf("total %d != wins %d + losses %d", m.TotalTrades, m.WinningTrades, m.LosingTrades)
	case !finite(m.AvgProfit) || !finite(m.AvgLoss):
		return fmt.Errorf("non-finite averages")
	}
	return nil
}

// recompute derives win rate and profit factor from the counts and averages.
func (m *StrategyMetric) recompute() {
	m.WinRate = 0
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	m.ProfitFactor = profitFactor(m.AvgProfit, m.WinningTrades, m.AvgLoss, m.LosingTrades)
}

func profitFactor(avgProfit float64, wins int, avgLoss float64, losses int) float64 {
	gross := avgProfit * float64(wins)
	lossMag := math.Abs(avgLoss * float64(losses))
	switch {
	case wins+losses == 0:
		return 0
	case lossMag == 0:
		if wins > 0 && gross > 0 {
			return ProfitFactorSentinel
		}
		return 0
	default:
		return gross / lossMag
	}
}

func bucketKey(symbol string, bucket int) string {
	return fmt.Sprintf("%s:%d", symbol, bucket)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
