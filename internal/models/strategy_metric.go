package models

import (
	"time"

	"gorm.io/gorm"
)

// StrategyMetric is the persisted performance of one (symbol, confidence bucket).
type StrategyMetric struct {
	gorm.Model
	Symbol        string  `gorm:"uniqueIndex:idx_symbol_bucket;not null"`
	Bucket        int     `gorm:"uniqueIndex:idx_symbol_bucket"`
	TotalTrades   int     `gorm:"not null"`
	WinningTrades int     `gorm:"not null"`
	LosingTrades  int     `gorm:"not null"`
	AvgProfit     float64
	AvgLoss       float64
	WinRate       float64
	ProfitFactor  float64
	LastUpdated   time.Time
}
