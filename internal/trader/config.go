package trader

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid engine config")

// Config holds the engine's risk limits. It is replaceable at any time; a new
// config applies to the next admission only.
type Config struct {
	Enabled            bool          `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	MinConfidence      float64       `mapstructure:"min_confidence" json:"min_confidence" yaml:"min_confidence"`
	MaxPositions       int           `mapstructure:"max_positions" json:"max_positions" yaml:"max_positions"`
	PositionSize       float64       `mapstructure:"position_size" json:"position_size" yaml:"position_size"`
	MaxDailyTrades     int           `mapstructure:"max_daily_trades" json:"max_daily_trades" yaml:"max_daily_trades"`
	TimeLimit          time.Duration `mapstructure:"time_limit" json:"time_limit" yaml:"time_limit"`
	StartingBalance    float64       `mapstructure:"starting_balance" json:"starting_balance" yaml:"starting_balance"`
	AdaptiveConfidence bool          `mapstructure:"adaptive_confidence" json:"adaptive_confidence" yaml:"adaptive_confidence"`
}

// DefaultConfig is a conservative starting point.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MinConfidence:   70,
		MaxPositions:    3,
		PositionSize:    1000,
		MaxDailyTrades:  10,
		TimeLimit:       4 * time.Hour,
		StartingBalance: 10000,
	}
}

// Validate rejects out-of-range values; nothing is clamped.
func (c Config) Validate() error {
	switch {
	case math.IsNaN(c.MinConfidence) || c.MinConfidence < 0 || c.MinConfidence > 100:
		return fmt.Errorf("%w: min_confidence %v outside [0,100]", ErrInvalidConfig, c.MinConfidence)
	case c.MaxPositions < 1:
		return fmt.Errorf("%w: max_positions %d must be >= 1", ErrInvalidConfig, c.MaxPositions)
	case !(c.PositionSize > 0) || math.IsInf(c.PositionSize, 0):
		return fmt.Errorf("%w: position_size %v must be > 0", ErrInvalidConfig, c.PositionSize)
	case c.MaxDailyTrades < 0:
		return fmt.Errorf("%w: max_daily_trades %d must be >= 0", ErrInvalidConfig, c.MaxDailyTrades)
	case c.TimeLimit <= 0:
		return fmt.Errorf("%w: time_limit %s must be > 0", ErrInvalidConfig, c.TimeLimit)
	case !(c.StartingBalance > 0) || math.IsInf(c.StartingBalance, 0):
		return fmt.Errorf("%w: starting_balance %v must be > 0", ErrInvalidConfig, c.StartingBalance)
	}
	return nil
}
