package trader

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a signal or position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Sign is +1 for long and -1 for short.
func (d Direction) Sign() int64 {
	if d == Short {
		return -1
	}
	return 1
}

// Valid reports whether d is long or short.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Status is the lifecycle state of a position.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Outcome is why a position was closed.
type Outcome string

const (
	OutcomeTarget    Outcome = "target"
	OutcomeStop      Outcome = "stop"
	OutcomeTimeLimit Outcome = "time_limit"
	OutcomeManual    Outcome = "manual"
)

// Signal is a candidate trade produced by a signal source.
type Signal struct {
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	Confidence  float64   `json:"confidence"`
	EntryPrice  float64   `json:"entry_price"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfits []float64 `json:"take_profits"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the fields the engine relies on.
func (s Signal) Validate() error {
	switch {
	case s.Symbol == "":
		return errors.New("empty symbol")
	case !s.Direction.Valid():
		return fmt.Errorf("unknown direction %q", s.Direction)
	case math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 100:
		return fmt.Errorf("confidence %v outside [0,100]", s.Confidence)
	case s.StopLoss < 0 || math.IsNaN(s.StopLoss):
		return fmt.Errorf("invalid stop loss %v", s.StopLoss)
	case len(s.TakeProfits) == 0:
		return errors.New("no take-profit levels")
	}
	for _, tp := range s.TakeProfits {
		if tp <= 0 || math.IsNaN(tp) || math.IsInf(tp, 0) {
			return fmt.Errorf("invalid take-profit level %v", tp)
		}
	}
	return nil
}

// Position is a simulated trade. Exit fields are set only once Status is closed.
type Position struct {
	ID             string        `json:"id"`
	SessionID      string        `json:"session_id"`
	Symbol         string        `json:"symbol"`
	Direction      Direction     `json:"direction"`
	EntryPrice     float64       `json:"entry_price"`
	StopLoss       float64       `json:"stop_loss"`
	TakeProfits    []float64     `json:"take_profits"`
	Confidence     float64       `json:"confidence"`
	BaseConfidence float64       `json:"base_confidence"`
	Size           float64       `json:"size"`
	TimeLimit      time.Duration `json:"time_limit"`
	OpenedAt       time.Time     `json:"opened_at"`
	Status         Status        `json:"status"`

	ExitPrice  float64    `json:"exit_price,omitempty"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	ProfitLoss float64    `json:"profit_loss,omitempty"`
	Outcome    Outcome    `json:"outcome,omitempty"`
}

// Clone returns a deep copy safe to hand outside the engine.
func (p *Position) Clone() Position {
	c := *p
	c.TakeProfits = append([]float64(nil), p.TakeProfits...)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return c
}

// IsOpen reports whether the position is still open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// ProfitLossAt is (price - entry) * sign * size.
func (p *Position) ProfitLossAt(price float64) float64 {
	pl := decimal.NewFromFloat(price).
		Sub(decimal.NewFromFloat(p.EntryPrice)).
		Mul(decimal.NewFromInt(p.Direction.Sign())).
		Mul(decimal.NewFromFloat(p.Size))
	f, _ := pl.Float64()
	return f
}

func (p *Position) stopHit(price float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.Direction == Short {
		return price >= p.StopLoss
	}
	return price <= p.StopLoss
}

func (p *Position) targetHit(price float64) bool {
	for _, tp := range p.TakeProfits {
		if p.Direction == Short && price <= tp {
			return true
		}
		if p.Direction == Long && price >= tp {
			return true
		}
	}
	return false
}

// evaluateExit applies the exit rules in priority order: stop, target, time limit.
func evaluateExit(p *Position, price float64, now time.Time) (Outcome, bool) {
	switch {
	case p.stopHit(price):
		return OutcomeStop, true
	case p.targetHit(price):
		return OutcomeTarget, true
	case p.TimeLimit > 0 && now.Sub(p.OpenedAt) >= p.TimeLimit:
		return OutcomeTimeLimit, true
	}
	return "", false
}

// close transitions p to closed. Callers guarantee p is open.
func (p *Position) close(price float64, outcome Outcome, at time.Time) {
	p.Status = StatusClosed
	p.ExitPrice = price
	p.ClosedAt = &at
	p.ProfitLoss = p.ProfitLossAt(price)
	p.Outcome = outcome
}
