package models

import (
	"time"

	"gorm.io/gorm"
)

// Position is the persisted record of a simulated position.
// It is written on open and updated in place on close.
type Position struct {
	gorm.Model
	PositionID     string     `gorm:"uniqueIndex;not null" json:"position_id"`
	SessionID      string     `gorm:"index" json:"session_id"`
	Symbol         string     `gorm:"index;not null" json:"symbol"`
	Direction      string     `json:"direction"`
	EntryPrice     float64    `json:"entry_price"`
	StopLoss       float64    `json:"stop_loss"`
	TakeProfits    string     `json:"take_profits"` // comma separated levels
	Confidence     float64    `json:"confidence"`
	BaseConfidence float64    `json:"base_confidence"`
	Size           float64    `json:"size"`
	OpenedAt       time.Time  `json:"opened_at"`
	Status         string     `gorm:"index" json:"status"`
	ExitPrice      *float64   `json:"exit_price,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	ProfitLoss     *float64   `json:"profit_loss,omitempty"`
	Outcome        string     `json:"outcome,omitempty"`
}
