package models

import "gorm.io/gorm"

// Session holds the latest stats of one simulation run.
// There is one row per session id, overwritten on every update.
type Session struct {
	gorm.Model
	SessionID       string  `gorm:"uniqueIndex;not null" json:"session_id"`
	TotalTrades     int     `json:"total_trades"`
	OpenPositions   int     `json:"open_positions"`
	ClosedPositions int     `json:"closed_positions"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	NetPL           float64 `json:"net_pl"`
	WinRate         float64 `json:"win_rate"`
	VirtualBalance  float64 `json:"virtual_balance"`
	Running         bool    `json:"running"`
}
