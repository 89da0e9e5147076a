package trader

// Stats is derived entirely from the position set and the config.
// TotalLoss and AvgLoss carry the (non-positive) sign of the losing trades.
type Stats struct {
	TotalTrades     int     `json:"total_trades"`
	OpenPositions   int     `json:"open_positions"`
	ClosedPositions int     `json:"closed_positions"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	TotalProfit     float64 `json:"total_profit"`
	TotalLoss       float64 `json:"total_loss"`
	NetPL           float64 `json:"net_pl"`
	WinRate         float64 `json:"win_rate"`
	AvgProfit       float64 `json:"avg_profit"`
	AvgLoss         float64 `json:"avg_loss"`
	Running         bool    `json:"running"`
	VirtualBalance  float64 `json:"virtual_balance"`
}

// ComputeStats projects the aggregate statistics from positions. A closed
// position with P/L > 0 is a win; anything else closed is a loss.
func ComputeStats(positions []Position, cfg Config) Stats {
	s := Stats{
		TotalTrades: len(positions),
		Running:     cfg.Enabled,
	}
	for i := range positions {
		p := &positions[i]
		if p.IsOpen() {
			s.OpenPositions++
			continue
		}
		s.ClosedPositions++
		if p.ProfitLoss > 0 {
			s.WinningTrades++
			s.TotalProfit += p.ProfitLoss
		} else {
			s.LosingTrades++
			s.TotalLoss += p.ProfitLoss
		}
	}

	s.NetPL = s.TotalProfit + s.TotalLoss
	if s.ClosedPositions > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.ClosedPositions) * 100
	}
	if s.WinningTrades > 0 {
		s.AvgProfit = s.TotalProfit / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AvgLoss = s.TotalLoss / float64(s.LosingTrades)
	}
	s.VirtualBalance = cfg.StartingBalance + s.NetPL
	return s
}
