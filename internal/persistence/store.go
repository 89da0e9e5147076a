package persistence

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"papertrade/internal/ledger"
	"papertrade/internal/models"
	"papertrade/internal/trader"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store records positions, sessions and strategy metrics in SQLite.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// ensure Store implements the gateway interface
var _ trader.Gateway = (*Store)(nil)

// NewStore creates a Store over an already migrated database.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// OnPositionOpen inserts the position. If the close already landed (the two
// writes race), the existing row is left alone.
func (s *Store) OnPositionOpen(ctx context.Context, p trader.Position) error {
	rec := toRecord(p)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "position_id"}}, DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save opened position %s: %w", p.ID, err)
	}
	return nil
}

// OnPositionClose writes the exit fields, inserting the row if needed.
func (s *Store) OnPositionClose(ctx context.Context, p trader.Position) error {
	rec := toRecord(p)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "position_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "exit_price", "closed_at", "profit_loss", "outcome", "updated_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save closed position %s: %w", p.ID, err)
	}
	return nil
}

// OnSessionUpdate overwrites the session's stats row.
func (s *Store) OnSessionUpdate(ctx context.Context, sessionID string, st trader.Stats) error {
	rec := models.Session{
		SessionID:       sessionID,
		TotalTrades:     st.TotalTrades,
		OpenPositions:   st.OpenPositions,
		ClosedPositions: st.ClosedPositions,
		WinningTrades:   st.WinningTrades,
		LosingTrades:    st.LosingTrades,
		NetPL:           st.NetPL,
		WinRate:         st.WinRate,
		VirtualBalance:  st.VirtualBalance,
		Running:         st.Running,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_trades", "open_positions", "closed_positions", "winning_trades", "losing_trades",
				"net_pl", "win_rate", "virtual_balance", "running", "updated_at",
			}),
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sessionID, err)
	}
	return nil
}

// SaveMetric upserts one strategy metric keyed by (symbol, bucket).
func (s *Store) SaveMetric(ctx context.Context, m ledger.StrategyMetric) error {
	rec := models.StrategyMetric{
		Symbol:        m.Symbol,
		Bucket:        m.Bucket,
		TotalTrades:   m.TotalTrades,
		WinningTrades: m.WinningTrades,
		LosingTrades:  m.LosingTrades,
		AvgProfit:     m.AvgProfit,
		AvgLoss:       m.AvgLoss,
		WinRate:       m.WinRate,
		ProfitFactor:  m.ProfitFactor,
		LastUpdated:   m.LastUpdated,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "symbol"}, {Name: "bucket"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_trades", "winning_trades", "losing_trades", "avg_profit", "avg_loss",
				"win_rate", "profit_factor", "last_updated", "updated_at",
			}),
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save metric %s: %w", m.Key(), err)
	}
	return nil
}

// LoadMetrics reads every stored metric. Rows that fail validation are
// skipped with a warning.
func (s *Store) LoadMetrics(ctx context.Context, bucketWidth int) ([]ledger.StrategyMetric, error) {
	var rows []models.StrategyMetric
	if err := s.db.WithContext(ctx).Order("symbol, bucket").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load strategy metrics: %w", err)
	}

	out := make([]ledger.StrategyMetric, 0, len(rows))
	for _, r := range rows {
		m := ledger.StrategyMetric{
			Symbol:        r.Symbol,
			Bucket:        r.Bucket,
			TotalTrades:   r.TotalTrades,
			WinningTrades: r.WinningTrades,
			LosingTrades:  r.LosingTrades,
			AvgProfit:     r.AvgProfit,
			AvgLoss:       r.AvgLoss,
			WinRate:       r.WinRate,
			ProfitFactor:  r.ProfitFactor,
			LastUpdated:   r.LastUpdated,
		}
		if err := m.Validate(bucketWidth); err != nil {
			s.logger.Warn("Skipping malformed metric row", zap.Uint("id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ClosedPositions returns closed positions, most recent first.
func (s *Store) ClosedPositions(ctx context.Context, limit int) ([]models.Position, error) {
	var rows []models.Position
	q := s.db.WithContext(ctx).Where("status = ?", string(trader.StatusClosed)).Order("closed_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load closed positions: %w", err)
	}
	return rows, nil
}

// Sessions returns session rows, most recently updated first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]models.Session, error) {
	var rows []models.Session
	q := s.db.WithContext(ctx).Order("updated_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	return rows, nil
}

func toRecord(p trader.Position) models.Position {
	levels := make([]string, len(p.TakeProfits))
	for i, tp := range p.TakeProfits {
		levels[i] = strconv.FormatFloat(tp, 'f', -1, 64)
	}
	rec := models.Position{
		PositionID:     p.ID,
		SessionID:      p.SessionID,
		Symbol:         p.Symbol,
		Direction:      string(p.Direction),
		EntryPrice:     p.EntryPrice,
		StopLoss:       p.StopLoss,
		TakeProfits:    strings.Join(levels, ","),
		Confidence:     p.Confidence,
		BaseConfidence: p.BaseConfidence,
		Size:           p.Size,
		OpenedAt:       p.OpenedAt,
		Status:         string(p.Status),
	}
	if p.Status == trader.StatusClosed {
		exit, pl := p.ExitPrice, p.ProfitLoss
		rec.ExitPrice = &exit
		rec.ProfitLoss = &pl
		rec.ClosedAt = p.ClosedAt
		rec.Outcome = string(p.Outcome)
	}
	return rec
}
