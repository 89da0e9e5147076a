package trader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"papertrade/internal/notify"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrPositionNotFound is returned by ClosePosition for an unknown id.
	ErrPositionNotFound = errors.New("position not found")
	// ErrPositionClosed is returned by ClosePosition for a position already closed.
	ErrPositionClosed = errors.New("position already closed")
)

// RejectReason explains why a signal was not admitted.
type RejectReason string

const (
	RejectInvalidSignal   RejectReason = "invalid_signal"
	RejectDisabled        RejectReason = "disabled"
	RejectLowConfidence   RejectReason = "low_confidence"
	RejectMaxPositions    RejectReason = "max_positions"
	RejectDailyLimit      RejectReason = "daily_limit"
	RejectDuplicateSymbol RejectReason = "duplicate_symbol"
	RejectNoPrice         RejectReason = "no_price"
)

// Admission is the result of submitting a signal.
type Admission struct {
	Accepted   bool         `json:"accepted"`
	Reason     RejectReason `json:"reason,omitempty"`
	Confidence float64      `json:"confidence"`
	Position   *Position    `json:"position,omitempty"`
}

const defaultGatewayTimeout = 10 * time.Second

// Engine admits signals, tracks open positions and closes them on price ticks.
type Engine struct {
	logger         *zap.Logger
	learner        Learner
	gateway        Gateway
	prices         PriceSource
	now            func() time.Time
	gatewayTimeout time.Duration

	mu         sync.RWMutex
	cfg        Config
	positions  []*Position
	byID       map[string]*Position
	lastPrices map[string]float64
	stats      Stats
	sessionID  string
	startTime  time.Time

	listeners notify.Listeners[Stats]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLearner wires the performance ledger.
func WithLearner(l Learner) Option {
	return func(e *Engine) { e.learner = l }
}

// WithGateway wires the persistence gateway.
func WithGateway(g Gateway) Option {
	return func(e *Engine) { e.gateway = g }
}

// WithPrices sets where admission reads the current price from.
func WithPrices(p PriceSource) Option {
	return func(e *Engine) { e.prices = p }
}

// WithClock overrides time.Now, for tests and replays.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithGatewayTimeout bounds each gateway call.
func WithGatewayTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.gatewayTimeout = d
		}
	}
}

// NewEngine creates a position engine. cfg must be valid.
func NewEngine(logger *zap.Logger, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		logger:         logger,
		now:            time.Now,
		gatewayTimeout: defaultGatewayTimeout,
		cfg:            cfg,
		byID:           make(map[string]*Position),
		lastPrices:     make(map[string]float64),
		sessionID:      uuid.NewString(),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.startTime = e.now()
	e.stats = ComputeStats(nil, cfg)
	return e, nil
}

// Submit runs admission for sig. Rejection is normal and is reported in the
// returned Admission, not as an error.
func (e *Engine) Submit(sig Signal) Admission {
	l := e.logger.With(zap.String("symbol", sig.Symbol), zap.Float64("confidence", sig.Confidence))

	if err := sig.Validate(); err != nil {
		l.Debug("Signal rejected", zap.String("reason", string(RejectInvalidSignal)), zap.Error(err))
		return Admission{Reason: RejectInvalidSignal, Confidence: sig.Confidence}
	}

	e.mu.RLock()
	adaptive := e.cfg.AdaptiveConfidence
	e.mu.RUnlock()

	confidence := sig.Confidence
	if adaptive {
		confidence = e.adjustConfidence(sig.Symbol, sig.Confidence)
	}
	entry := e.entryPrice(sig)

	e.mu.Lock()
	now := e.now()
	reason := e.admitLocked(sig.Symbol, confidence, entry, now)
	if reason != "" {
		e.mu.Unlock()
		l.Debug("Signal rejected", zap.String("reason", string(reason)), zap.Float64("adjusted_confidence", confidence))
		return Admission{Reason: reason, Confidence: confidence}
	}

	p := &Position{
		ID:             uuid.NewString(),
		SessionID:      e.sessionID,
		Symbol:         sig.Symbol,
		Direction:      sig.Direction,
		EntryPrice:     entry,
		StopLoss:       sig.StopLoss,
		TakeProfits:    append([]float64(nil), sig.TakeProfits...),
		Confidence:     confidence,
		BaseConfidence: sig.Confidence,
		Size:           e.cfg.PositionSize,
		TimeLimit:      e.cfg.TimeLimit,
		OpenedAt:       now,
		Status:         StatusOpen,
	}
	e.positions = append(e.positions, p)
	e.byID[p.ID] = p
	opened := p.Clone()
	stats, session := e.refreshLocked()
	e.mu.Unlock()

	l.Info("Position opened",
		zap.String("position_id", opened.ID),
		zap.String("direction", string(opened.Direction)),
		zap.Float64("entry_price", opened.EntryPrice),
		zap.Float64("adjusted_confidence", confidence))

	e.dispatch("position_open", func(ctx context.Context) error {
		return e.gateway.OnPositionOpen(ctx, opened)
	})
	e.publish(session, stats)
	return Admission{Accepted: true, Confidence: confidence, Position: &opened}
}

// admitLocked applies the admission rules in order and returns the first
// failing one, or "" when the signal may open.
func (e *Engine) admitLocked(symbol string, confidence, entry float64, now time.Time) RejectReason {
	if !e.cfg.Enabled {
		return RejectDisabled
	}
	if confidence < e.cfg.MinConfidence {
		return RejectLowConfidence
	}

	open, today := 0, 0
	for _, p := range e.positions {
		if sameUTCDay(p.OpenedAt, now) {
			today++
		}
		if !p.IsOpen() {
			continue
		}
		open++
		if p.Symbol == symbol {
			return RejectDuplicateSymbol
		}
	}
	if open >= e.cfg.MaxPositions {
		return RejectMaxPositions
	}
	if today >= e.cfg.MaxDailyTrades {
		return RejectDailyLimit
	}
	if entry <= 0 {
		return RejectNoPrice
	}
	return ""
}

// entryPrice prefers the live feed, then the last tick seen, then the signal.
func (e *Engine) entryPrice(sig Signal) float64 {
	if e.prices != nil {
		if p, ok := e.prices.Price(sig.Symbol); ok && p > 0 {
			return p
		}
	}
	e.mu.RLock()
	p, ok := e.lastPrices[sig.Symbol]
	e.mu.RUnlock()
	if ok && p > 0 {
		return p
	}
	if sig.EntryPrice > 0 && !math.IsInf(sig.EntryPrice, 0) {
		e.logger.Debug("No feed price, using signal entry price", zap.String("symbol", sig.Symbol))
		return sig.EntryPrice
	}
	return 0
}

func (e *Engine) adjustConfidence(symbol string, base float64) (adjusted float64) {
	if e.learner == nil {
		return base
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Confidence adjustment panicked, using base confidence", zap.Any("panic", r))
			adjusted = base
		}
	}()
	adjusted = e.learner.AdjustConfidence(symbol, base)
	if math.IsNaN(adjusted) || adjusted < 0 || adjusted > 100 {
		e.logger.Warn("Learner returned out-of-range confidence, using base",
			zap.String("symbol", symbol), zap.Float64("adjusted", adjusted))
		return base
	}
	return adjusted
}

// OnTick evaluates every open position against prices. Symbols missing from
// the tick are still checked for time-limit expiry at their last known price.
func (e *Engine) OnTick(prices map[string]float64) {
	e.mu.Lock()
	now := e.now()
	for sym, p := range prices {
		if p > 0 {
			e.lastPrices[sym] = p
		}
	}

	var closed []Position
	for _, p := range e.positions {
		if !p.IsOpen() {
			continue
		}
		price, ok := prices[p.Symbol]
		if !ok || price <= 0 {
			price, ok = e.lastPrices[p.Symbol]
			if !ok {
				price = p.EntryPrice
			}
			if p.TimeLimit <= 0 || now.Sub(p.OpenedAt) < p.TimeLimit {
				continue
			}
			// a stale price says nothing about stop or target
			p.close(price, OutcomeTimeLimit, now)
			closed = append(closed, p.Clone())
			continue
		}
		outcome, hit := evaluateExit(p, price, now)
		if !hit {
			continue
		}
		p.close(price, outcome, now)
		closed = append(closed, p.Clone())
	}
	if len(closed) == 0 {
		e.mu.Unlock()
		return
	}
	stats, session := e.refreshLocked()
	e.mu.Unlock()

	for _, p := range closed {
		e.afterClose(p)
	}
	e.publish(session, stats)
}

// ClosePosition closes an open position at price immediately.
func (e *Engine) ClosePosition(id string, price float64) (Position, error) {
	if !(price > 0) || math.IsInf(price, 0) {
		return Position{}, fmt.Errorf("close price must be positive, got %v", price)
	}

	e.mu.Lock()
	p, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if !p.IsOpen() {
		e.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %s", ErrPositionClosed, id)
	}
	p.close(price, OutcomeManual, e.now())
	closed := p.Clone()
	stats, session := e.refreshLocked()
	e.mu.Unlock()

	e.afterClose(closed)
	e.publish(session, stats)
	return closed, nil
}

// afterClose runs the independent close side effects: the learner update and
// the gateway record. Neither can undo the close or block the other.
func (e *Engine) afterClose(p Position) {
	e.logger.Info("Position closed",
		zap.String("position_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.String("outcome", string(p.Outcome)),
		zap.Float64("exit_price", p.ExitPrice),
		zap.Float64("profit_loss", p.ProfitLoss))

	e.dispatch("position_close", func(ctx context.Context) error {
		return e.gateway.OnPositionClose(ctx, p)
	})
	e.recordOutcome(p)
}

func (e *Engine) recordOutcome(p Position) {
	if e.learner == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Learner panicked while recording outcome", zap.String("position_id", p.ID), zap.Any("panic", r))
		}
	}()
	if err := e.learner.RecordOutcome(p.Symbol, p.BaseConfidence, p.ProfitLoss); err != nil {
		e.logger.Warn("Failed to record outcome", zap.String("position_id", p.ID), zap.Error(err))
	}
}

// Reset drops every position and starts a new session. Learner state is kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.positions = nil
	e.byID = make(map[string]*Position)
	e.sessionID = uuid.NewString()
	e.startTime = e.now()
	stats, session := e.refreshLocked()
	e.mu.Unlock()

	e.logger.Info("Engine reset", zap.String("session_id", session), zap.Float64("virtual_balance", stats.VirtualBalance))
	e.publish(session, stats)
}

// Start resumes admissions.
func (e *Engine) Start() {
	e.setEnabled(true)
}

// Stop pauses admissions. Open positions keep being evaluated on ticks.
func (e *Engine) Stop() {
	e.setEnabled(false)
}

func (e *Engine) setEnabled(enabled bool) {
	e.mu.Lock()
	if e.cfg.Enabled == enabled {
		e.mu.Unlock()
		return
	}
	e.cfg.Enabled = enabled
	stats, session := e.refreshLocked()
	e.mu.Unlock()

	e.logger.Info("Engine admissions toggled", zap.Bool("enabled", enabled))
	e.publish(session, stats)
}

// UpdateConfig swaps in cfg after validating it. Open positions keep the
// size and time limit they were opened with.
func (e *Engine) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	stats, session := e.refreshLocked()
	e.mu.Unlock()

	e.logger.Info("Engine config updated", zap.Any("config", cfg))
	e.publish(session, stats)
	return nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Stats returns the latest derived statistics.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// SessionID identifies the current simulation run.
func (e *Engine) SessionID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionID
}

// StartTime is when the current session began.
func (e *Engine) StartTime() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.startTime
}

// Positions returns copies of every position in open order.
func (e *Engine) Positions() []Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p.Clone())
	}
	return out
}

// OpenPositions returns copies of the open positions.
func (e *Engine) OpenPositions() []Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Position
	for _, p := range e.positions {
		if p.IsOpen() {
			out = append(out, p.Clone())
		}
	}
	return out
}

// Subscribe registers fn to receive stats after every state change.
func (e *Engine) Subscribe(fn func(Stats)) (cancel func()) {
	return e.listeners.Add(fn)
}

// Wait blocks until in-flight gateway calls have returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels in-flight gateway calls and waits for them.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// refreshLocked recomputes stats from the position set.
func (e *Engine) refreshLocked() (Stats, string) {
	snapshot := make([]Position, len(e.positions))
	for i, p := range e.positions {
		snapshot[i] = *p
	}
	e.stats = ComputeStats(snapshot, e.cfg)
	return e.stats, e.sessionID
}

func (e *Engine) publish(session string, stats Stats) {
	e.dispatch("session_update", func(ctx context.Context) error {
		return e.gateway.OnSessionUpdate(ctx, session, stats)
	})
	e.listeners.Notify(stats)
}

// dispatch runs a gateway call in the background. Failures are logged only.
func (e *Engine) dispatch(call string, fn func(ctx context.Context) error) {
	if e.gateway == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Persistence gateway panicked", zap.String("call", call), zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(e.ctx, e.gatewayTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			e.logger.Warn("Persistence gateway call failed", zap.String("call", call), zap.Error(err))
		}
	}()
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
