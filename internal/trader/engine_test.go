package trader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockGateway is a mock implementation of the Gateway interface.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) OnPositionOpen(ctx context.Context, position Position) error {
	args := m.Called(position)
	return args.Error(0)
}

func (m *MockGateway) OnPositionClose(ctx context.Context, position Position) error {
	args := m.Called(position)
	return args.Error(0)
}

func (m *MockGateway) OnSessionUpdate(ctx context.Context, sessionID string, stats Stats) error {
	args := m.Called(sessionID, stats)
	return args.Error(0)
}

// fakeLearner records outcomes and applies a fixed confidence delta.
type fakeLearner struct {
	mu       sync.Mutex
	delta    float64
	outcomes []float64
	err      error
}

func (f *fakeLearner) RecordOutcome(symbol string, confidence, profitLoss float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, profitLoss)
	return f.err
}

func (f *fakeLearner) AdjustConfidence(symbol string, base float64) float64 {
	return base + f.delta
}

type staticPrices map[string]float64

func (s staticPrices) Price(symbol string) (float64, bool) {
	p, ok := s[symbol]
	return p, ok
}

// testClock is a settable clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	return Config{
		Enabled:         true,
		MinConfidence:   70,
		MaxPositions:    3,
		PositionSize:    1000,
		MaxDailyTrades:  5,
		TimeLimit:       time.Hour,
		StartingBalance: 10000,
	}
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	e, err := NewEngine(zap.NewNop(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, clock
}

func longSignal(symbol string, confidence float64) Signal {
	return Signal{
		Symbol:      symbol,
		Direction:   Long,
		Confidence:  confidence,
		EntryPrice:  1.1000,
		StopLoss:    1.0950,
		TakeProfits: []float64{1.1100},
	}
}

func TestNewEngine_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.PositionSize = -1

	_, err := NewEngine(zap.NewNop(), cfg)

	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSubmit_DuplicateSymbolRejected(t *testing.T) {
	// Arrange
	cfg := testConfig()
	cfg.MaxPositions = 1
	e, _ := newTestEngine(t, cfg)

	// Act
	first := e.Submit(longSignal("EURUSD", 80))
	second := e.Submit(longSignal("EURUSD", 80))

	// Assert
	assert.True(t, first.Accepted)
	assert.False(t, second.Accepted)
	assert.Equal(t, RejectDuplicateSymbol, second.Reason)
	assert.Len(t, e.OpenPositions(), 1)
}

func TestSubmit_AdmissionRules(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func(*Config)
		prepare  func(*Engine)
		signal   Signal
		expected RejectReason
	}{
		{
			name:     "disabled",
			mutate:   func(c *Config) { c.Enabled = false },
			signal:   longSignal("EURUSD", 90),
			expected: RejectDisabled,
		},
		{
			name:     "below min confidence",
			signal:   longSignal("EURUSD", 69.9),
			expected: RejectLowConfidence,
		},
		{
			name:   "max positions",
			mutate: func(c *Config) { c.MaxPositions = 1 },
			prepare: func(e *Engine) {
				e.Submit(longSignal("GBPUSD", 90))
			},
			signal:   longSignal("EURUSD", 90),
			expected: RejectMaxPositions,
		},
		{
			name:     "zero daily trades",
			mutate:   func(c *Config) { c.MaxDailyTrades = 0 },
			signal:   longSignal("EURUSD", 90),
			expected: RejectDailyLimit,
		},
		{
			name: "invalid direction",
			signal: Signal{
				Symbol: "EURUSD", Direction: "sideways", Confidence: 90, TakeProfits: []float64{1.2},
			},
			expected: RejectInvalidSignal,
		},
		{
			name: "no price anywhere",
			signal: Signal{
				Symbol: "EURUSD", Direction: Long, Confidence: 90, TakeProfits: []float64{1.2},
			},
			expected: RejectNoPrice,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			e, _ := newTestEngine(t, cfg)
			if tc.prepare != nil {
				tc.prepare(e)
			}

			adm := e.Submit(tc.signal)

			assert.False(t, adm.Accepted)
			assert.Equal(t, tc.expected, adm.Reason)
		})
	}
}

func TestSubmit_DailyLimitCountsClosedPositionsAndResetsNextDay(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyTrades = 2
	e, clock := newTestEngine(t, cfg)

	for _, sym := range []string{"EURUSD", "GBPUSD"} {
		adm := e.Submit(longSignal(sym, 80))
		require.True(t, adm.Accepted)
		_, err := e.ClosePosition(adm.Position.ID, 1.1)
		require.NoError(t, err)
	}

	assert.Equal(t, RejectDailyLimit, e.Submit(longSignal("USDJPY", 80)).Reason)

	clock.Advance(24 * time.Hour)
	assert.True(t, e.Submit(longSignal("USDJPY", 80)).Accepted)
}

func TestSubmit_EntryPriceFromFeed(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), WithPrices(staticPrices{"EURUSD": 1.10234}))

	adm := e.Submit(longSignal("EURUSD", 80))

	require.True(t, adm.Accepted)
	assert.Equal(t, 1.10234, adm.Position.EntryPrice)
	assert.Equal(t, 1000.0, adm.Position.Size)
	assert.Equal(t, StatusOpen, adm.Position.Status)
	assert.NotEmpty(t, adm.Position.ID)
}

func TestSubmit_EntryPriceFromLastTick(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	e.OnTick(map[string]float64{"EURUSD": 1.1042})

	adm := e.Submit(longSignal("EURUSD", 80))

	require.True(t, adm.Accepted)
	assert.Equal(t, 1.1042, adm.Position.EntryPrice)
}

func TestSubmit_AdaptiveConfidence(t *testing.T) {
	cfg := testConfig()
	cfg.AdaptiveConfidence = true
	learner := &fakeLearner{delta: 5}
	e, _ := newTestEngine(t, cfg, WithLearner(learner))

	adm := e.Submit(longSignal("EURUSD", 66))

	require.True(t, adm.Accepted)
	assert.Equal(t, 71.0, adm.Position.Confidence)
	assert.Equal(t, 66.0, adm.Position.BaseConfidence)
}

func TestSubmit_AdaptiveConfidenceIgnoredWhenDisabled(t *testing.T) {
	learner := &fakeLearner{delta: 5}
	e, _ := newTestEngine(t, testConfig(), WithLearner(learner))

	adm := e.Submit(longSignal("EURUSD", 66))

	assert.Equal(t, RejectLowConfidence, adm.Reason)
}

func TestOnTick_LongStopLoss(t *testing.T) {
	// Arrange: long at 1.1000, stop 1.0950, target 1.1100.
	learner := &fakeLearner{}
	e, _ := newTestEngine(t, testConfig(), WithLearner(learner))
	e.OnTick(map[string]float64{"EURUSD": 1.1000})
	adm := e.Submit(longSignal("EURUSD", 80))
	require.True(t, adm.Accepted)

	// Act
	e.OnTick(map[string]float64{"EURUSD": 1.0990})
	e.OnTick(map[string]float64{"EURUSD": 1.0960})
	e.OnTick(map[string]float64{"EURUSD": 1.0949})

	// Assert
	positions := e.Positions()
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, StatusClosed, p.Status)
	assert.Equal(t, OutcomeStop, p.Outcome)
	assert.Equal(t, 1.0949, p.ExitPrice)
	assert.InDelta(t, (1.0949-1.1000)*1000, p.ProfitLoss, 1e-9)
	require.NotNil(t, p.ClosedAt)
	assert.Equal(t, []float64{p.ProfitLoss}, learner.outcomes)
}

func TestOnTick_ShortTarget(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), WithPrices(staticPrices{"EURUSD": 1.1000}))
	adm := e.Submit(Signal{
		Symbol:      "EURUSD",
		Direction:   Short,
		Confidence:  80,
		StopLoss:    1.1050,
		TakeProfits: []float64{1.0950, 1.0900},
	})
	require.True(t, adm.Accepted)

	e.OnTick(map[string]float64{"EURUSD": 1.0948})

	p := e.Positions()[0]
	assert.Equal(t, OutcomeTarget, p.Outcome)
	assert.InDelta(t, (1.1000-1.0948)*1000, p.ProfitLoss, 1e-9)
}

func TestOnTick_TimeLimit(t *testing.T) {
	e, clock := newTestEngine(t, testConfig(), WithPrices(staticPrices{"EURUSD": 1.1000}))
	require.True(t, e.Submit(longSignal("EURUSD", 80)).Accepted)

	clock.Advance(59 * time.Minute)
	e.OnTick(map[string]float64{"EURUSD": 1.1010})
	assert.Len(t, e.OpenPositions(), 1)

	clock.Advance(time.Minute)
	e.OnTick(map[string]float64{"GBPUSD": 1.25})

	p := e.Positions()[0]
	assert.Equal(t, OutcomeTimeLimit, p.Outcome)
	assert.Equal(t, 1.1010, p.ExitPrice)
}

func TestOnTick_ExpiryWithoutFreshPriceIsTimeLimit(t *testing.T) {
	// Arrange: the last EURUSD print already sits beyond the stop
	e, clock := newTestEngine(t, testConfig())
	e.OnTick(map[string]float64{"EURUSD": 1.1000})
	require.True(t, e.Submit(longSignal("EURUSD", 80)).Accepted)
	e.mu.Lock()
	e.lastPrices["EURUSD"] = 1.0900
	e.mu.Unlock()

	// Act: the position expires on a tick that omits its symbol
	clock.Advance(time.Hour)
	e.OnTick(map[string]float64{"GBPUSD": 1.25})

	// Assert
	p := e.Positions()[0]
	assert.Equal(t, StatusClosed, p.Status)
	assert.Equal(t, OutcomeTimeLimit, p.Outcome)
	assert.Equal(t, 1.0900, p.ExitPrice)
}

func TestOnTick_ConfigChangeDoesNotAlterOpenPositions(t *testing.T) {
	e, clock := newTestEngine(t, testConfig(), WithPrices(staticPrices{"EURUSD": 1.1000}))
	require.True(t, e.Submit(longSignal("EURUSD", 80)).Accepted)

	cfg := testConfig()
	cfg.TimeLimit = time.Minute
	cfg.PositionSize = 5
	require.NoError(t, e.UpdateConfig(cfg))

	clock.Advance(2 * time.Minute)
	e.OnTick(map[string]float64{"EURUSD": 1.1001})

	open := e.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, 1000.0, open[0].Size)
}

func TestEvaluateExit_StopBeatsTarget(t *testing.T) {
	now := time.Now()
	p := &Position{
		Direction:   Long,
		EntryPrice:  1.1,
		StopLoss:    1.0950,
		TakeProfits: []float64{1.0900},
		TimeLimit:   time.Second,
		OpenedAt:    now.Add(-time.Hour),
		Status:      StatusOpen,
	}

	outcome, hit := evaluateExit(p, 1.0900, now)

	assert.True(t, hit)
	assert.Equal(t, OutcomeStop, outcome)
}

func TestEvaluateExit_TargetBeatsTimeLimit(t *testing.T) {
	now := time.Now()
	p := &Position{
		Direction:   Short,
		EntryPrice:  1.1,
		StopLoss:    1.2,
		TakeProfits: []float64{1.05},
		TimeLimit:   time.Second,
		OpenedAt:    now.Add(-time.Hour),
	}

	outcome, hit := evaluateExit(p, 1.04, now)

	assert.True(t, hit)
	assert.Equal(t, OutcomeTarget, outcome)
}

func TestClosePosition(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), WithPrices(staticPrices{"EURUSD": 1.1000}))
	adm := e.Submit(longSignal("EURUSD", 80))
	require.True(t, adm.Accepted)

	closed, err := e.ClosePosition(adm.Position.ID, 1.1020)
	require.NoError(t, err)
	assert.Equal(t, OutcomeManual, closed.Outcome)
	assert.InDelta(t, 2.0, closed.ProfitLoss, 1e-9)

	_, err = e.ClosePosition(adm.Position.ID, 1.1030)
	assert.ErrorIs(t, err, ErrPositionClosed)

	_, err = e.ClosePosition("missing", 1.1)
	assert.ErrorIs(t, err, ErrPositionNotFound)

	_, err = e.ClosePosition(adm.Position.ID, 0)
	assert.Error(t, err)

	// A closed position is never re-evaluated.
	e.OnTick(map[string]float64{"EURUSD": 1.0})
	assert.Equal(t, 1.1020, e.Positions()[0].ExitPrice)
}

func TestStats_NetPLAndBalance(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), WithPrices(staticPrices{"EURUSD": 1.1, "GBPUSD": 1.25, "USDJPY": 150}))
	a := e.Submit(longSignal("EURUSD", 80))
	b := e.Submit(longSignal("GBPUSD", 80))
	e.Submit(longSignal("USDJPY", 80))

	_, err := e.ClosePosition(a.Position.ID, 1.105)
	require.NoError(t, err)
	_, err = e.ClosePosition(b.Position.ID, 1.24)
	require.NoError(t, err)

	s := e.Stats()
	assert.Equal(t, 3, s.TotalTrades)
	assert.Equal(t, 1, s.OpenPositions)
	assert.Equal(t, 2, s.ClosedPositions)
	assert.Equal(t, 1, s.WinningTrades)
	assert.Equal(t, 1, s.LosingTrades)
	assert.InDelta(t, 5.0, s.TotalProfit, 1e-9)
	assert.InDelta(t, -10.0, s.TotalLoss, 1e-9)
	assert.InDelta(t, -5.0, s.NetPL, 1e-9)
	assert.InDelta(t, 50.0, s.WinRate, 1e-9)
	assert.InDelta(t, 9995.0, s.VirtualBalance, 1e-9)
	assert.True(t, s.Running)

	var sum float64
	for _, p := range e.Positions() {
		if !p.IsOpen() {
			sum += p.ProfitLoss
		}
	}
	assert.InDelta(t, sum, s.NetPL, 1e-9)
}

func TestStopKeepsEvaluatingOpenPositions(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), WithPrices(staticPrices{"EURUSD": 1.1}))
	require.True(t, e.Submit(longSignal("EURUSD", 80)).Accepted)

	e.Stop()
	e.Stop()

	assert.False(t, e.Stats().Running)
	assert.Equal(t, RejectDisabled, e.Submit(longSignal("GBPUSD", 90)).Reason)

	e.OnTick(map[string]float64{"EURUSD": 1.2})
	assert.Equal(t, OutcomeTarget, e.Positions()[0].Outcome)

	e.Start()
	assert.True(t, e.Stats().Running)
}

func TestReset(t *testing.T) {
	learner := &fakeLearner{}
	e, _ := newTestEngine(t, testConfig(), WithPrices(staticPrices{"EURUSD": 1.1}), WithLearner(learner))
	adm := e.Submit(longSignal("EURUSD", 80))
	_, err := e.ClosePosition(adm.Position.ID, 1.2)
	require.NoError(t, err)
	oldSession := e.SessionID()

	e.Reset()

	assert.Empty(t, e.Positions())
	assert.Equal(t, 10000.0, e.Stats().VirtualBalance)
	assert.Equal(t, 0, e.Stats().TotalTrades)
	assert.NotEqual(t, oldSession, e.SessionID())
	assert.Len(t, learner.outcomes, 1)
}

func TestUpdateConfig_InvalidLeavesStateUnchanged(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	bad := testConfig()
	bad.MaxPositions = 0

	err := e.UpdateConfig(bad)

	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 3, e.Config().MaxPositions)
}

func TestGateway_CalledAndFailuresDoNotRollBack(t *testing.T) {
	gw := new(MockGateway)
	gw.On("OnPositionOpen", mock.AnythingOfType("trader.Position")).Return(errors.New("db down"))
	gw.On("OnPositionClose", mock.MatchedBy(func(p Position) bool {
		return p.Status == StatusClosed && p.Outcome == OutcomeManual
	})).Return(nil)
	gw.On("OnSessionUpdate", mock.AnythingOfType("string"), mock.AnythingOfType("trader.Stats")).Return(errors.New("db down"))

	learner := &fakeLearner{err: errors.New("ledger unavailable")}
	e, _ := newTestEngine(t, testConfig(), WithGateway(gw), WithLearner(learner), WithPrices(staticPrices{"EURUSD": 1.1}))

	adm := e.Submit(longSignal("EURUSD", 80))
	require.True(t, adm.Accepted)
	_, err := e.ClosePosition(adm.Position.ID, 1.11)
	require.NoError(t, err)
	e.Wait()

	gw.AssertExpectations(t)
	gw.AssertNumberOfCalls(t, "OnSessionUpdate", 2)
	assert.Equal(t, 1, e.Stats().ClosedPositions)
	assert.Len(t, learner.outcomes, 1)
}

func TestSubscribe_ReceivesStats(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), WithPrices(staticPrices{"EURUSD": 1.1}))
	var got []Stats
	cancel := e.Subscribe(func(s Stats) { got = append(got, s) })

	e.Submit(longSignal("EURUSD", 80))
	cancel()
	e.Reset()

	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].OpenPositions)
}

func TestFanout_AggregatesErrors(t *testing.T) {
	ok := new(MockGateway)
	ok.On("OnPositionOpen", mock.Anything).Return(nil)
	bad := new(MockGateway)
	bad.On("OnPositionOpen", mock.Anything).Return(errors.New("webhook down"))

	err := Fanout(bad, nil, ok).OnPositionOpen(context.Background(), Position{ID: "p1"})

	assert.ErrorContains(t, err, "webhook down")
	ok.AssertExpectations(t)
	bad.AssertExpectations(t)
}
