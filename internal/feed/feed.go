package feed

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"papertrade/internal/logger"
	"papertrade/internal/notify"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// pricePrecision is fractional-pip precision.
const pricePrecision = 5

var (
	// ErrInvalidPrice is returned when a seed price is not a positive finite number.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrInvalidVolatility is returned for negative or non-finite volatility.
	ErrInvalidVolatility = errors.New("invalid volatility")
	// ErrInvalidInterval is returned for tick intervals the scheduler cannot honour.
	ErrInvalidInterval = errors.New("invalid tick interval")
)

// Quote is the published state of one symbol.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Previous      float64   `json:"previous"`
	ChangePercent float64   `json:"change_percent"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Snapshot is the full set of quotes published on a tick.
type Snapshot map[string]Quote

// Prices flattens the snapshot to symbol -> price.
func (s Snapshot) Prices() map[string]float64 {
	out := make(map[string]float64, len(s))
	for sym, q := range s {
		out[sym] = q.Price
	}
	return out
}

// Feed is a bounded random-walk price generator.
type Feed struct {
	logger *zap.Logger

	mu         sync.RWMutex
	quotes     map[string]Quote
	volatility float64
	trendBias  float64
	rng        *rand.Rand
	now        func() time.Time

	runMu sync.Mutex
	cron  *cron.Cron

	listeners notify.Listeners[Snapshot]
}

// Option configures a Feed.
type Option func(*Feed)

// WithRand makes the walk reproducible.
func WithRand(r *rand.Rand) Option {
	return func(f *Feed) { f.rng = r }
}

// WithClock overrides the timestamp source for quotes.
func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

// NewFeed creates a price feed. volatility is the largest per-tick price move
// in quote units, before trend bias.
func NewFeed(log *zap.Logger, volatility, trendBias float64, opts ...Option) (*Feed, error) {
	if err := checkVolatility(volatility); err != nil {
		return nil, err
	}
	f := &Feed{
		logger:     log,
		quotes:     make(map[string]Quote),
		volatility: volatility,
		trendBias:  clampBias(trendBias),
		rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Initialize replaces the seeded symbols with the given prices.
func (f *Feed) Initialize(prices map[string]float64) error {
	now := f.now()
	quotes := make(map[string]Quote, len(prices))
	for sym, p := range prices {
		if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("%w: %s=%v", ErrInvalidPrice, sym, p)
		}
		p = round(p)
		quotes[sym] = Quote{Symbol: sym, Price: p, Previous: p, UpdatedAt: now}
	}

	f.mu.Lock()
	f.quotes = quotes
	f.mu.Unlock()

	f.logger.Info("Price feed initialized", zap.Int("symbols", len(quotes)))
	return nil
}

// SetVolatility takes effect on the next tick.
func (f *Feed) SetVolatility(v float64) error {
	if err := checkVolatility(v); err != nil {
		return err
	}
	f.mu.Lock()
	f.volatility = v
	f.mu.Unlock()
	return nil
}

// SetTrendBias clamps b to [-1, 1]; takes effect on the next tick.
func (f *Feed) SetTrendBias(b float64) {
	f.mu.Lock()
	f.trendBias = clampBias(b)
	f.mu.Unlock()
}

// Params returns the current volatility and trend bias.
func (f *Feed) Params() (volatility, trendBias float64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.volatility, f.trendBias
}

// Tick advances every seeded symbol one step and notifies subscribers.
func (f *Feed) Tick() Snapshot {
	f.mu.Lock()
	now := f.now()
	for sym, q := range f.quotes {
		step := (f.rng.Float64()*2 - 1 + f.trendBias) * f.volatility
		next := round(q.Price + step)
		if next <= 0 {
			// Keep the walk strictly positive.
			next = q.Price
		}
		change := 0.0
		if q.Price != 0 {
			change = (next - q.Price) / q.Price * 100
		}
		f.quotes[sym] = Quote{
			Symbol:        sym,
			Price:         next,
			Previous:      q.Price,
			ChangePercent: change,
			UpdatedAt:     now,
		}
	}
	snap := f.snapshotLocked()
	f.mu.Unlock()

	f.listeners.Notify(snap)
	return snap
}

// Prices returns a copy of the current symbol -> price mapping.
func (f *Feed) Prices() map[string]float64 {
	return f.Quotes().Prices()
}

// Quotes returns a copy of the current quotes.
func (f *Feed) Quotes() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snapshotLocked()
}

// Price returns the current price for a single symbol.
func (f *Feed) Price(symbol string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[symbol]
	return q.Price, ok
}

func (f *Feed) snapshotLocked() Snapshot {
	snap := make(Snapshot, len(f.quotes))
	for sym, q := range f.quotes {
		snap[sym] = q
	}
	return snap
}

// Subscribe registers fn to receive every tick's snapshot.
func (f *Feed) Subscribe(fn func(Snapshot)) (cancel func()) {
	return f.listeners.Add(fn)
}

// Start begins ticking every interval. Calling Start while running is a no-op.
func (f *Feed) Start(interval time.Duration) error {
	if err := CheckInterval(interval); err != nil {
		return err
	}

	f.runMu.Lock()
	defer f.runMu.Unlock()

	if f.cron != nil {
		f.logger.Info("Price feed already running, ignoring start")
		return nil
	}

	cl := logger.NewCronLogger(f.logger)
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() { f.Tick() }); err != nil {
		return fmt.Errorf("failed to schedule price ticks: %w", err)
	}
	c.Start()
	f.cron = c

	f.logger.Info("Price feed started", zap.Duration("interval", interval))
	return nil
}

// Stop cancels the tick schedule and waits for an in-flight tick to finish.
// No tick fires after Stop returns.
func (f *Feed) Stop() {
	f.runMu.Lock()
	defer f.runMu.Unlock()

	if f.cron == nil {
		return
	}
	<-f.cron.Stop().Done()
	f.cron = nil
	f.logger.Info("Price feed stopped")
}

// Running reports whether the tick schedule is active.
func (f *Feed) Running() bool {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	return f.cron != nil
}

// CheckInterval reports whether interval can drive the tick schedule.
// @every schedules only run on whole seconds.
func CheckInterval(interval time.Duration) error {
	if interval < time.Second || interval%time.Second != 0 {
		return fmt.Errorf("%w: %s must be a whole number of seconds", ErrInvalidInterval, interval)
	}
	return nil
}

func checkVolatility(v float64) error {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidVolatility, v)
	}
	return nil
}

func clampBias(b float64) float64 {
	if math.IsNaN(b) {
		return 0
	}
	return math.Max(-1, math.Min(1, b))
}

func round(p float64) float64 {
	f, _ := decimal.NewFromFloat(p).Round(pricePrecision).Float64()
	return f
}
