package signals

import (
	"fmt"
	"sync"

	"papertrade/internal/logger"
	"papertrade/internal/trader"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sink receives every scouted signal, normally Engine.Submit.
type Sink func(trader.Signal) trader.Admission

// Source runs a Strategy on a cron schedule and pushes its signals to a Sink.
type Source struct {
	strategy Strategy
	ctx      StrategyContext
	sink     Sink
	logger   *zap.Logger

	mu          sync.Mutex
	cron        *cron.Cron
	initialized bool
}

// NewSource creates a Source. Nothing runs until Start.
func NewSource(strategy Strategy, ctx StrategyContext, sink Sink) *Source {
	return &Source{
		strategy: strategy,
		ctx:      ctx,
		sink:     sink,
		logger:   ctx.Logger.With(zap.String("strategy", strategy.Name())),
	}
}

// Start initializes the strategy once and schedules Scout with a cron spec such
// as "@every 30s". Calling Start while running is a no-op.
func (s *Source) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		s.logger.Info("Signal source already running, ignoring start")
		return nil
	}
	if !s.initialized {
		if err := s.strategy.Initialize(s.ctx); err != nil {
			return fmt.Errorf("failed to initialize strategy %s: %w", s.strategy.Name(), err)
		}
		s.initialized = true
	}

	cl := logger.NewCronLogger(s.logger)
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(schedule, func() { s.ScoutOnce() }); err != nil {
		return fmt.Errorf("invalid signal schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("Signal source started", zap.String("schedule", schedule))
	return nil
}

// Stop cancels the schedule and waits for a running scout to finish.
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info("Signal source stopped")
}

// ScoutOnce runs one scouting cycle and returns how many signals were accepted.
func (s *Source) ScoutOnce() int {
	sigs, err := s.strategy.Scout(s.ctx)
	if err != nil {
		s.logger.Error("Scout failed", zap.Error(err))
		return 0
	}
	accepted := 0
	for _, sig := range sigs {
		adm := s.sink(sig)
		if adm.Accepted {
			accepted++
			continue
		}
		s.logger.Debug("Signal not admitted",
			zap.String("symbol", sig.Symbol),
			zap.String("reason", string(adm.Reason)))
	}
	return accepted
}
