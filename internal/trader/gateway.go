package trader

import (
	"context"

	"go.uber.org/multierr"
)

// Gateway durably records engine events. Calls are best-effort: the engine
// never blocks on them and never retries.
type Gateway interface {
	OnPositionOpen(ctx context.Context, position Position) error
	OnPositionClose(ctx context.Context, position Position) error
	OnSessionUpdate(ctx context.Context, sessionID string, stats Stats) error
}

// Learner consumes closed-trade outcomes and re-weights confidence.
type Learner interface {
	RecordOutcome(symbol string, confidence, profitLoss float64) error
	AdjustConfidence(symbol string, base float64) float64
}

// PriceSource supplies the current price for admission.
type PriceSource interface {
	Price(symbol string) (float64, bool)
}

// fanout delivers every event to each gateway in turn.
type fanout []Gateway

// ensure fanout implements the interface
var _ Gateway = fanout(nil)

// Fanout combines gateways; one failing does not stop the others and all
// errors are returned together.
func Fanout(gateways ...Gateway) Gateway {
	out := make(fanout, 0, len(gateways))
	for _, g := range gateways {
		if g != nil {
			out = append(out, g)
		}
	}
	return out
}

func (f fanout) OnPositionOpen(ctx context.Context, position Position) error {
	var err error
	for _, g := range f {
		err = multierr.Append(err, g.OnPositionOpen(ctx, position))
	}
	return err
}

func (f fanout) OnPositionClose(ctx context.Context, position Position) error {
	var err error
	for _, g := range f {
		err = multierr.Append(err, g.OnPositionClose(ctx, position))
	}
	return err
}

func (f fanout) OnSessionUpdate(ctx context.Context, sessionID string, stats Stats) error {
	var err error
	for _, g := range f {
		err = multierr.Append(err, g.OnSessionUpdate(ctx, sessionID, stats))
	}
	return err
}
