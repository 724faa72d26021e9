// Package backtest replays historical bar data through trading strategies
// and computes per-run performance metrics.
package backtest

import (
	"sort"

	"marlin/internal/domain"
)

// Signal is a strategy's reaction to a single bar.
type Signal int

const (
	SignalHold Signal = iota
	SignalBuy
	SignalSell
)

// Strategy consumes one symbol's bars in timestamp order and emits trading
// signals. Implementations are stateful and must not be shared across
// concurrent runs; the Registry hands out a fresh instance per run.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// OnBar is called for each bar in sequence and returns the signal to act
	// on at that bar's close.
	OnBar(bar domain.Bar) Signal
}

// Factory constructs a fresh Strategy instance.
type Factory func() Strategy

// Registry holds a named collection of strategy factories for lookup and
// enumeration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry returns a Registry with the built-in strategies registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("sma-cross", func() Strategy { return NewSMACross(20, 50) })
	r.Register("buy-and-hold", func() Strategy { return NewBuyAndHold() })
	return r
}

// Register adds a strategy factory under the given name.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// New instantiates the named strategy. The second return value indicates
// whether the name is registered.
func (r *Registry) New(name string) (Strategy, bool) {
	f, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	return f(), true
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// Built-in strategies
// ---------------------------------------------------------------------------

// Compile-time interface checks.
var (
	_ Strategy = (*SMACross)(nil)
	_ Strategy = (*BuyAndHold)(nil)
)

// SMACross implements a simple moving average crossover strategy. It signals
// a buy when the short-period SMA crosses above the long-period SMA, and a
// sell when it crosses below.
type SMACross struct {
	shortPeriod int
	longPeriod  int

	closes    []float64
	prevAbove bool
	primed    bool
}

// NewSMACross creates an SMACross strategy with the specified short and long
// moving average periods.
func NewSMACross(short, long int) *SMACross {
	if short < 1 {
		short = 1
	}
	if long <= short {
		long = short + 1
	}
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
	}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// OnBar appends the bar's close to the price history and signals on short/long
// SMA crossovers once both averages are available.
func (s *SMACross) OnBar(bar domain.Bar) Signal {
	s.closes = append(s.closes, bar.Close)
	if len(s.closes) < s.longPeriod {
		return SignalHold
	}

	above := sma(s.closes, s.shortPeriod) > sma(s.closes, s.longPeriod)
	defer func() {
		s.prevAbove = above
		s.primed = true
	}()

	if !s.primed {
		// First bar with both averages available establishes the baseline.
		return SignalHold
	}
	switch {
	case above && !s.prevAbove:
		return SignalBuy
	case !above && s.prevAbove:
		return SignalSell
	}
	return SignalHold
}

// sma averages the last period values of closes. The caller guarantees
// len(closes) >= period.
func sma(closes []float64, period int) float64 {
	sum := 0.0
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return sum / float64(period)
}

// BuyAndHold buys on the first bar and never sells.
type BuyAndHold struct {
	bought bool
}

// NewBuyAndHold creates a BuyAndHold strategy.
func NewBuyAndHold() *BuyAndHold {
	return &BuyAndHold{}
}

// Name returns "buy-and-hold".
func (s *BuyAndHold) Name() string {
	return "buy-and-hold"
}

// OnBar signals a buy on the first bar and holds thereafter.
func (s *BuyAndHold) OnBar(_ domain.Bar) Signal {
	if s.bought {
		return SignalHold
	}
	s.bought = true
	return SignalBuy
}
