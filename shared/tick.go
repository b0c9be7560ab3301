package shared

import (
	"fmt"
	"math"
	"time"
)

// Tick represents a single price update for an instrument.
type Tick struct {
	Symbol    string
	Exchange  string
	Timestamp time.Time
	Price     float64
	// Quantity is the last traded quantity, nil when the feed omits it.
	Quantity *float64
	// CumulativeVolume is the session volume counter, nil when the feed omits it.
	CumulativeVolume *float64
	// Sequence is the feed sequence number, nil when the feed omits it.
	Sequence *int64
}

// NewTick initializes a validated tick.
func NewTick(symbol string, exchange string, ts time.Time, price float64) (*Tick, error) {
	tick := &Tick{
		Symbol:    symbol,
		Exchange:  exchange,
		Timestamp: ts,
		Price:     price,
	}

	err := tick.Validate()
	if err != nil {
		return nil, err
	}

	return tick, nil
}

// WithQuantity sets the last traded quantity of the tick.
func (t *Tick) WithQuantity(qty float64) *Tick {
	t.Quantity = &qty
	return t
}

// WithCumulativeVolume sets the cumulative volume of the tick.
func (t *Tick) WithCumulativeVolume(vol float64) *Tick {
	t.CumulativeVolume = &vol
	return t
}

// WithSequence sets the feed sequence number of the tick.
func (t *Tick) WithSequence(seq int64) *Tick {
	t.Sequence = &seq
	return t
}

// Validate asserts the tick is usable for aggregation.
func (t *Tick) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("tick symbol cannot be an empty string")
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("%w: tick for %s has no timestamp", ErrInvalidTimestamp, t.Symbol)
	}
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 {
		return fmt.Errorf("tick price for %s must be a positive number, got %v", t.Symbol, t.Price)
	}

	return nil
}
