package integrity

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dnldd/candlekeep/shared"
)

// TradingState represents the readiness state of the trading pipeline.
type TradingState int

const (
	Uninitialized TradingState = iota
	InstrumentsLoaded
	HistoricalFetching
	HistoricalComplete
	HistoricalIncomplete
	StreamingActive
	Recovery
	Halted
)

// String stringifies the provided trading state.
func (s TradingState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case InstrumentsLoaded:
		return "instruments loaded"
	case HistoricalFetching:
		return "historical fetching"
	case HistoricalComplete:
		return "historical complete"
	case HistoricalIncomplete:
		return "historical incomplete"
	case StreamingActive:
		return "streaming active"
	case Recovery:
		return "recovery"
	case Halted:
		return "halted"
	default:
		return "unknown"
	}
}

// transitions lists the legal target states of every state.
var transitions = map[TradingState][]TradingState{
	Uninitialized:        {InstrumentsLoaded},
	InstrumentsLoaded:    {InstrumentsLoaded, HistoricalFetching},
	HistoricalFetching:   {HistoricalComplete, HistoricalIncomplete},
	HistoricalComplete:   {StreamingActive, HistoricalFetching},
	HistoricalIncomplete: {HistoricalFetching},
	StreamingActive:      {Recovery, HistoricalComplete},
	Recovery:             {StreamingActive, HistoricalComplete},
	Halted:               {InstrumentsLoaded},
}

// Tracker tracks the trading state and the per-instrument streaming flags.
type Tracker struct {
	state     TradingState
	changed   time.Time
	streaming map[string]bool
	mtx       sync.RWMutex
}

// NewTracker initializes an uninitialized state tracker.
func NewTracker() *Tracker {
	return &Tracker{
		state:     Uninitialized,
		changed:   time.Now(),
		streaming: make(map[string]bool),
	}
}

// State returns the current trading state and the time it was entered.
func (t *Tracker) State() (TradingState, time.Time) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.state, t.changed
}

// Transition moves the tracker to the provided state if the transition is legal.
func (t *Tracker) Transition(to TradingState) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if !slices.Contains(transitions[t.state], to) {
		return fmt.Errorf("%w: %s -> %s", shared.ErrInvalidTransition, t.state.String(), to.String())
	}

	t.state = to
	t.changed = time.Now()

	return nil
}

// Halt forces the tracker into the inert halted state, clearing every streaming flag.
func (t *Tracker) Halt() {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.state = Halted
	t.changed = time.Now()
	clear(t.streaming)
}

// CanStream returns ErrNotReady unless historical data is complete.
func (t *Tracker) CanStream() error {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	if t.state != HistoricalComplete {
		return fmt.Errorf("%w: trading state is %s", shared.ErrNotReady, t.state.String())
	}

	return nil
}

// SetStreaming sets the streaming flag of the provided symbols.
func (t *Tracker) SetStreaming(streaming bool, symbols ...string) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	for _, symbol := range symbols {
		if streaming {
			t.streaming[symbol] = true
			continue
		}
		delete(t.streaming, symbol)
	}
}

// ClearStreaming clears every streaming flag.
func (t *Tracker) ClearStreaming() {
	t.mtx.Lock()
	clear(t.streaming)
	t.mtx.Unlock()
}

// Streaming returns the streaming flags keyed by symbol.
func (t *Tracker) Streaming() map[string]bool {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return maps.Clone(t.streaming)
}
