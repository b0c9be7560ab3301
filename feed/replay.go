package feed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/dnldd/candlekeep/shared"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"
)

// ReplayConfig represents the recorded tick replay configuration.
type ReplayConfig struct {
	// FilePath is the filepath to the recorded ticks.
	FilePath string
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ReplayConfig) Validate() error {
	var errs error

	if cfg.FilePath == "" {
		errs = errors.Join(errs, fmt.Errorf("file path cannot be an empty string"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Replay streams recorded ticks through the feed contract for offline runs. The
// recording is replayed once, starting with the first subscription.
type Replay struct {
	cfg        *ReplayConfig
	recorded   []shared.Tick
	ticks      chan shared.Tick
	events     chan shared.ConnectionEvent
	subscribed map[string]bool
	subMtx     sync.RWMutex
	connected  *atomic.Bool
	runCtx     context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	startOnce  sync.Once
}

// Ensure the replay implements the Feed interface.
var _ shared.Feed = (*Replay)(nil)

// loadRecordedTicks loads the recorded ticks from the provided file path.
func loadRecordedTicks(filepath string) ([]shared.Tick, error) {
	readb, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("reading recorded ticks from file with path '%s': %w", filepath, err)
	}

	if !gjson.ValidBytes(readb) {
		return nil, fmt.Errorf("recorded ticks file '%s' is not valid json", filepath)
	}

	data := gjson.GetBytes(readb, "ticks").Array()
	ticks := make([]shared.Tick, 0, len(data))
	for idx := range data {
		entry := data[idx]

		ts, err := time.Parse(time.RFC3339, entry.Get("timestamp").String())
		if err != nil {
			return nil, fmt.Errorf("parsing tick %d timestamp: %w", idx, err)
		}

		tick, err := shared.NewTick(entry.Get("symbol").String(), entry.Get("exchange").String(),
			ts, entry.Get("price").Float())
		if err != nil {
			return nil, fmt.Errorf("parsing tick %d: %w", idx, err)
		}

		qty := entry.Get("quantity")
		if qty.Exists() {
			tick.WithQuantity(qty.Float())
		}
		vol := entry.Get("cumulative_volume")
		if vol.Exists() {
			tick.WithCumulativeVolume(vol.Float())
		}
		seq := entry.Get("sequence")
		if seq.Exists() {
			tick.WithSequence(seq.Int())
		}

		ticks = append(ticks, *tick)
	}

	if len(ticks) == 0 {
		return nil, fmt.Errorf("no recorded ticks found in '%s'", filepath)
	}

	slices.SortStableFunc(ticks, func(a, b shared.Tick) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	return ticks, nil
}

// NewReplay initializes a new recorded tick replay.
func NewReplay(cfg *ReplayConfig) (*Replay, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating replay config: %w", err)
	}

	recorded, err := loadRecordedTicks(cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("loading recorded ticks: %w", err)
	}

	return &Replay{
		cfg:        cfg,
		recorded:   recorded,
		ticks:      make(chan shared.Tick, bufferSize),
		events:     make(chan shared.ConnectionEvent, bufferSize),
		subscribed: make(map[string]bool),
		connected:  atomic.NewBool(false),
		done:       make(chan struct{}),
	}, nil
}

// Ticks returns the channel ticks are published on.
func (r *Replay) Ticks() <-chan shared.Tick {
	return r.ticks
}

// Events returns the channel connection transitions are published on.
func (r *Replay) Events() <-chan shared.ConnectionEvent {
	return r.events
}

// Done returns a channel closed once the replay stops.
func (r *Replay) Done() <-chan struct{} {
	return r.done
}

// StartTime returns the time of the first recorded tick.
func (r *Replay) StartTime() time.Time {
	return r.recorded[0].Timestamp
}

// sendEvent relays the provided connection event.
func (r *Replay) sendEvent(event shared.ConnectionEvent) {
	select {
	case r.events <- event:
		// do nothing.
	default:
		r.cfg.Logger.Error().Msgf("connection event channel at capacity: %d/%d",
			len(r.events), bufferSize)
	}
}

// Connect marks the replay as connected, the token is not used.
func (r *Replay) Connect(ctx context.Context, token string) error {
	if !r.connected.CAS(false, true) {
		return fmt.Errorf("replay already connected")
	}

	r.runCtx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.sendEvent(shared.ConnectionEvent{Status: shared.Connected, Time: time.Now()})

	return nil
}

// Subscribe starts replaying the recorded ticks of the provided instruments.
func (r *Replay) Subscribe(ctx context.Context, instruments []shared.Instrument, mode string) error {
	if !r.connected.Load() {
		return fmt.Errorf("replay not connected")
	}
	if len(instruments) == 0 {
		return shared.ErrNoInstruments
	}

	r.subMtx.Lock()
	for _, instrument := range instruments {
		r.subscribed[instrument.Symbol] = true
	}
	r.subMtx.Unlock()

	r.startOnce.Do(func() {
		go r.replay(r.runCtx)
	})

	return nil
}

// Unsubscribe stops replaying the ticks of the provided instruments.
func (r *Replay) Unsubscribe(ctx context.Context, instruments []shared.Instrument) error {
	r.subMtx.Lock()
	for _, instrument := range instruments {
		delete(r.subscribed, instrument.Symbol)
	}
	r.subMtx.Unlock()

	return nil
}

// isSubscribed checks whether the provided symbol is subscribed.
func (r *Replay) isSubscribed(symbol string) bool {
	r.subMtx.RLock()
	defer r.subMtx.RUnlock()
	return r.subscribed[symbol]
}

// replay streams the recorded ticks of subscribed symbols in timestamp order. The tick
// channel is closed once the recording is exhausted or the replay is stopped.
func (r *Replay) replay(ctx context.Context) {
	defer close(r.done)
	defer close(r.ticks)

	first := r.recorded[0].Timestamp
	last := r.recorded[len(r.recorded)-1].Timestamp
	r.cfg.Logger.Info().Msgf("replaying %d recorded ticks covering %.2f hours, from %s, to %s",
		len(r.recorded), last.Sub(first).Hours(), first.Format(time.RFC1123), last.Format(time.RFC1123))

	var sent int
	for idx := range r.recorded {
		tick := r.recorded[idx]
		if !r.isSubscribed(tick.Symbol) {
			continue
		}

		select {
		case r.ticks <- tick:
			sent++
		case <-ctx.Done():
			r.cfg.Logger.Info().Msgf("replay stopped after %d tick(s)", sent)
			return
		}
	}

	r.cfg.Logger.Info().Msgf("replay complete, %d tick(s) sent", sent)
}

// Disconnect stops the replay.
func (r *Replay) Disconnect() error {
	if !r.connected.CAS(true, false) {
		return nil
	}

	r.cancel()

	r.subMtx.Lock()
	clear(r.subscribed)
	r.subMtx.Unlock()

	r.sendEvent(shared.ConnectionEvent{Status: shared.Disconnected, Time: time.Now()})

	return nil
}
