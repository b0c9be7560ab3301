package fetch

import (
	"context"
	"sync"
	"time"
)

const (
	// windowLimit is the default number of requests allowed per window.
	windowLimit = 25
	// windowDuration is the default sliding window length.
	windowDuration = time.Minute
	// windowBuffer is the default slack added when waiting for the window to open.
	windowBuffer = time.Second
)

// WindowConfig represents the sliding window limiter configuration.
type WindowConfig struct {
	// Limit is the number of requests allowed per window.
	Limit int
	// Window is the length of the sliding window.
	Window time.Duration
	// Buffer is added to every wait for the oldest request to exit the window.
	Buffer time.Duration
	// Now returns the current time, time.Now when nil.
	Now func() time.Time
	// Sleep blocks for the provided duration or until the context is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// SlidingWindow limits issued requests to a fixed number within a sliding window.
type SlidingWindow struct {
	cfg    WindowConfig
	issued []time.Time
	mtx    sync.Mutex
}

// sleep blocks for the provided duration or until the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewSlidingWindow initializes a sliding window limiter, zero config fields take defaults.
func NewSlidingWindow(cfg WindowConfig) *SlidingWindow {
	if cfg.Limit <= 0 {
		cfg.Limit = windowLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = windowDuration
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}

	return &SlidingWindow{
		cfg:    cfg,
		issued: make([]time.Time, 0, cfg.Limit),
	}
}

// prune drops issued timestamps that have left the window. It must be called with
// the window lock held.
func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.cfg.Window)
	idx := 0
	for idx < len(w.issued) && !w.issued[idx].After(cutoff) {
		idx++
	}

	w.issued = w.issued[idx:]
}

// Acquire blocks until a request can be issued within the window budget and records it.
// It returns the total time spent waiting.
func (w *SlidingWindow) Acquire(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	for {
		w.mtx.Lock()
		now := w.cfg.Now()
		w.prune(now)
		if len(w.issued) < w.cfg.Limit {
			w.issued = append(w.issued, now)
			w.mtx.Unlock()
			return waited, nil
		}

		wait := w.issued[0].Add(w.cfg.Window).Sub(now) + w.cfg.Buffer
		w.mtx.Unlock()

		err := w.cfg.Sleep(ctx, wait)
		if err != nil {
			return waited, err
		}
		waited += wait
	}
}

// InWindow returns the number of requests issued within the current window.
func (w *SlidingWindow) InWindow() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	w.prune(w.cfg.Now())
	return len(w.issued)
}
