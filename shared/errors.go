package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTimestamp is returned for timestamps that cannot be bucketed.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	// ErrMissingToken is returned when an operation requires an access token.
	ErrMissingToken = errors.New("access token cannot be an empty string")
	// ErrNoInstruments is returned when an instrument selection resolves to nothing.
	ErrNoInstruments = errors.New("no instruments selected")
	// ErrNotReady is returned when streaming is requested before history is complete.
	ErrNotReady = errors.New("historical data is not complete")
	// ErrInvalidTransition is returned for illegal trading state transitions.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAlreadyProcessing is returned when the fetch scheduler is already draining.
	ErrAlreadyProcessing = errors.New("fetch scheduler is already processing")
	// ErrStreaming is returned when a stream is started while another is active.
	ErrStreaming = errors.New("stream already active")
)

// FetchError is the terminal error of a backfill request once retries are exhausted.
type FetchError struct {
	Symbol    string
	Timeframe Timeframe
	Attempts  int
	Err       error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s %s candles failed after %d attempt(s): %v",
		e.Symbol, e.Timeframe.String(), e.Attempts, e.Err)
}

// Unwrap returns the last underlying error.
func (e *FetchError) Unwrap() error {
	return e.Err
}
