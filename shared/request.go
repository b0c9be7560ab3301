package shared

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FetchRequest represents a queued backfill request for one instrument and timeframe.
type FetchRequest struct {
	ID         string
	Instrument Instrument
	Timeframe  Timeframe
	From       time.Time
	To         time.Time
	Priority   int
}

// NewFetchRequest initializes a validated fetch request.
func NewFetchRequest(instrument Instrument, timeframe Timeframe, from time.Time, to time.Time) (*FetchRequest, error) {
	if instrument.Symbol == "" {
		return nil, fmt.Errorf("fetch request symbol cannot be an empty string")
	}
	if instrument.Key == "" {
		return nil, fmt.Errorf("fetch request instrument key for %s cannot be an empty string", instrument.Symbol)
	}
	if !timeframe.Valid() {
		return nil, fmt.Errorf("unknown timeframe provided: %s", timeframe.String())
	}
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return nil, fmt.Errorf("invalid fetch range for %s: %v -> %v", instrument.Symbol, from, to)
	}

	return &FetchRequest{
		ID:         uuid.New().String(),
		Instrument: instrument,
		Timeframe:  timeframe,
		From:       from,
		To:         to,
		Priority:   timeframe.Priority(),
	}, nil
}

// FetchResult represents the outcome of a processed fetch request.
type FetchResult struct {
	Request     FetchRequest
	Success     bool
	CandleCount int
	Err         string
}

// GroupResults groups the provided fetch results by timeframe.
func GroupResults(results []FetchResult) map[Timeframe][]FetchResult {
	grouped := make(map[Timeframe][]FetchResult)
	for idx := range results {
		tf := results[idx].Request.Timeframe
		grouped[tf] = append(grouped[tf], results[idx])
	}

	return grouped
}

// CountSuccessful returns the number of successful fetch results.
func CountSuccessful(results []FetchResult) int {
	var count int
	for idx := range results {
		if results[idx].Success {
			count++
		}
	}

	return count
}

// Gap represents a missing trading session for an instrument and timeframe.
type Gap struct {
	Instrument Instrument
	Timeframe  Timeframe
	Start      time.Time
	End        time.Time
}

// CompletenessStatus represents the historical completeness of the selected instruments.
type CompletenessStatus struct {
	TotalInstruments     int
	CompleteInstruments  int
	GapCount             int
	RecoveryInProgress   bool
	ReadyForTrading      bool
	CompletionPercentage float64
	Gaps                 []Gap
	CheckedAt            time.Time
}
