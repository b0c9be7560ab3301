package shared

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
)

func TestNewFetchRequest(t *testing.T) {
	instrument := Instrument{Symbol: "TCS", Key: "NSE_EQ|INE467B01029"}
	to := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	from := to.AddDate(0, 0, -5)

	// Ensure a valid request carries an id and its timeframe priority.
	req, err := NewFetchRequest(instrument, FifteenMinute, from, to)
	assert.NoError(t, err)
	assert.NotEqual(t, req.ID, "")
	assert.Equal(t, req.Priority, FifteenMinute.Priority())

	// Ensure ids are unique per request.
	other, err := NewFetchRequest(instrument, FifteenMinute, from, to)
	assert.NoError(t, err)
	assert.NotEqual(t, req.ID, other.ID)

	// Ensure invalid requests are rejected.
	_, err = NewFetchRequest(Instrument{Key: "k"}, OneDay, from, to)
	assert.Error(t, err)
	_, err = NewFetchRequest(Instrument{Symbol: "TCS"}, OneDay, from, to)
	assert.Error(t, err)
	_, err = NewFetchRequest(instrument, Timeframe(12), from, to)
	assert.Error(t, err)
	_, err = NewFetchRequest(instrument, OneDay, to, from)
	assert.Error(t, err)
}

func TestGroupResults(t *testing.T) {
	results := []FetchResult{
		{Request: FetchRequest{Timeframe: OneDay}, Success: true, CandleCount: 30},
		{Request: FetchRequest{Timeframe: OneMinute}, Success: false, Err: "boom"},
		{Request: FetchRequest{Timeframe: OneDay}, Success: true, CandleCount: 29},
	}

	grouped := GroupResults(results)
	assert.Equal(t, len(grouped), 2)
	assert.Equal(t, len(grouped[OneDay]), 2)
	assert.Equal(t, len(grouped[OneMinute]), 1)
	assert.Equal(t, CountSuccessful(results), 2)
}
