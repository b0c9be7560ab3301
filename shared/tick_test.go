package shared

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
)

func TestNewTick(t *testing.T) {
	now := time.Now()

	// Ensure a valid tick can be created with optional fields.
	tick, err := NewTick("INFY", "NSE", now, 1520.5)
	assert.NoError(t, err)
	tick.WithQuantity(10).WithCumulativeVolume(2500).WithSequence(7)
	assert.Equal(t, *tick.Quantity, 10.0)
	assert.Equal(t, *tick.CumulativeVolume, 2500.0)
	assert.Equal(t, *tick.Sequence, int64(7))

	// Ensure a tick without a symbol is rejected.
	_, err = NewTick("", "NSE", now, 10)
	assert.Error(t, err)

	// Ensure a tick without a timestamp is rejected.
	_, err = NewTick("INFY", "NSE", time.Time{}, 10)
	assert.True(t, errors.Is(err, ErrInvalidTimestamp))

	// Ensure non positive or non finite prices are rejected.
	_, err = NewTick("INFY", "NSE", now, 0)
	assert.Error(t, err)
	_, err = NewTick("INFY", "NSE", now, math.Inf(1))
	assert.Error(t, err)
}
