package database

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dnldd/candlekeep/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
)

func TestRQLiteConfigValidate(t *testing.T) {
	loc, err := time.LoadLocation(shared.IndiaLocation)
	assert.NoError(t, err)

	baseCfg := &RQLiteConfig{
		Endpoint: "http://localhost:4001",
		Location: loc,
		Logger:   &log.Logger,
	}

	tests := []struct {
		name        string
		modify      func(cfg *RQLiteConfig)
		wantErr     bool
		errContains []string
	}{
		{
			name:    "valid config returns nil",
			modify:  func(cfg *RQLiteConfig) {},
			wantErr: false,
		},
		{
			name:        "missing Endpoint",
			modify:      func(cfg *RQLiteConfig) { cfg.Endpoint = "" },
			wantErr:     true,
			errContains: []string{"rqlite endpoint cannot be an empty string"},
		},
		{
			name: "multiple missing fields",
			modify: func(cfg *RQLiteConfig) {
				*cfg = RQLiteConfig{}
			},
			wantErr: true,
			errContains: []string{
				"rqlite endpoint cannot be an empty string",
				"location cannot be nil",
				"logger cannot be nil",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *baseCfg
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				for _, substr := range tt.errContains {
					assert.True(t, strings.Contains(err.Error(), substr))
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRQLiteStore(t *testing.T) {
	loc, err := time.LoadLocation(shared.IndiaLocation)
	assert.NoError(t, err)

	start := time.Date(2025, 1, 6, 9, 15, 0, 0, loc)
	queryResp := `{"results":[{"columns":["symbol","timeframe","bucketstart","bucketend","open","high","low","close","volume","tickcount"],` +
		`"types":["text","text","integer","integer","real","real","real","real","real","integer"],` +
		`"values":[["INFY","1m",` + strconv.FormatInt(start.Add(time.Minute).UnixMilli(), 10) + `,` + strconv.FormatInt(start.Add(time.Minute*2).UnixMilli(), 10) + `,101,102,100,101.5,20,2],` +
		`["INFY","1m",` + strconv.FormatInt(start.UnixMilli(), 10) + `,` + strconv.FormatInt(start.Add(time.Minute).UnixMilli(), 10) + `,100,101,99,100.5,10,1],` +
		`["INFY","bogus",1,2,1,1,1,1,1,1]]}]}`

	var executed int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/db/execute":
			executed++
			w.Write([]byte(`{"results":[{"rows_affected":1}]}`))
		case "/db/query":
			w.Write([]byte(queryResp))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	ctx := context.Background()

	// Ensure the store bootstraps its tables on creation.
	store, err := NewRQLite(ctx, &RQLiteConfig{
		Endpoint: server.URL,
		Location: loc,
		Logger:   &log.Logger,
	})
	assert.NoError(t, err)
	assert.Equal(t, executed, 1)

	// Ensure candle upserts are executed.
	candles := testCandles(loc)
	assert.NoError(t, store.StoreCandles(ctx, candles))
	assert.NoError(t, store.StoreCandle(ctx, &candles[0]))
	assert.Equal(t, executed, 3)

	// Ensure queried rows are parsed ascending and malformed rows are skipped.
	got, err := store.GetCandles(ctx, shared.CandleQuery{Symbol: "INFY", Timeframe: shared.OneMinute})
	assert.NoError(t, err)
	assert.Equal(t, len(got), 2)
	assert.True(t, got[0].Start.Equal(start))
	assert.Equal(t, got[0].Close, 100.5)
	assert.Equal(t, got[1].TickCount, int64(2))
	assert.Equal(t, got[1].Start.Location().String(), shared.IndiaLocation)
}
