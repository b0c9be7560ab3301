package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/candlekeep/shared"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	// BaseURL is the upstox v3 api base url.
	BaseURL = "https://api.upstox.com/v3"
	// maxAttempts is the default number of attempts per backfill request.
	maxAttempts = 4
	// initialBackoff is the default delay before the first retry.
	initialBackoff = time.Millisecond * 500
	// requestsPerSecond is the default per-second request pacing.
	requestsPerSecond = 10
)

// ClientConfig represents the configuration for the backfill client.
type ClientConfig struct {
	// BaseURL is the historical candle api base url.
	BaseURL string
	// MaxAttempts is the number of attempts made per request before failing.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry, doubled per retry.
	InitialBackoff time.Duration
	// RequestsPerSecond paces every outbound attempt.
	RequestsPerSecond int
	// Clock buckets provider timestamps.
	Clock *shared.Clock
	// HTTPClient is the optional http client, a 10s timeout client is used when nil.
	HTTPClient *http.Client
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ClientConfig) Validate() error {
	var errs error

	if cfg.BaseURL == "" {
		errs = errors.Join(errs, fmt.Errorf("base url cannot be an empty string"))
	}
	if cfg.MaxAttempts < 0 {
		errs = errors.Join(errs, fmt.Errorf("max attempts cannot be negative"))
	}
	if cfg.RequestsPerSecond < 0 {
		errs = errors.Join(errs, fmt.Errorf("requests per second cannot be negative"))
	}
	if cfg.Clock == nil {
		errs = errors.Join(errs, fmt.Errorf("clock cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// statusError represents an unexpected http response status.
type statusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d (%s): %s", e.StatusCode,
		http.StatusText(e.StatusCode), e.Body)
}

// retryable checks whether the status warrants another attempt.
func (e *statusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Client represents the historical candle api client.
type Client struct {
	cfg      *ClientConfig
	httpc    *http.Client
	limiter  *rate.Limiter
	token    string
	tokenMtx sync.RWMutex
}

// Ensure the client implements the HistoricalFetcher interface.
var _ shared.HistoricalFetcher = (*Client)(nil)

// NewClient instantiates a new backfill client.
func NewClient(cfg *ClientConfig) (*Client, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = initialBackoff
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = requestsPerSecond
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: time.Second * 10}
	}

	return &Client{
		cfg:     cfg,
		httpc:   httpc,
		limiter: rate.NewLimiter(rate.Every(time.Second/time.Duration(cfg.RequestsPerSecond)), 1),
	}, nil
}

// SetAccessToken sets the bearer token used for subsequent requests.
func (c *Client) SetAccessToken(token string) {
	c.tokenMtx.Lock()
	c.token = token
	c.tokenMtx.Unlock()
}

// accessToken returns the current bearer token.
func (c *Client) accessToken() string {
	c.tokenMtx.RLock()
	defer c.tokenMtx.RUnlock()
	return c.token
}

// formURL creates full urls for the api from the provided path segments.
func (c *Client) formURL(segments ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(c.cfg.BaseURL, "/"))
	for _, segment := range segments {
		b.WriteString("/")
		b.WriteString(url.PathEscape(segment))
	}

	return b.String()
}

// FetchHistorical fetches completed candles for the provided date range.
func (c *Client) FetchHistorical(ctx context.Context, instrument shared.Instrument, timeframe shared.Timeframe, from time.Time, to time.Time) ([]shared.Candle, error) {
	if c.accessToken() == "" {
		return nil, shared.ErrMissingToken
	}

	unit, interval := timeframe.Unit()
	if unit == "" {
		return nil, fmt.Errorf("unknown timeframe provided: %s", timeframe.String())
	}
	if to.Before(from) {
		return nil, fmt.Errorf("historical range end %v is before start %v", to, from)
	}

	loc := c.cfg.Clock.Location()
	formedURL := c.formURL("historical-candle", instrument.Key, unit, fmt.Sprint(interval),
		to.In(loc).Format(shared.DateLayout), from.In(loc).Format(shared.DateLayout))

	body, err := c.fetch(ctx, instrument.Symbol, timeframe, formedURL)
	if err != nil {
		return nil, err
	}

	return c.ParseCandles(body, instrument.Symbol, timeframe)
}

// FetchIntraday fetches the current session's candles.
func (c *Client) FetchIntraday(ctx context.Context, instrument shared.Instrument, timeframe shared.Timeframe) ([]shared.Candle, error) {
	if c.accessToken() == "" {
		return nil, shared.ErrMissingToken
	}

	unit, interval := timeframe.Unit()
	if unit == "" {
		return nil, fmt.Errorf("unknown timeframe provided: %s", timeframe.String())
	}

	formedURL := c.formURL("historical-candle", "intraday", instrument.Key, unit, fmt.Sprint(interval))

	body, err := c.fetch(ctx, instrument.Symbol, timeframe, formedURL)
	if err != nil {
		return nil, err
	}

	return c.ParseCandles(body, instrument.Symbol, timeframe)
}

// fetch issues the request, retrying transient failures with exponential backoff.
func (c *Client) fetch(ctx context.Context, symbol string, timeframe shared.Timeframe, formedURL string) ([]byte, error) {
	var body []byte
	var attempts int

	operation := func() error {
		attempts++

		err := c.limiter.Wait(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, formedURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.accessToken())

		resp, err := c.httpc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			statusErr := &statusError{StatusCode: resp.StatusCode, Body: string(data)}
			if statusErr.retryable() {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		body = data
		return nil
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = c.cfg.InitialBackoff
	strategy.Multiplier = 2
	strategy.RandomizationFactor = 0
	strategy.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(strategy, uint64(c.cfg.MaxAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		c.cfg.Logger.Warn().Msgf("fetching %s %s candles (attempt %d/%d), retrying in %s: %v",
			symbol, timeframe.String(), attempts, c.cfg.MaxAttempts, wait, err)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil {
		return nil, &shared.FetchError{
			Symbol:    symbol,
			Timeframe: timeframe,
			Attempts:  attempts,
			Err:       err,
		}
	}

	return body, nil
}

// candleRows extracts the candle rows from the supported response envelopes.
func candleRows(body []byte) ([]gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("response body is not valid json")
	}

	if gjson.GetBytes(body, "status").String() == "error" {
		msg := gjson.GetBytes(body, "errors.0.message").String()
		return nil, fmt.Errorf("provider error: %s", msg)
	}

	for _, path := range []string{"data.candles", "data"} {
		res := gjson.GetBytes(body, path)
		if res.IsArray() {
			return res.Array(), nil
		}
	}

	res := gjson.ParseBytes(body)
	if res.IsArray() {
		return res.Array(), nil
	}

	return nil, fmt.Errorf("no candle rows found in response")
}

// parseRowTime parses a provider row timestamp, either RFC3339 or epoch milliseconds.
func parseRowTime(v gjson.Result) (time.Time, error) {
	switch v.Type {
	case gjson.String:
		return time.Parse(time.RFC3339, v.String())
	case gjson.Number:
		return time.UnixMilli(v.Int()), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %s", v.Type.String())
	}
}

// parseRow normalizes a provider candle row, re-deriving the bucket from its timestamp.
func (c *Client) parseRow(row gjson.Result, symbol string, timeframe shared.Timeframe) (*shared.Candle, error) {
	if !row.IsArray() {
		return nil, fmt.Errorf("candle row is not an array")
	}

	fields := row.Array()
	if len(fields) < 6 {
		return nil, fmt.Errorf("expected at least 6 candle fields, got %d", len(fields))
	}

	ts, err := parseRowTime(fields[0])
	if err != nil {
		return nil, fmt.Errorf("parsing candle timestamp: %w", err)
	}

	values := make([]float64, 5)
	for idx := range values {
		field := fields[idx+1]
		if field.Type != gjson.Number {
			return nil, fmt.Errorf("candle field %d is not numeric", idx+1)
		}
		values[idx] = field.Float()
	}

	start, end, err := c.cfg.Clock.Bucket(ts, timeframe)
	if err != nil {
		return nil, err
	}

	candle := &shared.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		Start:     start,
		End:       end,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}

	err = candle.Validate()
	if err != nil {
		return nil, err
	}

	return candle, nil
}

// ParseCandles parses and normalizes candles from the provided response body, skipping
// malformed rows.
func (c *Client) ParseCandles(body []byte, symbol string, timeframe shared.Timeframe) ([]shared.Candle, error) {
	rows, err := candleRows(body)
	if err != nil {
		return nil, fmt.Errorf("parsing %s %s candles: %w", symbol, timeframe.String(), err)
	}

	candles := make([]shared.Candle, 0, len(rows))
	for idx := range rows {
		candle, err := c.parseRow(rows[idx], symbol, timeframe)
		if err != nil {
			c.cfg.Logger.Warn().Msgf("skipping malformed %s %s candle row %d: %v",
				symbol, timeframe.String(), idx, err)
			c.cfg.Logger.Debug().Msgf("malformed row: %s", spew.Sdump(rows[idx].Raw))
			continue
		}

		candles = append(candles, *candle)
	}

	// Providers return the most recent candle first.
	slices.SortStableFunc(candles, func(a, b shared.Candle) int {
		return a.Start.Compare(b.Start)
	})

	return candles, nil
}
