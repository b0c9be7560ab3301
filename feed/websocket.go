package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dnldd/candlekeep/shared"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"
)

const (
	// AuthorizeURL is the market data feed authorization endpoint.
	AuthorizeURL = "https://api.upstox.com/v3/feed/market-data-feed/authorize"
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
	// reconnectDelay is the default delay before the first reconnect attempt.
	reconnectDelay = time.Second * 5
	// maxReconnectAttempts is the default number of reconnect attempts per disconnect.
	maxReconnectAttempts = 5
	// writeTimeout bounds every frame write.
	writeTimeout = time.Second * 10
)

// WebSocketConfig represents the websocket feed configuration.
type WebSocketConfig struct {
	// AuthorizeURL is the endpoint resolving the authorized feed url.
	AuthorizeURL string
	// ReconnectDelay is the delay before the first reconnect attempt, doubled per attempt.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts is the number of reconnect attempts per disconnect.
	MaxReconnectAttempts int
	// HTTPClient is the optional http client used for authorization.
	HTTPClient *http.Client
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *WebSocketConfig) Validate() error {
	var errs error

	if cfg.AuthorizeURL == "" {
		errs = errors.Join(errs, fmt.Errorf("authorize url cannot be an empty string"))
	}
	if cfg.ReconnectDelay < 0 {
		errs = errors.Join(errs, fmt.Errorf("reconnect delay cannot be negative"))
	}
	if cfg.MaxReconnectAttempts < 0 {
		errs = errors.Join(errs, fmt.Errorf("max reconnect attempts cannot be negative"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// WebSocket streams live ticks from the market data feed.
type WebSocket struct {
	cfg        *WebSocketConfig
	httpc      *http.Client
	ticks      chan shared.Tick
	events     chan shared.ConnectionEvent
	conn       *websocket.Conn
	connMtx    sync.Mutex
	token      string
	subscribed map[string]shared.Instrument
	mode       string
	subMtx     sync.RWMutex
	connected  *atomic.Bool
	running    *atomic.Bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// Ensure the websocket feed implements the Feed interface.
var _ shared.Feed = (*WebSocket)(nil)

// NewWebSocket initializes a new websocket feed.
func NewWebSocket(cfg *WebSocketConfig) (*WebSocket, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating websocket config: %w", err)
	}

	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = reconnectDelay
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = maxReconnectAttempts
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: time.Second * 30}
	}

	return &WebSocket{
		cfg:        cfg,
		httpc:      httpc,
		ticks:      make(chan shared.Tick, bufferSize),
		events:     make(chan shared.ConnectionEvent, bufferSize),
		subscribed: make(map[string]shared.Instrument),
		mode:       ModeLTPC,
		connected:  atomic.NewBool(false),
		running:    atomic.NewBool(false),
	}, nil
}

// Ticks returns the channel ticks are published on.
func (w *WebSocket) Ticks() <-chan shared.Tick {
	return w.ticks
}

// Events returns the channel connection transitions are published on.
func (w *WebSocket) Events() <-chan shared.ConnectionEvent {
	return w.events
}

// Connected checks whether the feed connection is currently up.
func (w *WebSocket) Connected() bool {
	return w.connected.Load()
}

// sendEvent relays the provided connection event.
func (w *WebSocket) sendEvent(event shared.ConnectionEvent) {
	select {
	case w.events <- event:
		// do nothing.
	default:
		w.cfg.Logger.Error().Msgf("connection event channel at capacity: %d/%d",
			len(w.events), bufferSize)
	}
}

// authorize resolves the authorized feed url for the provided token.
func (w *WebSocket) authorize(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.AuthorizeURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating authorize request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	client := *w.httpc
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("authorizing feed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading authorize response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		for _, path := range []string{"data.authorizedRedirectUri", "data.authorized_redirect_uri"} {
			uri := gjson.GetBytes(body, path).String()
			if uri != "" {
				return uri, nil
			}
		}
		return "", fmt.Errorf("no authorized feed url in authorize response")
	case http.StatusFound, http.StatusTemporaryRedirect:
		uri := resp.Header.Get("Location")
		if uri != "" {
			return uri, nil
		}
		return "", fmt.Errorf("no location in authorize redirect")
	default:
		return "", fmt.Errorf("unexpected authorize status %d: %s", resp.StatusCode, string(body))
	}
}

// dial authorizes and opens a new feed connection.
func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	uri, err := w.authorize(ctx, w.token)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+w.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, uri, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing feed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing feed: %w", err)
	}

	return conn, nil
}

// Connect authorizes and establishes the feed connection. Authorization and dial
// failures are returned without leaving any connection state behind.
func (w *WebSocket) Connect(ctx context.Context, token string) error {
	if token == "" {
		return shared.ErrMissingToken
	}
	if !w.running.CAS(false, true) {
		return fmt.Errorf("feed already connected")
	}

	w.token = token
	conn, err := w.dial(ctx)
	if err != nil {
		w.running.Store(false)
		return err
	}

	w.setConn(conn)
	w.sendEvent(shared.ConnectionEvent{Status: shared.Connected, Time: time.Now()})
	w.cfg.Logger.Info().Msg("feed connected")

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.maintain(runCtx, conn)

	return nil
}

// setConn replaces the active connection.
func (w *WebSocket) setConn(conn *websocket.Conn) {
	w.connMtx.Lock()
	w.conn = conn
	w.connMtx.Unlock()
	w.connected.Store(conn != nil)
}

// write sends the provided frame on the active connection.
func (w *WebSocket) write(data []byte) error {
	w.connMtx.Lock()
	defer w.connMtx.Unlock()

	if w.conn == nil {
		return fmt.Errorf("feed not connected")
	}

	err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}

	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// maintain reads the connection until it drops, then reconnects and resubscribes.
func (w *WebSocket) maintain(ctx context.Context, conn *websocket.Conn) {
	defer close(w.done)

	for {
		err := w.read(ctx, conn)
		w.setConn(nil)
		if ctx.Err() != nil {
			return
		}

		w.cfg.Logger.Warn().Msgf("feed connection dropped: %v", err)
		w.sendEvent(shared.ConnectionEvent{Status: shared.Disconnected, Err: err, Time: time.Now()})

		conn, err = w.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.cfg.Logger.Error().Msgf("reconnecting feed: %v", err)
				w.sendEvent(shared.ConnectionEvent{Status: shared.Disconnected, Err: err, Time: time.Now()})
			}
			w.running.Store(false)
			return
		}

		w.setConn(conn)
		err = w.resubscribe()
		if err != nil {
			w.cfg.Logger.Error().Msgf("resubscribing feed: %v", err)
		}

		w.cfg.Logger.Info().Msg("feed reconnected")
		w.sendEvent(shared.ConnectionEvent{Status: shared.Connected, Reconnect: true, Time: time.Now()})
	}
}

// reconnect dials the feed again with exponential backoff.
func (w *WebSocket) reconnect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	var attempts int

	operation := func() error {
		attempts++
		c, err := w.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = c
		return nil
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = w.cfg.ReconnectDelay
	strategy.Multiplier = 2
	strategy.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(strategy, uint64(w.cfg.MaxReconnectAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		w.cfg.Logger.Warn().Msgf("feed reconnect attempt %d/%d failed, retrying in %s: %v",
			attempts, w.cfg.MaxReconnectAttempts, wait, err)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// read decodes frames from the connection until it fails.
func (w *WebSocket) read(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		ticks, err := decodeFeed(data, w.resolve)
		if err != nil {
			w.cfg.Logger.Debug().Msgf("decoding feed frame: %v", err)
		}

		for idx := range ticks {
			select {
			case w.ticks <- ticks[idx]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// resolve maps a subscribed instrument key to its instrument.
func (w *WebSocket) resolve(key string) (shared.Instrument, bool) {
	w.subMtx.RLock()
	defer w.subMtx.RUnlock()

	instrument, ok := w.subscribed[key]
	return instrument, ok
}

// instrumentKeys returns the keys of the provided instruments.
func instrumentKeys(instruments []shared.Instrument) []string {
	keys := make([]string, 0, len(instruments))
	for _, instrument := range instruments {
		keys = append(keys, instrument.Key)
	}

	return keys
}

// Subscribe starts streaming ticks for the provided instruments.
func (w *WebSocket) Subscribe(ctx context.Context, instruments []shared.Instrument, mode string) error {
	if len(instruments) == 0 {
		return shared.ErrNoInstruments
	}
	if mode == "" {
		mode = ModeLTPC
	}

	data, err := encodeSubscription("sub", mode, instrumentKeys(instruments))
	if err != nil {
		return err
	}

	w.subMtx.Lock()
	for _, instrument := range instruments {
		w.subscribed[instrument.Key] = instrument
	}
	w.mode = mode
	w.subMtx.Unlock()

	err = w.write(data)
	if err != nil {
		return fmt.Errorf("subscribing %d instrument(s): %w", len(instruments), err)
	}

	w.cfg.Logger.Info().Msgf("subscribed to %d instrument(s) in %s mode", len(instruments), mode)

	return nil
}

// resubscribe restores the active subscriptions on a new connection.
func (w *WebSocket) resubscribe() error {
	w.subMtx.RLock()
	instruments := make([]shared.Instrument, 0, len(w.subscribed))
	for _, instrument := range w.subscribed {
		instruments = append(instruments, instrument)
	}
	mode := w.mode
	w.subMtx.RUnlock()

	if len(instruments) == 0 {
		return nil
	}

	data, err := encodeSubscription("sub", mode, instrumentKeys(instruments))
	if err != nil {
		return err
	}

	return w.write(data)
}

// Unsubscribe stops streaming ticks for the provided instruments.
func (w *WebSocket) Unsubscribe(ctx context.Context, instruments []shared.Instrument) error {
	if len(instruments) == 0 {
		return nil
	}

	w.subMtx.Lock()
	for _, instrument := range instruments {
		delete(w.subscribed, instrument.Key)
	}
	w.subMtx.Unlock()

	data, err := encodeSubscription("unsub", "", instrumentKeys(instruments))
	if err != nil {
		return err
	}

	err = w.write(data)
	if err != nil {
		return fmt.Errorf("unsubscribing %d instrument(s): %w", len(instruments), err)
	}

	return nil
}

// Disconnect terminates the feed connection and clears every subscription.
func (w *WebSocket) Disconnect() error {
	if !w.running.Load() && w.done == nil {
		return nil
	}

	if w.cancel != nil {
		w.cancel()
	}

	w.connMtx.Lock()
	conn := w.conn
	w.connMtx.Unlock()

	var errs error
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			errs = errors.Join(errs, err)
		}
		errs = errors.Join(errs, conn.Close())
	}

	if w.done != nil {
		<-w.done
		w.done = nil
	}

	w.setConn(nil)
	w.running.Store(false)

	w.subMtx.Lock()
	clear(w.subscribed)
	w.subMtx.Unlock()

	w.sendEvent(shared.ConnectionEvent{Status: shared.Disconnected, Time: time.Now()})
	w.cfg.Logger.Info().Msg("feed disconnected")

	return errs
}
