package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dnldd/candlekeep/shared"
	"github.com/gorilla/websocket"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

var testInstrument = shared.Instrument{Symbol: "RELIANCE", Key: "NSE_EQ|INE002A01018", Exchange: "NSE"}

const liveFeedFrame = `{"type":"live_feed","currentTs":"1736136005000","feeds":{
	"NSE_EQ|INE002A01018":{"ltpc":{"ltp":1250.5,"ltt":"1736136005000","ltq":"10","cp":1240}},
	"NSE_EQ|UNKNOWN":{"ltpc":{"ltp":10,"ltt":"1736136005000","ltq":"1"}}
}}`

// feedServer is a fake market data feed.
type feedServer struct {
	server     *httptest.Server
	upgrader   websocket.Upgrader
	frames     chan []byte
	conns      []*websocket.Conn
	connsMtx   sync.Mutex
	authStatus int
}

func newFeedServer(t *testing.T) *feedServer {
	fs := &feedServer{
		frames:     make(chan []byte, 16),
		authStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/feed/market-data-feed/authorize", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" || fs.authStatus != http.StatusOK {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"status":"error"}`))
			return
		}

		uri := "ws" + strings.TrimPrefix(fs.server.URL, "http") + "/ws"
		w.Write([]byte(`{"status":"success","data":{"authorizedRedirectUri":"` + uri + `"}}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		fs.connsMtx.Lock()
		fs.conns = append(fs.conns, conn)
		fs.connsMtx.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fs.frames <- data
		}
	})

	fs.server = httptest.NewServer(mux)
	t.Cleanup(fs.server.Close)

	return fs
}

// latest returns the most recent feed connection.
func (fs *feedServer) latest() *websocket.Conn {
	fs.connsMtx.Lock()
	defer fs.connsMtx.Unlock()
	return fs.conns[len(fs.conns)-1]
}

func setupWebSocket(t *testing.T, fs *feedServer) *WebSocket {
	ws, err := NewWebSocket(&WebSocketConfig{
		AuthorizeURL:         fs.server.URL + "/feed/market-data-feed/authorize",
		ReconnectDelay:       time.Millisecond * 10,
		MaxReconnectAttempts: 3,
		Logger:               &log.Logger,
	})
	assert.NoError(t, err)

	return ws
}

func nextEvent(t *testing.T, ws *WebSocket) shared.ConnectionEvent {
	select {
	case event := <-ws.Events():
		return event
	case <-time.After(time.Second * 5):
		t.Fatal("timed out waiting for connection event")
		return shared.ConnectionEvent{}
	}
}

func TestWebSocketConfigValidate(t *testing.T) {
	cfg := &WebSocketConfig{ReconnectDelay: -1, MaxReconnectAttempts: -1}
	err := cfg.Validate()
	assert.Error(t, err)
	for _, substr := range []string{
		"authorize url cannot be an empty string",
		"reconnect delay cannot be negative",
		"max reconnect attempts cannot be negative",
		"logger cannot be nil",
	} {
		assert.True(t, strings.Contains(err.Error(), substr))
	}
}

func TestWebSocketStream(t *testing.T) {
	fs := newFeedServer(t)
	ws := setupWebSocket(t, fs)
	ctx := context.Background()

	// Ensure a missing token fails fast.
	err := ws.Connect(ctx, "")
	assert.True(t, errors.Is(err, shared.ErrMissingToken))

	// Ensure subscribing before connecting fails.
	err = ws.Subscribe(ctx, []shared.Instrument{testInstrument}, ModeLTPC)
	assert.Error(t, err)

	// Ensure the feed can be connected.
	err = ws.Connect(ctx, "token")
	assert.NoError(t, err)
	assert.True(t, ws.Connected())

	event := nextEvent(t, ws)
	assert.Equal(t, event.Status, shared.Connected)
	assert.False(t, event.Reconnect)

	// Ensure connecting twice is rejected.
	err = ws.Connect(ctx, "token")
	assert.Error(t, err)

	// Ensure subscriptions send a subscription frame.
	err = ws.Subscribe(ctx, []shared.Instrument{testInstrument}, ModeLTPC)
	assert.NoError(t, err)

	frame := <-fs.frames
	assert.Equal(t, gjson.GetBytes(frame, "method").String(), "sub")
	assert.Equal(t, gjson.GetBytes(frame, "data.mode").String(), ModeLTPC)
	assert.Equal(t, gjson.GetBytes(frame, "data.instrumentKeys.0").String(), testInstrument.Key)
	assert.NotEqual(t, gjson.GetBytes(frame, "guid").String(), "")

	// Ensure feed frames are decoded into ticks for subscribed instruments only.
	err = fs.latest().WriteMessage(websocket.TextMessage, []byte(liveFeedFrame))
	assert.NoError(t, err)

	tick := <-ws.Ticks()
	assert.Equal(t, tick.Symbol, testInstrument.Symbol)
	assert.Equal(t, tick.Exchange, "NSE")
	assert.Equal(t, tick.Price, 1250.5)
	assert.Equal(t, *tick.Quantity, 10.0)
	assert.Equal(t, tick.Timestamp.UnixMilli(), int64(1736136005000))

	// Ensure a dropped connection reconnects and resubscribes.
	fs.latest().Close()

	event = nextEvent(t, ws)
	assert.Equal(t, event.Status, shared.Disconnected)

	frame = <-fs.frames
	assert.Equal(t, gjson.GetBytes(frame, "method").String(), "sub")
	assert.Equal(t, gjson.GetBytes(frame, "data.instrumentKeys.0").String(), testInstrument.Key)

	event = nextEvent(t, ws)
	assert.Equal(t, event.Status, shared.Connected)
	assert.True(t, event.Reconnect)

	// Ensure unsubscribing sends an unsubscription frame.
	err = ws.Unsubscribe(ctx, []shared.Instrument{testInstrument})
	assert.NoError(t, err)

	frame = <-fs.frames
	assert.Equal(t, gjson.GetBytes(frame, "method").String(), "unsub")

	// Ensure the feed can be disconnected.
	err = ws.Disconnect()
	assert.NoError(t, err)
	assert.False(t, ws.Connected())

	event = nextEvent(t, ws)
	assert.Equal(t, event.Status, shared.Disconnected)
}

func TestWebSocketAuthorizationFailure(t *testing.T) {
	fs := newFeedServer(t)
	fs.authStatus = http.StatusUnauthorized
	ws := setupWebSocket(t, fs)

	// Ensure an authorization failure is fatal and leaves no connection behind.
	err := ws.Connect(context.Background(), "token")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "401"))
	assert.False(t, ws.Connected())
	assert.Equal(t, len(ws.Events()), 0)

	// Ensure a later connection attempt is still possible.
	fs.authStatus = http.StatusOK
	err = ws.Connect(context.Background(), "token")
	assert.NoError(t, err)
	assert.NoError(t, ws.Disconnect())
}

func TestDecodeFeed(t *testing.T) {
	resolve := func(key string) (shared.Instrument, bool) {
		if key == testInstrument.Key {
			return testInstrument, true
		}
		return shared.Instrument{}, false
	}

	// Ensure full feed frames carry the cumulative volume.
	ticks, err := decodeFeed([]byte(`{"type":"live_feed","feeds":{"NSE_EQ|INE002A01018":{
		"fullFeed":{"marketFF":{"ltpc":{"ltp":100.5,"ltt":"1736136005000"},"vtt":"12345"}}}}}`), resolve)
	assert.NoError(t, err)
	assert.Equal(t, len(ticks), 1)
	assert.True(t, ticks[0].Quantity == nil)
	assert.Equal(t, *ticks[0].CumulativeVolume, 12345.0)

	// Ensure the frame timestamp is used when the trade time is missing.
	ticks, err = decodeFeed([]byte(`{"currentTs":1736136006000,"feeds":{"NSE_EQ|INE002A01018":{
		"ltpc":{"ltp":100.5}}}}`), resolve)
	assert.NoError(t, err)
	assert.Equal(t, ticks[0].Timestamp.UnixMilli(), int64(1736136006000))

	// Ensure market info frames produce no ticks.
	ticks, err = decodeFeed([]byte(`{"type":"market_info","marketInfo":{}}`), resolve)
	assert.NoError(t, err)
	assert.Equal(t, len(ticks), 0)

	// Ensure invalid prices and binary frames are rejected.
	_, err = decodeFeed([]byte(`{"feeds":{"NSE_EQ|INE002A01018":{"ltpc":{"ltp":0,"ltt":"1736136005000"}}}}`), resolve)
	assert.Error(t, err)
	_, err = decodeFeed([]byte{0x08, 0x01, 0x12}, resolve)
	assert.Error(t, err)
}
