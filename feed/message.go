package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dnldd/candlekeep/shared"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	// ModeLTPC streams the last traded price, time and quantity.
	ModeLTPC = "ltpc"
	// ModeFull streams the full market feed.
	ModeFull = "full"
)

// subscription represents a feed subscription frame.
type subscription struct {
	GUID   string           `json:"guid"`
	Method string           `json:"method"`
	Data   subscriptionData `json:"data"`
}

// subscriptionData represents the payload of a subscription frame.
type subscriptionData struct {
	Mode           string   `json:"mode,omitempty"`
	InstrumentKeys []string `json:"instrumentKeys"`
}

// encodeSubscription creates a subscription frame for the provided instrument keys.
func encodeSubscription(method string, mode string, keys []string) ([]byte, error) {
	frame := subscription{
		GUID:   uuid.New().String(),
		Method: method,
		Data: subscriptionData{
			Mode:           mode,
			InstrumentKeys: keys,
		},
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s frame: %w", method, err)
	}

	return data, nil
}

// ltpcPaths are the locations of the ltpc block within a feed entry.
var ltpcPaths = []string{"ltpc", "fullFeed.marketFF.ltpc", "fullFeed.indexFF.ltpc"}

// decodeFeed decodes the ticks of a json feed frame. The resolve func maps instrument
// keys to instruments, unresolved keys are skipped.
func decodeFeed(data []byte, resolve func(key string) (shared.Instrument, bool)) ([]shared.Tick, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("feed frame is not valid json")
	}

	frame := gjson.ParseBytes(data)
	switch frame.Get("type").String() {
	case "", "live_feed", "initial_feed":
	default:
		return nil, nil
	}

	currentTs := frame.Get("currentTs").Int()

	var ticks []shared.Tick
	var decodeErr error
	frame.Get("feeds").ForEach(func(key, entry gjson.Result) bool {
		instrument, ok := resolve(key.String())
		if !ok {
			return true
		}

		var ltpc gjson.Result
		for _, path := range ltpcPaths {
			ltpc = entry.Get(path)
			if ltpc.Exists() {
				break
			}
		}
		if !ltpc.Exists() {
			return true
		}

		ltt := ltpc.Get("ltt").Int()
		if ltt == 0 {
			ltt = currentTs
		}
		if ltt == 0 {
			decodeErr = fmt.Errorf("no trade time for %s", key.String())
			return true
		}

		tick, err := shared.NewTick(instrument.Symbol, instrument.Exchange, time.UnixMilli(ltt), ltpc.Get("ltp").Float())
		if err != nil {
			decodeErr = err
			return true
		}

		ltq := ltpc.Get("ltq")
		if ltq.Exists() {
			tick.WithQuantity(ltq.Float())
		}

		vtt := entry.Get("fullFeed.marketFF.vtt")
		if vtt.Exists() {
			tick.WithCumulativeVolume(vtt.Float())
		}

		ticks = append(ticks, *tick)
		return true
	})

	return ticks, decodeErr
}
