package feeds

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"PolyPulse/internal/domain/models"
	domrepo "PolyPulse/internal/domain/repository"
	"PolyPulse/internal/service/stream"
	applogger "PolyPulse/pkg/logger"
	"PolyPulse/pkg/util"
)

// SpotFeed decodes the Binance trade stream (<symbol>@trade).
type SpotFeed struct {
	base
	url    string
	symbol string
}

func NewSpotFeed(client *stream.Client, sink domrepo.TickSink, url, symbol string, log *applogger.Logger, m domrepo.Metrics) *SpotFeed {
	f := &SpotFeed{
		base:   newBase(models.FeedSpot, client, sink, log, m),
		url:    url,
		symbol: strings.ToUpper(symbol),
	}
	client.OnMessage(f.handle)
	return f
}

// Start opens the stream. The trade stream is addressed by URL, nothing is sent.
func (f *SpotFeed) Start() error {
	return f.client.Open(stream.Target{URL: f.url, Key: strings.ToLower(f.symbol) + "@trade"})
}

func (f *SpotFeed) handle(m stream.Message) {
	tick, ok, err := DecodeSpotTrade(m.Data, m.ReceivedAt)
	if err != nil {
		f.decodeFailed(err, m.Data)
		return
	}
	if !ok {
		return
	}
	if f.symbol != "" && tick.Symbol != "" && tick.Symbol != f.symbol {
		return
	}
	f.sink.OnPrice(tick)
}

type binanceTrade struct {
	Event     string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	TradeID   int64       `json:"t"`
	Price     string      `json:"p"`
	Quantity  string      `json:"q"`
	TradeTime int64       `json:"T"`
	Data      *binanceRaw `json:"data"`
}

// combined stream envelope: {"stream":"btcusdt@trade","data":{...}}
type binanceRaw struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// DecodeSpotTrade decodes one trade frame. ok is false for frames that are
// not trades (subscription acks, other events).
func DecodeSpotTrade(data []byte, receivedAt time.Time) (models.PriceTick, bool, error) {
	var t binanceTrade
	if err := json.Unmarshal(data, &t); err != nil {
		return models.PriceTick{}, false, fmt.Errorf("spot trade: %w", err)
	}
	if t.Data != nil {
		t.Event, t.EventTime, t.Symbol, t.Price, t.TradeTime = t.Data.Event, t.Data.EventTime, t.Data.Symbol, t.Data.Price, t.Data.TradeTime
	}
	if t.Event != "trade" {
		return models.PriceTick{}, false, nil
	}
	price, ok := parsePrice(t.Price)
	if !ok {
		return models.PriceTick{}, false, errors.New("spot trade: invalid price " + t.Price)
	}
	observed := util.UnixMilli(t.TradeTime)
	if observed.IsZero() {
		observed = util.UnixMilli(t.EventTime)
	}
	if observed.IsZero() {
		observed = receivedAt
	}
	return models.PriceTick{
		Feed:       models.FeedSpot,
		Symbol:     strings.ToUpper(t.Symbol),
		Value:      price,
		ObservedAt: observed,
		ReceivedAt: receivedAt,
	}, true, nil
}
