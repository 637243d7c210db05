package feeds

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PolyPulse/internal/domain/models"
	domrepo "PolyPulse/internal/domain/repository"
	"PolyPulse/internal/service/stream"
	applogger "PolyPulse/pkg/logger"
	"PolyPulse/pkg/util"
)

const oracleTopic = "crypto_prices_chainlink"

// OracleFeed decodes the Polymarket RTDS chainlink price topic, the
// reference the markets settle against.
type OracleFeed struct {
	base
	url    string
	symbol string
}

func NewOracleFeed(client *stream.Client, sink domrepo.TickSink, url, symbol string, log *applogger.Logger, m domrepo.Metrics) *OracleFeed {
	f := &OracleFeed{
		base:   newBase(models.FeedOracle, client, sink, log, m),
		url:    url,
		symbol: strings.ToLower(symbol),
	}
	client.OnMessage(f.handle)
	return f
}

func (f *OracleFeed) Start() error {
	return f.client.Open(stream.Target{URL: f.url, Subscribe: OracleSubscribePayload(f.symbol), Key: f.symbol})
}

func (f *OracleFeed) handle(m stream.Message) {
	ticks, err := DecodeOracle(m.Data, f.symbol, m.ReceivedAt)
	if err != nil {
		f.decodeFailed(err, m.Data)
		return
	}
	for _, t := range ticks {
		f.sink.OnPrice(t)
	}
}

type rtdsSubscription struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Filters string `json:"filters,omitempty"`
}

// OracleSubscribePayload builds the RTDS subscribe message for symbol (e.g. "btc/usd").
func OracleSubscribePayload(symbol string) []byte {
	filter, _ := json.Marshal(map[string]string{"symbol": symbol})
	msg := struct {
		Action        string             `json:"action"`
		Subscriptions []rtdsSubscription `json:"subscriptions"`
	}{
		Action:        "subscribe",
		Subscriptions: []rtdsSubscription{{Topic: oracleTopic, Type: "*", Filters: string(filter)}},
	}
	b, _ := json.Marshal(msg)
	return b
}

type rtdsPoint struct {
	Symbol    string      `json:"symbol"`
	Timestamp flexInt     `json:"timestamp"`
	Value     flexDecimal `json:"value"`
}

type rtdsMessage struct {
	Topic     string  `json:"topic"`
	Type      string  `json:"type"`
	Timestamp flexInt `json:"timestamp"`
	Payload   struct {
		rtdsPoint
		Data []rtdsPoint `json:"data"`
	} `json:"payload"`
}

// DecodeOracle decodes an RTDS frame into ticks for symbol. Frames for other
// topics or symbols decode to nothing.
func DecodeOracle(data []byte, symbol string, receivedAt time.Time) ([]models.PriceTick, error) {
	var m rtdsMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("oracle message: %w", err)
	}
	if m.Topic != oracleTopic {
		return nil, nil
	}
	points := m.Payload.Data
	if m.Payload.Value.Set {
		points = append(points, m.Payload.rtdsPoint)
	}
	out := make([]models.PriceTick, 0, len(points))
	for _, p := range points {
		sym := strings.ToLower(p.Symbol)
		if sym == "" {
			sym = strings.ToLower(m.Payload.Symbol)
		}
		if symbol != "" && sym != "" && sym != symbol {
			continue
		}
		if !p.Value.Set || !p.Value.IsPositive() {
			continue
		}
		observed := util.UnixMilli(int64(p.Timestamp))
		if observed.IsZero() {
			observed = util.UnixMilli(int64(m.Timestamp))
		}
		if observed.IsZero() {
			observed = receivedAt
		}
		v, _ := p.Value.Float64()
		out = append(out, models.PriceTick{
			Feed:       models.FeedOracle,
			Symbol:     sym,
			Value:      v,
			ObservedAt: observed,
			ReceivedAt: receivedAt,
		})
	}
	return out, nil
}
