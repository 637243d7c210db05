package feeds

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"PolyPulse/internal/domain/models"
	domrepo "PolyPulse/internal/domain/repository"
	"PolyPulse/internal/service/stream"
	applogger "PolyPulse/pkg/logger"
	"PolyPulse/pkg/util"

	"github.com/shopspring/decimal"
)

// BookFeed decodes the Polymarket CLOB market channel for the two outcome
// tokens of the active window.
type BookFeed struct {
	base
	url string

	mu     sync.Mutex
	tokens models.TokenIDs
	last   map[string]models.OrderBookSnapshot
}

func NewBookFeed(client *stream.Client, sink domrepo.TickSink, url string, log *applogger.Logger, m domrepo.Metrics) *BookFeed {
	f := &BookFeed{
		base: newBase(models.FeedBook, client, sink, log, m),
		url:  url,
		last: make(map[string]models.OrderBookSnapshot),
	}
	client.OnMessage(f.handle)
	return f
}

// Subscribe points the book stream at a new token pair. Changing tokens on
// an existing stream is a forced reconnect, never a resubscribe.
func (f *BookFeed) Subscribe(tokens models.TokenIDs) error {
	f.mu.Lock()
	if f.tokens == tokens {
		f.mu.Unlock()
		return nil
	}
	f.tokens = tokens
	f.last = make(map[string]models.OrderBookSnapshot)
	f.mu.Unlock()

	target := stream.Target{URL: f.url, Subscribe: BookSubscribePayload(tokens), Key: tokens.Up + "," + tokens.Down}
	if err := f.client.Open(target); err != nil {
		return fmt.Errorf("book subscribe: %w", err)
	}
	return nil
}

// Tokens returns the token pair currently subscribed.
func (f *BookFeed) Tokens() models.TokenIDs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}

func (f *BookFeed) handle(m stream.Message) {
	f.mu.Lock()
	tokens := f.tokens
	f.mu.Unlock()

	books, err := f.decode(m.Data, tokens, m.ReceivedAt)
	if err != nil {
		f.decodeFailed(err, m.Data)
		return
	}
	for _, b := range books {
		f.sink.OnBook(b)
	}
}

func (f *BookFeed) decode(data []byte, tokens models.TokenIDs, receivedAt time.Time) ([]models.OrderBookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	books, err := DecodeBookEvents(data, tokens, f.last, receivedAt)
	if err != nil {
		return nil, err
	}
	if f.tokens != tokens {
		// retargeted while decoding
		return nil, nil
	}
	for _, b := range books {
		f.last[b.TokenID] = b
	}
	return books, nil
}

// BookSubscribePayload builds the market channel subscribe message.
func BookSubscribePayload(tokens models.TokenIDs) []byte {
	b, _ := json.Marshal(struct {
		AssetsIDs []string `json:"assets_ids"`
		Type      string   `json:"type"`
	}{AssetsIDs: []string{tokens.Up, tokens.Down}, Type: "market"})
	return b
}

type clobLevel struct {
	Price flexDecimal `json:"price"`
	Size  flexDecimal `json:"size"`
}

type clobPriceChange struct {
	AssetID string      `json:"asset_id"`
	BestBid flexDecimal `json:"best_bid"`
	BestAsk flexDecimal `json:"best_ask"`
}

type clobEvent struct {
	EventType    string            `json:"event_type"`
	AssetID      string            `json:"asset_id"`
	Timestamp    flexInt           `json:"timestamp"`
	Bids         []clobLevel       `json:"bids"`
	Asks         []clobLevel       `json:"asks"`
	BestBid      flexDecimal       `json:"best_bid"`
	BestAsk      flexDecimal       `json:"best_ask"`
	PriceChanges []clobPriceChange `json:"price_changes"`
}

// DecodeBookEvents decodes a market channel frame, either one event object or
// an array of events. prev holds the latest snapshot per token and is only
// read; price_change events derive replacement snapshots from it.
func DecodeBookEvents(data []byte, tokens models.TokenIDs, prev map[string]models.OrderBookSnapshot, receivedAt time.Time) ([]models.OrderBookSnapshot, error) {
	var events []clobEvent
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("book events: %w", err)
		}
	} else {
		var e clobEvent
		if err := json.Unmarshal(trimmed, &e); err != nil {
			return nil, fmt.Errorf("book event: %w", err)
		}
		events = []clobEvent{e}
	}

	working := make(map[string]models.OrderBookSnapshot, 2)
	var out []models.OrderBookSnapshot
	emit := func(b models.OrderBookSnapshot) {
		working[b.TokenID] = b
		out = append(out, b)
	}
	previous := func(id string) (models.OrderBookSnapshot, bool) {
		if b, ok := working[id]; ok {
			return b, true
		}
		b, ok := prev[id]
		return b, ok
	}

	for _, e := range events {
		observed := util.UnixMilli(int64(e.Timestamp))
		if observed.IsZero() {
			observed = receivedAt
		}
		switch e.EventType {
		case "book":
			side := tokens.SideOf(e.AssetID)
			if side == models.SideNone {
				continue
			}
			emit(snapshotFromLevels(side, e.AssetID, e.Bids, e.Asks, observed))
		case "price_change":
			changes := e.PriceChanges
			if len(changes) == 0 && e.AssetID != "" {
				changes = []clobPriceChange{{AssetID: e.AssetID, BestBid: e.BestBid, BestAsk: e.BestAsk}}
			}
			for _, c := range changes {
				side := tokens.SideOf(c.AssetID)
				if side == models.SideNone || (!c.BestBid.Set && !c.BestAsk.Set) {
					continue
				}
				b, ok := previous(c.AssetID)
				if !ok {
					b = models.OrderBookSnapshot{Side: side, TokenID: c.AssetID}
				}
				if c.BestBid.Set {
					b.BestBid, _ = c.BestBid.Float64()
				}
				if c.BestAsk.Set {
					b.BestAsk, _ = c.BestAsk.Float64()
				}
				b.Spread = spread(b.BestBid, b.BestAsk)
				b.ObservedAt = observed
				emit(b)
			}
		}
	}
	return out, nil
}

func snapshotFromLevels(side models.Side, tokenID string, bids, asks []clobLevel, at time.Time) models.OrderBookSnapshot {
	var bestBid, bestAsk decimal.Decimal
	bidLiq, askLiq := decimal.Zero, decimal.Zero
	for _, l := range bids {
		if !l.Price.Set || !l.Size.Set || !l.Size.IsPositive() {
			continue
		}
		bidLiq = bidLiq.Add(l.Size.Decimal)
		if l.Price.GreaterThan(bestBid) {
			bestBid = l.Price.Decimal
		}
	}
	for _, l := range asks {
		if !l.Price.Set || !l.Size.Set || !l.Size.IsPositive() {
			continue
		}
		askLiq = askLiq.Add(l.Size.Decimal)
		if bestAsk.IsZero() || l.Price.LessThan(bestAsk) {
			bestAsk = l.Price.Decimal
		}
	}
	bb, _ := bestBid.Float64()
	ba, _ := bestAsk.Float64()
	bl, _ := bidLiq.Float64()
	al, _ := askLiq.Float64()
	return models.OrderBookSnapshot{
		Side:         side,
		TokenID:      tokenID,
		BestBid:      bb,
		BestAsk:      ba,
		Spread:       spread(bb, ba),
		BidLiquidity: bl,
		AskLiquidity: al,
		ObservedAt:   at,
	}
}

func spread(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return ask - bid
}
