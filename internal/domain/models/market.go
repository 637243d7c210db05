package models

import "time"

// Side is an outcome of the Up/Down market.
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
	SideNone Side = "NONE"
)

// Opposite returns the other outcome; None stays None.
func (s Side) Opposite() Side {
	switch s {
	case SideUp:
		return SideDown
	case SideDown:
		return SideUp
	default:
		return SideNone
	}
}

// Feed identifiers for the live streams.
const (
	FeedSpot   = "spot"
	FeedOracle = "oracle"
	FeedBook   = "book"
)

// PriceTick is one inbound price observation. Immutable once emitted.
type PriceTick struct {
	Feed       string    `json:"feed"`
	Symbol     string    `json:"symbol"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// OrderBookSnapshot is the top of book for one outcome token. Each update
// replaces the previous snapshot for that side wholesale.
type OrderBookSnapshot struct {
	Side         Side      `json:"side"`
	TokenID      string    `json:"token_id"`
	BestBid      float64   `json:"best_bid"`
	BestAsk      float64   `json:"best_ask"`
	Spread       float64   `json:"spread"`
	BidLiquidity float64   `json:"bid_liquidity"`
	AskLiquidity float64   `json:"ask_liquidity"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Mid returns the midpoint, or whichever side is quoted, or 0.
func (b OrderBookSnapshot) Mid() float64 {
	switch {
	case b.BestBid > 0 && b.BestAsk > 0:
		return (b.BestBid + b.BestAsk) / 2
	case b.BestAsk > 0:
		return b.BestAsk
	default:
		return b.BestBid
	}
}

// Imbalance returns (bid-ask)/(bid+ask) liquidity in [-1, 1], 0 when empty.
func (b OrderBookSnapshot) Imbalance() float64 {
	total := b.BidLiquidity + b.AskLiquidity
	if total <= 0 {
		return 0
	}
	return (b.BidLiquidity - b.AskLiquidity) / total
}

// TokenIDs are the CLOB token identifiers of the two outcomes.
type TokenIDs struct {
	Up   string `json:"up"`
	Down string `json:"down"`
}

// SideOf maps a token id to its outcome.
func (t TokenIDs) SideOf(tokenID string) Side {
	switch tokenID {
	case "":
		return SideNone
	case t.Up:
		return SideUp
	case t.Down:
		return SideDown
	default:
		return SideNone
	}
}

// MarketWindow is the currently tracked market. Replaced atomically on rollover.
type MarketWindow struct {
	Slug        string    `json:"slug"`
	Question    string    `json:"question,omitempty"`
	TokenIDs    TokenIDs  `json:"token_ids"`
	OpenPrice   float64   `json:"open_price"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	PriceToBeat float64   `json:"price_to_beat"`
	UpPrice     float64   `json:"up_price"`
	DownPrice   float64   `json:"down_price"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Expired reports whether the window has ended at now.
func (w *MarketWindow) Expired(now time.Time) bool {
	return w == nil || !now.Before(w.EndTime)
}

// MarketPrices are the prices the edge is measured against.
type MarketPrices struct {
	Up     float64 `json:"up"`
	Down   float64 `json:"down"`
	Source string  `json:"source"` // "book" or "catalog"
}

// Candle represents an OHLCV record read from the candle store.
type Candle struct {
	Bucket time.Time
	Symbol string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}
