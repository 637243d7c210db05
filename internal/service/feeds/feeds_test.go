package feeds

import (
	"encoding/json"
	"testing"
	"time"

	"PolyPulse/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recv = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestDecodeSpotTrade(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		ok      bool
		wantErr bool
		price   float64
	}{
		{"trade", `{"e":"trade","E":1772359200100,"s":"BTCUSDT","t":1,"p":"67234.51000000","q":"0.01","T":1772359200050}`, true, false, 67234.51},
		{"combined envelope", `{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"67000.5","T":1772359200050}}`, true, false, 67000.5},
		{"subscription ack", `{"result":null,"id":1}`, false, false, 0},
		{"zero price", `{"e":"trade","s":"BTCUSDT","p":"0","T":1}`, false, true, 0},
		{"garbage", `not json`, false, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick, ok, err := DecodeSpotTrade([]byte(tt.data), recv)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.price, tick.Value, 1e-9)
				assert.Equal(t, models.FeedSpot, tick.Feed)
				assert.Equal(t, "BTCUSDT", tick.Symbol)
				assert.Equal(t, int64(1772359200050), tick.ObservedAt.UnixMilli())
				assert.Equal(t, recv, tick.ReceivedAt)
			}
		})
	}
}

func TestDecodeOracle(t *testing.T) {
	update := `{"topic":"crypto_prices_chainlink","type":"update","timestamp":1772359200200,
		"payload":{"symbol":"btc/usd","timestamp":1772359200000,"value":67250.25}}`
	ticks, err := DecodeOracle([]byte(update), "btc/usd", recv)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.InDelta(t, 67250.25, ticks[0].Value, 1e-9)
	assert.Equal(t, models.FeedOracle, ticks[0].Feed)
	assert.Equal(t, int64(1772359200000), ticks[0].ObservedAt.UnixMilli())

	other := `{"topic":"crypto_prices_chainlink","type":"update","payload":{"symbol":"eth/usd","timestamp":1,"value":3000}}`
	ticks, err = DecodeOracle([]byte(other), "btc/usd", recv)
	require.NoError(t, err)
	assert.Empty(t, ticks)

	history := `{"topic":"crypto_prices_chainlink","type":"subscribe","payload":{"symbol":"btc/usd",
		"data":[{"timestamp":1772359199000,"value":67200},{"timestamp":1772359200000,"value":"67201.5"}]}}`
	ticks, err = DecodeOracle([]byte(history), "btc/usd", recv)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.InDelta(t, 67201.5, ticks[1].Value, 1e-9)

	ticks, err = DecodeOracle([]byte(`{"topic":"activity"}`), "btc/usd", recv)
	require.NoError(t, err)
	assert.Empty(t, ticks)
}

func TestOracleSubscribePayload(t *testing.T) {
	var msg struct {
		Action        string `json:"action"`
		Subscriptions []struct {
			Topic   string `json:"topic"`
			Filters string `json:"filters"`
		} `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(OracleSubscribePayload("btc/usd"), &msg))
	assert.Equal(t, "subscribe", msg.Action)
	require.Len(t, msg.Subscriptions, 1)
	assert.Equal(t, "crypto_prices_chainlink", msg.Subscriptions[0].Topic)
	assert.JSONEq(t, `{"symbol":"btc/usd"}`, msg.Subscriptions[0].Filters)
}

func TestBookSubscribePayload(t *testing.T) {
	got := BookSubscribePayload(models.TokenIDs{Up: "111", Down: "222"})
	assert.JSONEq(t, `{"assets_ids":["111","222"],"type":"market"}`, string(got))
}

func TestDecodeBookEvents_SnapshotAndPriceChange(t *testing.T) {
	tokens := models.TokenIDs{Up: "111", Down: "222"}
	book := `[{"event_type":"book","asset_id":"111","timestamp":"1772359200000",
		"bids":[{"price":"0.48","size":"100"},{"price":"0.50","size":"50"}],
		"asks":[{"price":"0.55","size":"20"},{"price":"0.53","size":"30"}]},
		{"event_type":"book","asset_id":"999","bids":[],"asks":[]}]`

	books, err := DecodeBookEvents([]byte(book), tokens, nil, recv)
	require.NoError(t, err)
	require.Len(t, books, 1)
	up := books[0]
	assert.Equal(t, models.SideUp, up.Side)
	assert.InDelta(t, 0.50, up.BestBid, 1e-9)
	assert.InDelta(t, 0.53, up.BestAsk, 1e-9)
	assert.InDelta(t, 0.03, up.Spread, 1e-9)
	assert.InDelta(t, 150, up.BidLiquidity, 1e-9)
	assert.InDelta(t, 50, up.AskLiquidity, 1e-9)
	assert.InDelta(t, 0.515, up.Mid(), 1e-9)

	prev := map[string]models.OrderBookSnapshot{"111": up}
	change := `{"event_type":"price_change","timestamp":"1772359201000","price_changes":[
		{"asset_id":"111","price":"0.51","size":"10","side":"BUY","best_bid":"0.51","best_ask":"0.53"},
		{"asset_id":"222","price":"0.47","size":"10","side":"SELL","best_bid":"0.46","best_ask":"0.47"}]}`
	books, err = DecodeBookEvents([]byte(change), tokens, prev, recv)
	require.NoError(t, err)
	require.Len(t, books, 2)

	assert.Equal(t, models.SideUp, books[0].Side)
	assert.InDelta(t, 0.51, books[0].BestBid, 1e-9)
	assert.InDelta(t, 150, books[0].BidLiquidity, 1e-9, "liquidity carried from previous snapshot")
	assert.Equal(t, int64(1772359201000), books[0].ObservedAt.UnixMilli())

	assert.Equal(t, models.SideDown, books[1].Side)
	assert.InDelta(t, 0.01, books[1].Spread, 1e-9)
	// previous map is never mutated
	assert.InDelta(t, 0.50, prev["111"].BestBid, 1e-9)
}

func TestDecodeBookEvents_IgnoresUnknownAndMalformed(t *testing.T) {
	tokens := models.TokenIDs{Up: "111", Down: "222"}

	books, err := DecodeBookEvents([]byte(`{"event_type":"last_trade_price","asset_id":"111","price":"0.5"}`), tokens, nil, recv)
	require.NoError(t, err)
	assert.Empty(t, books)

	_, err = DecodeBookEvents([]byte(`{"event_type":`), tokens, nil, recv)
	assert.Error(t, err)
}
