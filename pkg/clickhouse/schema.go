package clickhouse

import "fmt"

// Table names relative to the configured database.
const (
	TableCandles1m   = "rt_candles_1m"
	TableDecisions   = "decisions"
	TablePredictions = "predictions"
)

// Schema returns the DDL for the pipeline tables in db.
func Schema(db string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	bucket DateTime,
	symbol LowCardinality(String),
	open   Float64,
	high   Float64,
	low    Float64,
	close  Float64,
	vol    Float64
) ENGINE = ReplacingMergeTree
ORDER BY (symbol, bucket)
TTL bucket + INTERVAL 30 DAY`, db, TableCandles1m),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	ts           DateTime64(3),
	seq          Int64,
	market_slug  String,
	action       LowCardinality(String),
	side         LowCardinality(String),
	phase        LowCardinality(String),
	tier         LowCardinality(String),
	reason       String,
	edge         Float64,
	model_prob   Float64,
	market_price Float64,
	rule_prob_up Float64,
	blended_up   Float64,
	regime       LowCardinality(String),
	degraded     Array(String),
	payload      String
) ENGINE = MergeTree
ORDER BY (market_slug, ts)`, db, TableDecisions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	id            String,
	ts            DateTime64(3),
	market_slug   String,
	side          LowCardinality(String),
	phase         LowCardinality(String),
	model_prob    Float64,
	market_price  Float64,
	outcome       LowCardinality(String),
	settled_at    DateTime64(3),
	settle_price  Float64,
	price_to_beat Float64,
	version       UInt64
) ENGINE = ReplacingMergeTree(version)
ORDER BY (market_slug, id)`, db, TablePredictions),
	}
}
