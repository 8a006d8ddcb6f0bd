package models

import "time"

// StreamKind tags the canonical event variant.
type StreamKind string

const (
	StreamBBO       StreamKind = "bbo"
	StreamTrade     StreamKind = "trade"
	StreamMarkPrice StreamKind = "mark_price"
	StreamFunding   StreamKind = "funding"
)

// StreamKinds lists every canonical stream in a stable order.
var StreamKinds = []StreamKind{StreamBBO, StreamTrade, StreamMarkPrice, StreamFunding}

// Exchange identifiers carried on every event.
const (
	ExchangeBinance = "binance"
)

// Side of the aggressor in a trade.
type Side int8

const (
	SideSell Side = -1
	SideBuy  Side = 1
)

// Header holds the fields shared by every canonical event. Timestamps are
// milliseconds since the Unix epoch.
type Header struct {
	TsEvent  int64      `json:"ts_event"`
	TsRecv   int64      `json:"ts_recv"`
	Exchange string     `json:"exchange"`
	Symbol   string     `json:"symbol"`
	Stream   StreamKind `json:"stream"`
}

// Meta returns the common header.
func (h Header) Meta() Header { return h }

// Kind returns the stream tag.
func (h Header) Kind() StreamKind { return h.Stream }

// EventTime converts TsEvent to a UTC time.
func (h Header) EventTime() time.Time { return time.UnixMilli(h.TsEvent).UTC() }

func (Header) canonical() {}

// Event is the closed set of canonical market-data events. Events are plain
// values and are never mutated once built; the queue consumer owns them
// after enqueue.
type Event interface {
	Meta() Header
	Kind() StreamKind
	canonical()
}

// BBOEvent is a top-of-book update. Bid above ask is possible upstream and is
// not rejected.
type BBOEvent struct {
	Header
	BidPrice float64 `json:"bid_price"`
	BidQty   float64 `json:"bid_qty"`
	AskPrice float64 `json:"ask_price"`
	AskQty   float64 `json:"ask_qty"`
}

// TradeEvent is an aggregated trade print.
type TradeEvent struct {
	Header
	Price   float64 `json:"price"`
	Qty     float64 `json:"qty"`
	Side    Side    `json:"side"`
	TradeID string  `json:"trade_id"`
}

// MarkPriceEvent carries the exchange mark price. IndexPrice is nil when the
// exchange did not send one or sent zero.
type MarkPriceEvent struct {
	Header
	MarkPrice  float64  `json:"mark_price"`
	IndexPrice *float64 `json:"index_price,omitempty"`
}

// FundingEvent carries the current funding rate. NextFundingTs is zero when
// unknown.
type FundingEvent struct {
	Header
	FundingRate   float64 `json:"funding_rate"`
	NextFundingTs int64   `json:"next_funding_ts"`
}
