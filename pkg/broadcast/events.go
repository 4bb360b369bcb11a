// Package broadcast is the topic fabric pushing engine events to
// subscribers. Publishing never blocks: slow subscribers lose intermediate
// events and see a gap counter increment, but always receive the latest.
package broadcast

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/fixed"
)

// Kind discriminates envelope payloads. Every payload is a concrete struct;
// nothing crosses this boundary as an untyped blob.
type Kind string

const (
	KindBookDelta Kind = "book_delta"
	KindTrade     Kind = "trade"
	KindKline     Kind = "kline"
	KindPosition  Kind = "position"
	KindFunding   Kind = "funding"
	KindLifecycle Kind = "lifecycle"
)

// Topic name builders.
func TopicBook(token common.Address) string      { return "book:" + hexLower(token) }
func TopicTrades(token common.Address) string    { return "trades:" + hexLower(token) }
func TopicFunding(token common.Address) string   { return "funding:" + hexLower(token) }
func TopicLifecycle(token common.Address) string { return "lifecycle:" + hexLower(token) }
func TopicPositions(trader common.Address) string {
	return "positions:" + hexLower(trader)
}
func TopicKlines(token common.Address, resolution string) string {
	return fmt.Sprintf("klines:%s:%s", hexLower(token), resolution)
}

func hexLower(addr common.Address) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 2+2*len(addr))
	out[0], out[1] = '0', 'x'
	for i, b := range addr {
		out[2+i*2] = hextable[b>>4]
		out[3+i*2] = hextable[b&0x0f]
	}
	return string(out)
}

// Payload is implemented by every event struct below.
type Payload interface {
	Kind() Kind
}

// Envelope is the wire unit: per-topic monotonic seq, publisher timestamp,
// discriminated payload.
type Envelope struct {
	Topic     string  `json:"topic"`
	Seq       uint64  `json:"seq"`
	Timestamp int64   `json:"timestamp"` // unix ms
	Kind      Kind    `json:"kind"`
	Payload   Payload `json:"payload"`
}

// PriceLevel is one aggregated book level.
type PriceLevel struct {
	Price      fixed.Amount `json:"price"`
	TotalSize  fixed.Amount `json:"totalSize"`
	OrderCount int          `json:"orderCount"`
}

// BookDelta is a depth snapshot published after every book mutation.
type BookDelta struct {
	Token          common.Address `json:"token"`
	Bids           []PriceLevel   `json:"bids"`
	Asks           []PriceLevel   `json:"asks"`
	BestBid        fixed.Amount   `json:"bestBid"`
	BestAsk        fixed.Amount   `json:"bestAsk"`
	LastTradePrice fixed.Amount   `json:"lastTradePrice"`
	Timestamp      int64          `json:"timestamp"` // unix ms
}

func (BookDelta) Kind() Kind { return KindBookDelta }

// TradeEvent publishes one executed trade.
type TradeEvent struct {
	Trade core.Trade `json:"trade"`
}

func (TradeEvent) Kind() Kind { return KindTrade }

// KlineEvent publishes a bucket update (open bucket) or final value
// (closed bucket).
type KlineEvent struct {
	Token       common.Address `json:"token"`
	Resolution  string         `json:"resolution"`
	BucketStart int64          `json:"bucketStart"` // unix seconds
	Open        fixed.Amount   `json:"open"`
	High        fixed.Amount   `json:"high"`
	Low         fixed.Amount   `json:"low"`
	Close       fixed.Amount   `json:"close"`
	Volume      fixed.Amount   `json:"volume"`
	TradeCount  uint64         `json:"tradeCount"`
	Closed      bool           `json:"closed"`
}

func (KlineEvent) Kind() Kind { return KindKline }

// PositionEvent publishes a trader's derived per-token position view.
type PositionEvent struct {
	Trader       common.Address `json:"trader"`
	Token        common.Address `json:"token"`
	Side         core.Side      `json:"side"`
	Size         fixed.Amount   `json:"size"`
	EntryPrice   fixed.Amount   `json:"entryPrice"`
	Collateral   fixed.Amount   `json:"collateral"`
	Funding      fixed.Signed   `json:"funding"`
	ActivePairs  int            `json:"activePairs"`
	Timestamp    int64          `json:"timestamp"` // unix ms
}

func (PositionEvent) Kind() Kind { return KindPosition }

// FundingEvent publishes a funding index advance.
type FundingEvent struct {
	Token     common.Address `json:"token"`
	RateBps   fixed.Signed   `json:"rateBps"`
	Index     fixed.Signed   `json:"index"`
	Timestamp int64          `json:"timestamp"` // unix ms
}

func (FundingEvent) Kind() Kind { return KindFunding }

// LifecycleEvent publishes token state changes, quarantines and bridge
// alarms.
type LifecycleEvent struct {
	Token     common.Address `json:"token"`
	State     string         `json:"state"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp int64          `json:"timestamp"` // unix ms
}

func (LifecycleEvent) Kind() Kind { return KindLifecycle }
