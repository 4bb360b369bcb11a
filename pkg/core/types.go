// Package core holds the domain types shared by the matching engine,
// ledger, position store and API surface, plus the error taxonomy with
// stable string codes.
package core

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/memeperp/pkg/fixed"
)

// Side is the direction of exposure. Long profits when price rises.
type Side int8

const (
	Long  Side = 1
	Short Side = -1
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

func (s Side) Opposite() Side { return -s }

// SideFromIsLong maps the wire boolean to a Side.
func SideFromIsLong(isLong bool) Side {
	if isLong {
		return Long
	}
	return Short
}

// OrderType matches the wire encoding: 0=market, 1=limit, 2=stopLimit,
// 3=stopMarket.
type OrderType uint8

const (
	MarketOrder OrderType = iota
	LimitOrder
	StopLimitOrder
	StopMarketOrder
)

func (t OrderType) Valid() bool { return t <= StopMarketOrder }

// IsStop reports whether the order waits on a mark-price trigger before
// it may touch the book.
func (t OrderType) IsStop() bool { return t == StopLimitOrder || t == StopMarketOrder }

// IsMarket reports whether the order executes with market semantics once
// active: any price is acceptable and residue never rests.
func (t OrderType) IsMarket() bool { return t == MarketOrder || t == StopMarketOrder }

func (t OrderType) String() string {
	switch t {
	case MarketOrder:
		return "market"
	case LimitOrder:
		return "limit"
	case StopLimitOrder:
		return "stop_limit"
	case StopMarketOrder:
		return "stop_market"
	default:
		return "unknown"
	}
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus int8

const (
	OrderNew OrderStatus = iota
	OrderPartiallyFilled
	OrderFilled
	OrderCancelled
	OrderExpired
	OrderRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderNew:
		return "new"
	case OrderPartiallyFilled:
		return "partially_filled"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	case OrderExpired:
		return "expired"
	case OrderRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderExpired || s == OrderRejected
}

// Order is a validated order owned by its token's matching actor while
// resting. Terminal orders are retained in the repository for history.
type Order struct {
	ID     string         `json:"id"`
	Trader common.Address `json:"trader"`
	Token  common.Address `json:"token"`
	Side   Side           `json:"side"`
	Type   OrderType      `json:"orderType"`

	SizeOriginal  fixed.Amount `json:"sizeOriginal"`
	SizeRemaining fixed.Amount `json:"sizeRemaining"`
	LimitPrice    fixed.Amount `json:"limitPrice"` // zero for market orders
	Leverage      fixed.Amount `json:"leverage"`   // 1e4 scale, 1x = 10000

	Deadline  int64  `json:"deadline"` // unix seconds
	Nonce     uint64 `json:"nonce"`
	Signature []byte `json:"signature"`

	Status OrderStatus `json:"status"`

	// Seq is the book arrival sequence used for price-time priority.
	Seq uint64 `json:"seq"`

	// LockedCollateral is what the ledger holds for the unfilled remainder.
	LockedCollateral fixed.Amount `json:"lockedCollateral"`

	CreatedAt int64 `json:"createdAt"` // unix ms
	UpdatedAt int64 `json:"updatedAt"` // unix ms
}

// Filled returns how much of the original size has executed.
func (o *Order) Filled() fixed.Amount {
	return o.SizeOriginal.SatSub(o.SizeRemaining)
}

// ExpiredAt reports whether the order's deadline has passed at the given
// unix-seconds timestamp. A deadline exactly equal to now is expired.
func (o *Order) ExpiredAt(nowSec int64) bool {
	return o.Deadline <= nowSec
}

// Trade is one fill between a maker and a taker. Trade IDs are strictly
// increasing per token. Append-only; never mutated.
type Trade struct {
	ID           uint64         `json:"id"`
	Token        common.Address `json:"token"`
	MakerOrderID string         `json:"makerOrderId"`
	TakerOrderID string         `json:"takerOrderId"`
	MakerTrader  common.Address `json:"makerTrader"`
	TakerTrader  common.Address `json:"takerTrader"`
	TakerSide    Side           `json:"takerSide"`
	Price        fixed.Amount   `json:"price"` // maker's limit price
	Size         fixed.Amount   `json:"size"`
	MakerFee     fixed.Amount   `json:"makerFee"`
	TakerFee     fixed.Amount   `json:"takerFee"`
	PairID       uint64         `json:"pairId"`
	Timestamp    int64          `json:"timestamp"` // unix ms
}

// Notional returns the quote value of the trade.
func (t *Trade) Notional() (fixed.Amount, error) {
	return fixed.Notional(t.Size, t.Price)
}
