// Package position is the paired position store. Exposure exists only as
// long-short pairs of equal size, created at match time; a pair is the
// atomic unit of pnl, funding and liquidation accounting, which makes
// solvency an invariant by construction.
package position

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/fixed"
)

// Status is the lifecycle state of a pair.
type Status int8

const (
	StatusActive Status = iota
	StatusClosed
	StatusLiquidatedLong
	StatusLiquidatedShort
	StatusADLClosed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusClosed:
		return "closed"
	case StatusLiquidatedLong:
		return "liquidated_long"
	case StatusLiquidatedShort:
		return "liquidated_short"
	case StatusADLClosed:
		return "adl_closed"
	default:
		return "unknown"
	}
}

// Pair is one long-short pair. Size decreases on partial close; entry
// price never changes after open.
type Pair struct {
	ID          uint64         `json:"id"`
	Token       common.Address `json:"token"`
	LongTrader  common.Address `json:"longTrader"`
	ShortTrader common.Address `json:"shortTrader"`

	Size       fixed.Amount `json:"size"`
	EntryPrice fixed.Amount `json:"entryPrice"`

	LongCollateral  fixed.Amount `json:"longCollateral"`
	ShortCollateral fixed.Amount `json:"shortCollateral"`
	LongLeverage    fixed.Amount `json:"longLeverage"`  // 1e4 scale
	ShortLeverage   fixed.Amount `json:"shortLeverage"` // 1e4 scale

	// Initiator is the taker's side of the trade that opened the pair.
	// Open-interest imbalance is measured by initiator: a pair is long
	// demand when a buyer lifted a resting ask, short demand when a
	// seller hit a resting bid.
	Initiator core.Side `json:"initiator"`

	OpenTimestamp int64 `json:"openTimestamp"` // unix ms

	// Funding owed (positive = owes) per side, quote units. Symmetric:
	// AccFundingLong == −AccFundingShort at all times.
	AccFundingLong   fixed.Signed `json:"accFundingLong"`
	AccFundingShort  fixed.Signed `json:"accFundingShort"`
	LastFundingIndex fixed.Signed `json:"lastFundingIndex"`

	Status Status `json:"status"`
}

// TraderSide returns which side of the pair the trader holds.
func (p *Pair) TraderSide(trader common.Address) (core.Side, bool) {
	switch trader {
	case p.LongTrader:
		return core.Long, true
	case p.ShortTrader:
		return core.Short, true
	default:
		return 0, false
	}
}

// CollateralOf returns the collateral backing one side.
func (p *Pair) CollateralOf(side core.Side) fixed.Amount {
	if side == core.Long {
		return p.LongCollateral
	}
	return p.ShortCollateral
}

// Pnl returns the unrealized pnl of one side over sizePortion at the given
// price: (price − entry) × portion for the long, mirrored for the short.
func (p *Pair) Pnl(side core.Side, price, sizePortion fixed.Amount) (fixed.Signed, error) {
	diff := fixed.Diff(price, p.EntryPrice)
	pnl, err := diff.MulDiv(sizePortion, fixed.PriceScale())
	if err != nil {
		return fixed.Signed{}, err
	}
	if side == core.Short {
		pnl = pnl.Negate()
	}
	return pnl, nil
}

// Funding returns the accumulated funding of one side.
func (p *Pair) Funding(side core.Side) fixed.Signed {
	if side == core.Long {
		return p.AccFundingLong
	}
	return p.AccFundingShort
}

// Validate checks pair invariants.
func (p *Pair) Validate() error {
	if p.LongTrader == p.ShortTrader {
		return core.Errf(core.ErrPairMismatched, "pair %d: same trader on both sides", p.ID)
	}
	if p.Status == StatusActive && p.Size.IsZero() {
		return core.Errf(core.ErrPairMismatched, "pair %d: active with zero size", p.ID)
	}
	sum, err := p.AccFundingLong.Add(p.AccFundingShort)
	if err != nil || !sum.IsZero() {
		return core.Errf(core.ErrPairMismatched, "pair %d: funding asymmetric", p.ID)
	}
	return nil
}

// View is the derived per-trader, per-token aggregate over active pairs.
// Never persisted; always recomputed.
type View struct {
	Trader      common.Address `json:"trader"`
	Token       common.Address `json:"token"`
	Side        core.Side      `json:"side"`
	Size        fixed.Amount   `json:"size"`
	EntryPrice  fixed.Amount   `json:"entryPrice"` // size-weighted average
	Collateral  fixed.Amount   `json:"collateral"`
	Funding     fixed.Signed   `json:"funding"`
	ActivePairs int            `json:"activePairs"`
}

// CloseReason distinguishes settlement paths.
type CloseReason int8

const (
	CloseVoluntary CloseReason = iota
	CloseLiquidation
	CloseADL
)

// CloseResult reports one (partial) pair close: realized pnl already
// includes funding, and InsuranceDraw is the loss the losing side's
// collateral could not cover.
type CloseResult struct {
	PairID        uint64
	Token         common.Address
	LongTrader    common.Address
	ShortTrader   common.Address
	SizeClosed    fixed.Amount
	ExitPrice     fixed.Amount
	PnlLong       fixed.Signed // incl. funding
	PnlShort      fixed.Signed // incl. funding
	FeeLong       fixed.Amount
	FeeShort      fixed.Amount
	InsuranceDraw fixed.Amount
	Reason        CloseReason
	Remaining     fixed.Amount // pair size left after this close
	Status        Status       // pair status after this close
}
