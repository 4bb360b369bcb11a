// Package token is the authoritative registry for per-token listing state
// and trading parameters. Parameter changes apply to new orders only;
// resting orders keep the parameters they were accepted under.
package token

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/memeperp/pkg/fixed"
)

// State is the listing state of a token.
type State int8

const (
	Pretrade State = iota
	Active
	Paused
	Delisted
)

func (s State) String() string {
	switch s {
	case Pretrade:
		return "pretrade"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Delisted:
		return "delisted"
	default:
		return "unknown"
	}
}

// Params are the per-token trading parameters. Amount fields use the bps
// (1e4) or price (1e18) scale as noted.
type Params struct {
	MaxLeverage    fixed.Amount `json:"maxLeverage"`  // 1e4 scale, e.g. 10x = 100000
	MakerFeeBps    fixed.Amount `json:"makerFeeBps"`  // bps of notional
	TakerFeeBps    fixed.Amount `json:"takerFeeBps"`  // bps of notional
	TickSize       fixed.Amount `json:"tickSize"`     // 1e18 price scale
	MinOrderSize   fixed.Amount `json:"minOrderSize"` // 1e18 size scale
	TradingEnabled bool         `json:"tradingEnabled"`

	MaintenanceMarginBps fixed.Amount `json:"maintenanceMarginBps"` // liquidation floor
	LiquidationFeeBps    fixed.Amount `json:"liquidationFeeBps"`    // of liquidated collateral
	MaxPriceStepBps      fixed.Amount `json:"maxPriceStepBps"`      // mark feed step filter
	MaxPriceDeviationBps fixed.Amount `json:"maxPriceDeviationBps"` // market order vs mark

	MarkStaleAfter   time.Duration `json:"markStaleAfter"`
	RiskTickInterval time.Duration `json:"riskTickInterval"`
	FundingInterval  time.Duration `json:"fundingInterval"`

	MaxFundingRateBps       fixed.Amount `json:"maxFundingRateBps"`       // clip bound
	ImbalanceCoefficientBps fixed.Amount `json:"imbalanceCoefficientBps"` // k in the rate formula
}

// DefaultParams returns the listing defaults applied when the admin does
// not override them at activation.
func DefaultParams() Params {
	return Params{
		MaxLeverage:             fixed.FromUint64(10 * fixed.LeverageScale),
		MakerFeeBps:             fixed.FromUint64(2),
		TakerFeeBps:             fixed.FromUint64(5),
		TickSize:                fixed.MustDecimal("1000000000000000"), // 1e15
		MinOrderSize:            fixed.MustDecimal("1000000000000000"), // 1e15
		TradingEnabled:          true,
		MaintenanceMarginBps:    fixed.FromUint64(50), // 0.5%
		LiquidationFeeBps:       fixed.FromUint64(100),
		MaxPriceStepBps:         fixed.FromUint64(1_000), // 10% per update
		MaxPriceDeviationBps:    fixed.FromUint64(500),   // 5%
		MarkStaleAfter:          30 * time.Second,
		RiskTickInterval:        500 * time.Millisecond,
		FundingInterval:         time.Hour,
		MaxFundingRateBps:       fixed.FromUint64(75),
		ImbalanceCoefficientBps: fixed.FromUint64(125),
	}
}

// Validate checks parameter sanity before they become authoritative.
func (p Params) Validate() error {
	if p.MaxLeverage.Lt(fixed.FromUint64(fixed.LeverageScale)) {
		return fmt.Errorf("max leverage below 1x: %s", p.MaxLeverage.Dec())
	}
	if p.TickSize.IsZero() {
		return fmt.Errorf("tick size must be positive")
	}
	if p.MinOrderSize.IsZero() {
		return fmt.Errorf("min order size must be positive")
	}
	if p.MaintenanceMarginBps.IsZero() {
		return fmt.Errorf("maintenance margin must be positive")
	}
	if p.MaintenanceMarginBps.Gte(fixed.FromUint64(fixed.BpsScale)) {
		return fmt.Errorf("maintenance margin %s bps is not below 100%%", p.MaintenanceMarginBps.Dec())
	}
	if p.MarkStaleAfter <= 0 || p.RiskTickInterval <= 0 || p.FundingInterval <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	return nil
}

// Stats are the live per-token numbers mutated by the matching and risk
// paths. They are advisory (display, funding OI input); the pair store is
// the source of truth for exposure.
type Stats struct {
	LastPrice         fixed.Amount `json:"lastPrice"`
	MarkPrice         fixed.Amount `json:"markPrice"`
	Volume24h         fixed.Amount `json:"volume24h"`
	TradeCount24h     uint64       `json:"tradeCount24h"`
	OpenInterestLong  fixed.Amount `json:"openInterestLong"`
	OpenInterestShort fixed.Amount `json:"openInterestShort"`
	PositionCount     uint64       `json:"positionCount"`
	CreatedAt         int64        `json:"createdAt"`      // unix ms
	StateChangedAt    int64        `json:"stateChangedAt"` // unix ms
}

// Token is a registry snapshot: safe to hold, never mutated in place.
type Token struct {
	Address common.Address `json:"address"`
	State   State          `json:"state"`
	Params  Params         `json:"params"`
	Stats   Stats          `json:"stats"`
}

// Tradable reports whether orders may currently be accepted.
func (t *Token) Tradable() bool {
	return t.State == Active && t.Params.TradingEnabled
}
