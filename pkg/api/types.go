package api

import (
	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/engine"
	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/token"
)

// All amounts on the wire are base-10 integer strings in the protocol's
// fixed scales: 1e18 for sizes and prices, 1e4 for leverage.

// SubmitOrderRequest is a signed order as the client built and signed it.
type SubmitOrderRequest struct {
	Trader     string `json:"trader"`
	Token      string `json:"token"`
	Side       string `json:"side"`      // "long" or "short"
	OrderType  string `json:"orderType"` // "limit" or "market"
	Size       string `json:"size"`
	LimitPrice string `json:"limitPrice"` // omitted for market orders
	Leverage   string `json:"leverage"`
	Deadline   int64  `json:"deadline"` // unix seconds
	Nonce      uint64 `json:"nonce"`
	Signature  string `json:"signature"` // 0x-prefixed hex
}

// SubmitOrderResponse reports the synchronous outcome of a submission.
type SubmitOrderResponse struct {
	Success bool           `json:"success"`
	OrderID string         `json:"orderId,omitempty"`
	Status  string         `json:"status,omitempty"`
	Matches []engine.Match `json:"matches,omitempty"`
	Error   *ErrorBody     `json:"error,omitempty"`
}

// CancelOrderRequest is a signed cancel.
type CancelOrderRequest struct {
	Trader    string `json:"trader"`
	Token     string `json:"token"`
	OrderID   string `json:"orderId"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// GenericResponse acknowledges requests with no payload.
type GenericResponse struct {
	Success bool       `json:"success"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody carries the stable error code plus human detail.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// TokenInfo is one listed token with its parameters and rolling stats.
type TokenInfo struct {
	Address string       `json:"address"`
	State   string       `json:"state"`
	Params  token.Params `json:"params"`
	Stats   token.Stats  `json:"stats"`
}

// AccountResponse is a trader's balance snapshot.
type AccountResponse struct {
	Address   string       `json:"address"`
	Available fixed.Amount `json:"available"`
	Locked    fixed.Amount `json:"locked"`
	Total     fixed.Amount `json:"total"`
}

// PositionInfo is one side of one active pair, enriched with the current
// mark and the closed-form liquidation price.
type PositionInfo struct {
	PairID           uint64       `json:"pairId"`
	Token            string       `json:"token"`
	Side             string       `json:"side"`
	Size             fixed.Amount `json:"size"`
	EntryPrice       fixed.Amount `json:"entryPrice"`
	Collateral       fixed.Amount `json:"collateral"`
	Funding          fixed.Signed `json:"funding"`
	MarkPrice        fixed.Amount `json:"markPrice"`
	MarginRatioBps   fixed.Signed `json:"marginRatioBps"`
	LiquidationPrice fixed.Amount `json:"liquidationPrice"`
	OpenTimestamp    int64        `json:"openTimestamp"`
}

// FundingResponse is the token's current funding state.
type FundingResponse struct {
	Token   string       `json:"token"`
	RateBps fixed.Signed `json:"rateBps"`
	Index   fixed.Signed `json:"index"`
}

// MarkResponse is the token's current mark price.
type MarkResponse struct {
	Token     string       `json:"token"`
	Price     fixed.Amount `json:"price"`
	Timestamp int64        `json:"timestamp"`
	Stale     bool         `json:"stale"`
}

// WSRequest is the client-to-server subscription control frame.
type WSRequest struct {
	Op     string   `json:"op"` // "subscribe" or "unsubscribe"
	Topics []string `json:"topics"`
}

func errBody(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	return &ErrorBody{Code: core.CodeOf(err), Message: err.Error()}
}
