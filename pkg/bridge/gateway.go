// Package bridge batches finalized settlement events and drives them
// through the chain gateway, tracking every batch to on-chain confirmation.
// The gateway is also the source of mark prices and deposit events.
package bridge

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/memeperp/pkg/fixed"
)

// MarkPriceUpdate is one pushed mark price from the chain gateway.
type MarkPriceUpdate struct {
	Token     common.Address `json:"token"`
	Price     fixed.Amount   `json:"price"`
	Timestamp int64          `json:"timestamp"` // unix ms
}

// DepositEvent is one confirmed on-chain deposit.
type DepositEvent struct {
	Trader    common.Address `json:"trader"`
	Amount    fixed.Amount   `json:"amount"`
	Timestamp int64          `json:"timestamp"` // unix ms
}

// TxStatus is the gateway's view of a submitted batch.
type TxStatus int

const (
	TxPending TxStatus = iota
	TxConfirmed
	TxFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// InstructionKind discriminates settlement instructions.
type InstructionKind string

const (
	InstrPairOpen    InstructionKind = "pair_open"
	InstrPairClose   InstructionKind = "pair_close"
	InstrLiquidation InstructionKind = "liquidation"
)

// Instruction is one settlement event bound for the chain. PairID plus the
// bridge-assigned monotonic Seq make every instruction idempotent; the
// settlement contract rejects duplicates.
type Instruction struct {
	Seq         uint64          `json:"seq"`
	Kind        InstructionKind `json:"kind"`
	PairID      uint64          `json:"pairId"`
	Token       common.Address  `json:"token"`
	LongTrader  common.Address  `json:"longTrader"`
	ShortTrader common.Address  `json:"shortTrader"`
	Size        fixed.Amount    `json:"size"`
	Price       fixed.Amount    `json:"price"`
	PnlLong     fixed.Signed    `json:"pnlLong"`
	PnlShort    fixed.Signed    `json:"pnlShort"`
	Timestamp   int64           `json:"timestamp"` // unix ms
}

// Batch is the submission unit.
type Batch struct {
	ID           string        `json:"id"` // uuid
	Instructions []Instruction `json:"instructions"`
	CreatedAt    int64         `json:"createdAt"` // unix ms
}

// ChainGateway abstracts the settlement contracts and the EVM RPC. The
// core consumes this interface; implementations live outside the engine.
type ChainGateway interface {
	SubscribeMarkPrices(ctx context.Context) (<-chan MarkPriceUpdate, error)
	SubmitSettlement(ctx context.Context, batch Batch) (txID string, err error)
	GetTxStatus(ctx context.Context, txID string) (TxStatus, error)
	SubscribeDeposits(ctx context.Context) (<-chan DepositEvent, error)
}
