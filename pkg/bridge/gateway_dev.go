package bridge

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DevGateway is the in-process gateway used when no chain endpoint is
// configured. Settlement batches confirm immediately; mark prices and
// deposits are injected through the push methods.
type DevGateway struct {
	mu       sync.Mutex
	marks    chan MarkPriceUpdate
	deposits chan DepositEvent
	batches  []Batch
	statuses map[string]TxStatus
	log      *zap.SugaredLogger
}

func NewDevGateway(log *zap.Logger) *DevGateway {
	return &DevGateway{
		marks:    make(chan MarkPriceUpdate, 256),
		deposits: make(chan DepositEvent, 256),
		statuses: make(map[string]TxStatus),
		log:      log.Sugar().Named("devgateway"),
	}
}

// PushMark injects a mark price into the subscription stream. Drops when
// nobody is draining the stream fast enough.
func (g *DevGateway) PushMark(u MarkPriceUpdate) {
	select {
	case g.marks <- u:
	default:
		g.log.Warnw("mark_dropped", "token", u.Token.Hex())
	}
}

// PushDeposit injects a confirmed deposit event.
func (g *DevGateway) PushDeposit(ev DepositEvent) {
	select {
	case g.deposits <- ev:
	default:
		g.log.Warnw("deposit_dropped", "trader", ev.Trader.Hex())
	}
}

func (g *DevGateway) SubscribeMarkPrices(ctx context.Context) (<-chan MarkPriceUpdate, error) {
	return g.marks, nil
}

func (g *DevGateway) SubscribeDeposits(ctx context.Context) (<-chan DepositEvent, error) {
	return g.deposits, nil
}

// SubmitSettlement records the batch and confirms it on the spot.
func (g *DevGateway) SubmitSettlement(ctx context.Context, batch Batch) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	txID := uuid.NewString()
	g.batches = append(g.batches, batch)
	g.statuses[txID] = TxConfirmed
	g.log.Infow("settlement_recorded", "batch", batch.ID, "tx", txID,
		"instructions", len(batch.Instructions))
	return txID, nil
}

func (g *DevGateway) GetTxStatus(ctx context.Context, txID string) (TxStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.statuses[txID]; ok {
		return st, nil
	}
	return TxFailed, nil
}

// Batches returns everything submitted so far.
func (g *DevGateway) Batches() []Batch {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Batch, len(g.batches))
	copy(out, g.batches)
	return out
}

var _ ChainGateway = (*DevGateway)(nil)
