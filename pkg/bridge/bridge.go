package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/broadcast"
	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/ledger"
)

// Repository persists the settlement log. Implementations live in
// pkg/storage.
type Repository interface {
	AppendSettlement(batchID string, inst Instruction) error
	SettlementsByUser(trader common.Address, limit int) ([]Instruction, error)
}

// Config tunes batching and retry behavior.
type Config struct {
	MaxBatchSize  int
	BatchInterval time.Duration
	PollInterval  time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:  64,
		BatchInterval: 2 * time.Second,
		PollInterval:  time.Second,
		MaxAttempts:   5,
		BackoffBase:   500 * time.Millisecond,
		BackoffMax:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = d.BatchInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	return c
}

// Bridge buffers settlement instructions, cuts them into uuid-identified
// batches, and drives each batch to on-chain confirmation. Batches that
// exhaust their retries land in the quarantine queue and raise an alarm;
// they are never silently dropped.
type Bridge struct {
	cfg  Config
	gw   ChainGateway
	repo Repository
	led  *ledger.Ledger
	bus  *broadcast.Bus
	log  *zap.SugaredLogger
	now  func() time.Time

	mu          sync.Mutex
	buf         []Instruction
	seq         uint64
	quarantined []Batch

	kick   chan struct{}
	alarms atomic.Uint64
}

func New(cfg Config, gw ChainGateway, repo Repository, led *ledger.Ledger, bus *broadcast.Bus, log *zap.Logger) *Bridge {
	return &Bridge{
		cfg:  cfg.withDefaults(),
		gw:   gw,
		repo: repo,
		led:  led,
		bus:  bus,
		log:  log.Sugar().Named("bridge"),
		now:  time.Now,
		kick: make(chan struct{}, 1),
	}
}

// SetNowFunc overrides the clock. Tests only.
func (b *Bridge) SetNowFunc(now func() time.Time) { b.now = now }

// Enqueue buffers one instruction, assigning its idempotence sequence. A
// full buffer kicks an immediate batch cut.
func (b *Bridge) Enqueue(inst Instruction) {
	b.mu.Lock()
	b.seq++
	inst.Seq = b.seq
	if inst.Timestamp == 0 {
		inst.Timestamp = b.now().UnixMilli()
	}
	b.buf = append(b.buf, inst)
	full := len(b.buf) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// PendingCount returns the number of buffered, not yet batched instructions.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Quarantined returns the batches that exhausted their retries.
func (b *Bridge) Quarantined() []Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Batch, len(b.quarantined))
	copy(out, b.quarantined)
	return out
}

// Alarms returns how many batches were quarantined.
func (b *Bridge) Alarms() uint64 { return b.alarms.Load() }

// Run drives the batch loop and the deposit stream until ctx is cancelled.
// The remaining buffer gets one bounded final submission on shutdown.
func (b *Bridge) Run(ctx context.Context) error {
	deposits, err := b.gw.SubscribeDeposits(ctx)
	if err != nil {
		return core.Errf(core.ErrChainGatewayUnavailable, "subscribe deposits: %v", err)
	}
	go b.consumeDeposits(ctx, deposits)

	ticker := time.NewTicker(b.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.finalFlush()
			return ctx.Err()
		case <-b.kick:
		case <-ticker.C:
		}
		if batch, ok := b.cutBatch(); ok {
			b.process(ctx, batch)
		}
	}
}

// consumeDeposits credits confirmed on-chain deposits to the ledger.
func (b *Bridge) consumeDeposits(ctx context.Context, deposits <-chan DepositEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-deposits:
			if !ok {
				b.log.Warn("deposit stream closed")
				return
			}
			if err := b.led.Deposit(ev.Trader, ev.Amount); err != nil {
				b.log.Errorw("deposit_credit_failed",
					"trader", ev.Trader.Hex(), "amount", ev.Amount.Dec(), "err", err)
				continue
			}
			b.log.Infow("deposit_credited",
				"trader", ev.Trader.Hex(), "amount", ev.Amount.Dec())
		}
	}
}

// cutBatch drains up to MaxBatchSize buffered instructions into a batch.
func (b *Bridge) cutBatch() (Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return Batch{}, false
	}
	n := len(b.buf)
	if n > b.cfg.MaxBatchSize {
		n = b.cfg.MaxBatchSize
	}
	batch := Batch{
		ID:           uuid.NewString(),
		Instructions: b.buf[:n:n],
		CreatedAt:    b.now().UnixMilli(),
	}
	b.buf = b.buf[n:]
	return batch, true
}

// process submits the batch and follows it to a terminal status, retrying
// failed submissions with exponential backoff. Exhausted batches are
// quarantined.
func (b *Bridge) process(ctx context.Context, batch Batch) {
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if !sleepCtx(ctx, b.backoff(attempt-1)) {
				b.quarantine(batch, "shutdown during retry")
				return
			}
		}
		txID, err := b.gw.SubmitSettlement(ctx, batch)
		if err != nil {
			b.log.Warnw("batch_submit_failed",
				"batch", batch.ID, "attempt", attempt, "err", err)
			continue
		}
		switch b.await(ctx, txID) {
		case TxConfirmed:
			b.confirmed(batch, txID)
			return
		case TxFailed:
			b.log.Warnw("batch_reverted", "batch", batch.ID, "tx", txID, "attempt", attempt)
		default: // context cancelled while pending
			b.quarantine(batch, "shutdown while pending")
			return
		}
	}
	b.quarantine(batch, "retries exhausted")
}

// await polls the gateway until the tx leaves Pending or ctx ends.
func (b *Bridge) await(ctx context.Context, txID string) TxStatus {
	for {
		status, err := b.gw.GetTxStatus(ctx, txID)
		if err != nil {
			b.log.Warnw("tx_status_failed", "tx", txID, "err", err)
		} else if status != TxPending {
			return status
		}
		if !sleepCtx(ctx, b.cfg.PollInterval) {
			return TxPending
		}
	}
}

func (b *Bridge) confirmed(batch Batch, txID string) {
	b.log.Infow("batch_confirmed",
		"batch", batch.ID, "tx", txID, "instructions", len(batch.Instructions))
	if b.repo == nil {
		return
	}
	for _, inst := range batch.Instructions {
		if err := b.repo.AppendSettlement(batch.ID, inst); err != nil {
			b.log.Errorw("settlement_log_append_failed",
				"batch", batch.ID, "seq", inst.Seq, "err", err)
		}
	}
}

// quarantine parks the batch, raises the alarm, and notifies lifecycle
// subscribers of every token the batch touches.
func (b *Bridge) quarantine(batch Batch, reason string) {
	b.mu.Lock()
	b.quarantined = append(b.quarantined, batch)
	b.mu.Unlock()
	b.alarms.Add(1)
	b.log.Errorw("batch_quarantined",
		"batch", batch.ID, "instructions", len(batch.Instructions), "reason", reason)

	if b.bus == nil {
		return
	}
	seen := make(map[common.Address]bool)
	for _, inst := range batch.Instructions {
		if seen[inst.Token] {
			continue
		}
		seen[inst.Token] = true
		b.bus.Publish(broadcast.TopicLifecycle(inst.Token), broadcast.LifecycleEvent{
			Token:     inst.Token,
			State:     "settlement_quarantined",
			Reason:    reason,
			Timestamp: b.now().UnixMilli(),
		})
	}
}

// finalFlush gives the remaining buffer one bounded submission attempt so a
// graceful shutdown loses as little as possible.
func (b *Bridge) finalFlush() {
	batch, ok := b.cutBatch()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.process(ctx, batch)
}

func (b *Bridge) backoff(failures int) time.Duration {
	d := b.cfg.BackoffBase << uint(failures-1)
	if d > b.cfg.BackoffMax || d <= 0 {
		return b.cfg.BackoffMax
	}
	return d
}

// sleepCtx waits d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
