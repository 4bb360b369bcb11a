package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/broadcast"
	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/ledger"
)

var brToken = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type fakeGateway struct {
	submitErrs int // fail this many submissions first
	statuses   []TxStatus
	submitted  []Batch
	txSeq      int
	deposits   chan DepositEvent
}

func (g *fakeGateway) SubscribeMarkPrices(context.Context) (<-chan MarkPriceUpdate, error) {
	return make(chan MarkPriceUpdate), nil
}

func (g *fakeGateway) SubmitSettlement(_ context.Context, batch Batch) (string, error) {
	if g.submitErrs > 0 {
		g.submitErrs--
		return "", errors.New("rpc unavailable")
	}
	g.submitted = append(g.submitted, batch)
	g.txSeq++
	return batch.ID, nil
}

func (g *fakeGateway) GetTxStatus(context.Context, string) (TxStatus, error) {
	if len(g.statuses) == 0 {
		return TxConfirmed, nil
	}
	s := g.statuses[0]
	g.statuses = g.statuses[1:]
	return s, nil
}

func (g *fakeGateway) SubscribeDeposits(context.Context) (<-chan DepositEvent, error) {
	if g.deposits == nil {
		g.deposits = make(chan DepositEvent)
	}
	return g.deposits, nil
}

type memSettleRepo struct {
	appended []Instruction
}

func (m *memSettleRepo) AppendSettlement(_ string, inst Instruction) error {
	m.appended = append(m.appended, inst)
	return nil
}

func (m *memSettleRepo) SettlementsByUser(common.Address, int) ([]Instruction, error) {
	return nil, nil
}

func fastConfig() Config {
	return Config{
		MaxBatchSize:  4,
		BatchInterval: 5 * time.Millisecond,
		PollInterval:  time.Millisecond,
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		BackoffMax:    4 * time.Millisecond,
	}
}

func newTestBridge(gw ChainGateway, repo Repository) *Bridge {
	led := ledger.New(nil, zap.NewNop())
	return New(fastConfig(), gw, repo, led, broadcast.NewBus(16, zap.NewNop()), zap.NewNop())
}

func inst(pairID uint64) Instruction {
	return Instruction{
		Kind:   InstrPairClose,
		PairID: pairID,
		Token:  brToken,
		Size:   fixed.MustDecimal("1000000000000000000"),
		Price:  fixed.MustDecimal("2000000000000000000"),
	}
}

func TestEnqueueAssignsMonotonicSeq(t *testing.T) {
	b := newTestBridge(&fakeGateway{}, nil)
	for i := uint64(1); i <= 3; i++ {
		b.Enqueue(inst(i))
	}
	batch, ok := b.cutBatch()
	if !ok {
		t.Fatal("expected a batch")
	}
	if batch.ID == "" {
		t.Error("batch id empty")
	}
	for i, in := range batch.Instructions {
		if in.Seq != uint64(i+1) {
			t.Errorf("seq[%d] = %d, want %d", i, in.Seq, i+1)
		}
		if in.Timestamp == 0 {
			t.Errorf("timestamp[%d] not assigned", i)
		}
	}
	if b.PendingCount() != 0 {
		t.Errorf("pending = %d after cut", b.PendingCount())
	}
}

func TestCutBatchBoundedByMaxSize(t *testing.T) {
	b := newTestBridge(&fakeGateway{}, nil)
	for i := uint64(1); i <= 6; i++ {
		b.Enqueue(inst(i))
	}
	first, _ := b.cutBatch()
	second, _ := b.cutBatch()
	if len(first.Instructions) != 4 || len(second.Instructions) != 2 {
		t.Errorf("batch sizes = %d/%d, want 4/2", len(first.Instructions), len(second.Instructions))
	}
	if _, ok := b.cutBatch(); ok {
		t.Error("expected empty buffer")
	}
}

func TestProcessConfirmsAndLogs(t *testing.T) {
	gw := &fakeGateway{}
	repo := &memSettleRepo{}
	b := newTestBridge(gw, repo)
	b.Enqueue(inst(1))
	b.Enqueue(inst(2))

	batch, _ := b.cutBatch()
	b.process(context.Background(), batch)

	if len(gw.submitted) != 1 {
		t.Fatalf("submissions = %d, want 1", len(gw.submitted))
	}
	if len(repo.appended) != 2 {
		t.Errorf("settlement log entries = %d, want 2", len(repo.appended))
	}
	if b.Alarms() != 0 {
		t.Errorf("alarms = %d, want 0", b.Alarms())
	}
}

func TestProcessRetriesAfterSubmitError(t *testing.T) {
	gw := &fakeGateway{submitErrs: 2}
	b := newTestBridge(gw, nil)
	b.Enqueue(inst(1))

	batch, _ := b.cutBatch()
	b.process(context.Background(), batch)

	if len(gw.submitted) != 1 {
		t.Errorf("submissions = %d, want 1 after retries", len(gw.submitted))
	}
	if b.Alarms() != 0 {
		t.Errorf("alarms = %d, want 0", b.Alarms())
	}
}

func TestProcessRetriesAfterRevert(t *testing.T) {
	gw := &fakeGateway{statuses: []TxStatus{TxPending, TxFailed, TxConfirmed}}
	b := newTestBridge(gw, nil)
	b.Enqueue(inst(1))

	batch, _ := b.cutBatch()
	b.process(context.Background(), batch)

	// First submission reverted, second confirmed.
	if len(gw.submitted) != 2 {
		t.Errorf("submissions = %d, want 2", len(gw.submitted))
	}
	if b.Alarms() != 0 {
		t.Errorf("alarms = %d", b.Alarms())
	}
}

func TestExhaustedRetriesQuarantine(t *testing.T) {
	gw := &fakeGateway{submitErrs: 100}
	bus := broadcast.NewBus(16, zap.NewNop())
	sub := bus.Subscribe(broadcast.TopicLifecycle(brToken))
	defer sub.Close()

	led := ledger.New(nil, zap.NewNop())
	b := New(fastConfig(), gw, nil, led, bus, zap.NewNop())
	b.Enqueue(inst(1))

	batch, _ := b.cutBatch()
	b.process(context.Background(), batch)

	if b.Alarms() != 1 {
		t.Fatalf("alarms = %d, want 1", b.Alarms())
	}
	q := b.Quarantined()
	if len(q) != 1 || q[0].ID != batch.ID {
		t.Fatalf("quarantined = %+v", q)
	}
	env := <-sub.C()
	ev := env.Payload.(broadcast.LifecycleEvent)
	if ev.State != "settlement_quarantined" {
		t.Errorf("lifecycle state = %q", ev.State)
	}
}

func TestDepositsCreditLedger(t *testing.T) {
	// Unbuffered so the send returns only once the consumer picked it up.
	gw := &fakeGateway{deposits: make(chan DepositEvent)}
	led := ledger.New(nil, zap.NewNop())
	b := New(fastConfig(), gw, nil, led, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	deposits, err := gw.SubscribeDeposits(ctx)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		b.consumeDeposits(ctx, deposits)
		close(done)
	}()

	trader := common.HexToAddress("0x01")
	gw.deposits <- DepositEvent{Trader: trader, Amount: fixed.MustDecimal("5000000000000000000")}
	cancel()
	<-done

	bal, err := led.Get(trader)
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Available.Eq(fixed.MustDecimal("5000000000000000000")) {
		t.Errorf("available = %s, want 5e18", bal.Available.Dec())
	}
}

func TestBackoffCapped(t *testing.T) {
	b := newTestBridge(&fakeGateway{}, nil)
	if got := b.backoff(1); got != time.Millisecond {
		t.Errorf("backoff(1) = %v", got)
	}
	if got := b.backoff(10); got != 4*time.Millisecond {
		t.Errorf("backoff(10) = %v, want cap", got)
	}
}
