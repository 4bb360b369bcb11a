package ledger

import (
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/fixed"
)

var (
	alice = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	feeAcct = common.HexToAddress("0x000000000000000000000000000000000000fee5")
)

type memRepo struct {
	mu   sync.Mutex
	data map[common.Address]Balance
}

func newMemRepo() *memRepo { return &memRepo{data: make(map[common.Address]Balance)} }

func (m *memRepo) LoadBalance(trader common.Address) (Balance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[trader]
	return b, ok, nil
}

func (m *memRepo) PersistBalance(trader common.Address, b Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[trader] = b
	return nil
}

func newTestLedger() *Ledger { return New(newMemRepo(), zap.NewNop()) }

func TestLockReleaseRoundTrip(t *testing.T) {
	l := newTestLedger()
	if err := l.Deposit(alice, fixed.FromUint64(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Lock(alice, fixed.FromUint64(60)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	b, _ := l.Get(alice)
	if b.Available.Uint64() != 40 || b.Locked.Uint64() != 60 {
		t.Errorf("after lock: %s", b)
	}

	if err := l.Lock(alice, fixed.FromUint64(50)); !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("overlock = %v, want InsufficientBalance", err)
	}

	if err := l.Release(alice, fixed.FromUint64(60)); err != nil {
		t.Fatalf("release: %v", err)
	}
	b, _ = l.Get(alice)
	if b.Available.Uint64() != 100 || !b.Locked.IsZero() {
		t.Errorf("after release: %s", b)
	}

	// Release beyond locked saturates instead of minting.
	if err := l.Release(alice, fixed.FromUint64(10)); err != nil {
		t.Fatalf("saturating release: %v", err)
	}
	b, _ = l.Get(alice)
	if b.Available.Uint64() != 100 {
		t.Errorf("saturating release minted funds: %s", b)
	}
}

func TestTransfer(t *testing.T) {
	l := newTestLedger()
	l.Deposit(alice, fixed.FromUint64(100))

	if err := l.Transfer(alice, bob, fixed.FromUint64(30)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	a, _ := l.Get(alice)
	b, _ := l.Get(bob)
	if a.Available.Uint64() != 70 || b.Available.Uint64() != 30 {
		t.Errorf("after transfer: alice=%s bob=%s", a, b)
	}

	if err := l.Transfer(alice, bob, fixed.FromUint64(1000)); !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("overdraw transfer = %v, want InsufficientBalance", err)
	}
	// Self transfer is a no-op.
	if err := l.Transfer(alice, alice, fixed.FromUint64(10)); err != nil {
		t.Errorf("self transfer: %v", err)
	}
}

func TestSettlePairZeroSum(t *testing.T) {
	l := newTestLedger()
	l.Deposit(alice, fixed.FromUint64(1000))
	l.Deposit(bob, fixed.FromUint64(1000))
	l.Lock(alice, fixed.FromUint64(400))
	l.Lock(bob, fixed.FromUint64(400))

	// Alice (long) wins 100, bob (short) loses 100, each pays fee 5.
	err := l.SettlePair(SettleInput{
		LongTrader:      alice,
		ShortTrader:     bob,
		LongCollateral:  fixed.FromUint64(400),
		ShortCollateral: fixed.FromUint64(400),
		PnlLong:         fixed.Pos(fixed.FromUint64(100)),
		PnlShort:        fixed.NegOf(fixed.FromUint64(100)),
		FeeLong:         fixed.FromUint64(5),
		FeeShort:        fixed.FromUint64(5),
		FeeAccount:      feeAcct,
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	a, _ := l.Get(alice)
	b, _ := l.Get(bob)
	f, _ := l.Get(feeAcct)
	if a.Available.Uint64() != 600+400+100-5 {
		t.Errorf("alice available = %d, want 1095", a.Available.Uint64())
	}
	if b.Available.Uint64() != 600+400-100-5 {
		t.Errorf("bob available = %d, want 895", b.Available.Uint64())
	}
	if !a.Locked.IsZero() || !b.Locked.IsZero() {
		t.Errorf("locked not released: alice=%s bob=%s", a, b)
	}
	if f.Available.Uint64() != 10 {
		t.Errorf("fee account = %d, want 10", f.Available.Uint64())
	}

	// Conservation: total funds unchanged (2000).
	total := a.Available.Uint64() + b.Available.Uint64() + f.Available.Uint64()
	if total != 2000 {
		t.Errorf("total after settle = %d, want 2000", total)
	}
}

func TestSettlePairRejectsBrokenZeroSum(t *testing.T) {
	l := newTestLedger()
	l.Deposit(alice, fixed.FromUint64(1000))
	l.Deposit(bob, fixed.FromUint64(1000))

	err := l.SettlePair(SettleInput{
		LongTrader:  alice,
		ShortTrader: bob,
		PnlLong:     fixed.Pos(fixed.FromUint64(100)),
		PnlShort:    fixed.NegOf(fixed.FromUint64(99)),
		FeeAccount:  feeAcct,
	})
	if !errors.Is(err, core.ErrZeroSumBroken) {
		t.Errorf("settle = %v, want ZeroSumBroken", err)
	}
	// No state change on rejection.
	a, _ := l.Get(alice)
	if a.Available.Uint64() != 1000 {
		t.Errorf("alice mutated on rejected settle: %s", a)
	}
}

func TestSettlePairWipeoutFloorsAtZero(t *testing.T) {
	l := newTestLedger()
	l.Deposit(alice, fixed.FromUint64(400))
	l.Deposit(bob, fixed.FromUint64(400))
	l.Lock(alice, fixed.FromUint64(400))
	l.Lock(bob, fixed.FromUint64(400))

	// Long loses more than its collateral; payout floors at zero and the
	// short receives the mirrored gain (insurance covers the gap upstream).
	err := l.SettlePair(SettleInput{
		LongTrader:      alice,
		ShortTrader:     bob,
		LongCollateral:  fixed.FromUint64(400),
		ShortCollateral: fixed.FromUint64(400),
		PnlLong:         fixed.NegOf(fixed.FromUint64(500)),
		PnlShort:        fixed.Pos(fixed.FromUint64(500)),
		FeeAccount:      feeAcct,
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	a, _ := l.Get(alice)
	b, _ := l.Get(bob)
	if !a.Available.IsZero() {
		t.Errorf("wiped-out side available = %s, want 0", a.Available.Dec())
	}
	if b.Available.Uint64() != 900 {
		t.Errorf("winning side available = %d, want 900", b.Available.Uint64())
	}
}

func TestSyncFromChainOnlyRaises(t *testing.T) {
	l := newTestLedger()
	l.Deposit(alice, fixed.FromUint64(100))
	l.Lock(alice, fixed.FromUint64(40))

	// Chain reports more: credit the difference.
	if err := l.SyncFromChain(alice, fixed.FromUint64(150)); err != nil {
		t.Fatalf("sync: %v", err)
	}
	b, _ := l.Get(alice)
	if b.Available.Uint64() != 110 || b.Locked.Uint64() != 40 {
		t.Errorf("after raising sync: %s", b)
	}

	// Chain reports less: logged, never lowered.
	if err := l.SyncFromChain(alice, fixed.FromUint64(50)); err != nil {
		t.Fatalf("sync: %v", err)
	}
	b, _ = l.Get(alice)
	if b.Available.Uint64() != 110 {
		t.Errorf("lowering sync mutated balance: %s", b)
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	repo := newMemRepo()
	l1 := New(repo, zap.NewNop())
	l1.Deposit(alice, fixed.FromUint64(77))
	l1.Lock(alice, fixed.FromUint64(7))

	// A fresh ledger over the same repository sees the persisted state.
	l2 := New(repo, zap.NewNop())
	b, err := l2.Get(alice)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Available.Uint64() != 70 || b.Locked.Uint64() != 7 {
		t.Errorf("reloaded balance = %s", b)
	}
}

func TestConcurrentLocks(t *testing.T) {
	l := newTestLedger()
	l.Deposit(alice, fixed.FromUint64(1000))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				l.Lock(alice, fixed.FromUint64(1))
				l.Release(alice, fixed.FromUint64(1))
			}
		}()
	}
	wg.Wait()

	b, _ := l.Get(alice)
	total, _ := b.Total()
	if total.Uint64() != 1000 {
		t.Errorf("funds not conserved under concurrency: %s", b)
	}
}
