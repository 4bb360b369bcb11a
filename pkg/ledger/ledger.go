// Package ledger tracks per-trader quote-asset balances: available and
// locked. Every mutation is linearized per trader through striped locks;
// multi-trader operations acquire stripes in index order so they cannot
// deadlock.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/fixed"
)

// Balance is a snapshot of one trader's funds.
type Balance struct {
	Available fixed.Amount `json:"available"`
	Locked    fixed.Amount `json:"locked"`
}

// Total returns available+locked.
func (b Balance) Total() (fixed.Amount, error) { return b.Available.Add(b.Locked) }

// Repository persists balance snapshots. Implementations live in
// pkg/storage; tests use an in-memory map.
type Repository interface {
	LoadBalance(trader common.Address) (Balance, bool, error)
	PersistBalance(trader common.Address, b Balance) error
}

const stripeCount = 64

type stripe struct {
	mu       sync.Mutex
	accounts map[common.Address]*Balance
}

// Ledger is the balance subsystem.
type Ledger struct {
	stripes [stripeCount]stripe
	repo    Repository
	log     *zap.SugaredLogger
}

func New(repo Repository, log *zap.Logger) *Ledger {
	l := &Ledger{repo: repo, log: log.Sugar().Named("ledger")}
	for i := range l.stripes {
		l.stripes[i].accounts = make(map[common.Address]*Balance)
	}
	return l
}

func stripeFor(addr common.Address) int {
	return int(addr[19]) % stripeCount
}

// lockStripes acquires the stripes covering addrs in ascending index order
// and returns the unlock function.
func (l *Ledger) lockStripes(addrs ...common.Address) func() {
	seen := make(map[int]bool, len(addrs))
	idx := make([]int, 0, len(addrs))
	for _, a := range addrs {
		i := stripeFor(a)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.stripes[i].mu.Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].mu.Unlock()
		}
	}
}

// account returns the live balance record, loading from the repository on
// first touch. Caller must hold the trader's stripe.
func (l *Ledger) account(trader common.Address) (*Balance, error) {
	s := &l.stripes[stripeFor(trader)]
	if b, ok := s.accounts[trader]; ok {
		return b, nil
	}
	b := &Balance{}
	if l.repo != nil {
		stored, found, err := l.repo.LoadBalance(trader)
		if err != nil {
			return nil, core.Errf(core.ErrRepositoryUnavailable, "load balance %s: %v", trader.Hex(), err)
		}
		if found {
			*b = stored
		}
	}
	s.accounts[trader] = b
	return b, nil
}

func (l *Ledger) persist(trader common.Address, b *Balance) error {
	if l.repo == nil {
		return nil
	}
	if err := l.repo.PersistBalance(trader, *b); err != nil {
		return core.Errf(core.ErrRepositoryUnavailable, "persist balance %s: %v", trader.Hex(), err)
	}
	return nil
}

// Get returns a snapshot of the trader's balance.
func (l *Ledger) Get(trader common.Address) (Balance, error) {
	unlock := l.lockStripes(trader)
	defer unlock()
	b, err := l.account(trader)
	if err != nil {
		return Balance{}, err
	}
	return *b, nil
}

// Deposit credits available funds. Used by the chain deposit stream and by
// tests to seed accounts.
func (l *Ledger) Deposit(trader common.Address, amount fixed.Amount) error {
	unlock := l.lockStripes(trader)
	defer unlock()
	b, err := l.account(trader)
	if err != nil {
		return err
	}
	next, err := b.Available.Add(amount)
	if err != nil {
		return core.Errf(core.ErrArithmeticOverflow, "deposit %s: %v", trader.Hex(), err)
	}
	b.Available = next
	return l.persist(trader, b)
}

// Lock moves available → locked, failing with InsufficientBalance.
func (l *Ledger) Lock(trader common.Address, amount fixed.Amount) error {
	unlock := l.lockStripes(trader)
	defer unlock()
	b, err := l.account(trader)
	if err != nil {
		return err
	}
	if b.Available.Lt(amount) {
		return core.Errf(core.ErrInsufficientBalance, "trader %s has %s available, needs %s",
			trader.Hex(), b.Available.Dec(), amount.Dec())
	}
	b.Available = b.Available.SatSub(amount)
	locked, err := b.Locked.Add(amount)
	if err != nil {
		return core.Errf(core.ErrArithmeticOverflow, "lock %s: %v", trader.Hex(), err)
	}
	b.Locked = locked
	return l.persist(trader, b)
}

// Release moves locked → available, saturating at zero locked. Used when
// orders cancel or expire without filling.
func (l *Ledger) Release(trader common.Address, amount fixed.Amount) error {
	unlock := l.lockStripes(trader)
	defer unlock()
	b, err := l.account(trader)
	if err != nil {
		return err
	}
	moved := amount.Min(b.Locked)
	b.Locked = b.Locked.SatSub(moved)
	avail, err := b.Available.Add(moved)
	if err != nil {
		return core.Errf(core.ErrArithmeticOverflow, "release %s: %v", trader.Hex(), err)
	}
	b.Available = avail
	return l.persist(trader, b)
}

// Transfer moves available funds between traders.
func (l *Ledger) Transfer(from, to common.Address, amount fixed.Amount) error {
	if from == to || amount.IsZero() {
		return nil
	}
	unlock := l.lockStripes(from, to)
	defer unlock()
	src, err := l.account(from)
	if err != nil {
		return err
	}
	dst, err := l.account(to)
	if err != nil {
		return err
	}
	if src.Available.Lt(amount) {
		return core.Errf(core.ErrInsufficientBalance, "transfer from %s: has %s, needs %s",
			from.Hex(), src.Available.Dec(), amount.Dec())
	}
	src.Available = src.Available.SatSub(amount)
	next, err := dst.Available.Add(amount)
	if err != nil {
		return core.Errf(core.ErrArithmeticOverflow, "transfer to %s: %v", to.Hex(), err)
	}
	dst.Available = next
	if err := l.persist(from, src); err != nil {
		return err
	}
	return l.persist(to, dst)
}

// SettleInput carries one pair settlement. Pnl values must already include
// funding; fees are deducted from each side and credited to FeeAccount.
type SettleInput struct {
	LongTrader      common.Address
	ShortTrader     common.Address
	LongCollateral  fixed.Amount // locked amount being released for the long
	ShortCollateral fixed.Amount // locked amount being released for the short
	PnlLong         fixed.Signed
	PnlShort        fixed.Signed
	FeeLong         fixed.Amount
	FeeShort        fixed.Amount
	FeeAccount      common.Address
}

// SettlePair atomically releases both sides' collateral, applies pnl and
// fees, and credits the fee account. PnlLong+PnlShort must be exactly zero;
// a violation is ZeroSumBroken and the caller quarantines the token.
//
// Each side's payout is collateral + pnl − fee, floored at zero: a side
// whose loss exceeds its collateral pays everything it has and the
// shortfall is the caller's insurance draw.
func (l *Ledger) SettlePair(in SettleInput) error {
	sum, err := in.PnlLong.Add(in.PnlShort)
	if err != nil {
		return core.Errf(core.ErrArithmeticOverflow, "settle pnl sum: %v", err)
	}
	if !sum.IsZero() {
		return core.Errf(core.ErrZeroSumBroken, "pnlLong %s + pnlShort %s != 0",
			in.PnlLong.Dec(), in.PnlShort.Dec())
	}

	unlock := l.lockStripes(in.LongTrader, in.ShortTrader, in.FeeAccount)
	defer unlock()

	long, err := l.account(in.LongTrader)
	if err != nil {
		return err
	}
	short, err := l.account(in.ShortTrader)
	if err != nil {
		return err
	}
	fees, err := l.account(in.FeeAccount)
	if err != nil {
		return err
	}

	longPayout, err := sidePayout(in.LongCollateral, in.PnlLong, in.FeeLong)
	if err != nil {
		return err
	}
	shortPayout, err := sidePayout(in.ShortCollateral, in.PnlShort, in.FeeShort)
	if err != nil {
		return err
	}

	long.Locked = long.Locked.SatSub(in.LongCollateral)
	short.Locked = short.Locked.SatSub(in.ShortCollateral)
	if long.Available, err = long.Available.Add(longPayout); err != nil {
		return core.Errf(core.ErrArithmeticOverflow, "settle long available: %v", err)
	}
	if short.Available, err = short.Available.Add(shortPayout); err != nil {
		return core.Errf(core.ErrArithmeticOverflow, "settle short available: %v", err)
	}
	totalFees, err := in.FeeLong.Add(in.FeeShort)
	if err != nil {
		return core.Errf(core.ErrArithmeticOverflow, "settle fees: %v", err)
	}
	if fees.Available, err = fees.Available.Add(totalFees); err != nil {
		return core.Errf(core.ErrArithmeticOverflow, "settle fee account: %v", err)
	}

	if err := l.persist(in.LongTrader, long); err != nil {
		return err
	}
	if err := l.persist(in.ShortTrader, short); err != nil {
		return err
	}
	return l.persist(in.FeeAccount, fees)
}

// sidePayout computes collateral + pnl − fee, floored at zero.
func sidePayout(collateral fixed.Amount, pnl fixed.Signed, fee fixed.Amount) (fixed.Amount, error) {
	gross, err := pnl.ApplyTo(collateral)
	if err != nil {
		// Loss exceeded collateral: side is wiped out.
		return fixed.Zero(), nil
	}
	return gross.SatSub(fee), nil
}

// SyncFromChain reconciles with the on-chain balance. It may only raise the
// trader's funds: an on-chain total above the ledger total is credited as a
// deposit, a total below is logged and left alone.
func (l *Ledger) SyncFromChain(trader common.Address, onChainTotal fixed.Amount) error {
	unlock := l.lockStripes(trader)
	defer unlock()
	b, err := l.account(trader)
	if err != nil {
		return err
	}
	total, err := b.Total()
	if err != nil {
		return core.Errf(core.ErrArithmeticOverflow, "sync %s: %v", trader.Hex(), err)
	}
	if onChainTotal.Lte(total) {
		if onChainTotal.Lt(total) {
			l.log.Warnw("chain_balance_below_ledger",
				"trader", trader.Hex(),
				"ledger", total.Dec(),
				"chain", onChainTotal.Dec())
		}
		return nil
	}
	diff := onChainTotal.SatSub(total)
	next, err := b.Available.Add(diff)
	if err != nil {
		return core.Errf(core.ErrArithmeticOverflow, "sync credit %s: %v", trader.Hex(), err)
	}
	b.Available = next
	l.log.Infow("chain_deposit_synced", "trader", trader.Hex(), "amount", diff.Dec())
	return l.persist(trader, b)
}

// String renders a balance for logs.
func (b Balance) String() string {
	return fmt.Sprintf("available=%s locked=%s", b.Available.Dec(), b.Locked.Dec())
}
