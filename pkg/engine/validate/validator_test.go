package validate

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/crypto"
	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/token"
)

var valToken = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type memNonceRepo struct {
	nonces map[common.Address]uint64
}

func (m *memNonceRepo) LoadNonce(trader common.Address) (uint64, bool, error) {
	v, ok := m.nonces[trader]
	return v, ok, nil
}

func (m *memNonceRepo) PersistNonce(trader common.Address, value uint64) error {
	if m.nonces == nil {
		m.nonces = make(map[common.Address]uint64)
	}
	m.nonces[trader] = value
	return nil
}

type fixture struct {
	validator *Validator
	signer    *crypto.TypedSigner
	key       *crypto.Signer
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	reg := token.NewRegistry(zap.NewNop())
	if err := reg.Register(valToken, token.DefaultParams()); err != nil {
		t.Fatal(err)
	}
	if err := reg.Activate(valToken, nil); err != nil {
		t.Fatal(err)
	}
	signer := crypto.NewTypedSigner(crypto.NewDomain(1337, common.HexToAddress("0xc0")))
	v := NewValidator(signer, reg, NewNonces(&memNonceRepo{}))
	now := time.Unix(1_700_000_000, 0)
	v.SetNowFunc(func() time.Time { return now })
	return &fixture{validator: v, signer: signer, key: key, now: now}
}

// signedOrder builds a valid limit order and signs it with the fixture key.
func (f *fixture) signedOrder(t *testing.T, mutate func(*core.Order)) *core.Order {
	t.Helper()
	o := &core.Order{
		ID:           "o-1",
		Trader:       f.key.Address(),
		Token:        valToken,
		Side:         core.Long,
		Type:         core.LimitOrder,
		SizeOriginal: fixed.MustDecimal("1000000000000000000"),
		LimitPrice:   fixed.MustDecimal("2000000000000000000"),
		Leverage:     fixed.FromUint64(50_000),
		Deadline:     f.now.Unix() + 60,
		Nonce:        1,
	}
	o.SizeRemaining = o.SizeOriginal
	if mutate != nil {
		mutate(o)
	}
	sig, err := f.signer.SignOrder(f.key, o)
	if err != nil {
		t.Fatal(err)
	}
	o.Signature = sig
	return o
}

func TestAdmitValidOrder(t *testing.T) {
	f := newFixture(t)
	o := f.signedOrder(t, nil)
	if err := f.validator.AdmitOrder(o); err != nil {
		t.Fatalf("AdmitOrder: %v", err)
	}
	if err := f.validator.Nonces().Commit(o.Trader, o.Nonce); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	last, _ := f.validator.Nonces().Last(o.Trader)
	if last != 1 {
		t.Errorf("last nonce = %d, want 1", last)
	}
}

func TestRejectionTable(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*core.Order)
		want   error
	}{
		{"expired deadline", func(o *core.Order) { o.Deadline = 1_700_000_000 }, core.ErrExpired},
		{"zero size", func(o *core.Order) {
			o.SizeOriginal = fixed.Zero()
			o.SizeRemaining = fixed.Zero()
		}, core.ErrInvalidOrderParameters},
		{"below minimum", func(o *core.Order) {
			o.SizeOriginal = fixed.MustDecimal("100000000000000")
			o.SizeRemaining = o.SizeOriginal
		}, core.ErrSizeBelowMinimum},
		{"leverage below 1x", func(o *core.Order) { o.Leverage = fixed.FromUint64(9_999) }, core.ErrLeverageOutOfRange},
		{"leverage above max", func(o *core.Order) { o.Leverage = fixed.FromUint64(110_000) }, core.ErrLeverageOutOfRange},
		{"market with price", func(o *core.Order) { o.Type = core.MarketOrder }, core.ErrInvalidOrderParameters},
		{"limit without price", func(o *core.Order) { o.LimitPrice = fixed.Zero() }, core.ErrInvalidOrderParameters},
		{"off tick", func(o *core.Order) { o.LimitPrice = fixed.MustDecimal("2000000000000000001") }, core.ErrPriceNotOnTick},
		{"stop without trigger price", func(o *core.Order) {
			o.Type = core.StopMarketOrder
			o.LimitPrice = fixed.Zero()
		}, core.ErrInvalidOrderParameters},
		{"bad order type", func(o *core.Order) { o.Type = core.OrderType(9) }, core.ErrInvalidOrderParameters},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			o := f.signedOrder(t, tc.mutate)
			if err := f.validator.AdmitOrder(o); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestAdmitStopOrders(t *testing.T) {
	for _, typ := range []core.OrderType{core.StopLimitOrder, core.StopMarketOrder} {
		t.Run(typ.String(), func(t *testing.T) {
			f := newFixture(t)
			o := f.signedOrder(t, func(o *core.Order) { o.Type = typ })
			if err := f.validator.AdmitOrder(o); err != nil {
				t.Errorf("AdmitOrder: %v", err)
			}
		})
	}
}

func TestUnknownAndUntradableToken(t *testing.T) {
	f := newFixture(t)
	o := f.signedOrder(t, func(o *core.Order) {
		o.Token = common.HexToAddress("0xbb")
	})
	if err := f.validator.AdmitOrder(o); !errors.Is(err, core.ErrUnknownToken) {
		t.Errorf("unknown token: %v", err)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	f := newFixture(t)
	o := f.signedOrder(t, nil)
	o.Nonce = 2 // tamper after signing
	if err := f.validator.AdmitOrder(o); !errors.Is(err, core.ErrBadSignature) {
		t.Errorf("tampered order: %v", err)
	}
}

func TestNonceSequencing(t *testing.T) {
	f := newFixture(t)
	n := f.validator.Nonces()
	trader := f.key.Address()

	if err := n.Reserve(trader, 2); !errors.Is(err, core.ErrBadNonce) {
		t.Errorf("gap nonce: %v", err)
	}
	if err := n.Reserve(trader, 1); err != nil {
		t.Fatalf("reserve 1: %v", err)
	}
	// A second in-flight reservation is refused even with the right value.
	if err := n.Reserve(trader, 1); !errors.Is(err, core.ErrBadNonce) {
		t.Errorf("double reserve: %v", err)
	}
	if err := n.Commit(trader, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Replay after commit is stale.
	if err := n.Reserve(trader, 1); !errors.Is(err, core.ErrBadNonce) {
		t.Errorf("replay: %v", err)
	}
	if err := n.Reserve(trader, 2); err != nil {
		t.Errorf("next nonce: %v", err)
	}
}

func TestReleaseKeepsNonceAvailable(t *testing.T) {
	f := newFixture(t)
	n := f.validator.Nonces()
	trader := f.key.Address()

	if err := n.Reserve(trader, 1); err != nil {
		t.Fatal(err)
	}
	n.Release(trader, 1)
	// The rejected submission did not consume the nonce.
	if err := n.Reserve(trader, 1); err != nil {
		t.Errorf("re-reserve after release: %v", err)
	}
}

func TestCommitWithoutReservationIsInvariantFault(t *testing.T) {
	f := newFixture(t)
	err := f.validator.Nonces().Commit(f.key.Address(), 5)
	if !errors.Is(err, core.ErrNonceGap) {
		t.Errorf("err = %v, want NonceGap", err)
	}
	if core.ClassOf(err) != core.ClassInvariant {
		t.Errorf("class = %v, want invariant", core.ClassOf(err))
	}
}

func TestNoncePersistsAcrossTables(t *testing.T) {
	f := newFixture(t)
	repo := &memNonceRepo{}
	n := NewNonces(repo)
	trader := f.key.Address()
	if err := n.Reserve(trader, 1); err != nil {
		t.Fatal(err)
	}
	if err := n.Commit(trader, 1); err != nil {
		t.Fatal(err)
	}

	fresh := NewNonces(repo)
	if err := fresh.Reserve(trader, 1); !errors.Is(err, core.ErrBadNonce) {
		t.Errorf("restored table accepted stale nonce: %v", err)
	}
	if err := fresh.Reserve(trader, 2); err != nil {
		t.Errorf("restored table rejected next nonce: %v", err)
	}
}

func TestAdmitCancel(t *testing.T) {
	f := newFixture(t)
	c := &crypto.Cancel{
		Trader:  f.key.Address(),
		Token:   valToken,
		OrderID: "o-1",
		Nonce:   9,
	}
	sig, err := f.signer.SignCancel(f.key, c)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.validator.AdmitCancel(c, sig); err != nil {
		t.Errorf("AdmitCancel: %v", err)
	}
	c.OrderID = "o-2"
	if err := f.validator.AdmitCancel(c, sig); !errors.Is(err, core.ErrBadSignature) {
		t.Errorf("tampered cancel: %v", err)
	}
}
