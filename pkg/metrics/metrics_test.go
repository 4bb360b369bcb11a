package metrics

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/ledger"
	"github.com/memeperp/memeperp/pkg/token"
)

var (
	metToken = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	metInsur = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

type alwaysQuarantined struct{}

func (alwaysQuarantined) Quarantined(common.Address) bool { return true }

func TestRecordCounters(t *testing.T) {
	c := NewCollector()

	c.RecordOrder(metToken.Hex(), "limit", "filled")
	c.RecordOrder(metToken.Hex(), "limit", "filled")
	c.RecordTrade(metToken.Hex())
	c.RecordLiquidation(metToken.Hex(), "long")
	c.RecordFundingTick(metToken.Hex(), 12.5)
	c.RecordRequest("POST", "/api/v1/orders", 200, 5*time.Millisecond)

	if got := testutil.ToFloat64(c.OrdersTotal.WithLabelValues(metToken.Hex(), "limit", "filled")); got != 2 {
		t.Errorf("orders = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.FundingRateBps.WithLabelValues(metToken.Hex())); got != 12.5 {
		t.Errorf("funding rate = %v, want 12.5", got)
	}
	if got := testutil.ToFloat64(c.APIRequestsTotal.WithLabelValues("POST", "/api/v1/orders", "200")); got != 1 {
		t.Errorf("api requests = %v, want 1", got)
	}
}

func TestSampleRefreshesGauges(t *testing.T) {
	c := NewCollector()
	reg := token.NewRegistry(zap.NewNop())
	if err := reg.Register(metToken, token.DefaultParams()); err != nil {
		t.Fatal(err)
	}
	if err := reg.Activate(metToken, nil); err != nil {
		t.Fatal(err)
	}
	reg.SetMarkPrice(metToken, fixed.MustDecimal("2000000000000000000"))
	reg.SetOpenInterest(metToken, fixed.MustDecimal("3000000000000000000"), fixed.MustDecimal("3000000000000000000"), 4)

	led := ledger.New(nil, zap.NewNop())
	if err := led.Deposit(metInsur, fixed.MustDecimal("5000000000000000000")); err != nil {
		t.Fatal(err)
	}

	c.Sample(SystemState{
		Registry:         reg,
		Ledger:           led,
		Engine:           alwaysQuarantined{},
		InsuranceAccount: metInsur,
	})

	if got := testutil.ToFloat64(c.MarkPrice.WithLabelValues(metToken.Hex())); got != 2.0 {
		t.Errorf("mark = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.PairsOpen.WithLabelValues(metToken.Hex())); got != 4 {
		t.Errorf("pairs = %v, want 4", got)
	}
	if got := testutil.ToFloat64(c.QuarantinedTokens); got != 1 {
		t.Errorf("quarantined = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.InsuranceBalance); got != 5.0 {
		t.Errorf("insurance = %v, want 5", got)
	}
}
