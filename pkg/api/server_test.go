package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/bridge"
	"github.com/memeperp/memeperp/pkg/broadcast"
	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/crypto"
	"github.com/memeperp/memeperp/pkg/engine"
	"github.com/memeperp/memeperp/pkg/engine/validate"
	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/funding"
	"github.com/memeperp/memeperp/pkg/ledger"
	"github.com/memeperp/memeperp/pkg/marketdata"
	"github.com/memeperp/memeperp/pkg/metrics"
	"github.com/memeperp/memeperp/pkg/oracle"
	"github.com/memeperp/memeperp/pkg/position"
	"github.com/memeperp/memeperp/pkg/storage"
	"github.com/memeperp/memeperp/pkg/token"
)

var (
	apiToken     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	apiFee       = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	apiInsurance = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	apiLiq       = common.HexToAddress("0x00000000000000000000000000000000000000f2")
)

func amt(s string) fixed.Amount { return fixed.MustDecimal(s) }

type nullSink struct{}

func (nullSink) Enqueue(bridge.Instruction) {}

type apiFixture struct {
	ts     *httptest.Server
	eng    *engine.Engine
	feed   *oracle.Feed
	signer *crypto.TypedSigner

	alice, bob *crypto.Signer

	clockMu sync.Mutex
	now     time.Time
}

func (f *apiFixture) clock() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	return f.now
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	reg := token.NewRegistry(zap.NewNop())
	if err := reg.Register(apiToken, token.DefaultParams()); err != nil {
		t.Fatal(err)
	}
	if err := reg.Activate(apiToken, nil); err != nil {
		t.Fatal(err)
	}

	led := ledger.New(st, zap.NewNop())
	pos := position.NewStore(led, st, apiFee, apiInsurance, zap.NewNop())
	signer := crypto.NewTypedSigner(crypto.NewDomain(1337, common.HexToAddress("0xc0")))
	validator := validate.NewValidator(signer, reg, validate.NewNonces(st))
	bus := broadcast.NewBus(0, zap.NewNop())
	market := marketdata.NewService(st, bus, reg, zap.NewNop())

	f := &apiFixture{
		signer: signer,
		now:    time.Unix(1_700_000_000, 0),
	}
	f.feed = oracle.NewFeed(nil, reg, func(tok common.Address) (fixed.Amount, bool) {
		return f.eng.LastTradePrice(tok)
	}, zap.NewNop())
	fund := funding.NewEngine(reg, pos, f.feed, bus, zap.NewNop())
	f.eng = engine.New(engine.Deps{
		Registry:          reg,
		Ledger:            led,
		Positions:         pos,
		Validator:         validator,
		Market:            market,
		Bus:               bus,
		Marks:             f.feed,
		Funding:           fund,
		Bridge:            nullSink{},
		Orders:            st,
		FeeAccount:        apiFee,
		LiquidatorAccount: apiLiq,
		Log:               zap.NewNop(),
	})
	f.eng.SetNowFunc(f.clock)
	validator.SetNowFunc(f.clock)
	f.feed.SetNowFunc(f.clock)
	f.eng.Start(context.Background())
	t.Cleanup(f.eng.Drain)

	srv := NewServer(Deps{
		Engine:    f.eng,
		Registry:  reg,
		Ledger:    led,
		Positions: pos,
		Market:    market,
		Bus:       bus,
		Feed:      f.feed,
		Funding:   fund,
		History:   st,
		Metrics:   metrics.NewCollector(),
		Log:       zap.NewNop(),
	})
	f.ts = httptest.NewServer(srv.router)
	t.Cleanup(f.ts.Close)

	for _, key := range []**crypto.Signer{&f.alice, &f.bob} {
		k, err := crypto.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		*key = k
		if err := led.Deposit(k.Address(), amt("1000000000000000000")); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

// orderRequest signs an order and renders it the way a client would put it
// on the wire.
func (f *apiFixture) orderRequest(t *testing.T, key *crypto.Signer, side core.Side,
	typ core.OrderType, size, price fixed.Amount, nonce uint64) SubmitOrderRequest {
	t.Helper()
	o := &core.Order{
		Trader:       key.Address(),
		Token:        apiToken,
		Side:         side,
		Type:         typ,
		SizeOriginal: size,
		LimitPrice:   price,
		Leverage:     fixed.FromUint64(50_000), // 5x
		Deadline:     f.clock().Unix() + 3600,
		Nonce:        nonce,
	}
	sig, err := f.signer.SignOrder(key, o)
	if err != nil {
		t.Fatal(err)
	}
	req := SubmitOrderRequest{
		Trader:    o.Trader.Hex(),
		Token:     o.Token.Hex(),
		Side:      side.String(),
		OrderType: typ.String(),
		Size:      size.Dec(),
		Leverage:  o.Leverage.Dec(),
		Deadline:  o.Deadline,
		Nonce:     nonce,
		Signature: hexutil.Encode(sig),
	}
	if !price.IsZero() {
		req.LimitPrice = price.Dec()
	}
	return req
}

func (f *apiFixture) postJSON(t *testing.T, path string, body, out any) int {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (f *apiFixture) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestSubmitMatchAndQueries(t *testing.T) {
	f := newAPIFixture(t)
	size := amt("1000000000000000000")
	price := amt("2000000000000000000")

	var rest SubmitOrderResponse
	if code := f.postJSON(t, "/api/v1/orders", f.orderRequest(t, f.alice, core.Long, core.LimitOrder, size, price, 1), &rest); code != http.StatusOK {
		t.Fatalf("resting submit = %d", code)
	}
	if !rest.Success || rest.Status != "new" || rest.OrderID == "" {
		t.Fatalf("resting response = %+v", rest)
	}

	var cross SubmitOrderResponse
	if code := f.postJSON(t, "/api/v1/orders", f.orderRequest(t, f.bob, core.Short, core.LimitOrder, size, price, 1), &cross); code != http.StatusOK {
		t.Fatalf("crossing submit = %d", code)
	}
	if !cross.Success || cross.Status != "filled" || len(cross.Matches) != 1 {
		t.Fatalf("crossing response = %+v", cross)
	}
	m := cross.Matches[0]
	if !m.Price.Eq(price) || !m.Size.Eq(size) || m.Counterparty != f.alice.Address() {
		t.Errorf("match = %+v", m)
	}

	var tokens []TokenInfo
	if code := f.getJSON(t, "/api/v1/tokens", &tokens); code != http.StatusOK || len(tokens) != 1 {
		t.Fatalf("tokens = %d entries, code %d", len(tokens), code)
	}
	if tokens[0].State != "active" {
		t.Errorf("token state = %s", tokens[0].State)
	}

	var acct AccountResponse
	if code := f.getJSON(t, "/api/v1/accounts/"+f.alice.Address().Hex(), &acct); code != http.StatusOK {
		t.Fatalf("account = %d", code)
	}
	if !acct.Locked.Eq(amt("400000000000000000")) {
		t.Errorf("alice locked = %s, want 4e17", acct.Locked.Dec())
	}

	var positions []PositionInfo
	if code := f.getJSON(t, "/api/v1/accounts/"+f.alice.Address().Hex()+"/positions", &positions); code != http.StatusOK {
		t.Fatalf("positions = %d", code)
	}
	if len(positions) != 1 || positions[0].Side != "long" || !positions[0].Size.Eq(size) {
		t.Fatalf("positions = %+v", positions)
	}
	// No chain mark arrived, so the feed falls back to the last trade.
	if !positions[0].MarkPrice.Eq(price) {
		t.Errorf("position mark = %s, want last trade", positions[0].MarkPrice.Dec())
	}

	var trades []core.Trade
	if code := f.getJSON(t, "/api/v1/tokens/"+apiToken.Hex()+"/trades", &trades); code != http.StatusOK || len(trades) != 1 {
		t.Fatalf("trades = %d entries, code %d", len(trades), code)
	}

	var orders []core.Order
	if code := f.getJSON(t, "/api/v1/accounts/"+f.bob.Address().Hex()+"/orders", &orders); code != http.StatusOK || len(orders) != 1 {
		t.Fatalf("order history = %d entries, code %d", len(orders), code)
	}
	if orders[0].Status != core.OrderFilled {
		t.Errorf("order history status = %s", orders[0].Status)
	}
}

func TestSubmitRejections(t *testing.T) {
	f := newAPIFixture(t)
	size := amt("1000000000000000000")
	price := amt("2000000000000000000")

	req := f.orderRequest(t, f.alice, core.Long, core.LimitOrder, size, price, 1)
	req.Signature = hexutil.Encode(make([]byte, 65))
	var resp SubmitOrderResponse
	if code := f.postJSON(t, "/api/v1/orders", req, &resp); code != http.StatusBadRequest {
		t.Fatalf("forged submit = %d, want 400", code)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != "BadSignature" {
		t.Fatalf("forged response = %+v", resp)
	}

	req = f.orderRequest(t, f.alice, core.Long, core.LimitOrder, size, price, 1)
	req.Side = "sideways"
	if code := f.postJSON(t, "/api/v1/orders", req, &resp); code != http.StatusBadRequest {
		t.Fatalf("bad side = %d, want 400", code)
	}
	if resp.Error == nil || resp.Error.Code != "InvalidOrderParameters" {
		t.Fatalf("bad side response = %+v", resp)
	}

	req = f.orderRequest(t, f.alice, core.Long, core.LimitOrder, size, price, 1)
	req.Trader = "not-an-address"
	if code := f.postJSON(t, "/api/v1/orders", req, &resp); code != http.StatusBadRequest {
		t.Fatalf("bad address = %d, want 400", code)
	}
}

func TestCancelViaAPI(t *testing.T) {
	f := newAPIFixture(t)
	size := amt("1000000000000000000")
	price := amt("2000000000000000000")

	var rest SubmitOrderResponse
	if code := f.postJSON(t, "/api/v1/orders", f.orderRequest(t, f.alice, core.Long, core.LimitOrder, size, price, 1), &rest); code != http.StatusOK {
		t.Fatalf("submit = %d", code)
	}

	cancel := &crypto.Cancel{Trader: f.alice.Address(), Token: apiToken, OrderID: rest.OrderID, Nonce: 2}
	sig, err := f.signer.SignCancel(f.alice, cancel)
	if err != nil {
		t.Fatal(err)
	}
	var resp GenericResponse
	code := f.postJSON(t, "/api/v1/orders/cancel", CancelOrderRequest{
		Trader:    cancel.Trader.Hex(),
		Token:     cancel.Token.Hex(),
		OrderID:   cancel.OrderID,
		Nonce:     cancel.Nonce,
		Signature: hexutil.Encode(sig),
	}, &resp)
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("cancel = %d, %+v", code, resp)
	}

	var depth struct {
		Bids []json.RawMessage `json:"bids"`
		Asks []json.RawMessage `json:"asks"`
	}
	if code := f.getJSON(t, "/api/v1/tokens/"+apiToken.Hex()+"/orderbook", &depth); code != http.StatusOK {
		t.Fatalf("orderbook = %d", code)
	}
	if len(depth.Bids) != 0 || len(depth.Asks) != 0 {
		t.Errorf("book not empty after cancel: %d bids %d asks", len(depth.Bids), len(depth.Asks))
	}
}

func TestKlinesFundingAndMark(t *testing.T) {
	f := newAPIFixture(t)
	size := amt("1000000000000000000")
	price := amt("2000000000000000000")

	f.postJSON(t, "/api/v1/orders", f.orderRequest(t, f.alice, core.Long, core.LimitOrder, size, price, 1), nil)
	f.postJSON(t, "/api/v1/orders", f.orderRequest(t, f.bob, core.Short, core.LimitOrder, size, price, 1), nil)

	from := f.clock().Unix() - 60
	to := f.clock().Unix() + 60
	var buckets []marketdata.Bucket
	path := fmt.Sprintf("/api/v1/tokens/%s/klines?resolution=1m&from=%d&to=%d", apiToken.Hex(), from, to)
	if code := f.getJSON(t, path, &buckets); code != http.StatusOK {
		t.Fatalf("klines = %d", code)
	}
	if len(buckets) != 1 || !buckets[0].Close.Eq(price) {
		t.Fatalf("buckets = %+v", buckets)
	}

	if code := f.getJSON(t, "/api/v1/tokens/"+apiToken.Hex()+"/klines?resolution=7s", nil); code != http.StatusBadRequest {
		t.Errorf("bad resolution = %d, want 400", code)
	}

	var fr FundingResponse
	if code := f.getJSON(t, "/api/v1/tokens/"+apiToken.Hex()+"/funding", &fr); code != http.StatusOK {
		t.Fatalf("funding = %d", code)
	}
	if !fr.RateBps.Mag.IsZero() {
		t.Errorf("funding rate before any tick = %+v", fr.RateBps)
	}

	var mr MarkResponse
	if code := f.getJSON(t, "/api/v1/tokens/"+apiToken.Hex()+"/mark", &mr); code != http.StatusOK {
		t.Fatalf("mark = %d", code)
	}
	if !mr.Price.Eq(price) || !mr.Stale {
		t.Errorf("mark = %+v, want stale last-trade fallback", mr)
	}
}

func TestAdminLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	fresh := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	base := "/api/v1/admin/tokens/" + fresh.Hex()

	var resp GenericResponse
	if code := f.postJSON(t, base+"/register", nil, &resp); code != http.StatusOK || !resp.Success {
		t.Fatalf("register = %d %+v", code, resp)
	}
	if code := f.postJSON(t, base+"/activate", nil, &resp); code != http.StatusOK {
		t.Fatalf("activate = %d", code)
	}
	if code := f.postJSON(t, base+"/params", AdminParamRequest{Key: "takerFeeBps", Value: "7"}, &resp); code != http.StatusOK {
		t.Fatalf("set param = %d", code)
	}
	var info TokenInfo
	if code := f.getJSON(t, "/api/v1/tokens/"+fresh.Hex(), &info); code != http.StatusOK {
		t.Fatalf("get token = %d", code)
	}
	if !info.Params.TakerFeeBps.Eq(amt("7")) {
		t.Errorf("taker fee = %s, want 7", info.Params.TakerFeeBps.Dec())
	}
	if code := f.postJSON(t, base+"/pause", AdminPauseRequest{Reason: "maintenance"}, &resp); code != http.StatusOK {
		t.Fatalf("pause = %d", code)
	}
	if code := f.postJSON(t, base+"/resume", nil, &resp); code != http.StatusOK {
		t.Fatalf("resume = %d", code)
	}

	var delist AdminDelistResponse
	if code := f.postJSON(t, base+"/delist", nil, &delist); code != http.StatusOK || !delist.Success {
		t.Fatalf("delist = %d %+v", code, delist)
	}
	if code := f.getJSON(t, "/api/v1/tokens/"+fresh.Hex(), &info); code != http.StatusOK || info.State != "delisted" {
		t.Fatalf("state after delist = %s, code %d", info.State, code)
	}
}

func TestAdminDelistForceClosesPairs(t *testing.T) {
	f := newAPIFixture(t)
	size := amt("1000000000000000000")
	price := amt("2000000000000000000")

	f.postJSON(t, "/api/v1/orders", f.orderRequest(t, f.alice, core.Long, core.LimitOrder, size, price, 1), nil)
	f.postJSON(t, "/api/v1/orders", f.orderRequest(t, f.bob, core.Short, core.LimitOrder, size, price, 1), nil)

	var delist AdminDelistResponse
	code := f.postJSON(t, "/api/v1/admin/tokens/"+apiToken.Hex()+"/delist", nil, &delist)
	if code != http.StatusOK || !delist.Success || delist.ClosedPairs != 1 {
		t.Fatalf("delist = %d %+v", code, delist)
	}

	var positions []PositionInfo
	if c := f.getJSON(t, "/api/v1/accounts/"+f.alice.Address().Hex()+"/positions", &positions); c != http.StatusOK || len(positions) != 0 {
		t.Errorf("positions after delist = %d entries, code %d", len(positions), c)
	}
}

func TestUnknownTokenAndBadPaths(t *testing.T) {
	f := newAPIFixture(t)
	ghost := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	var resp GenericResponse
	if code := f.getJSON(t, "/api/v1/tokens/"+ghost.Hex(), &resp); code != http.StatusNotFound {
		t.Fatalf("ghost token = %d, want 404", code)
	}
	if resp.Error == nil || resp.Error.Code != "UnknownToken" {
		t.Fatalf("ghost response = %+v", resp)
	}

	if code := f.getJSON(t, "/api/v1/tokens/zzz", nil); code != http.StatusBadRequest {
		t.Errorf("malformed token = %d, want 400", code)
	}

	var health map[string]string
	if code := f.getJSON(t, "/health", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Errorf("health = %d %v", code, health)
	}

	if code := f.getJSON(t, "/metrics", nil); code != http.StatusOK {
		t.Errorf("metrics = %d", code)
	}
}
