// Package api is the HTTP and WebSocket surface: signed order submission
// and cancels, market and account queries, the prometheus endpoint and the
// event stream bridge onto the broadcast bus.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/bridge"
	"github.com/memeperp/memeperp/pkg/broadcast"
	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/crypto"
	"github.com/memeperp/memeperp/pkg/engine"
	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/funding"
	"github.com/memeperp/memeperp/pkg/ledger"
	"github.com/memeperp/memeperp/pkg/marketdata"
	"github.com/memeperp/memeperp/pkg/metrics"
	"github.com/memeperp/memeperp/pkg/oracle"
	"github.com/memeperp/memeperp/pkg/position"
	"github.com/memeperp/memeperp/pkg/risk"
	"github.com/memeperp/memeperp/pkg/token"
)

// defaultDepthLevels bounds orderbook responses when the client does not
// ask for a level count.
const defaultDepthLevels = 20

// shutdownGrace bounds how long in-flight requests may run during Drain.
const shutdownGrace = 5 * time.Second

// History serves the durable read queries. pkg/storage implements it.
type History interface {
	OrdersByTrader(trader common.Address, limit int) ([]core.Order, error)
	TradesByTrader(trader common.Address, limit int) ([]core.Trade, error)
	SettlementsByUser(trader common.Address, limit int) ([]bridge.Instruction, error)
}

// Deps wires the server into the running system.
type Deps struct {
	Engine    *engine.Engine
	Registry  *token.Registry
	Ledger    *ledger.Ledger
	Positions *position.Store
	Market    *marketdata.Service
	Bus       *broadcast.Bus
	Feed      *oracle.Feed
	Funding   *funding.Engine
	History   History
	Metrics   *metrics.Collector

	// DefaultTokenParams seeds admin registrations; nil means the package
	// defaults.
	DefaultTokenParams *token.Params

	CORSOrigins []string
	Log         *zap.Logger
}

// Server handles REST and WebSocket connections.
type Server struct {
	deps   Deps
	log    *zap.SugaredLogger
	router *mux.Router
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		log:    deps.Log.Sugar().Named("api"),
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	api.HandleFunc("/tokens", s.handleListTokens).Methods("GET")
	api.HandleFunc("/tokens/{token}", s.handleGetToken).Methods("GET")
	api.HandleFunc("/tokens/{token}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/tokens/{token}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/tokens/{token}/klines", s.handleGetKlines).Methods("GET")
	api.HandleFunc("/tokens/{token}/funding", s.handleGetFunding).Methods("GET")
	api.HandleFunc("/tokens/{token}/mark", s.handleGetMark).Methods("GET")

	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/accounts/{address}/trades", s.handleGetAccountTrades).Methods("GET")
	api.HandleFunc("/accounts/{address}/settlements", s.handleGetSettlements).Methods("GET")

	s.setupAdminRoutes(api)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}

	s.router.Use(s.observe)
}

// observe counts every request against its route template, keeping metric
// cardinality bounded.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		s.deps.Metrics.RecordRequest(r.Method, path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	origins := s.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	}).Handler(s.router)

	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Infow("server_listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// ==============================
// Write handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, SubmitOrderResponse{
			Error: &ErrorBody{Code: core.ErrInvalidOrderParameters.Code, Message: "invalid JSON body"},
		})
		return
	}
	o, err := orderFromRequest(&req)
	if err != nil {
		respondJSON(w, statusOf(err), SubmitOrderResponse{Error: errBody(err)})
		return
	}

	res := s.deps.Engine.Submit(r.Context(), o)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordOrder(o.Token.Hex(), o.Type.String(), res.Order.Status.String())
	}
	if res.Err != nil {
		respondJSON(w, statusOf(res.Err), SubmitOrderResponse{
			OrderID: res.Order.ID,
			Status:  res.Order.Status.String(),
			Matches: res.Matches,
			Error:   errBody(res.Err),
		})
		return
	}
	respondJSON(w, http.StatusOK, SubmitOrderResponse{
		Success: true,
		OrderID: res.Order.ID,
		Status:  res.Order.Status.String(),
		Matches: res.Matches,
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, GenericResponse{
			Error: &ErrorBody{Code: core.ErrInvalidOrderParameters.Code, Message: "invalid JSON body"},
		})
		return
	}
	trader, err := parseAddress(req.Trader)
	if err == nil {
		var tok common.Address
		if tok, err = parseAddress(req.Token); err == nil {
			cancel := &crypto.Cancel{Trader: trader, Token: tok, OrderID: req.OrderID, Nonce: req.Nonce}
			err = s.deps.Engine.Cancel(r.Context(), cancel, common.FromHex(req.Signature))
		}
	}
	if err != nil {
		respondJSON(w, statusOf(err), GenericResponse{Error: errBody(err)})
		return
	}
	respondJSON(w, http.StatusOK, GenericResponse{Success: true})
}

// orderFromRequest builds the engine order. The engine assigns ID, status
// and timestamps.
func orderFromRequest(req *SubmitOrderRequest) (*core.Order, error) {
	trader, err := parseAddress(req.Trader)
	if err != nil {
		return nil, err
	}
	tok, err := parseAddress(req.Token)
	if err != nil {
		return nil, err
	}
	var side core.Side
	switch req.Side {
	case "long":
		side = core.Long
	case "short":
		side = core.Short
	default:
		return nil, core.Errf(core.ErrInvalidOrderParameters, "side %q", req.Side)
	}
	var typ core.OrderType
	switch req.OrderType {
	case "limit":
		typ = core.LimitOrder
	case "market":
		typ = core.MarketOrder
	case "stop_limit":
		typ = core.StopLimitOrder
	case "stop_market":
		typ = core.StopMarketOrder
	default:
		return nil, core.Errf(core.ErrInvalidOrderParameters, "order type %q", req.OrderType)
	}
	size, err := fixed.FromDecimal(req.Size)
	if err != nil {
		return nil, core.Errf(core.ErrInvalidOrderParameters, "size: %v", err)
	}
	price := fixed.Zero()
	if req.LimitPrice != "" {
		if price, err = fixed.FromDecimal(req.LimitPrice); err != nil {
			return nil, core.Errf(core.ErrInvalidOrderParameters, "limitPrice: %v", err)
		}
	}
	leverage, err := fixed.FromDecimal(req.Leverage)
	if err != nil {
		return nil, core.Errf(core.ErrInvalidOrderParameters, "leverage: %v", err)
	}
	return &core.Order{
		Trader:       trader,
		Token:        tok,
		Side:         side,
		Type:         typ,
		SizeOriginal: size,
		LimitPrice:   price,
		Leverage:     leverage,
		Deadline:     req.Deadline,
		Nonce:        req.Nonce,
		Signature:    common.FromHex(req.Signature),
	}, nil
}

// ==============================
// Token handlers
// ==============================

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.deps.Registry.List()
	out := make([]TokenInfo, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, tokenInfo(t))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.tokenVar(w, r)
	if !ok {
		return
	}
	t, err := s.deps.Registry.Get(tok)
	if err != nil {
		respondJSON(w, statusOf(err), GenericResponse{Error: errBody(err)})
		return
	}
	respondJSON(w, http.StatusOK, tokenInfo(t))
}

func tokenInfo(t token.Token) TokenInfo {
	return TokenInfo{
		Address: t.Address.Hex(),
		State:   t.State.String(),
		Params:  t.Params,
		Stats:   t.Stats,
	}
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.tokenVar(w, r)
	if !ok {
		return
	}
	levels := queryInt(r, "levels", defaultDepthLevels)
	depth, err := s.deps.Engine.Depth(r.Context(), tok, levels)
	if err != nil {
		respondJSON(w, statusOf(err), GenericResponse{Error: errBody(err)})
		return
	}
	respondJSON(w, http.StatusOK, depth)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.tokenVar(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	trades, err := s.deps.Market.RecentTrades(tok, limit)
	if err != nil {
		respondJSON(w, statusOf(err), GenericResponse{Error: errBody(err)})
		return
	}
	if trades == nil {
		trades = []core.Trade{}
	}
	respondJSON(w, http.StatusOK, trades)
}

func (s *Server) handleGetKlines(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.tokenVar(w, r)
	if !ok {
		return
	}
	res, err := marketdata.ParseResolution(r.URL.Query().Get("resolution"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, GenericResponse{
			Error: &ErrorBody{Code: core.ErrInvalidOrderParameters.Code, Message: err.Error()},
		})
		return
	}
	from := queryInt64(r, "from", 0)
	to := queryInt64(r, "to", time.Now().Unix())
	buckets, err := s.deps.Market.Klines(tok, res, from, to)
	if err != nil {
		respondJSON(w, statusOf(err), GenericResponse{Error: errBody(err)})
		return
	}
	if buckets == nil {
		buckets = []marketdata.Bucket{}
	}
	respondJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleGetFunding(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.tokenVar(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, FundingResponse{
		Token:   tok.Hex(),
		RateBps: s.deps.Funding.RateOf(tok),
		Index:   s.deps.Funding.IndexOf(tok),
	})
}

func (s *Server) handleGetMark(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.tokenVar(w, r)
	if !ok {
		return
	}
	mark, found := s.deps.Feed.Mark(tok)
	if !found {
		respondJSON(w, http.StatusNotFound, GenericResponse{
			Error: &ErrorBody{Code: core.ErrNoLiquidity.Code, Message: "no mark price yet"},
		})
		return
	}
	respondJSON(w, http.StatusOK, MarkResponse{
		Token:     tok.Hex(),
		Price:     mark.Price,
		Timestamp: mark.Timestamp,
		Stale:     mark.Stale,
	})
}

// ==============================
// Account handlers
// ==============================

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addressVar(w, r)
	if !ok {
		return
	}
	b, err := s.deps.Ledger.Get(addr)
	if err != nil {
		respondJSON(w, statusOf(err), GenericResponse{Error: errBody(err)})
		return
	}
	total, err := b.Total()
	if err != nil {
		respondJSON(w, statusOf(err), GenericResponse{Error: errBody(err)})
		return
	}
	respondJSON(w, http.StatusOK, AccountResponse{
		Address:   addr.Hex(),
		Available: b.Available,
		Locked:    b.Locked,
		Total:     total,
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addressVar(w, r)
	if !ok {
		return
	}
	pairs := s.deps.Positions.PairsByTrader(addr)
	out := make([]PositionInfo, 0, len(pairs))
	for i := range pairs {
		p := &pairs[i]
		side, isSide := p.TraderSide(addr)
		if !isSide {
			continue
		}
		info := PositionInfo{
			PairID:        p.ID,
			Token:         p.Token.Hex(),
			Side:          side.String(),
			Size:          p.Size,
			EntryPrice:    p.EntryPrice,
			Collateral:    p.CollateralOf(side),
			Funding:       p.Funding(side),
			OpenTimestamp: p.OpenTimestamp,
		}
		if mark, found := s.deps.Feed.Mark(p.Token); found {
			info.MarkPrice = mark.Price
			if ratio, err := risk.MarginRatioBps(p, side, mark.Price); err == nil {
				info.MarginRatioBps = ratio
			}
		}
		if t, err := s.deps.Registry.Get(p.Token); err == nil {
			if liq, err := risk.LiquidationPrice(p, side, t.Params.MaintenanceMarginBps); err == nil {
				info.LiquidationPrice = liq
			}
		}
		out = append(out, info)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addressVar(w, r)
	if !ok {
		return
	}
	orders, err := s.deps.History.OrdersByTrader(addr, queryInt(r, "limit", 100))
	if err != nil {
		respondJSON(w, statusOf(err), GenericResponse{Error: errBody(err)})
		return
	}
	if orders == nil {
		orders = []core.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetAccountTrades(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addressVar(w, r)
	if !ok {
		return
	}
	trades, err := s.deps.History.TradesByTrader(addr, queryInt(r, "limit", 100))
	if err != nil {
		respondJSON(w, statusOf(err), GenericResponse{Error: errBody(err)})
		return
	}
	if trades == nil {
		trades = []core.Trade{}
	}
	respondJSON(w, http.StatusOK, trades)
}

func (s *Server) handleGetSettlements(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addressVar(w, r)
	if !ok {
		return
	}
	insts, err := s.deps.History.SettlementsByUser(addr, queryInt(r, "limit", 100))
	if err != nil {
		respondJSON(w, statusOf(err), GenericResponse{Error: errBody(err)})
		return
	}
	if insts == nil {
		insts = []bridge.Instruction{}
	}
	respondJSON(w, http.StatusOK, insts)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func (s *Server) tokenVar(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, err := parseAddress(mux.Vars(r)["token"])
	if err != nil {
		respondJSON(w, http.StatusBadRequest, GenericResponse{Error: errBody(err)})
		return common.Address{}, false
	}
	return addr, true
}

func (s *Server) addressVar(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		respondJSON(w, http.StatusBadRequest, GenericResponse{Error: errBody(err)})
		return common.Address{}, false
	}
	return addr, true
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, core.Errf(core.ErrInvalidOrderParameters, "invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch core.ClassOf(err) {
	case core.ClassValidation, core.ClassCapacity:
		return http.StatusBadRequest
	case core.ClassNotFound:
		return http.StatusNotFound
	case core.ClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
