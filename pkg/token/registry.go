package token

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/fixed"
)

type entry struct {
	state  State
	params Params
	stats  Stats
}

// Registry manages all listed tokens. Reads return snapshots; writers go
// through the admin and stats mutators.
type Registry struct {
	mu     sync.RWMutex
	tokens map[common.Address]*entry
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		tokens: make(map[common.Address]*entry),
		log:    log.Sugar().Named("token"),
		now:    time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (r *Registry) SetNowFunc(now func() time.Time) { r.now = now }

// Register lists a token in Pretrade state.
func (r *Registry) Register(addr common.Address, params Params) error {
	if err := params.Validate(); err != nil {
		return core.Errf(core.ErrInvalidOrderParameters, "token params: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tokens[addr]; exists {
		return fmt.Errorf("token %s already registered", addr.Hex())
	}
	nowMs := r.now().UnixMilli()
	r.tokens[addr] = &entry{
		state:  Pretrade,
		params: params,
		stats:  Stats{CreatedAt: nowMs, StateChangedAt: nowMs},
	}
	r.log.Infow("token_registered", "token", addr.Hex())
	return nil
}

// Activate moves Pretrade → Active, optionally replacing params.
func (r *Registry) Activate(addr common.Address, params *Params) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tokens[addr]
	if !ok {
		return core.Errf(core.ErrUnknownToken, "%s", addr.Hex())
	}
	if e.state != Pretrade {
		return fmt.Errorf("cannot activate token %s from state %s", addr.Hex(), e.state)
	}
	if params != nil {
		if err := params.Validate(); err != nil {
			return core.Errf(core.ErrInvalidOrderParameters, "token params: %v", err)
		}
		e.params = *params
	}
	e.state = Active
	e.stats.StateChangedAt = r.now().UnixMilli()
	r.log.Infow("token_activated", "token", addr.Hex())
	return nil
}

// Pause halts trading. Reachable from Active only; used by the admin and
// by the mark-feed circuit breaker.
func (r *Registry) Pause(addr common.Address, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tokens[addr]
	if !ok {
		return core.Errf(core.ErrUnknownToken, "%s", addr.Hex())
	}
	if e.state != Active {
		return fmt.Errorf("cannot pause token %s from state %s", addr.Hex(), e.state)
	}
	e.state = Paused
	e.stats.StateChangedAt = r.now().UnixMilli()
	r.log.Warnw("token_paused", "token", addr.Hex(), "reason", reason)
	return nil
}

// Resume moves Paused → Active.
func (r *Registry) Resume(addr common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tokens[addr]
	if !ok {
		return core.Errf(core.ErrUnknownToken, "%s", addr.Hex())
	}
	if e.state != Paused {
		return fmt.Errorf("cannot resume token %s from state %s", addr.Hex(), e.state)
	}
	e.state = Active
	e.stats.StateChangedAt = r.now().UnixMilli()
	r.log.Infow("token_resumed", "token", addr.Hex())
	return nil
}

// Delist retires a token. Only valid from Active or Paused, and only when
// no active pairs remain.
func (r *Registry) Delist(addr common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tokens[addr]
	if !ok {
		return core.Errf(core.ErrUnknownToken, "%s", addr.Hex())
	}
	if e.state != Active && e.state != Paused {
		return fmt.Errorf("cannot delist token %s from state %s", addr.Hex(), e.state)
	}
	if e.stats.PositionCount != 0 {
		return fmt.Errorf("cannot delist token %s with %d active pairs", addr.Hex(), e.stats.PositionCount)
	}
	e.state = Delisted
	e.stats.StateChangedAt = r.now().UnixMilli()
	r.log.Infow("token_delisted", "token", addr.Hex())
	return nil
}

// Get returns a snapshot of the token.
func (r *Registry) Get(addr common.Address) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tokens[addr]
	if !ok {
		return Token{}, core.Errf(core.ErrUnknownToken, "%s", addr.Hex())
	}
	return Token{Address: addr, State: e.state, Params: e.params, Stats: e.stats}, nil
}

// CheckTradable returns nil when orders may be accepted for the token.
func (r *Registry) CheckTradable(addr common.Address) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tokens[addr]
	if !ok {
		return core.Errf(core.ErrUnknownToken, "%s", addr.Hex())
	}
	if e.state != Active || !e.params.TradingEnabled {
		return core.Errf(core.ErrTokenNotTrading, "token %s state %s", addr.Hex(), e.state)
	}
	return nil
}

// List returns snapshots of all tokens.
func (r *Registry) List() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Token, 0, len(r.tokens))
	for addr, e := range r.tokens {
		out = append(out, Token{Address: addr, State: e.state, Params: e.params, Stats: e.stats})
	}
	return out
}

// ListActive returns snapshots of tokens currently in Active state.
func (r *Registry) ListActive() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Token, 0)
	for addr, e := range r.tokens {
		if e.state == Active {
			out = append(out, Token{Address: addr, State: e.state, Params: e.params, Stats: e.stats})
		}
	}
	return out
}

// SetParam updates one parameter by admin key. The change affects new
// orders only.
func (r *Registry) SetParam(addr common.Address, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tokens[addr]
	if !ok {
		return core.Errf(core.ErrUnknownToken, "%s", addr.Hex())
	}
	params := e.params
	if err := applyParam(&params, key, value); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return core.Errf(core.ErrInvalidOrderParameters, "token params: %v", err)
	}
	e.params = params
	r.log.Infow("token_param_set", "token", addr.Hex(), "key", key, "value", value)
	return nil
}

func applyParam(p *Params, key, value string) error {
	amount := func() (fixed.Amount, error) { return fixed.FromDecimal(value) }
	duration := func() (time.Duration, error) { return time.ParseDuration(value) }
	var err error
	switch key {
	case "maxLeverage":
		p.MaxLeverage, err = amount()
	case "makerFeeBps":
		p.MakerFeeBps, err = amount()
	case "takerFeeBps":
		p.TakerFeeBps, err = amount()
	case "tickSize":
		p.TickSize, err = amount()
	case "minOrderSize":
		p.MinOrderSize, err = amount()
	case "maintenanceMarginBps":
		p.MaintenanceMarginBps, err = amount()
	case "liquidationFeeBps":
		p.LiquidationFeeBps, err = amount()
	case "maxPriceStepBps":
		p.MaxPriceStepBps, err = amount()
	case "maxPriceDeviationBps":
		p.MaxPriceDeviationBps, err = amount()
	case "maxFundingRateBps":
		p.MaxFundingRateBps, err = amount()
	case "imbalanceCoefficientBps":
		p.ImbalanceCoefficientBps, err = amount()
	case "markStaleAfter":
		p.MarkStaleAfter, err = duration()
	case "riskTickInterval":
		p.RiskTickInterval, err = duration()
	case "fundingInterval":
		p.FundingInterval, err = duration()
	case "tradingEnabled":
		p.TradingEnabled, err = strconv.ParseBool(value)
	default:
		return fmt.Errorf("unknown parameter %q", key)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	return nil
}

// RecordTrade folds an executed trade into the token's live stats.
func (r *Registry) RecordTrade(addr common.Address, price, size fixed.Amount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tokens[addr]
	if !ok {
		return
	}
	e.stats.LastPrice = price
	if vol, err := e.stats.Volume24h.Add(size); err == nil {
		e.stats.Volume24h = vol
	}
	e.stats.TradeCount24h++
}

// Roll24hStats replaces the rolling 24h counters, driven by marketdata.
func (r *Registry) Roll24hStats(addr common.Address, volume fixed.Amount, trades uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tokens[addr]; ok {
		e.stats.Volume24h = volume
		e.stats.TradeCount24h = trades
	}
}

// SetMarkPrice records the latest accepted mark price.
func (r *Registry) SetMarkPrice(addr common.Address, price fixed.Amount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tokens[addr]; ok {
		e.stats.MarkPrice = price
	}
}

// SetOpenInterest replaces the OI totals, driven by the pair store.
func (r *Registry) SetOpenInterest(addr common.Address, long, short fixed.Amount, pairs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tokens[addr]; ok {
		e.stats.OpenInterestLong = long
		e.stats.OpenInterestShort = short
		e.stats.PositionCount = pairs
	}
}
