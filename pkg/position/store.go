package position

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/ledger"
)

// Repository persists pairs. Implementations live in pkg/storage.
type Repository interface {
	SavePair(p *Pair) error
	UpdatePair(p *Pair) error
}

// Store owns all pairs. Per-token mutations arrive serialized from the
// token's actor; the internal lock protects the cross-token and per-trader
// index reads.
type Store struct {
	mu       sync.RWMutex
	byID     map[uint64]*Pair
	byToken  map[common.Address]map[uint64]*Pair
	byTrader map[common.Address]map[uint64]*Pair
	nextID   uint64

	ledger     *ledger.Ledger
	repo       Repository
	feeAccount common.Address
	insurance  common.Address
	log        *zap.SugaredLogger
	now        func() time.Time
}

func NewStore(led *ledger.Ledger, repo Repository, feeAccount, insurance common.Address, log *zap.Logger) *Store {
	return &Store{
		byID:       make(map[uint64]*Pair),
		byToken:    make(map[common.Address]map[uint64]*Pair),
		byTrader:   make(map[common.Address]map[uint64]*Pair),
		ledger:     led,
		repo:       repo,
		feeAccount: feeAccount,
		insurance:  insurance,
		log:        log.Sugar().Named("position"),
		now:        time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (s *Store) SetNowFunc(now func() time.Time) { s.now = now }

// Restore rebuilds the in-memory indices from persisted active pairs.
func (s *Store) Restore(pairs []*Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pairs {
		if p.ID >= s.nextID {
			s.nextID = p.ID
		}
		if p.Status != StatusActive {
			continue
		}
		s.index(p)
	}
}

// index adds the pair to all indices. Caller holds the lock.
func (s *Store) index(p *Pair) {
	s.byID[p.ID] = p
	if _, ok := s.byToken[p.Token]; !ok {
		s.byToken[p.Token] = make(map[uint64]*Pair)
	}
	s.byToken[p.Token][p.ID] = p
	for _, trader := range []common.Address{p.LongTrader, p.ShortTrader} {
		if _, ok := s.byTrader[trader]; !ok {
			s.byTrader[trader] = make(map[uint64]*Pair)
		}
		s.byTrader[trader][p.ID] = p
	}
}

// unindex removes a terminal pair from the active indices.
func (s *Store) unindex(p *Pair) {
	delete(s.byID, p.ID)
	if m, ok := s.byToken[p.Token]; ok {
		delete(m, p.ID)
		if len(m) == 0 {
			delete(s.byToken, p.Token)
		}
	}
	for _, trader := range []common.Address{p.LongTrader, p.ShortTrader} {
		if m, ok := s.byTrader[trader]; ok {
			delete(m, p.ID)
			if len(m) == 0 {
				delete(s.byTrader, trader)
			}
		}
	}
}

func (s *Store) persistNew(p *Pair) error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.SavePair(p); err != nil {
		return core.Errf(core.ErrRepositoryUnavailable, "save pair %d: %v", p.ID, err)
	}
	return nil
}

func (s *Store) persistUpdate(p *Pair) error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.UpdatePair(p); err != nil {
		return core.Errf(core.ErrRepositoryUnavailable, "update pair %d: %v", p.ID, err)
	}
	return nil
}

// TradeInput describes one executed trade to fold into the pair set.
// LongTrader is the buying side of the trade. Fees are the full trade fees;
// the store apportions them across netting closes and the opened remainder.
type TradeInput struct {
	Token         common.Address
	LongTrader    common.Address
	ShortTrader   common.Address
	Size          fixed.Amount
	Price         fixed.Amount
	LongLeverage  fixed.Amount
	ShortLeverage fixed.Amount
	FeeLong       fixed.Amount
	FeeShort      fixed.Amount
	FundingIndex  fixed.Signed
	TakerSide     core.Side // aggressing side; becomes the pair's Initiator
}

// TradeOutcome reports what a trade did to the pair set. OpenFee* is the
// share of the trade fees attributable to the newly opened portion; the
// caller charges those against available balance.
type TradeOutcome struct {
	Closes       []CloseResult
	Opened       *Pair
	OpenFeeLong  fixed.Amount
	OpenFeeShort fixed.Amount
}

// ApplyTrade folds a trade into the pair set. Pairs the two participants
// already share in the opposite direction are partially closed first, FIFO
// by open time (the buyer's purchase reduces the pair where the buyer is
// short). The remainder opens a new pair. Netting never touches pairs with
// third parties: closing those would change a bystander's exposure.
func (s *Store) ApplyTrade(in TradeInput) (*TradeOutcome, error) {
	if in.LongTrader == in.ShortTrader {
		return nil, core.Errf(core.ErrPairMismatched, "trade with same trader on both sides")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &TradeOutcome{}
	remaining := in.Size

	for _, p := range s.mutualPairs(in.LongTrader, in.ShortTrader, in.Token) {
		if remaining.IsZero() {
			break
		}
		sizeClosed := remaining.Min(p.Size)
		feeLong, err := fixed.MulDiv(in.FeeLong, sizeClosed, in.Size)
		if err != nil {
			return nil, err
		}
		feeShort, err := fixed.MulDiv(in.FeeShort, sizeClosed, in.Size)
		if err != nil {
			return nil, err
		}
		// The trade's buyer is this pair's short side, so the buyer's fee
		// lands on the pair's short leg.
		res, err := s.closePortion(p, sizeClosed, in.Price, feeShort, feeLong,
			CloseVoluntary, StatusClosed, in.FundingIndex, s.feeAccount)
		if err != nil {
			return nil, err
		}
		out.Closes = append(out.Closes, res)
		remaining = remaining.SatSub(sizeClosed)
	}

	if !remaining.IsZero() {
		pair, err := s.open(in, remaining)
		if err != nil {
			return nil, err
		}
		out.Opened = pair
		if out.OpenFeeLong, err = fixed.MulDiv(in.FeeLong, remaining, in.Size); err != nil {
			return nil, err
		}
		if out.OpenFeeShort, err = fixed.MulDiv(in.FeeShort, remaining, in.Size); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// mutualPairs returns the active pairs where buyer holds the short side
// against seller's long, FIFO by open time.
func (s *Store) mutualPairs(buyer, seller common.Address, token common.Address) []*Pair {
	var out []*Pair
	for _, p := range s.byTrader[buyer] {
		if p.Token == token && p.Status == StatusActive &&
			p.ShortTrader == buyer && p.LongTrader == seller {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenTimestamp != out[j].OpenTimestamp {
			return out[i].OpenTimestamp < out[j].OpenTimestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// open creates and indexes a new pair. Caller holds the lock; collateral
// is already locked by the matching pipeline.
func (s *Store) open(in TradeInput, size fixed.Amount) (*Pair, error) {
	longCol, err := fixed.Collateral(size, in.Price, in.LongLeverage)
	if err != nil {
		return nil, err
	}
	shortCol, err := fixed.Collateral(size, in.Price, in.ShortLeverage)
	if err != nil {
		return nil, err
	}
	s.nextID++
	p := &Pair{
		ID:               s.nextID,
		Token:            in.Token,
		LongTrader:       in.LongTrader,
		ShortTrader:      in.ShortTrader,
		Size:             size,
		EntryPrice:       in.Price,
		LongCollateral:   longCol,
		ShortCollateral:  shortCol,
		LongLeverage:     in.LongLeverage,
		ShortLeverage:    in.ShortLeverage,
		Initiator:        in.TakerSide,
		OpenTimestamp:    s.now().UnixMilli(),
		LastFundingIndex: in.FundingIndex,
		Status:           StatusActive,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s.index(p)
	if err := s.persistNew(p); err != nil {
		return nil, err
	}
	s.log.Infow("pair_opened",
		"pair", p.ID, "token", p.Token.Hex(),
		"size", p.Size.Dec(), "entry", p.EntryPrice.Dec())
	return p, nil
}

// accrue applies lazy funding up to the given index. Caller holds the lock.
func accrue(p *Pair, index fixed.Signed) error {
	delta, err := index.Sub(p.LastFundingIndex)
	if err != nil {
		return err
	}
	if delta.IsZero() {
		p.LastFundingIndex = index
		return nil
	}
	owed, err := delta.MulDiv(p.Size, fixed.PriceScale())
	if err != nil {
		return err
	}
	if p.AccFundingLong, err = p.AccFundingLong.Add(owed); err != nil {
		return err
	}
	if p.AccFundingShort, err = p.AccFundingShort.Sub(owed); err != nil {
		return err
	}
	p.LastFundingIndex = index
	return nil
}

// closePortion settles sizeClosed of the pair at exitPrice. Funding is
// accrued first; realized pnl includes the closed share of accumulated
// funding; the losing side's loss is capped at its collateral share with
// the gap drawn from the insurance account. Caller holds the lock.
func (s *Store) closePortion(p *Pair, sizeClosed, exitPrice fixed.Amount,
	feeLong, feeShort fixed.Amount, reason CloseReason, terminal Status,
	index fixed.Signed, feeAccount common.Address) (CloseResult, error) {

	if err := accrue(p, index); err != nil {
		return CloseResult{}, core.Errf(core.ErrArithmeticOverflow, "funding accrual pair %d: %v", p.ID, err)
	}

	// Proportional shares of collateral and funding for the closed size.
	colLong, err := fixed.MulDiv(p.LongCollateral, sizeClosed, p.Size)
	if err != nil {
		return CloseResult{}, err
	}
	colShort, err := fixed.MulDiv(p.ShortCollateral, sizeClosed, p.Size)
	if err != nil {
		return CloseResult{}, err
	}
	fundLong, err := p.AccFundingLong.MulDiv(sizeClosed, p.Size)
	if err != nil {
		return CloseResult{}, err
	}
	fundShort := fundLong.Negate()

	pnlPrice, err := p.Pnl(core.Long, exitPrice, sizeClosed)
	if err != nil {
		return CloseResult{}, err
	}
	pnlLong, err := pnlPrice.Sub(fundLong)
	if err != nil {
		return CloseResult{}, err
	}
	pnlShort, err := pnlPrice.Negate().Sub(fundShort)
	if err != nil {
		return CloseResult{}, err
	}

	// Cap the loser's loss at its collateral share; mirror the cap on the
	// winner so the settle stays zero-sum, and draw the gap from insurance.
	draw := fixed.Zero()
	if pnlLong.Neg && pnlLong.Mag.Gt(colLong) {
		draw = pnlLong.Mag.SatSub(colLong)
		pnlLong = fixed.NegOf(colLong)
		pnlShort = fixed.Pos(colLong)
	} else if pnlShort.Neg && pnlShort.Mag.Gt(colShort) {
		draw = pnlShort.Mag.SatSub(colShort)
		pnlShort = fixed.NegOf(colShort)
		pnlLong = fixed.Pos(colShort)
	}

	err = s.ledger.SettlePair(ledger.SettleInput{
		LongTrader:      p.LongTrader,
		ShortTrader:     p.ShortTrader,
		LongCollateral:  colLong,
		ShortCollateral: colShort,
		PnlLong:         pnlLong,
		PnlShort:        pnlShort,
		FeeLong:         feeLong,
		FeeShort:        feeShort,
		FeeAccount:      feeAccount,
	})
	if err != nil {
		return CloseResult{}, err
	}

	if !draw.IsZero() {
		winner := p.LongTrader
		if pnlLong.Neg {
			winner = p.ShortTrader
		}
		if terr := s.ledger.Transfer(s.insurance, winner, draw); terr != nil {
			s.log.Errorw("insurance_depleted",
				"pair", p.ID, "draw", draw.Dec(), "err", terr)
		}
	}

	// Shrink the pair.
	p.Size = p.Size.SatSub(sizeClosed)
	p.LongCollateral = p.LongCollateral.SatSub(colLong)
	p.ShortCollateral = p.ShortCollateral.SatSub(colShort)
	if p.AccFundingLong, err = p.AccFundingLong.Sub(fundLong); err != nil {
		return CloseResult{}, err
	}
	if p.AccFundingShort, err = p.AccFundingShort.Sub(fundShort); err != nil {
		return CloseResult{}, err
	}

	if p.Size.IsZero() {
		p.Status = terminal
		s.unindex(p)
	}
	if err := s.persistUpdate(p); err != nil {
		return CloseResult{}, err
	}

	s.log.Infow("pair_closed",
		"pair", p.ID, "size_closed", sizeClosed.Dec(), "exit", exitPrice.Dec(),
		"reason", int(reason), "remaining", p.Size.Dec(), "insurance_draw", draw.Dec())

	return CloseResult{
		PairID:        p.ID,
		Token:         p.Token,
		LongTrader:    p.LongTrader,
		ShortTrader:   p.ShortTrader,
		SizeClosed:    sizeClosed,
		ExitPrice:     exitPrice,
		PnlLong:       pnlLong,
		PnlShort:      pnlShort,
		FeeLong:       feeLong,
		FeeShort:      feeShort,
		InsuranceDraw: draw,
		Reason:        reason,
		Remaining:     p.Size,
		Status:        p.Status,
	}, nil
}

// Liquidate force-closes the whole pair at markPrice. The liquidation fee
// is a bps share of the liquidated side's collateral, taken out of the
// winning side's credit and paid to the liquidator account.
func (s *Store) Liquidate(pairID uint64, liquidated core.Side, markPrice fixed.Amount,
	liqFeeBps fixed.Amount, index fixed.Signed, liquidator common.Address) (CloseResult, error) {

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[pairID]
	if !ok {
		return CloseResult{}, core.Errf(core.ErrPairNotFound, "%d", pairID)
	}

	liqFee, err := fixed.BpsOf(p.CollateralOf(liquidated), liqFeeBps)
	if err != nil {
		return CloseResult{}, err
	}
	feeLong, feeShort := fixed.Zero(), fixed.Zero()
	terminal := StatusLiquidatedShort
	if liquidated == core.Long {
		feeShort = liqFee // winner pays the liquidation fee out of its credit
		terminal = StatusLiquidatedLong
	} else {
		feeLong = liqFee
	}
	return s.closePortion(p, p.Size, markPrice, feeLong, feeShort,
		CloseLiquidation, terminal, index, liquidator)
}

// CloseADL force-closes the pair at markPrice with no fee. Used when an
// orphaned side cannot be re-paired within a risk tick.
func (s *Store) CloseADL(pairID uint64, markPrice fixed.Amount, index fixed.Signed) (CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[pairID]
	if !ok {
		return CloseResult{}, core.Errf(core.ErrPairNotFound, "%d", pairID)
	}
	return s.closePortion(p, p.Size, markPrice, fixed.Zero(), fixed.Zero(),
		CloseADL, StatusADLClosed, index, s.feeAccount)
}

// SweepFunding accrues the current index on every active pair of the
// token. The funding keeper calls this each interval so margin ratios see
// up-to-date funding.
func (s *Store) SweepFunding(token common.Address, index fixed.Signed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byToken[token] {
		if err := accrue(p, index); err != nil {
			return core.Errf(core.ErrArithmeticOverflow, "funding sweep pair %d: %v", p.ID, err)
		}
		if err := s.persistUpdate(p); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a snapshot of a pair.
func (s *Store) Get(pairID uint64) (Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[pairID]
	if !ok {
		return Pair{}, core.Errf(core.ErrPairNotFound, "%d", pairID)
	}
	return *p, nil
}

// ActivePairs returns snapshots of the token's active pairs, ordered by id
// so risk sweeps are deterministic.
func (s *Store) ActivePairs(token common.Address) []Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pair, 0, len(s.byToken[token]))
	for _, p := range s.byToken[token] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PairsByTrader returns snapshots of every active pair the trader is in.
func (s *Store) PairsByTrader(trader common.Address) []Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pair, 0, len(s.byTrader[trader]))
	for _, p := range s.byTrader[trader] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Totals returns the token's open interest per side and active pair count.
// Every pair holds one long and one short, so structurally the sides are
// always equal; the split reported here follows each pair's Initiator,
// measuring which side the taker flow demanded. The funding rate reads
// this imbalance. Pairs restored without an initiator count as long.
func (s *Store) Totals(token common.Address) (long, short fixed.Amount, pairs uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.byToken[token] {
		if p.Initiator == core.Short {
			if sum, err := short.Add(p.Size); err == nil {
				short = sum
			}
		} else {
			if sum, err := long.Add(p.Size); err == nil {
				long = sum
			}
		}
		pairs++
	}
	return long, short, pairs
}

// View derives the trader's aggregate position on one token from their
// active pairs: net size, size-weighted entry, total collateral, funding.
func (s *Store) View(trader, token common.Address) (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{Trader: trader, Token: token}
	longSize, shortSize := fixed.Zero(), fixed.Zero()
	var notional fixed.Amount // sum(size × entry), for the weighted entry

	for _, p := range s.byTrader[trader] {
		if p.Token != token || p.Status != StatusActive {
			continue
		}
		side, ok := p.TraderSide(trader)
		if !ok {
			continue
		}
		v.ActivePairs++
		if side == core.Long {
			longSize, _ = longSize.Add(p.Size)
		} else {
			shortSize, _ = shortSize.Add(p.Size)
		}
		col, _ := v.Collateral.Add(p.CollateralOf(side))
		v.Collateral = col
		fund, _ := v.Funding.Add(p.Funding(side))
		v.Funding = fund
		if n, err := fixed.Notional(p.Size, p.EntryPrice); err == nil {
			notional, _ = notional.Add(n)
		}
	}

	if v.ActivePairs == 0 {
		return View{}, false
	}
	if longSize.Gte(shortSize) {
		v.Side = core.Long
		v.Size = longSize.SatSub(shortSize)
	} else {
		v.Side = core.Short
		v.Size = shortSize.SatSub(longSize)
	}
	total, _ := longSize.Add(shortSize)
	if !total.IsZero() {
		if entry, err := fixed.MulDiv(notional, fixed.PriceScale(), total); err == nil {
			v.EntryPrice = entry
		}
	}
	return v, true
}
