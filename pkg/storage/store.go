// Package storage is the pebble-backed repository behind every durable
// concern: balances, nonces, order history, the trade log, pairs, k-line
// buckets and the settlement log. Hot state lives in memory; this layer
// exists for restart recovery and history queries.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/memeperp/pkg/bridge"
	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/engine"
	"github.com/memeperp/memeperp/pkg/engine/validate"
	"github.com/memeperp/memeperp/pkg/ledger"
	"github.com/memeperp/memeperp/pkg/marketdata"
	"github.com/memeperp/memeperp/pkg/position"
)

// Store wraps one pebble database. All methods are safe for concurrent use;
// pebble serializes the writes.
type Store struct {
	db *pebble.DB
}

func New(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func (s *Store) setJSON(key []byte, v any, opts *pebble.WriteOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.db.Set(key, data, opts)
}

// getJSON reports found=false on a clean miss.
func (s *Store) getJSON(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// ============================================================================
// Balances
// ============================================================================

func (s *Store) LoadBalance(trader common.Address) (ledger.Balance, bool, error) {
	var b ledger.Balance
	found, err := s.getJSON(balanceKey(trader), &b)
	if err != nil {
		return ledger.Balance{}, false, fmt.Errorf("load balance: %w", err)
	}
	return b, found, nil
}

func (s *Store) PersistBalance(trader common.Address, b ledger.Balance) error {
	if err := s.setJSON(balanceKey(trader), b, pebble.Sync); err != nil {
		return fmt.Errorf("persist balance: %w", err)
	}
	return nil
}

// ============================================================================
// Nonces
// ============================================================================

func (s *Store) LoadNonce(trader common.Address) (uint64, bool, error) {
	data, closer, err := s.db.Get(nonceKey(trader))
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load nonce: %w", err)
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, false, fmt.Errorf("load nonce: corrupt value of %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), true, nil
}

func (s *Store) PersistNonce(trader common.Address, value uint64) error {
	if err := s.db.Set(nonceKey(trader), encodeUint64(value), pebble.Sync); err != nil {
		return fmt.Errorf("persist nonce: %w", err)
	}
	return nil
}

// ============================================================================
// Orders
// ============================================================================

// SaveOrder writes the first durable record of an order. Trader and
// CreatedAt never change after submission, so updates land on the same key.
func (s *Store) SaveOrder(o *core.Order) error {
	key := orderKey(o.Trader, o.CreatedAt, o.ID)
	if err := s.setJSON(key, o, pebble.Sync); err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

func (s *Store) UpdateOrder(o *core.Order) error {
	return s.SaveOrder(o)
}

// OrdersByTrader returns up to limit orders, newest first.
func (s *Store) OrdersByTrader(trader common.Address, limit int) ([]core.Order, error) {
	prefix := orderPrefix(trader)
	iter, _ := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	defer iter.Close()

	var orders []core.Order
	for iter.Last(); iter.Valid() && len(orders) < limit; iter.Prev() {
		var o core.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// ============================================================================
// Trades
// ============================================================================

// AppendTrades writes one flush batch: the per-token log plus a per-side
// copy for user history. NoSync; the pair store is the settlement source
// of truth and a crash loses at most the unflushed tail.
func (s *Store) AppendTrades(trades []core.Trade) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for i := range trades {
		t := &trades[i]
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal trade %d: %w", t.ID, err)
		}
		if err := batch.Set(tradeKey(t.Token, t.Timestamp, t.ID), data, nil); err != nil {
			return err
		}
		if err := batch.Set(userTradeKey(t.MakerTrader, t.Timestamp, t.ID), data, nil); err != nil {
			return err
		}
		if err := batch.Set(userTradeKey(t.TakerTrader, t.Timestamp, t.ID), data, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("append trades: %w", err)
	}
	return nil
}

// RecentTrades returns up to limit trades for the token, newest first.
func (s *Store) RecentTrades(tok common.Address, limit int) ([]core.Trade, error) {
	prefix := tradePrefix(tok)
	return s.scanTradesDesc(prefix, limit)
}

// TradesByTrader returns up to limit trades the trader took part in,
// newest first.
func (s *Store) TradesByTrader(trader common.Address, limit int) ([]core.Trade, error) {
	prefix := userTradePrefix(trader)
	return s.scanTradesDesc(prefix, limit)
}

func (s *Store) scanTradesDesc(prefix []byte, limit int) ([]core.Trade, error) {
	iter, _ := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	defer iter.Close()

	var trades []core.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t core.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// ============================================================================
// K-lines
// ============================================================================

// UpsertBucket persists one closed candle. Re-flushing the same window
// overwrites in place, so the flush is idempotent.
func (s *Store) UpsertBucket(tok common.Address, b marketdata.Bucket) error {
	key := klineKey(tok, b.Resolution, b.BucketStart)
	if err := s.setJSON(key, b, pebble.NoSync); err != nil {
		return fmt.Errorf("upsert bucket: %w", err)
	}
	return nil
}

// KlineRange returns the stored buckets with BucketStart in [from, to],
// oldest first.
func (s *Store) KlineRange(tok common.Address, res marketdata.Resolution, from, to int64) ([]marketdata.Bucket, error) {
	if to < from {
		return nil, nil
	}
	iter, _ := s.db.NewIter(&pebble.IterOptions{
		LowerBound: klineKey(tok, res, from),
		UpperBound: keyUpperBound(klineKey(tok, res, to)),
	})
	defer iter.Close()

	var buckets []marketdata.Bucket
	for iter.First(); iter.Valid(); iter.Next() {
		var b marketdata.Bucket
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			continue
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

// ============================================================================
// Pairs
// ============================================================================

// SavePair persists a pair and indexes it under both traders.
func (s *Store) SavePair(p *position.Pair) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pair %d: %w", p.ID, err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(pairKey(p.ID), data, nil); err != nil {
		return err
	}
	if err := batch.Set(userPairKey(p.LongTrader, p.ID), encodeUint64(p.ID), nil); err != nil {
		return err
	}
	if err := batch.Set(userPairKey(p.ShortTrader, p.ID), encodeUint64(p.ID), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("save pair %d: %w", p.ID, err)
	}
	return nil
}

// UpdatePair rewrites a pair in place. Traders never change over a pair's
// life, so the index rows stay valid.
func (s *Store) UpdatePair(p *position.Pair) error {
	if err := s.setJSON(pairKey(p.ID), p, pebble.Sync); err != nil {
		return fmt.Errorf("update pair %d: %w", p.ID, err)
	}
	return nil
}

// PairByID loads one pair, closed pairs included.
func (s *Store) PairByID(id uint64) (position.Pair, bool, error) {
	var p position.Pair
	found, err := s.getJSON(pairKey(id), &p)
	if err != nil {
		return position.Pair{}, false, fmt.Errorf("load pair %d: %w", id, err)
	}
	return p, found, nil
}

// PairsByTrader returns every pair the trader has ever been a side of,
// oldest first.
func (s *Store) PairsByTrader(trader common.Address) ([]position.Pair, error) {
	prefix := userPairPrefix(trader)
	iter, _ := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	defer iter.Close()

	var pairs []position.Pair
	for iter.First(); iter.Valid(); iter.Next() {
		if len(iter.Value()) != 8 {
			continue
		}
		p, found, err := s.PairByID(binary.BigEndian.Uint64(iter.Value()))
		if err != nil {
			return nil, err
		}
		if found {
			pairs = append(pairs, p)
		}
	}
	return pairs, nil
}

// ============================================================================
// Settlement log
// ============================================================================

type settlementRecord struct {
	BatchID     string             `json:"batchId"`
	Instruction bridge.Instruction `json:"instruction"`
}

// AppendSettlement records one acknowledged instruction and indexes it
// under both traders.
func (s *Store) AppendSettlement(batchID string, inst bridge.Instruction) error {
	rec := settlementRecord{BatchID: batchID, Instruction: inst}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal settlement %d: %w", inst.Seq, err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(settleKey(inst.Seq), data, nil); err != nil {
		return err
	}
	if err := batch.Set(userSettleKey(inst.LongTrader, inst.Seq), encodeUint64(inst.Seq), nil); err != nil {
		return err
	}
	if err := batch.Set(userSettleKey(inst.ShortTrader, inst.Seq), encodeUint64(inst.Seq), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("append settlement %d: %w", inst.Seq, err)
	}
	return nil
}

// SettlementsByUser returns up to limit instructions touching the trader,
// newest first.
func (s *Store) SettlementsByUser(trader common.Address, limit int) ([]bridge.Instruction, error) {
	prefix := userSettlePrefix(trader)
	iter, _ := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	defer iter.Close()

	var out []bridge.Instruction
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		if len(iter.Value()) != 8 {
			continue
		}
		var rec settlementRecord
		found, err := s.getJSON(settleKey(binary.BigEndian.Uint64(iter.Value())), &rec)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, rec.Instruction)
		}
	}
	return out, nil
}

var (
	_ ledger.Repository        = (*Store)(nil)
	_ position.Repository      = (*Store)(nil)
	_ marketdata.Repository    = (*Store)(nil)
	_ bridge.Repository        = (*Store)(nil)
	_ validate.NonceRepository = (*Store)(nil)
	_ engine.OrderRepository   = (*Store)(nil)
)
