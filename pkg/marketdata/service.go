package marketdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/broadcast"
	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/token"
)

// recentCapacity bounds the in-memory per-token trade ring.
const recentCapacity = 512

// flushInterval paces the async repository flush when no trade triggers it.
const flushInterval = time.Second

// Repository persists the trade log and closed k-line buckets.
// Implementations live in pkg/storage.
type Repository interface {
	AppendTrades(trades []core.Trade) error
	UpsertBucket(tok common.Address, b Bucket) error
	RecentTrades(tok common.Address, limit int) ([]core.Trade, error)
	KlineRange(tok common.Address, res Resolution, from, to int64) ([]Bucket, error)
}

type liveKey struct {
	token common.Address
	res   Resolution
}

// tradeRing is a bounded newest-wins buffer of executed trades.
type tradeRing struct {
	buf  []core.Trade
	next int
	full bool
}

func (r *tradeRing) push(t core.Trade) {
	if r.buf == nil {
		r.buf = make([]core.Trade, recentCapacity)
	}
	r.buf[r.next] = t
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// tail returns up to n trades, newest first.
func (r *tradeRing) tail(n int) []core.Trade {
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n > size {
		n = size
	}
	out := make([]core.Trade, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}

// rollEntry is one trade's contribution to the 24h window.
type rollEntry struct {
	ts   int64 // unix ms
	size fixed.Amount
}

// Service consumes every executed trade: ring buffer for recent-trade
// queries, per-resolution bucket aggregation, rolling 24h stats, topic
// publication, and an asynchronous repository flush. On crash at most the
// unflushed tail is lost; pair state remains the settlement source of truth.
type Service struct {
	mu       sync.Mutex
	repo     Repository
	bus      *broadcast.Bus
	registry *token.Registry
	log      *zap.SugaredLogger
	now      func() time.Time

	live    map[liveKey]*Bucket
	recent  map[common.Address]*tradeRing
	windows map[common.Address][]rollEntry

	pendingTrades  []core.Trade
	pendingBuckets []pendingBucket
	flushCh        chan struct{}
}

type pendingBucket struct {
	token  common.Address
	bucket Bucket
}

func NewService(repo Repository, bus *broadcast.Bus, registry *token.Registry, log *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		bus:      bus,
		registry: registry,
		log:      log.Sugar().Named("marketdata"),
		now:      time.Now,
		live:     make(map[liveKey]*Bucket),
		recent:   make(map[common.Address]*tradeRing),
		windows:  make(map[common.Address][]rollEntry),
		flushCh:  make(chan struct{}, 1),
	}
}

// SetNowFunc overrides the clock. Tests only.
func (s *Service) SetNowFunc(now func() time.Time) { s.now = now }

// Record folds one executed trade into the log, the buckets and the 24h
// window, and publishes the trade and bucket updates. Called from the
// token's matching actor, so per-token ordering is preserved.
func (s *Service) Record(trade core.Trade) {
	s.mu.Lock()

	ring, ok := s.recent[trade.Token]
	if !ok {
		ring = &tradeRing{}
		s.recent[trade.Token] = ring
	}
	ring.push(trade)
	s.pendingTrades = append(s.pendingTrades, trade)

	volume, count := s.rollWindow(trade.Token, trade.Timestamp, &trade)

	tsSec := trade.Timestamp / 1000
	var events []broadcast.KlineEvent
	for _, res := range Resolutions() {
		events = append(events, s.applyToBucket(trade, res, tsSec)...)
	}
	s.mu.Unlock()

	if s.registry != nil {
		s.registry.RecordTrade(trade.Token, trade.Price, trade.Size)
		s.registry.Roll24hStats(trade.Token, volume, count)
	}
	if s.bus != nil {
		s.bus.Publish(broadcast.TopicTrades(trade.Token), broadcast.TradeEvent{Trade: trade})
		for _, ev := range events {
			s.bus.Publish(broadcast.TopicKlines(trade.Token, ev.Resolution), ev)
		}
	}
	s.signalFlush()
}

// applyToBucket updates the live bucket of one resolution, rolling it over
// when the trade lands in a newer window. Caller holds the lock. Returns
// the bucket events to publish, closed bucket first.
func (s *Service) applyToBucket(trade core.Trade, res Resolution, tsSec int64) []broadcast.KlineEvent {
	key := liveKey{token: trade.Token, res: res}
	start := res.BucketStart(tsSec)

	var events []broadcast.KlineEvent
	if b, ok := s.live[key]; ok && b.BucketStart != start {
		// The previous window closed: freeze it and queue the flush.
		s.pendingBuckets = append(s.pendingBuckets, pendingBucket{token: trade.Token, bucket: *b})
		events = append(events, bucketEvent(trade.Token, *b, true))
		delete(s.live, key)
	}
	b, ok := s.live[key]
	if !ok {
		b = &Bucket{Resolution: res, BucketStart: start}
		s.live[key] = b
	}
	b.apply(trade.Price, trade.Size)
	return append(events, bucketEvent(trade.Token, *b, false))
}

func bucketEvent(tok common.Address, b Bucket, closed bool) broadcast.KlineEvent {
	return broadcast.KlineEvent{
		Token:       tok,
		Resolution:  b.Resolution.String(),
		BucketStart: b.BucketStart,
		Open:        b.Open,
		High:        b.High,
		Low:         b.Low,
		Close:       b.Close,
		Volume:      b.Volume,
		TradeCount:  b.TradeCount,
		Closed:      closed,
	}
}

// rollWindow trims entries older than 24h and returns the window totals.
// Caller holds the lock; trade is nil on a pure maintenance trim.
func (s *Service) rollWindow(tok common.Address, nowMs int64, trade *core.Trade) (fixed.Amount, uint64) {
	w := s.windows[tok]
	if trade != nil {
		w = append(w, rollEntry{ts: trade.Timestamp, size: trade.Size})
	}
	cutoff := nowMs - 24*time.Hour.Milliseconds()
	drop := 0
	for drop < len(w) && w[drop].ts <= cutoff {
		drop++
	}
	w = w[drop:]
	s.windows[tok] = w

	volume := fixed.Zero()
	for _, e := range w {
		if sum, err := volume.Add(e.size); err == nil {
			volume = sum
		}
	}
	return volume, uint64(len(w))
}

func (s *Service) signalFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Run drives the async flush loop until ctx is cancelled, then performs a
// final flush so a graceful shutdown loses nothing.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return ctx.Err()
		case <-s.flushCh:
			s.flush()
		case <-ticker.C:
			s.flush()
			s.trimWindows()
		}
	}
}

// flush writes the pending trade tail and closed buckets to the repository.
func (s *Service) flush() {
	s.mu.Lock()
	trades := s.pendingTrades
	buckets := s.pendingBuckets
	s.pendingTrades = nil
	s.pendingBuckets = nil
	s.mu.Unlock()

	if s.repo == nil || (len(trades) == 0 && len(buckets) == 0) {
		return
	}
	if len(trades) > 0 {
		if err := s.repo.AppendTrades(trades); err != nil {
			s.log.Errorw("trade_flush_failed", "count", len(trades), "err", err)
			s.mu.Lock()
			s.pendingTrades = append(trades, s.pendingTrades...)
			s.mu.Unlock()
		}
	}
	for _, pb := range buckets {
		if err := s.repo.UpsertBucket(pb.token, pb.bucket); err != nil {
			s.log.Errorw("bucket_flush_failed",
				"token", pb.token.Hex(), "resolution", pb.bucket.Resolution.String(), "err", err)
		}
	}
}

// trimWindows ages out 24h entries for tokens with no recent trades so the
// registry stats decay to zero.
func (s *Service) trimWindows() {
	nowMs := s.now().UnixMilli()
	type rolled struct {
		tok    common.Address
		volume fixed.Amount
		count  uint64
	}
	var updates []rolled
	s.mu.Lock()
	for tok := range s.windows {
		volume, count := s.rollWindow(tok, nowMs, nil)
		updates = append(updates, rolled{tok: tok, volume: volume, count: count})
		if count == 0 {
			delete(s.windows, tok)
		}
	}
	s.mu.Unlock()
	if s.registry == nil {
		return
	}
	for _, u := range updates {
		s.registry.Roll24hStats(u.tok, u.volume, u.count)
	}
}

// RecentTrades returns up to limit trades, newest first, preferring the
// in-memory ring and falling back to the repository for cold tokens.
func (s *Service) RecentTrades(tok common.Address, limit int) ([]core.Trade, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	ring, ok := s.recent[tok]
	var trades []core.Trade
	if ok {
		trades = ring.tail(limit)
	}
	s.mu.Unlock()
	if len(trades) > 0 || s.repo == nil {
		return trades, nil
	}
	return s.repo.RecentTrades(tok, limit)
}

// Klines returns the buckets of [from, to] (unix seconds), oldest first.
// Persisted closed buckets come from the repository; unflushed closed
// buckets and the live bucket are overlaid on top. Gaps are not synthesized.
func (s *Service) Klines(tok common.Address, res Resolution, from, to int64) ([]Bucket, error) {
	byStart := make(map[int64]Bucket)
	if s.repo != nil {
		stored, err := s.repo.KlineRange(tok, res, from, to)
		if err != nil {
			return nil, core.Errf(core.ErrRepositoryUnavailable, "kline range: %v", err)
		}
		for _, b := range stored {
			byStart[b.BucketStart] = b
		}
	}

	s.mu.Lock()
	for _, pb := range s.pendingBuckets {
		if pb.token == tok && pb.bucket.Resolution == res &&
			pb.bucket.BucketStart >= from && pb.bucket.BucketStart <= to {
			byStart[pb.bucket.BucketStart] = pb.bucket
		}
	}
	if b, ok := s.live[liveKey{token: tok, res: res}]; ok &&
		b.BucketStart >= from && b.BucketStart <= to {
		byStart[b.BucketStart] = *b
	}
	s.mu.Unlock()

	out := make([]Bucket, 0, len(byStart))
	for _, b := range byStart {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart < out[j].BucketStart })
	return out, nil
}
