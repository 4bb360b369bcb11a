// Package marketdata owns the executed-trade stream: the append-only trade
// log, OHLCV bucket aggregation per resolution, and the rolling 24h stats
// fed back into the token registry. It is a consumer of trades, never a
// participant in matching or settlement.
package marketdata

import (
	"fmt"

	"github.com/memeperp/memeperp/pkg/fixed"
)

// Resolution is a k-line bucket width in seconds.
type Resolution int64

const (
	Res1m  Resolution = 60
	Res5m  Resolution = 300
	Res15m Resolution = 900
	Res1h  Resolution = 3600
	Res4h  Resolution = 14400
	Res1d  Resolution = 86400
)

// Resolutions lists every aggregated resolution, ascending.
func Resolutions() []Resolution {
	return []Resolution{Res1m, Res5m, Res15m, Res1h, Res4h, Res1d}
}

func (r Resolution) String() string {
	switch r {
	case Res1m:
		return "1m"
	case Res5m:
		return "5m"
	case Res15m:
		return "15m"
	case Res1h:
		return "1h"
	case Res4h:
		return "4h"
	case Res1d:
		return "1d"
	default:
		return fmt.Sprintf("%ds", int64(r))
	}
}

// ParseResolution parses the wire form ("1m", "1h", ...).
func ParseResolution(s string) (Resolution, error) {
	for _, r := range Resolutions() {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown resolution %q", s)
}

// BucketStart floors a unix-seconds timestamp to the bucket boundary.
func (r Resolution) BucketStart(tsSec int64) int64 {
	return tsSec - tsSec%int64(r)
}

// Bucket is one OHLCV candle. A bucket is mutable while its window is the
// current one and immutable after roll-over.
type Bucket struct {
	Resolution  Resolution   `json:"resolution"`
	BucketStart int64        `json:"bucketStart"` // unix seconds
	Open        fixed.Amount `json:"open"`
	High        fixed.Amount `json:"high"`
	Low         fixed.Amount `json:"low"`
	Close       fixed.Amount `json:"close"`
	Volume      fixed.Amount `json:"volume"`
	TradeCount  uint64       `json:"tradeCount"`
}

// apply folds one trade into the bucket.
func (b *Bucket) apply(price, size fixed.Amount) {
	if b.TradeCount == 0 {
		b.Open = price
		b.High = price
		b.Low = price
	} else {
		if price.Gt(b.High) {
			b.High = price
		}
		if price.Lt(b.Low) {
			b.Low = price
		}
	}
	b.Close = price
	if vol, err := b.Volume.Add(size); err == nil {
		b.Volume = vol
	}
	b.TradeCount++
}
