package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/memeperp/pkg/marketdata"
)

// Pebble key schema. Numeric components are zero-padded so lexicographic
// order matches numeric order and prefix scans come back sorted:
//
//   bal:<address>                         → Balance
//   nonce:<address>                       → last committed nonce (8 bytes BE)
//   ord:<trader>:<createdMs>:<orderID>    → Order
//   trade:<token>:<timestampMs>:<tradeID> → Trade
//   tradeu:<trader>:<timestampMs>:<tradeID> → Trade (per-side copy)
//   pair:<pairID>                         → Pair
//   pairu:<trader>:<pairID>               → pairID (8 bytes BE)
//   kline:<token>:<resolution>:<bucketStart> → Bucket
//   settle:<seq>                          → settlementRecord
//   settleu:<trader>:<seq>                → seq (8 bytes BE)
const (
	prefixBalance    = "bal:"
	prefixNonce      = "nonce:"
	prefixOrder      = "ord:"
	prefixTrade      = "trade:"
	prefixUserTrade  = "tradeu:"
	prefixPair       = "pair:"
	prefixUserPair   = "pairu:"
	prefixKline      = "kline:"
	prefixSettle     = "settle:"
	prefixUserSettle = "settleu:"
)

func balanceKey(addr common.Address) []byte {
	return []byte(prefixBalance + addr.Hex())
}

func nonceKey(addr common.Address) []byte {
	return []byte(prefixNonce + addr.Hex())
}

func orderKey(trader common.Address, createdMs int64, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixOrder, trader.Hex(), createdMs, orderID))
}

func orderPrefix(trader common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, trader.Hex()))
}

func tradeKey(tok common.Address, timestampMs int64, tradeID uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%020d", prefixTrade, tok.Hex(), timestampMs, tradeID))
}

func tradePrefix(tok common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, tok.Hex()))
}

func userTradeKey(trader common.Address, timestampMs int64, tradeID uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%020d", prefixUserTrade, trader.Hex(), timestampMs, tradeID))
}

func userTradePrefix(trader common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixUserTrade, trader.Hex()))
}

func pairKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixPair, id))
}

func userPairKey(trader common.Address, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixUserPair, trader.Hex(), id))
}

func userPairPrefix(trader common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixUserPair, trader.Hex()))
}

func klineKey(tok common.Address, res marketdata.Resolution, bucketStart int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d:%020d", prefixKline, tok.Hex(), int64(res), bucketStart))
}

func settleKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixSettle, seq))
}

func userSettleKey(trader common.Address, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixUserSettle, trader.Hex(), seq))
}

func userSettlePrefix(trader common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixUserSettle, trader.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
