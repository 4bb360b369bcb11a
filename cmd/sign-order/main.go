// sign-order is a developer tool: it builds a MemePerp order, signs it
// with EIP-712 and prints the JSON body ready for POST /api/v1/orders.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/memeperp/memeperp/pkg/api"
	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/crypto"
	"github.com/memeperp/memeperp/pkg/fixed"
)

func main() {
	var (
		keyHex    = flag.String("key", "", "private key hex; generates a fresh key when empty")
		tokenHex  = flag.String("token", "0x00000000000000000000000000000000000000aa", "token address")
		side      = flag.String("side", "long", "long|short")
		orderType = flag.String("type", "limit", "limit|market|stop_limit|stop_market")
		size      = flag.String("size", "1000000000000000000", "size, 1e18 scale")
		price     = flag.String("price", "0", "limit or trigger price, 1e18 scale (0 for market)")
		leverage  = flag.String("leverage", "50000", "leverage, 1e4 scale (50000 = 5x)")
		nonce     = flag.Uint64("nonce", 1, "strictly increasing per trader")
		ttl       = flag.Duration("ttl", time.Hour, "deadline relative to now")
		chainID   = flag.Int64("chain-id", 1337, "EIP-712 chain id")
		contract  = flag.String("contract", "0x00000000000000000000000000000000000000c0", "EIP-712 verifying contract")
	)
	flag.Parse()

	signer, err := loadKey(*keyHex)
	if err != nil {
		fatal("key: %v", err)
	}
	fmt.Printf("Trader: %s\n", signer.Address().Hex())
	if *keyHex == "" {
		fmt.Printf("Private key: %s (keep secret)\n", signer.PrivateKeyHex())
	}

	order, err := buildOrder(signer.Address(), *tokenHex, *side, *orderType, *size, *price, *leverage, *nonce, *ttl)
	if err != nil {
		fatal("order: %v", err)
	}

	typed := crypto.NewTypedSigner(crypto.NewDomain(*chainID, common.HexToAddress(*contract)))
	signature, err := typed.SignOrder(signer, order)
	if err != nil {
		fatal("sign: %v", err)
	}
	valid, err := typed.VerifyOrderSignature(order, signature)
	if err != nil || !valid {
		fatal("signature failed self-verification: %v", err)
	}

	req := api.SubmitOrderRequest{
		Trader:    order.Trader.Hex(),
		Token:     order.Token.Hex(),
		Side:      order.Side.String(),
		OrderType: order.Type.String(),
		Size:      order.SizeOriginal.Dec(),
		Leverage:  order.Leverage.Dec(),
		Deadline:  order.Deadline,
		Nonce:     order.Nonce,
		Signature: hexutil.Encode(signature),
	}
	if !order.LimitPrice.IsZero() {
		req.LimitPrice = order.LimitPrice.Dec()
	}
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		fatal("marshal: %v", err)
	}

	fmt.Println("\nPOST /api/v1/orders")
	fmt.Println("Content-Type: application/json")
	fmt.Println(string(body))
}

func loadKey(hex string) (*crypto.Signer, error) {
	if hex == "" {
		return crypto.GenerateKey()
	}
	return crypto.FromPrivateKeyHex(hex)
}

func buildOrder(trader common.Address, tokenHex, side, orderType, size, price, leverage string,
	nonce uint64, ttl time.Duration) (*core.Order, error) {
	if !common.IsHexAddress(tokenHex) {
		return nil, fmt.Errorf("token %q is not a hex address", tokenHex)
	}
	o := &core.Order{
		Trader:   trader,
		Token:    common.HexToAddress(tokenHex),
		Deadline: time.Now().Add(ttl).Unix(),
		Nonce:    nonce,
	}
	switch side {
	case "long":
		o.Side = core.Long
	case "short":
		o.Side = core.Short
	default:
		return nil, fmt.Errorf("side must be long or short, got %q", side)
	}
	switch orderType {
	case "limit":
		o.Type = core.LimitOrder
	case "market":
		o.Type = core.MarketOrder
	case "stop_limit":
		o.Type = core.StopLimitOrder
	case "stop_market":
		o.Type = core.StopMarketOrder
	default:
		return nil, fmt.Errorf("type must be limit, market, stop_limit or stop_market, got %q", orderType)
	}
	var err error
	if o.SizeOriginal, err = fixed.FromDecimal(size); err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	if o.LimitPrice, err = fixed.FromDecimal(price); err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	if o.Leverage, err = fixed.FromDecimal(leverage); err != nil {
		return nil, fmt.Errorf("leverage: %w", err)
	}
	if o.Type != core.MarketOrder && o.LimitPrice.IsZero() {
		return nil, fmt.Errorf("%s orders need a price", o.Type)
	}
	return o, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
