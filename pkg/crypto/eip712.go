package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/memeperp/memeperp/pkg/core"
)

// Domain is the EIP-712 domain separator. Binding orders to a chain id and
// settlement contract prevents cross-chain and cross-deployment replay.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// NewDomain returns the protocol domain for a deployment.
func NewDomain(chainID int64, verifyingContract common.Address) Domain {
	return Domain{
		Name:              "MemePerp",
		Version:           "1",
		ChainID:           big.NewInt(chainID),
		VerifyingContract: verifyingContract,
	}
}

// orderTypes is the declared field order of the Order struct hash. It must
// stay byte-identical to what wallets sign via eth_signTypedData_v4.
var orderTypes = []apitypes.Type{
	{Name: "trader", Type: "address"},
	{Name: "token", Type: "address"},
	{Name: "isLong", Type: "bool"},
	{Name: "size", Type: "uint256"},
	{Name: "leverage", Type: "uint256"},
	{Name: "price", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "orderType", Type: "uint8"},
}

var cancelTypes = []apitypes.Type{
	{Name: "trader", Type: "address"},
	{Name: "token", Type: "address"},
	{Name: "orderId", Type: "string"},
	{Name: "nonce", Type: "uint256"},
}

var domainTypes = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Cancel is a signed cancellation request.
type Cancel struct {
	Trader  common.Address
	Token   common.Address
	OrderID string
	Nonce   uint64
}

// TypedSigner hashes and verifies the protocol's EIP-712 typed data.
type TypedSigner struct {
	domain Domain
}

func NewTypedSigner(domain Domain) *TypedSigner {
	return &TypedSigner{domain: domain}
}

func (t *TypedSigner) apitypesDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              t.domain.Name,
		Version:           t.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(t.domain.ChainID),
		VerifyingContract: t.domain.VerifyingContract.Hex(),
	}
}

// digest computes keccak256("\x19\x01" || domainSeparator || structHash).
func digest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}
	raw := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(structHash)))
	return crypto.Keccak256Hash(raw).Bytes(), nil
}

func (t *TypedSigner) orderTypedData(order *core.Order) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainTypes,
			"Order":        orderTypes,
		},
		PrimaryType: "Order",
		Domain:      t.apitypesDomain(),
		Message: apitypes.TypedDataMessage{
			"trader":    order.Trader.Hex(),
			"token":     order.Token.Hex(),
			"isLong":    order.Side == core.Long,
			"size":      order.SizeOriginal.Dec(),
			"leverage":  order.Leverage.Dec(),
			"price":     order.LimitPrice.Dec(),
			"deadline":  fmt.Sprintf("%d", order.Deadline),
			"nonce":     fmt.Sprintf("%d", order.Nonce),
			"orderType": fmt.Sprintf("%d", uint8(order.Type)),
		},
	}
}

// HashOrder returns the EIP-712 digest of an order.
func (t *TypedSigner) HashOrder(order *core.Order) ([]byte, error) {
	return digest(t.orderTypedData(order))
}

// SignOrder produces the 65-byte [R||S||V] signature over the order digest.
func (t *TypedSigner) SignOrder(signer *Signer, order *core.Order) ([]byte, error) {
	hash, err := t.HashOrder(order)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// RecoverOrderSigner recovers the address that signed the order.
func (t *TypedSigner) RecoverOrderSigner(order *core.Order, signature []byte) (common.Address, error) {
	hash, err := t.HashOrder(order)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// VerifyOrderSignature checks the signature against order.Trader.
func (t *TypedSigner) VerifyOrderSignature(order *core.Order, signature []byte) (bool, error) {
	recovered, err := t.RecoverOrderSigner(order, signature)
	if err != nil {
		return false, err
	}
	return recovered == order.Trader, nil
}

func (t *TypedSigner) cancelTypedData(cancel *Cancel) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainTypes,
			"Cancel":       cancelTypes,
		},
		PrimaryType: "Cancel",
		Domain:      t.apitypesDomain(),
		Message: apitypes.TypedDataMessage{
			"trader":  cancel.Trader.Hex(),
			"token":   cancel.Token.Hex(),
			"orderId": cancel.OrderID,
			"nonce":   fmt.Sprintf("%d", cancel.Nonce),
		},
	}
}

// HashCancel returns the EIP-712 digest of a cancellation request.
func (t *TypedSigner) HashCancel(cancel *Cancel) ([]byte, error) {
	return digest(t.cancelTypedData(cancel))
}

// SignCancel signs a cancellation request.
func (t *TypedSigner) SignCancel(signer *Signer, cancel *Cancel) ([]byte, error) {
	hash, err := t.HashCancel(cancel)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// VerifyCancelSignature checks the signature against cancel.Trader.
func (t *TypedSigner) VerifyCancelSignature(cancel *Cancel, signature []byte) (bool, error) {
	hash, err := t.HashCancel(cancel)
	if err != nil {
		return false, err
	}
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, err
	}
	return recovered == cancel.Trader, nil
}

// OrderToTypedDataJSON renders the order as the eth_signTypedData_v4
// payload wallets expect. Used by the sign-order tool and integration
// clients.
func (t *TypedSigner) OrderToTypedDataJSON(order *core.Order) (string, error) {
	td := t.orderTypedData(order)
	out := map[string]any{
		"types":       td.Types,
		"primaryType": td.PrimaryType,
		"domain": map[string]any{
			"name":              t.domain.Name,
			"version":           t.domain.Version,
			"chainId":           t.domain.ChainID.String(),
			"verifyingContract": t.domain.VerifyingContract.Hex(),
		},
		"message": td.Message,
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal typed data: %w", err)
	}
	return string(raw), nil
}
