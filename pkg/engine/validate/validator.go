package validate

import (
	"time"

	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/crypto"
	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/token"
)

// Validator runs every admission check an order must pass before it may
// touch a book. It does not mutate anything except the tentative nonce
// reservation; the engine commits or releases that after matching.
type Validator struct {
	signer   *crypto.TypedSigner
	registry *token.Registry
	nonces   *Nonces
	now      func() time.Time
}

func NewValidator(signer *crypto.TypedSigner, registry *token.Registry, nonces *Nonces) *Validator {
	return &Validator{
		signer:   signer,
		registry: registry,
		nonces:   nonces,
		now:      time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (v *Validator) SetNowFunc(now func() time.Time) { v.now = now }

// Nonces exposes the nonce table for the engine's commit/release step.
func (v *Validator) Nonces() *Nonces { return v.nonces }

// AdmitOrder validates the order and reserves its nonce. On success the
// caller owns the reservation and must Commit or Release it.
func (v *Validator) AdmitOrder(o *core.Order) error {
	if err := v.registry.CheckTradable(o.Token); err != nil {
		return err
	}
	tok, err := v.registry.Get(o.Token)
	if err != nil {
		return err
	}
	if err := v.checkParams(o, tok.Params); err != nil {
		return err
	}
	ok, err := v.signer.VerifyOrderSignature(o, o.Signature)
	if err != nil || !ok {
		return core.Errf(core.ErrBadSignature, "order %s: signature does not recover trader", o.ID)
	}
	return v.nonces.Reserve(o.Trader, o.Nonce)
}

func (v *Validator) checkParams(o *core.Order, p token.Params) error {
	if o.ExpiredAt(v.now().Unix()) {
		return core.Errf(core.ErrExpired, "deadline %d has passed", o.Deadline)
	}
	if !o.Type.Valid() {
		return core.Errf(core.ErrInvalidOrderParameters, "order type %d", o.Type)
	}
	if o.SizeOriginal.IsZero() {
		return core.Errf(core.ErrInvalidOrderParameters, "zero size")
	}
	if o.SizeOriginal.Lt(p.MinOrderSize) {
		return core.Errf(core.ErrSizeBelowMinimum, "size %s below minimum %s",
			o.SizeOriginal.Dec(), p.MinOrderSize.Dec())
	}
	one := fixed.FromUint64(fixed.LeverageScale)
	if o.Leverage.Lt(one) || o.Leverage.Gt(p.MaxLeverage) {
		return core.Errf(core.ErrLeverageOutOfRange, "leverage %s outside [%s, %s]",
			o.Leverage.Dec(), one.Dec(), p.MaxLeverage.Dec())
	}
	if o.Type == core.MarketOrder {
		if !o.LimitPrice.IsZero() {
			return core.Errf(core.ErrInvalidOrderParameters, "market order carries price %s", o.LimitPrice.Dec())
		}
		return nil
	}
	// Non-market types all carry a price: the limit for limit orders, the
	// trigger for stops (doubling as the limit for stop-limit).
	if o.LimitPrice.IsZero() {
		return core.Errf(core.ErrInvalidOrderParameters, "%s order without price", o.Type)
	}
	rem, err := o.LimitPrice.Mod(p.TickSize)
	if err != nil || !rem.IsZero() {
		return core.Errf(core.ErrPriceNotOnTick, "price %s not a multiple of tick %s",
			o.LimitPrice.Dec(), p.TickSize.Dec())
	}
	return nil
}

// AdmitCancel proves the cancel request was authored by the order's owner.
// Cancels do not consume nonces; replaying one is harmless.
func (v *Validator) AdmitCancel(c *crypto.Cancel, signature []byte) error {
	ok, err := v.signer.VerifyCancelSignature(c, signature)
	if err != nil || !ok {
		return core.Errf(core.ErrBadSignature, "cancel of %s: signature does not recover trader", c.OrderID)
	}
	return nil
}
