// Package validate is the admission gate for incoming orders and cancels:
// EIP-712 signature proof, strict nonce sequencing, and parameter checks
// against the token's listed parameters.
package validate

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/memeperp/pkg/core"
)

// NonceRepository persists the last committed nonce per trader.
// Implementations live in pkg/storage.
type NonceRepository interface {
	LoadNonce(trader common.Address) (uint64, bool, error)
	PersistNonce(trader common.Address, value uint64) error
}

// Nonces enforces strict per-trader nonce sequencing. An accepted order
// carries exactly lastNonce+1; the reservation is tentative and only
// commits when the submission is not a pure rejection, so a downstream
// reject never consumes the nonce.
type Nonces struct {
	mu       sync.Mutex
	last     map[common.Address]uint64
	loaded   map[common.Address]bool
	inFlight map[common.Address]uint64 // reserved, not yet committed
	repo     NonceRepository
}

func NewNonces(repo NonceRepository) *Nonces {
	return &Nonces{
		last:     make(map[common.Address]uint64),
		loaded:   make(map[common.Address]bool),
		inFlight: make(map[common.Address]uint64),
		repo:     repo,
	}
}

// lastNonce returns the committed nonce, loading from the repository on
// first touch. Caller holds the lock.
func (n *Nonces) lastNonce(trader common.Address) (uint64, error) {
	if n.loaded[trader] {
		return n.last[trader], nil
	}
	if n.repo != nil {
		stored, found, err := n.repo.LoadNonce(trader)
		if err != nil {
			return 0, core.Errf(core.ErrRepositoryUnavailable, "load nonce %s: %v", trader.Hex(), err)
		}
		if found {
			n.last[trader] = stored
		}
	}
	n.loaded[trader] = true
	return n.last[trader], nil
}

// Reserve tentatively claims the nonce. Exactly lastNonce+1 is accepted,
// and only one reservation per trader may be in flight.
func (n *Nonces) Reserve(trader common.Address, nonce uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	last, err := n.lastNonce(trader)
	if err != nil {
		return err
	}
	if _, busy := n.inFlight[trader]; busy {
		return core.Errf(core.ErrBadNonce, "trader %s has a submission in flight", trader.Hex())
	}
	if nonce != last+1 {
		return core.Errf(core.ErrBadNonce, "trader %s: got %d, want %d", trader.Hex(), nonce, last+1)
	}
	n.inFlight[trader] = nonce
	return nil
}

// Commit finalizes a reserved nonce after the order was accepted into the
// book or produced a trade. Committing a nonce that was never reserved is
// an internal sequencing fault.
func (n *Nonces) Commit(trader common.Address, nonce uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	reserved, ok := n.inFlight[trader]
	if !ok || reserved != nonce {
		return core.Errf(core.ErrNonceGap, "trader %s: commit %d without matching reservation", trader.Hex(), nonce)
	}
	delete(n.inFlight, trader)
	n.last[trader] = nonce
	if n.repo != nil {
		if err := n.repo.PersistNonce(trader, nonce); err != nil {
			return core.Errf(core.ErrRepositoryUnavailable, "persist nonce %s: %v", trader.Hex(), err)
		}
	}
	return nil
}

// Release abandons a reservation after a pure rejection; the nonce stays
// available for resubmission.
func (n *Nonces) Release(trader common.Address, nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if reserved, ok := n.inFlight[trader]; ok && reserved == nonce {
		delete(n.inFlight, trader)
	}
}

// Last returns the committed nonce for the trader.
func (n *Nonces) Last(trader common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastNonce(trader)
}
