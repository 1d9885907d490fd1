// Package treasury tracks asset custody for the gateway and its escrow
// instances. Every account holds a balance per asset id; Transfer is the
// single fund-movement primitive the settlement path is allowed to use.
//
// The treasury stands in for the value-carrying substrate: deposits into
// an escrow's custody account, settlement payouts, and reward claims are
// all balance moves here.
package treasury

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

var (
	// ErrTransferFailed wraps any failed fund movement.
	ErrTransferFailed = errors.New("transfer failed")
)

// Transferer is the fund-movement interface consumed by escrow and gateway.
type Transferer interface {
	// Transfer moves value of asset from one account to another.
	// A zero value is a no-op. Failure leaves both balances unchanged.
	Transfer(from, to, asset string, value *big.Int) error
}

// Treasury is an in-memory custody ledger.
type Treasury struct {
	mu       sync.RWMutex
	balances map[string]map[string]*big.Int // account -> asset -> balance
}

// New creates an empty treasury.
func New() *Treasury {
	return &Treasury{balances: make(map[string]map[string]*big.Int)}
}

// Balance returns the account's balance for the asset (zero if absent).
// The returned value is a copy.
func (t *Treasury) Balance(account, asset string) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if b, ok := t.balances[account][asset]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Credit adds value to an account. Models external inbound value: a payer
// funding their wallet, or a direct transfer straight into an escrow
// instance's custody account.
func (t *Treasury) Credit(account, asset string, value *big.Int) {
	if value == nil || value.Sign() <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.add(account, asset, value)
}

// Transfer moves value between accounts. Zero value is a no-op. Fails with
// ErrTransferFailed if the source balance is insufficient; balances are
// untouched on failure.
func (t *Treasury) Transfer(from, to, asset string, value *big.Int) error {
	if value == nil || value.Sign() == 0 {
		return nil
	}
	if value.Sign() < 0 {
		return fmt.Errorf("%w: negative value", ErrTransferFailed)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	bal, ok := t.balances[from][asset]
	if !ok || bal.Cmp(value) < 0 {
		return fmt.Errorf("%w: insufficient %s balance on %s", ErrTransferFailed, asset, from)
	}
	bal.Sub(bal, value)
	t.add(to, asset, value)
	return nil
}

// add assumes the lock is held and value > 0.
func (t *Treasury) add(account, asset string, value *big.Int) {
	accts, ok := t.balances[account]
	if !ok {
		accts = make(map[string]*big.Int)
		t.balances[account] = accts
	}
	if b, ok := accts[asset]; ok {
		b.Add(b, value)
	} else {
		accts[asset] = new(big.Int).Set(value)
	}
}
