// Package assets implements the enabled-asset registry consumed by the
// gateway. An asset id names a payment rail; the Native sentinel denotes
// the platform's native currency, everything else is a token id.
package assets

import (
	"errors"
	"sync"
)

// Native is the sentinel asset id for the platform's native currency.
const Native = "native"

var ErrNotOwner = errors.New("caller is not the owner")

// OwnerChecker gates asset list mutations.
type OwnerChecker interface {
	IsOwner(caller string) bool
}

// Registry is the set of asset ids enabled for payment.
type Registry struct {
	owner   OwnerChecker
	mu      sync.RWMutex
	enabled map[string]bool
}

// NewRegistry creates an asset registry with the given assets pre-enabled.
// The Native sentinel is always enabled.
func NewRegistry(owner OwnerChecker, enabled ...string) *Registry {
	r := &Registry{
		owner:   owner,
		enabled: make(map[string]bool, len(enabled)+1),
	}
	r.enabled[Native] = true
	for _, a := range enabled {
		r.enabled[a] = true
	}
	return r
}

// IsEnabled reports whether the asset id may be used for payment.
func (r *Registry) IsEnabled(assetID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[assetID]
}

// IsNative reports whether the asset id is the native-currency sentinel.
func IsNative(assetID string) bool {
	return assetID == Native
}

// Enable adds an asset id. Owner-only.
func (r *Registry) Enable(caller, assetID string) error {
	if !r.owner.IsOwner(caller) {
		return ErrNotOwner
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[assetID] = true
	return nil
}

// Disable removes an asset id. Owner-only. Native cannot be disabled.
func (r *Registry) Disable(caller, assetID string) error {
	if !r.owner.IsOwner(caller) {
		return ErrNotOwner
	}
	if assetID == Native {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.enabled, assetID)
	return nil
}

// List returns the enabled asset ids (unordered).
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.enabled))
	for a := range r.enabled {
		out = append(out, a)
	}
	return out
}
