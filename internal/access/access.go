// Package access implements the owner/admin access lists consumed by the
// gateway. Role administration itself is deliberately thin: a single owner
// account fixed at construction and a mutable admin set.
package access

import (
	"errors"
	"sync"
)

var (
	ErrNotOwner = errors.New("caller is not the owner")
	ErrNotAdmin = errors.New("caller is not an admin")
)

// List holds the owner account and the admin set.
type List struct {
	owner  string
	mu     sync.RWMutex
	admins map[string]bool
}

// NewList creates an access list. The owner is always an admin.
func NewList(owner string, admins ...string) *List {
	l := &List{
		owner:  owner,
		admins: make(map[string]bool, len(admins)+1),
	}
	l.admins[owner] = true
	for _, a := range admins {
		l.admins[a] = true
	}
	return l
}

// Owner returns the owner account.
func (l *List) Owner() string {
	return l.owner
}

// IsOwner reports whether caller is the owner account.
func (l *List) IsOwner(caller string) bool {
	return caller != "" && caller == l.owner
}

// IsAdmin reports whether caller is in the admin set.
func (l *List) IsAdmin(caller string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.admins[caller]
}

// AddAdmin grants admin rights. Owner-only.
func (l *List) AddAdmin(caller, account string) error {
	if !l.IsOwner(caller) {
		return ErrNotOwner
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.admins[account] = true
	return nil
}

// RemoveAdmin revokes admin rights. Owner-only; the owner cannot be removed.
func (l *List) RemoveAdmin(caller, account string) error {
	if !l.IsOwner(caller) {
		return ErrNotOwner
	}
	if account == l.owner {
		return ErrNotOwner
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.admins, account)
	return nil
}
