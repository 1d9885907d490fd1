// Package syncutil provides synchronization helpers shared across services.
package syncutil

import (
	"errors"
	"sync"
)

// ErrReentrant is returned when a guarded section is entered again before
// the outer call has finished.
var ErrReentrant = errors.New("reentrant call")

// Guard is a call-depth lock for operations that hand control to external
// code mid-flight (fund transfers invoking arbitrary callbacks). Unlike a
// plain mutex it never blocks: a nested Enter during an active section
// fails fast with ErrReentrant instead of deadlocking the calling
// goroutine.
type Guard struct {
	mu sync.Mutex
}

// Enter acquires the guard. Returns ErrReentrant if the guard is already
// held, whether by a nested call on the same goroutine or a concurrent one.
func (g *Guard) Enter() error {
	if !g.mu.TryLock() {
		return ErrReentrant
	}
	return nil
}

// Exit releases the guard. Must only be called after a successful Enter.
func (g *Guard) Exit() {
	g.mu.Unlock()
}
