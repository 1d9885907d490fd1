package syncutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_NestedEnterFails(t *testing.T) {
	var g Guard

	require.NoError(t, g.Enter())
	assert.ErrorIs(t, g.Enter(), ErrReentrant)

	g.Exit()
	assert.NoError(t, g.Enter())
	g.Exit()
}

func TestGuard_ConcurrentEnterFails(t *testing.T) {
	var g Guard
	require.NoError(t, g.Enter())

	done := make(chan error, 1)
	go func() {
		done <- g.Enter()
	}()
	assert.ErrorIs(t, <-done, ErrReentrant)
	g.Exit()
}
