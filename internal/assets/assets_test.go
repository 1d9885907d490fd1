package assets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOwner struct{ owner string }

func (f fakeOwner) IsOwner(caller string) bool { return caller == f.owner }

func TestRegistry_NativeAlwaysEnabled(t *testing.T) {
	r := NewRegistry(fakeOwner{"owner"})

	assert.True(t, r.IsEnabled(Native))
	assert.True(t, IsNative(Native))
	assert.False(t, IsNative("usdc"))

	// Disabling native is a no-op.
	require.NoError(t, r.Disable("owner", Native))
	assert.True(t, r.IsEnabled(Native))
}

func TestRegistry_EnableDisable(t *testing.T) {
	r := NewRegistry(fakeOwner{"owner"}, "usdc")

	assert.True(t, r.IsEnabled("usdc"))
	assert.False(t, r.IsEnabled("dai"))

	require.NoError(t, r.Enable("owner", "dai"))
	assert.True(t, r.IsEnabled("dai"))

	require.NoError(t, r.Disable("owner", "dai"))
	assert.False(t, r.IsEnabled("dai"))

	assert.ErrorIs(t, r.Enable("stranger", "dai"), ErrNotOwner)
	assert.ErrorIs(t, r.Disable("stranger", "usdc"), ErrNotOwner)
}
