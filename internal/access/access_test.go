package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList_OwnerAndAdmins(t *testing.T) {
	l := NewList("owner", "ops-1")

	assert.True(t, l.IsOwner("owner"))
	assert.False(t, l.IsOwner("ops-1"))
	assert.False(t, l.IsOwner(""))

	// Owner is implicitly an admin.
	assert.True(t, l.IsAdmin("owner"))
	assert.True(t, l.IsAdmin("ops-1"))
	assert.False(t, l.IsAdmin("stranger"))
}

func TestList_AddRemoveAdmin(t *testing.T) {
	l := NewList("owner")

	require.NoError(t, l.AddAdmin("owner", "ops-2"))
	assert.True(t, l.IsAdmin("ops-2"))

	require.NoError(t, l.RemoveAdmin("owner", "ops-2"))
	assert.False(t, l.IsAdmin("ops-2"))

	// Only the owner may mutate the admin set.
	assert.ErrorIs(t, l.AddAdmin("ops-2", "ops-3"), ErrNotOwner)
	assert.ErrorIs(t, l.RemoveAdmin("ops-2", "owner"), ErrNotOwner)

	// The owner cannot be demoted.
	assert.ErrorIs(t, l.RemoveAdmin("owner", "owner"), ErrNotOwner)
	assert.True(t, l.IsAdmin("owner"))
}
