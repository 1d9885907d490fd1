package treasury

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreasury_CreditAndBalance(t *testing.T) {
	tr := New()

	assert.Zero(t, tr.Balance("alice", "usdc").Sign())

	tr.Credit("alice", "usdc", big.NewInt(100))
	tr.Credit("alice", "usdc", big.NewInt(50))
	assert.Equal(t, big.NewInt(150), tr.Balance("alice", "usdc"))

	// Balances are isolated per asset.
	assert.Zero(t, tr.Balance("alice", "native").Sign())

	// Zero and negative credits are ignored.
	tr.Credit("alice", "usdc", big.NewInt(0))
	tr.Credit("alice", "usdc", big.NewInt(-5))
	assert.Equal(t, big.NewInt(150), tr.Balance("alice", "usdc"))
}

func TestTreasury_Transfer(t *testing.T) {
	tr := New()
	tr.Credit("alice", "usdc", big.NewInt(100))

	require.NoError(t, tr.Transfer("alice", "bob", "usdc", big.NewInt(60)))
	assert.Equal(t, big.NewInt(40), tr.Balance("alice", "usdc"))
	assert.Equal(t, big.NewInt(60), tr.Balance("bob", "usdc"))

	// Zero-value transfers are a no-op, even between unknown accounts.
	require.NoError(t, tr.Transfer("ghost", "bob", "usdc", big.NewInt(0)))
	require.NoError(t, tr.Transfer("ghost", "bob", "usdc", nil))
}

func TestTreasury_TransferInsufficient(t *testing.T) {
	tr := New()
	tr.Credit("alice", "usdc", big.NewInt(10))

	err := tr.Transfer("alice", "bob", "usdc", big.NewInt(11))
	assert.ErrorIs(t, err, ErrTransferFailed)

	// Failure leaves balances unchanged.
	assert.Equal(t, big.NewInt(10), tr.Balance("alice", "usdc"))
	assert.Zero(t, tr.Balance("bob", "usdc").Sign())

	err = tr.Transfer("alice", "bob", "usdc", big.NewInt(-1))
	assert.ErrorIs(t, err, ErrTransferFailed)
}

func TestTreasury_BalanceIsCopy(t *testing.T) {
	tr := New()
	tr.Credit("alice", "usdc", big.NewInt(5))

	b := tr.Balance("alice", "usdc")
	b.SetInt64(999)
	assert.Equal(t, big.NewInt(5), tr.Balance("alice", "usdc"))
}
