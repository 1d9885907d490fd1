package gateway

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paygate/internal/access"
	"github.com/mbd888/paygate/internal/assets"
	"github.com/mbd888/paygate/internal/escrow"
	"github.com/mbd888/paygate/internal/treasury"
)

func TestDistributeNativeReward(t *testing.T) {
	s, tr := newTestService(t)
	ctx := context.Background()

	_, _, err := s.DistributeNativeReward(ctx, "stranger", 50)
	assert.ErrorIs(t, err, access.ErrNotAdmin)

	_, _, err = s.DistributeNativeReward(ctx, "admin", 0)
	assert.ErrorIs(t, err, ErrInvalidPercent)
	_, _, err = s.DistributeNativeReward(ctx, "admin", 101)
	assert.ErrorIs(t, err, ErrInvalidPercent)

	_, _, err = s.DistributeNativeReward(ctx, "admin", 50)
	assert.ErrorIs(t, err, ErrNoNativeBalance)

	tr.Credit("gw", assets.Native, big.NewInt(10_000000))
	_, _, err = s.DistributeNativeReward(ctx, "admin", 50)
	assert.ErrorIs(t, err, ErrNoReceivers)

	mustRegister(t, s, "alpha")
	mustRegister(t, s, "beta")

	// 50% of 10 native split across 2 receivers: 2.5 each.
	share, count, err := s.DistributeNativeReward(ctx, "admin", 50)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2_500000), share)
	assert.Equal(t, 2, count)

	pending, err := s.PendingReward(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2_500000), pending)

	// Distribution only writes the ledger; custody moves at claim time.
	assert.Equal(t, big.NewInt(10_000000), tr.Balance("gw", assets.Native))

	// A second round stacks on top of unclaimed rewards.
	_, _, err = s.DistributeNativeReward(ctx, "admin", 10)
	require.NoError(t, err)
	pending, err = s.PendingReward(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3_000000), pending)
}

func TestDistributeShareTooSmall(t *testing.T) {
	s, tr := newTestService(t)
	mustRegister(t, s, "alpha")
	mustRegister(t, s, "beta")
	mustRegister(t, s, "gamma")

	tr.Credit("gw", assets.Native, big.NewInt(2))
	_, _, err := s.DistributeNativeReward(context.Background(), "admin", 100)
	assert.ErrorIs(t, err, ErrShareTooSmall)
}

func TestClaimReward(t *testing.T) {
	s, tr := newTestService(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")

	_, err := s.ClaimReward(ctx, "alpha")
	assert.ErrorIs(t, err, ErrNoReward)

	tr.Credit("gw", assets.Native, big.NewInt(100))
	_, _, err = s.DistributeNativeReward(ctx, "admin", 100)
	require.NoError(t, err)

	amount, err := s.ClaimReward(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), amount)
	assert.Equal(t, big.NewInt(100), tr.Balance("alpha", assets.Native))
	assert.Zero(t, tr.Balance("gw", assets.Native).Sign())

	// The claim zeroed the ledger entry.
	_, err = s.ClaimReward(ctx, "alpha")
	assert.ErrorIs(t, err, ErrNoReward)
}

// gateVault holds every Transfer at the gate until released, so a test
// can park two claims mid-payout at the same time.
type gateVault struct {
	*treasury.Treasury
	entered chan struct{}
	release chan struct{}
}

func (v *gateVault) Transfer(from, to, asset string, value *big.Int) error {
	v.entered <- struct{}{}
	<-v.release
	return v.Treasury.Transfer(from, to, asset, value)
}

func TestClaimRewardConcurrentAccounts(t *testing.T) {
	ctx := context.Background()
	acl := access.NewList("owner", "admin")
	reg := assets.NewRegistry(acl, "usdc")
	vault := &gateVault{
		Treasury: treasury.New(),
		entered:  make(chan struct{}, 2),
		release:  make(chan struct{}),
	}
	s := NewService("gw", vault, acl, reg, escrow.DefaultTerms, NewMemoryStore(), 5)
	require.NoError(t, s.Bootstrap(ctx))
	mustRegister(t, s, "alpha")
	mustRegister(t, s, "beta")

	vault.Credit("gw", assets.Native, big.NewInt(10))
	_, _, err := s.DistributeNativeReward(ctx, "admin", 100)
	require.NoError(t, err)

	errs := make(chan error, 2)
	for _, account := range []string{"alpha", "beta"} {
		go func() {
			_, cerr := s.ClaimReward(ctx, account)
			errs <- cerr
		}()
	}

	// Both claims are mid-transfer before either completes; each account's
	// guard is its own, so neither claim trips over the other.
	<-vault.entered
	<-vault.entered
	close(vault.release)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, big.NewInt(5), vault.Balance("alpha", assets.Native))
	assert.Equal(t, big.NewInt(5), vault.Balance("beta", assets.Native))
}

func TestClaimRewardRestoresPendingOnTransferFailure(t *testing.T) {
	s, tr := newTestService(t)
	ctx := context.Background()
	mustRegister(t, s, "alpha")

	tr.Credit("gw", assets.Native, big.NewInt(100))
	_, _, err := s.DistributeNativeReward(ctx, "admin", 100)
	require.NoError(t, err)

	// Drain the gateway's custody out from under the pending ledger.
	require.NoError(t, tr.Transfer("gw", "elsewhere", assets.Native, big.NewInt(100)))

	_, err = s.ClaimReward(ctx, "alpha")
	require.Error(t, err)

	pending, err := s.PendingReward(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), pending)
}
