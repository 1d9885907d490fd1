package escrow

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paygate/internal/assets"
	"github.com/mbd888/paygate/internal/syncutil"
	"github.com/mbd888/paygate/internal/treasury"
)

const gatewayAcct = "gateway"

func newTestInstance(t *testing.T, vault Vault, p InitParams) *Instance {
	t.Helper()
	inst := NewInstance(gatewayAcct, vault, DefaultTerms)
	require.NoError(t, inst.Initialize(gatewayAcct, p))
	return inst
}

func tokenParams(amount int64) InitParams {
	return InitParams{
		Receiver:  "merchant",
		Asset:     "usdc",
		Amount:    big.NewInt(amount),
		InvoiceID: 1,
		Duration:  15 * time.Minute,
	}
}

func TestInstance_InitializeOnce(t *testing.T) {
	tr := treasury.New()
	inst := NewInstance(gatewayAcct, tr, DefaultTerms)

	require.NoError(t, inst.Initialize(gatewayAcct, tokenParams(100)))
	assert.ErrorIs(t, inst.Initialize(gatewayAcct, tokenParams(100)), ErrAlreadyInitialized)
}

func TestInstance_InitializeGatewayOnly(t *testing.T) {
	inst := NewInstance(gatewayAcct, treasury.New(), DefaultTerms)
	assert.ErrorIs(t, inst.Initialize("intruder", tokenParams(100)), ErrNotGateway)
}

func TestInstance_DepositToken(t *testing.T) {
	tr := treasury.New()
	tr.Credit("payer", "usdc", big.NewInt(100))
	inst := newTestInstance(t, tr, tokenParams(100))

	require.NoError(t, inst.DepositToken("payer", big.NewInt(100)))
	assert.True(t, inst.Deposited())
	assert.Equal(t, "payer", inst.Depositor())
	assert.Equal(t, big.NewInt(100), tr.Balance(inst.ID(), "usdc"))
	assert.Zero(t, tr.Balance("payer", "usdc").Sign())
}

func TestInstance_DepositExactMatchOnly(t *testing.T) {
	tr := treasury.New()
	tr.Credit("payer", "usdc", big.NewInt(500))
	inst := newTestInstance(t, tr, tokenParams(100))

	assert.ErrorIs(t, inst.DepositToken("payer", big.NewInt(99)), ErrDepositAmountMismatch)
	assert.ErrorIs(t, inst.DepositToken("payer", big.NewInt(101)), ErrDepositAmountMismatch)
	assert.False(t, inst.Deposited())
}

func TestInstance_DepositOnce(t *testing.T) {
	tr := treasury.New()
	tr.Credit("payer", "usdc", big.NewInt(200))
	inst := newTestInstance(t, tr, tokenParams(100))

	require.NoError(t, inst.DepositToken("payer", big.NewInt(100)))
	assert.ErrorIs(t, inst.DepositToken("payer", big.NewInt(100)), ErrAlreadyDeposited)
}

func TestInstance_DepositAssetKindChecked(t *testing.T) {
	tr := treasury.New()
	tr.Credit("payer", "usdc", big.NewInt(100))
	tr.Credit("payer", assets.Native, big.NewInt(100))

	tokenInst := newTestInstance(t, tr, tokenParams(100))
	assert.ErrorIs(t, tokenInst.DepositNative("payer", big.NewInt(100)), ErrNotPayableAsset)

	nativeInst := newTestInstance(t, tr, InitParams{
		Receiver: "merchant", Asset: assets.Native, Amount: big.NewInt(100),
		InvoiceID: 2, Duration: time.Minute,
	})
	assert.ErrorIs(t, nativeInst.DepositToken("payer", big.NewInt(100)), ErrNotPayableAsset)
	require.NoError(t, nativeInst.DepositNative("payer", big.NewInt(100)))
}

func TestInstance_DepositRestrictedPayer(t *testing.T) {
	tr := treasury.New()
	tr.Credit("someone-else", "usdc", big.NewInt(100))
	tr.Credit("alice", "usdc", big.NewInt(100))

	p := tokenParams(100)
	p.Payer = "alice"
	inst := newTestInstance(t, tr, p)

	assert.ErrorIs(t, inst.DepositToken("someone-else", big.NewInt(100)), ErrUnauthorizedPayer)
	require.NoError(t, inst.DepositToken("alice", big.NewInt(100)))
}

func TestInstance_DepositInsufficientFundsRollsBack(t *testing.T) {
	tr := treasury.New() // payer holds nothing
	inst := newTestInstance(t, tr, tokenParams(100))

	err := inst.DepositToken("payer", big.NewInt(100))
	assert.ErrorIs(t, err, treasury.ErrTransferFailed)
	assert.False(t, inst.Deposited())
	assert.Empty(t, inst.Depositor())
}

func TestInstance_IsPay(t *testing.T) {
	tr := treasury.New()
	inst := newTestInstance(t, tr, tokenParams(100))

	_, err := inst.IsPay("intruder")
	assert.ErrorIs(t, err, ErrNotGateway)

	ok, err := inst.IsPay(gatewayAcct)
	require.NoError(t, err)
	assert.False(t, ok)

	// Direct transfer counts: custody balance is what matters, not the
	// deposited flag.
	tr.Credit(inst.ID(), "usdc", big.NewInt(100))
	ok, err = inst.IsPay(gatewayAcct)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Scenario: amount=100, deposit, finalize in time. Receiver 98, gateway 2.
func TestInstance_FinalizeSuccess(t *testing.T) {
	tr := treasury.New()
	tr.Credit("payer", "usdc", big.NewInt(100))
	inst := newTestInstance(t, tr, tokenParams(100))
	require.NoError(t, inst.DepositToken("payer", big.NewInt(100)))

	res, err := inst.Finalize(gatewayAcct, false)
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.True(t, res.Success)
	assert.Equal(t, big.NewInt(100), res.Balance)
	assert.Equal(t, big.NewInt(98), res.ReceiverAmount)

	assert.Equal(t, big.NewInt(98), tr.Balance("merchant", "usdc"))
	assert.Equal(t, big.NewInt(2), tr.Balance(gatewayAcct, "usdc"))
	assert.Zero(t, tr.Balance(inst.ID(), "usdc").Sign())
	assert.True(t, inst.Finalized())
}

// Scenario: amount=50, deposit, force-expire. Depositor 47.5, gateway 2.5
// (in base units).
func TestInstance_FinalizeExpiredRefund(t *testing.T) {
	tr := treasury.New()
	tr.Credit("payer", "usdc", big.NewInt(50_000000))
	inst := newTestInstance(t, tr, tokenParams(50_000000))
	require.NoError(t, inst.DepositToken("payer", big.NewInt(50_000000)))

	res, err := inst.Finalize(gatewayAcct, true)
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.False(t, res.Success)

	assert.Equal(t, big.NewInt(47_500000), tr.Balance("payer", "usdc"))
	assert.Equal(t, big.NewInt(2_500000), tr.Balance(gatewayAcct, "usdc"))
	assert.Zero(t, tr.Balance("merchant", "usdc").Sign())
}

// Scenario: amount=50, 100 arrives by direct transfer, no deposit call.
// Receiver 49, gateway 51 (surplus folds into the fee).
func TestInstance_FinalizeDirectTransferSurplus(t *testing.T) {
	tr := treasury.New()
	inst := newTestInstance(t, tr, tokenParams(50))
	tr.Credit(inst.ID(), "usdc", big.NewInt(100))

	res, err := inst.Finalize(gatewayAcct, false)
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.True(t, res.Success)
	assert.Equal(t, big.NewInt(49), res.ReceiverAmount)

	assert.Equal(t, big.NewInt(49), tr.Balance("merchant", "usdc"))
	assert.Equal(t, big.NewInt(51), tr.Balance(gatewayAcct, "usdc"))
}

// Scenario: never deposited, past expiry. Zero transfers, still terminal.
func TestInstance_FinalizeEmptyExpired(t *testing.T) {
	tr := treasury.New()
	inst := newTestInstance(t, tr, tokenParams(100))
	inst.now = func() time.Time { return time.Now().Add(time.Hour) }

	res, err := inst.Finalize(gatewayAcct, false)
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.False(t, res.Success)
	assert.True(t, inst.Finalized())
	assert.Zero(t, tr.Balance(gatewayAcct, "usdc").Sign())
}

func TestInstance_FinalizePrematureIsRetryable(t *testing.T) {
	tr := treasury.New()
	tr.Credit("payer", "usdc", big.NewInt(100))
	inst := newTestInstance(t, tr, tokenParams(100))

	res, err := inst.Finalize(gatewayAcct, false)
	require.NoError(t, err)
	assert.False(t, res.Settled)
	assert.False(t, inst.Finalized())

	// The deposit lands, finalize retries cleanly.
	require.NoError(t, inst.DepositToken("payer", big.NewInt(100)))
	res, err = inst.Finalize(gatewayAcct, false)
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.True(t, res.Success)
}

func TestInstance_FinalizeOnce(t *testing.T) {
	tr := treasury.New()
	tr.Credit("payer", "usdc", big.NewInt(100))
	inst := newTestInstance(t, tr, tokenParams(100))
	require.NoError(t, inst.DepositToken("payer", big.NewInt(100)))

	_, err := inst.Finalize(gatewayAcct, false)
	require.NoError(t, err)

	_, err = inst.Finalize(gatewayAcct, false)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)

	// Terminal: no further deposits either.
	tr.Credit("payer", "usdc", big.NewInt(100))
	assert.ErrorIs(t, inst.DepositToken("payer", big.NewInt(100)), ErrAlreadyFinalized)
}

func TestInstance_FiatSuccessRoutesToGateway(t *testing.T) {
	tr := treasury.New()
	tr.Credit("payer", "usdc", big.NewInt(100))
	p := tokenParams(100)
	p.IsFiat = true
	inst := newTestInstance(t, tr, p)
	require.NoError(t, inst.DepositToken("payer", big.NewInt(100)))

	res, err := inst.Finalize(gatewayAcct, false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, big.NewInt(98), res.ReceiverAmount)
	assert.Equal(t, big.NewInt(100), tr.Balance(gatewayAcct, "usdc"))
	assert.Zero(t, tr.Balance("merchant", "usdc").Sign())
}

func TestInstance_LazyExpiry(t *testing.T) {
	tr := treasury.New()
	tr.Credit("payer", "usdc", big.NewInt(100))
	inst := newTestInstance(t, tr, tokenParams(100))
	require.NoError(t, inst.DepositToken("payer", big.NewInt(100)))

	// Expiry is only discovered at finalize time via timestamp comparison.
	inst.now = func() time.Time { return time.Now().Add(time.Hour) }

	res, err := inst.Finalize(gatewayAcct, false)
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.False(t, res.Success)
	assert.Equal(t, big.NewInt(95), tr.Balance("payer", "usdc"))
	assert.Equal(t, big.NewInt(5), tr.Balance(gatewayAcct, "usdc"))
}

// reentrantVault wraps the treasury and calls back into the instance
// mid-transfer, the way a malicious payee contract would.
type reentrantVault struct {
	*treasury.Treasury
	attack func() error
	errs   []error
}

func (v *reentrantVault) Transfer(from, to, asset string, value *big.Int) error {
	if v.attack != nil {
		attack := v.attack
		v.attack = nil // one shot, avoid unbounded recursion
		v.errs = append(v.errs, attack())
	}
	return v.Treasury.Transfer(from, to, asset, value)
}

func TestInstance_ReentrantFinalizeRejected(t *testing.T) {
	tr := treasury.New()
	tr.Credit("payer", "usdc", big.NewInt(100))
	vault := &reentrantVault{Treasury: tr}
	inst := newTestInstance(t, vault, tokenParams(100))
	require.NoError(t, inst.DepositToken("payer", big.NewInt(100)))

	vault.attack = func() error {
		_, err := inst.Finalize(gatewayAcct, false)
		return err
	}

	res, err := inst.Finalize(gatewayAcct, false)
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Len(t, vault.errs, 1)
	assert.ErrorIs(t, vault.errs[0], syncutil.ErrReentrant)

	// The outer settlement completed exactly once.
	assert.Equal(t, big.NewInt(98), tr.Balance("merchant", "usdc"))
	assert.Equal(t, big.NewInt(2), tr.Balance(gatewayAcct, "usdc"))
}

func TestInstance_ReentrantDepositRejected(t *testing.T) {
	tr := treasury.New()
	tr.Credit("payer", "usdc", big.NewInt(200))
	vault := &reentrantVault{Treasury: tr}
	inst := newTestInstance(t, vault, tokenParams(100))

	vault.attack = func() error {
		return inst.DepositToken("payer", big.NewInt(100))
	}

	require.NoError(t, inst.DepositToken("payer", big.NewInt(100)))
	require.Len(t, vault.errs, 1)
	assert.ErrorIs(t, vault.errs[0], syncutil.ErrReentrant)
	assert.Equal(t, big.NewInt(100), tr.Balance(inst.ID(), "usdc"))
}

// Scenario: an instance is rebuilt from its persisted invoice record
// after a restart. The deposit flag is gone, but the funds parked on its
// custody account still make it payable and settleable.
func TestInstance_RestoreKeepsCustodyAccount(t *testing.T) {
	tr := treasury.New()
	tr.Credit("payer", "usdc", big.NewInt(100))
	orig := newTestInstance(t, tr, tokenParams(100))
	require.NoError(t, orig.DepositToken("payer", big.NewInt(100)))

	now := time.Now()
	inst := Restore(gatewayAcct, tr, DefaultTerms, RestoreParams{
		ID:        orig.ID(),
		Receiver:  "merchant",
		Asset:     "usdc",
		Amount:    big.NewInt(100),
		InvoiceID: 1,
		CreatedAt: now.Add(-time.Minute),
		ExpiresAt: now.Add(15 * time.Minute),
	})

	assert.Equal(t, orig.ID(), inst.ID())
	assert.False(t, inst.Deposited())
	assert.ErrorIs(t, inst.Initialize(gatewayAcct, tokenParams(100)), ErrAlreadyInitialized)

	ok, err := inst.IsPay(gatewayAcct)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := inst.Finalize(gatewayAcct, false)
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.True(t, res.Success)
	assert.Equal(t, big.NewInt(98), tr.Balance("merchant", "usdc"))
}
