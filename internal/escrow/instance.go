// Package escrow implements the per-invoice escrow state machine.
//
// Lifecycle:
//  1. Gateway constructs an Instance bound to itself
//  2. Gateway initializes it with the invoice parameters (exactly once)
//  3. Payer deposits the expected amount (at most once), or value arrives
//     by direct transfer into the instance's custody account
//  4. Gateway finalizes: settlement math splits custody between receiver,
//     gateway, and depositor depending on expiry and fiat mode
//
// An Instance knows nothing about other invoices, plans, or rewards; that
// is all gateway bookkeeping.
package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/paygate/internal/assets"
	"github.com/mbd888/paygate/internal/idgen"
	"github.com/mbd888/paygate/internal/syncutil"
)

var (
	ErrNotGateway            = errors.New("caller is not the owning gateway")
	ErrAlreadyInitialized    = errors.New("escrow already initialized")
	ErrNotInitialized        = errors.New("escrow not initialized")
	ErrAlreadyDeposited      = errors.New("escrow already deposited")
	ErrDepositAmountMismatch = errors.New("deposit amount does not match expected amount")
	ErrNotPayableAsset       = errors.New("deposit asset kind does not match the invoice")
	ErrUnauthorizedPayer     = errors.New("caller is not the expected payer")
	ErrAlreadyFinalized      = errors.New("escrow already finalized")
)

// Vault is the custody substrate the instance keeps its funds in.
type Vault interface {
	Transfer(from, to, asset string, value *big.Int) error
	Balance(account, asset string) *big.Int
}

// InitParams carries the invoice parameters into Initialize.
type InitParams struct {
	Payer     string // empty = anyone may fund
	Receiver  string
	Asset     string
	Amount    *big.Int
	InvoiceID uint64
	Duration  time.Duration
	IsFiat    bool
}

// FinalizeResult is what Finalize reports back to the gateway.
type FinalizeResult struct {
	// Settled is false only for the premature no-op case, where the
	// instance stays open and finalize may be retried.
	Settled        bool
	Success        bool
	Balance        *big.Int
	ReceiverAmount *big.Int
}

// Instance is the fund-holding state machine backing one invoice. Its
// custody account in the vault is keyed by its own ID.
type Instance struct {
	id      string
	gateway string
	vault   Vault
	terms   Terms

	guard syncutil.Guard
	now   func() time.Time // overridable in tests

	payer     string
	receiver  string
	asset     string
	amount    *big.Int
	invoiceID uint64
	isFiat    bool

	createdAt time.Time
	expiresAt time.Time

	deposited       bool
	depositor       string
	depositedAmount *big.Int
	finalized       bool
}

// NewInstance constructs an instance bound to its creating gateway.
// Parameters arrive later via Initialize, mirroring the two-phase
// construct-then-initialize contract.
func NewInstance(gateway string, vault Vault, terms Terms) *Instance {
	return &Instance{
		id:      idgen.WithPrefix("esc_"),
		gateway: gateway,
		vault:   vault,
		terms:   terms,
		now:     time.Now,
	}
}

// RestoreParams carries a persisted invoice's parameters into Restore.
type RestoreParams struct {
	ID        string // custody account identifier from the original run
	Payer     string
	Receiver  string
	Asset     string
	Amount    *big.Int
	InvoiceID uint64
	CreatedAt time.Time
	ExpiresAt time.Time
	IsFiat    bool
}

// Restore rebuilds an initialized, unfinalized instance from a persisted
// invoice record, keeping its original custody account id so funds held
// in the vault remain reachable. Deposit bookkeeping is process-local and
// does not survive: the instance comes back undeposited, and any balance
// already in custody is picked up by IsPay and Finalize as a direct
// transfer would be.
func Restore(gateway string, vault Vault, terms Terms, p RestoreParams) *Instance {
	return &Instance{
		id:        p.ID,
		gateway:   gateway,
		vault:     vault,
		terms:     terms,
		now:       time.Now,
		payer:     p.Payer,
		receiver:  p.Receiver,
		asset:     p.Asset,
		amount:    new(big.Int).Set(p.Amount),
		invoiceID: p.InvoiceID,
		isFiat:    p.IsFiat,
		createdAt: p.CreatedAt,
		expiresAt: p.ExpiresAt,
	}
}

// ID returns the instance's custody account identifier.
func (e *Instance) ID() string { return e.id }

// InvoiceID returns the invoice this instance backs (0 before Initialize).
func (e *Instance) InvoiceID() uint64 { return e.invoiceID }

// Receiver returns the receiving account.
func (e *Instance) Receiver() string { return e.receiver }

// Asset returns the invoice's asset id.
func (e *Instance) Asset() string { return e.asset }

// Amount returns a copy of the expected amount.
func (e *Instance) Amount() *big.Int { return new(big.Int).Set(e.amount) }

// ExpiresAt returns the absolute expiry timestamp.
func (e *Instance) ExpiresAt() time.Time { return e.expiresAt }

// Deposited reports whether a deposit call was recorded.
func (e *Instance) Deposited() bool { return e.deposited }

// Depositor returns the recorded depositor ("" if none).
func (e *Instance) Depositor() string { return e.depositor }

// Finalized reports whether the instance reached its terminal state.
func (e *Instance) Finalized() bool { return e.finalized }

// IsFiat reports whether the invoice settles over a fiat rail.
func (e *Instance) IsFiat() bool { return e.isFiat }

// Expired reports whether the expiry timestamp has passed.
func (e *Instance) Expired() bool {
	return !e.expiresAt.IsZero() && e.now().After(e.expiresAt)
}

// Initialize binds the invoice parameters. Callable exactly once, only by
// the owning gateway; a non-zero creation timestamp is the initialized
// marker.
func (e *Instance) Initialize(caller string, p InitParams) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()

	if caller != e.gateway {
		return ErrNotGateway
	}
	if !e.createdAt.IsZero() {
		return ErrAlreadyInitialized
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return fmt.Errorf("expected amount must be positive")
	}

	now := e.now()
	e.payer = p.Payer
	e.receiver = p.Receiver
	e.asset = p.Asset
	e.amount = new(big.Int).Set(p.Amount)
	e.invoiceID = p.InvoiceID
	e.isFiat = p.IsFiat
	e.createdAt = now
	e.expiresAt = now.Add(p.Duration)
	return nil
}

// DepositToken records a token deposit from caller and pulls the funds
// into custody. Exact-match only: overpayment through this entry point is
// rejected; overpayment by direct transfer into the custody account is
// handled at finalize time instead.
func (e *Instance) DepositToken(caller string, amount *big.Int) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()

	if assets.IsNative(e.asset) {
		return ErrNotPayableAsset
	}
	return e.deposit(caller, amount)
}

// DepositNative records a native-currency deposit of the given value.
func (e *Instance) DepositNative(caller string, value *big.Int) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()

	if !assets.IsNative(e.asset) {
		return ErrNotPayableAsset
	}
	return e.deposit(caller, value)
}

// deposit assumes the guard is held and the asset kind already checked.
func (e *Instance) deposit(caller string, amount *big.Int) error {
	if e.createdAt.IsZero() {
		return ErrNotInitialized
	}
	if e.finalized {
		return ErrAlreadyFinalized
	}
	if e.deposited {
		return ErrAlreadyDeposited
	}
	if amount == nil || amount.Cmp(e.amount) != 0 {
		return ErrDepositAmountMismatch
	}
	if e.payer != "" && caller != e.payer {
		return ErrUnauthorizedPayer
	}

	// Commit state before moving funds so a reentrant observer never sees
	// an undeposited instance holding a deposit.
	e.deposited = true
	e.depositor = caller
	e.depositedAmount = new(big.Int).Set(amount)

	if err := e.vault.Transfer(caller, e.id, e.asset, amount); err != nil {
		// Compensating rollback: the move never happened.
		e.deposited = false
		e.depositor = ""
		e.depositedAmount = nil
		return err
	}
	return nil
}

// IsPay reports whether custody fully covers the expected amount.
// Gateway-only: it backs the gateway's aggregate ready-scan.
func (e *Instance) IsPay(caller string) (bool, error) {
	if caller != e.gateway {
		return false, ErrNotGateway
	}
	if e.createdAt.IsZero() {
		return false, ErrNotInitialized
	}
	return e.vault.Balance(e.id, e.asset).Cmp(e.amount) >= 0, nil
}

// Finalize settles the instance. Callable once, only by the owning
// gateway. The premature case (unfunded, unexpired) is a retryable no-op
// reported via Settled=false rather than an error.
func (e *Instance) Finalize(caller string, forceExpired bool) (FinalizeResult, error) {
	if err := e.guard.Enter(); err != nil {
		return FinalizeResult{}, err
	}
	defer e.guard.Exit()

	if caller != e.gateway {
		return FinalizeResult{}, ErrNotGateway
	}
	if e.createdAt.IsZero() {
		return FinalizeResult{}, ErrNotInitialized
	}
	if e.finalized {
		return FinalizeResult{}, ErrAlreadyFinalized
	}

	balance := e.vault.Balance(e.id, e.asset)
	expired := e.now().After(e.expiresAt) || forceExpired

	result := Settle(SettleInput{
		Balance:        balance,
		Expected:       e.amount,
		Expired:        expired,
		Deposited:      e.deposited,
		DepositorKnown: e.depositor != "",
		IsFiat:         e.isFiat,
	}, e.terms)

	if !result.Consumed {
		return FinalizeResult{Settled: false, Success: false, Balance: balance, ReceiverAmount: new(big.Int)}, nil
	}

	// Terminal state commits before any value leaves custody.
	e.finalized = true

	if err := e.payOut(result.Movements); err != nil {
		e.finalized = false
		return FinalizeResult{}, err
	}

	return FinalizeResult{
		Settled:        true,
		Success:        result.Success,
		Balance:        balance,
		ReceiverAmount: result.ReceiverAmount,
	}, nil
}

// payOut performs the settlement movements atomically: if one fails, the
// already-applied ones are reversed. Reversal moves funds back from an
// account we just credited, so it cannot itself fail for lack of balance.
func (e *Instance) payOut(movements []Movement) error {
	done := make([]Movement, 0, len(movements))
	for _, m := range movements {
		if err := e.vault.Transfer(e.id, e.partyAccount(m.To), e.asset, m.Value); err != nil {
			for i := len(done) - 1; i >= 0; i-- {
				_ = e.vault.Transfer(e.partyAccount(done[i].To), e.id, e.asset, done[i].Value)
			}
			return err
		}
		done = append(done, m)
	}
	return nil
}

func (e *Instance) partyAccount(p Party) string {
	switch p {
	case PartyReceiver:
		return e.receiver
	case PartyDepositor:
		return e.depositor
	default:
		return e.gateway
	}
}
