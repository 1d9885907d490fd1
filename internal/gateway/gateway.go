// Package gateway implements the payment gateway registry: receiver
// onboarding, plan-based admission control, the arena of live escrow
// instances backing open invoices, and pull-based reward distribution.
//
// Flow:
//  1. Receiver registers → assigned the default plan
//  2. Admin creates a payment → admission check against the receiver's
//     plan capacity, then a fresh escrow instance is initialized
//  3. Payer deposits (or value arrives by direct transfer)
//  4. Admin or the background timer finalizes → settlement splits the
//     custody balance, the invoice leaves the active set
//
// Settlement fees accumulate on the gateway's own treasury account;
// DistributeNativeReward shares a slice of that native balance across
// registered receivers, who pull it out with ClaimReward.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/paygate/internal/access"
	"github.com/mbd888/paygate/internal/assets"
	"github.com/mbd888/paygate/internal/escrow"
	"github.com/mbd888/paygate/internal/metrics"
	"github.com/mbd888/paygate/internal/validation"
)

var (
	ErrAlreadyRegistered = errors.New("receiver already registered")
	ErrReceiverNotFound  = errors.New("receiver not found")
	ErrPlanNotFound      = errors.New("plan not found")
	ErrInvalidPlanID     = errors.New("plan id must be positive")
	ErrInvalidCapacity   = errors.New("plan capacity must be positive")
	ErrAssetNotEnabled   = errors.New("asset is not enabled for payment")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrPlanLimitReached  = errors.New("receiver's plan invoice limit reached")
	ErrInvalidPercent    = errors.New("percent must be between 1 and 100")
	ErrNoNativeBalance   = errors.New("gateway holds no native balance")
	ErrNoReceivers       = errors.New("no receivers registered")
	ErrShareTooSmall     = errors.New("per-receiver share rounds to zero")
	ErrNoReward          = errors.New("no pending reward to claim")
)

// DefaultPlanID is the plan every new receiver starts on.
const DefaultPlanID uint64 = 1

// DefaultInvoiceDuration applies when a payment is created without an
// explicit duration.
const DefaultInvoiceDuration = 15 * time.Minute

// Receiver is a registered payee account.
type Receiver struct {
	Account       string
	Name          string
	PlanID        uint64
	ActiveCount   int
	InvoiceIDs    []uint64
	SettledTotals map[string]*big.Int // asset -> total settled to this receiver
	CreatedAt     time.Time
}

// Plan caps how many invoices a receiver may have open at once.
type Plan struct {
	ID        uint64
	Capacity  int
	CreatedAt time.Time
}

// Invoice is the durable record of one payment request. The live state
// machine behind it is the escrow instance in the service's arena.
type Invoice struct {
	ID             uint64
	InstanceID     string
	Payer          string // empty = anyone may fund
	Receiver       string
	Asset          string
	Amount         *big.Int
	IsFiat         bool
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Finalized      bool
	Success        bool
	ReceiverAmount *big.Int
	SettledAt      *time.Time
}

// InvoiceView pairs the stored invoice record with live instance state.
type InvoiceView struct {
	*Invoice
	Deposited bool
	Depositor string
	Expired   bool
}

// CreatePaymentParams carries the parameters for CreatePayment.
type CreatePaymentParams struct {
	Payer    string
	Receiver string
	Asset    string
	Amount   *big.Int
	Duration time.Duration
	IsFiat   bool
}

// Service implements gateway business logic. Its account field doubles
// as its treasury account: escrow instances are created in its name and
// settlement fees land there.
type Service struct {
	account string
	vault   escrow.Vault
	access  *access.List
	assets  *assets.Registry
	terms   escrow.Terms
	store   Store
	emitter Emitter

	defaultCapacity int

	mu        sync.Mutex
	instances map[uint64]*escrow.Instance
	active    []uint64 // open invoice ids in creation order

	claimGuards sync.Map // account -> *syncutil.Guard
}

// NewService creates a gateway service. Call Bootstrap before serving
// to seed the default plan.
func NewService(account string, vault escrow.Vault, acl *access.List, reg *assets.Registry, terms escrow.Terms, store Store, defaultCapacity int) *Service {
	return &Service{
		account:         account,
		vault:           vault,
		access:          acl,
		assets:          reg,
		terms:           terms,
		store:           store,
		defaultCapacity: defaultCapacity,
		instances:       make(map[uint64]*escrow.Instance),
	}
}

// WithEmitter adds an event emitter for realtime observers.
func (s *Service) WithEmitter(e Emitter) *Service {
	s.emitter = e
	return s
}

// Account returns the gateway's treasury account.
func (s *Service) Account() string { return s.account }

// Bootstrap seeds the default plan if it does not exist yet and rebuilds
// the arena of live instances from unfinalized invoice records, so open
// invoices stay settleable across a restart against a durable store.
func (s *Service) Bootstrap(ctx context.Context) error {
	if _, err := s.store.GetPlan(ctx, DefaultPlanID); err != nil {
		if err := s.store.UpsertPlan(ctx, &Plan{
			ID:        DefaultPlanID,
			Capacity:  s.defaultCapacity,
			CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
	}
	return s.restoreOpenInvoices(ctx)
}

// restoreOpenInvoices rebuilds the instance arena and the active set from
// open invoice records, in id order. Custody balances live in the vault,
// so a restored instance comes back undeposited; funds already sitting on
// its custody account still count toward readiness via the balance check.
func (s *Service) restoreOpenInvoices(ctx context.Context) error {
	open, err := s.store.ListOpenInvoices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open invoices: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	restored := 0
	for _, inv := range open {
		if _, ok := s.instances[inv.ID]; ok {
			continue
		}
		s.instances[inv.ID] = escrow.Restore(s.account, s.vault, s.terms, escrow.RestoreParams{
			ID:        inv.InstanceID,
			Payer:     inv.Payer,
			Receiver:  inv.Receiver,
			Asset:     inv.Asset,
			Amount:    inv.Amount,
			InvoiceID: inv.ID,
			CreatedAt: inv.CreatedAt,
			ExpiresAt: inv.ExpiresAt,
			IsFiat:    inv.IsFiat,
		})
		s.active = append(s.active, inv.ID)
		restored++
	}
	if restored > 0 {
		metrics.ActiveInvoices.Add(float64(restored))
	}
	return nil
}

// RegisterReceiver registers a payee account on the default plan.
func (s *Service) RegisterReceiver(ctx context.Context, account, name string) (*Receiver, error) {
	r := &Receiver{
		Account:       account,
		Name:          name,
		PlanID:        DefaultPlanID,
		SettledTotals: make(map[string]*big.Int),
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateReceiver(ctx, r); err != nil {
		return nil, err
	}
	s.emit(EventReceiverRegistered, map[string]any{
		"account": account,
		"name":    name,
		"planId":  DefaultPlanID,
	})
	return r, nil
}

// DefinePlan creates or redefines a plan. Owner-only.
func (s *Service) DefinePlan(ctx context.Context, caller string, planID uint64, capacity int) (*Plan, error) {
	if !s.access.IsOwner(caller) {
		return nil, access.ErrNotOwner
	}
	if planID == 0 {
		return nil, ErrInvalidPlanID
	}
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	p := &Plan{ID: planID, Capacity: capacity, CreatedAt: time.Now()}
	if err := s.store.UpsertPlan(ctx, p); err != nil {
		return nil, err
	}
	s.emit(EventPlanDefined, map[string]any{"planId": planID, "capacity": capacity})
	return p, nil
}

// AssignPlan moves a receiver onto another plan. Admin-only. A receiver
// already holding more open invoices than the new capacity simply admits
// nothing new until the count drains below it.
func (s *Service) AssignPlan(ctx context.Context, caller, account string, planID uint64) error {
	if !s.access.IsAdmin(caller) {
		return access.ErrNotAdmin
	}
	if _, err := s.store.GetPlan(ctx, planID); err != nil {
		return err
	}
	r, err := s.store.GetReceiver(ctx, account)
	if err != nil {
		return err
	}
	r.PlanID = planID
	if err := s.store.UpdateReceiver(ctx, r); err != nil {
		return err
	}
	s.emit(EventPlanAssigned, map[string]any{"account": account, "planId": planID})
	return nil
}

// CreatePayment opens a new invoice backed by a fresh escrow instance.
// Admin-only. The registry bookkeeping (id allocation, active-count
// increment, arena insert) commits before the instance is initialized.
func (s *Service) CreatePayment(ctx context.Context, caller string, p CreatePaymentParams) (*Invoice, error) {
	if !s.access.IsAdmin(caller) {
		return nil, access.ErrNotAdmin
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !s.assets.IsEnabled(p.Asset) {
		return nil, ErrAssetNotEnabled
	}
	duration := p.Duration
	if duration <= 0 {
		duration = DefaultInvoiceDuration
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.store.GetReceiver(ctx, p.Receiver)
	if err != nil {
		return nil, err
	}
	plan, err := s.store.GetPlan(ctx, r.PlanID)
	if err != nil {
		return nil, err
	}
	if r.ActiveCount >= plan.Capacity {
		metrics.AdmissionRejectionsTotal.Inc()
		return nil, ErrPlanLimitReached
	}

	id, err := s.store.NextInvoiceID(ctx)
	if err != nil {
		return nil, err
	}

	inst := escrow.NewInstance(s.account, s.vault, s.terms)
	now := time.Now()
	inv := &Invoice{
		ID:         id,
		InstanceID: inst.ID(),
		Payer:      p.Payer,
		Receiver:   p.Receiver,
		Asset:      p.Asset,
		Amount:     new(big.Int).Set(p.Amount),
		IsFiat:     p.IsFiat,
		CreatedAt:  now,
		ExpiresAt:  now.Add(duration),
	}

	r.ActiveCount++
	r.InvoiceIDs = append(r.InvoiceIDs, id)
	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	if err := s.store.UpdateReceiver(ctx, r); err != nil {
		_ = s.store.DeleteInvoice(ctx, id)
		return nil, err
	}
	s.instances[id] = inst
	s.active = append(s.active, id)

	if err := inst.Initialize(s.account, escrow.InitParams{
		Payer:     p.Payer,
		Receiver:  p.Receiver,
		Asset:     p.Asset,
		Amount:    p.Amount,
		InvoiceID: id,
		Duration:  duration,
		IsFiat:    p.IsFiat,
	}); err != nil {
		// Parameters were validated above, so this cannot fail in
		// practice; unwind the bookkeeping all the same.
		delete(s.instances, id)
		s.active = s.active[:len(s.active)-1]
		r.ActiveCount--
		r.InvoiceIDs = r.InvoiceIDs[:len(r.InvoiceIDs)-1]
		_ = s.store.UpdateReceiver(ctx, r)
		_ = s.store.DeleteInvoice(ctx, id)
		return nil, fmt.Errorf("failed to initialize escrow: %w", err)
	}

	metrics.InvoicesCreatedTotal.Inc()
	metrics.ActiveInvoices.Inc()
	s.emit(EventInvoiceCreated, map[string]any{
		"invoiceId": id,
		"receiver":  p.Receiver,
		"asset":     p.Asset,
		"amount":    validation.FormatAmount(p.Amount),
		"expiresAt": inv.ExpiresAt,
	})
	return inv, nil
}

// Deposit funds an open invoice from the caller's balance, routed to the
// native or token entry point by the invoice's asset kind.
func (s *Service) Deposit(ctx context.Context, caller string, invoiceID uint64, amount *big.Int) error {
	inst, err := s.instance(invoiceID)
	if err != nil {
		return err
	}

	kind := "token"
	if assets.IsNative(inst.Asset()) {
		kind = "native"
		err = inst.DepositNative(caller, amount)
	} else {
		err = inst.DepositToken(caller, amount)
	}
	if err != nil {
		return err
	}

	metrics.DepositsTotal.WithLabelValues(kind).Inc()
	s.emit(EventDepositRecorded, map[string]any{
		"invoiceId": invoiceID,
		"depositor": caller,
		"asset":     inst.Asset(),
		"amount":    validation.FormatAmount(amount),
	})
	return nil
}

// FinalizePayment settles an invoice. Admin-only. The receiver's active
// count is decremented (floored at zero) before settlement is attempted;
// the invoice leaves the active set only when the instance actually
// finalized, so a premature call remains retryable.
func (s *Service) FinalizePayment(ctx context.Context, caller string, invoiceID uint64, forceExpired bool) (*Invoice, error) {
	if !s.access.IsAdmin(caller) {
		return nil, access.ErrNotAdmin
	}
	return s.finalize(ctx, invoiceID, forceExpired)
}

// finalize is the system-level settlement path, shared with the timer.
func (s *Service) finalize(ctx context.Context, invoiceID uint64, forceExpired bool) (*Invoice, error) {
	inst, err := s.instance(invoiceID)
	if err != nil {
		return nil, err
	}
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	decremented := false
	if r, rerr := s.store.GetReceiver(ctx, inv.Receiver); rerr == nil && r.ActiveCount > 0 {
		r.ActiveCount--
		_ = s.store.UpdateReceiver(ctx, r)
		decremented = true
	}
	s.mu.Unlock()

	res, err := inst.Finalize(s.account, forceExpired)
	if err != nil {
		// Compensating restore: settlement never happened, so the slot
		// was not freed. Only the premature no-op keeps the decrement.
		if decremented {
			s.mu.Lock()
			if r, rerr := s.store.GetReceiver(ctx, inv.Receiver); rerr == nil {
				r.ActiveCount++
				_ = s.store.UpdateReceiver(ctx, r)
			}
			s.mu.Unlock()
		}
		return nil, err
	}
	if !res.Settled {
		return inv, nil
	}

	now := time.Now()
	inv.Finalized = true
	inv.Success = res.Success
	inv.ReceiverAmount = res.ReceiverAmount
	inv.SettledAt = &now

	s.mu.Lock()
	for i, id := range s.active {
		if id == invoiceID {
			s.active = append(s.active[:i], s.active[i+1:]...)
			break
		}
	}
	if err := s.store.UpdateInvoice(ctx, inv); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if res.Success {
		if r, rerr := s.store.GetReceiver(ctx, inv.Receiver); rerr == nil {
			if r.SettledTotals == nil {
				r.SettledTotals = make(map[string]*big.Int)
			}
			total := r.SettledTotals[inv.Asset]
			if total == nil {
				total = new(big.Int)
			}
			r.SettledTotals[inv.Asset] = new(big.Int).Add(total, res.ReceiverAmount)
			_ = s.store.UpdateReceiver(ctx, r)
		}
	}
	s.mu.Unlock()

	metrics.InvoicesFinalizedTotal.WithLabelValues(finalizeOutcome(inv, res)).Inc()
	metrics.ActiveInvoices.Dec()
	s.emit(EventInvoiceFinalized, map[string]any{
		"invoiceId":      invoiceID,
		"receiver":       inv.Receiver,
		"success":        res.Success,
		"balance":        validation.FormatAmount(res.Balance),
		"receiverAmount": validation.FormatAmount(res.ReceiverAmount),
	})
	return inv, nil
}

func finalizeOutcome(inv *Invoice, res escrow.FinalizeResult) string {
	switch {
	case res.Success:
		return "success"
	case res.Balance.Cmp(inv.Amount) >= 0:
		return "refund"
	default:
		return "empty"
	}
}

// ReadyToFinalizeInvoices scans the active set, in creation order, for
// invoices whose settlement would do real work: fully funded ones
// awaiting payout (whether funded by deposit or by direct transfer into
// custody), and unfunded ones past expiry. A panic or error on a single
// instance excludes it from the result without aborting the scan.
func (s *Service) ReadyToFinalizeInvoices() []uint64 {
	timer := prometheus.NewTimer(metrics.SettleScanDuration)
	defer timer.ObserveDuration()

	s.mu.Lock()
	active := make([]uint64, len(s.active))
	copy(active, s.active)
	s.mu.Unlock()

	var ready []uint64
	for _, id := range active {
		s.mu.Lock()
		inst := s.instances[id]
		s.mu.Unlock()
		if inst == nil {
			continue
		}
		if s.safeReadyCheck(inst) {
			ready = append(ready, id)
		}
	}
	return ready
}

// safeReadyCheck isolates a faulty instance so one bad apple cannot
// poison the whole scan. Fundedness goes through the instance's own
// custody-balance query, so value that arrived outside Deposit counts.
func (s *Service) safeReadyCheck(inst *escrow.Instance) (ready bool) {
	defer func() {
		if recover() != nil {
			ready = false
		}
	}()
	if inst.Finalized() {
		return false
	}
	if funded, err := inst.IsPay(s.account); err == nil && funded {
		return true
	}
	return inst.Expired()
}

// GetReceiver returns a registered receiver.
func (s *Service) GetReceiver(ctx context.Context, account string) (*Receiver, error) {
	return s.store.GetReceiver(ctx, account)
}

// ListReceivers returns all registered receivers.
func (s *Service) ListReceivers(ctx context.Context) ([]*Receiver, error) {
	return s.store.ListReceivers(ctx)
}

// GetPlan returns a plan by id.
func (s *Service) GetPlan(ctx context.Context, id uint64) (*Plan, error) {
	return s.store.GetPlan(ctx, id)
}

// ListPlans returns all defined plans.
func (s *Service) ListPlans(ctx context.Context) ([]*Plan, error) {
	return s.store.ListPlans(ctx)
}

// GetInvoice returns an invoice record together with live escrow state.
func (s *Service) GetInvoice(ctx context.Context, id uint64) (*InvoiceView, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &InvoiceView{Invoice: inv}
	s.mu.Lock()
	inst := s.instances[id]
	s.mu.Unlock()
	if inst != nil {
		view.Deposited = inst.Deposited()
		view.Depositor = inst.Depositor()
		view.Expired = inst.Expired()
	}
	return view, nil
}

// ListInvoicesByReceiver returns a receiver's invoice records.
func (s *Service) ListInvoicesByReceiver(ctx context.Context, account string, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListInvoicesByReceiver(ctx, account, limit)
}

// ActiveInvoiceIDs returns the open invoice ids in creation order.
func (s *Service) ActiveInvoiceIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.active))
	copy(out, s.active)
	return out
}

func (s *Service) instance(invoiceID uint64) (*escrow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[invoiceID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return inst, nil
}
