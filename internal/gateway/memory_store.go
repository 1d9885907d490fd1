package gateway

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore is an in-memory gateway store for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	receivers map[string]*Receiver
	plans     map[uint64]*Plan
	invoices  map[uint64]*Invoice
	rewards   map[string]*big.Int
	nextID    atomic.Uint64
}

// NewMemoryStore creates a new in-memory gateway store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receivers: make(map[string]*Receiver),
		plans:     make(map[uint64]*Plan),
		invoices:  make(map[uint64]*Invoice),
		rewards:   make(map[string]*big.Int),
	}
}

func (m *MemoryStore) CreateReceiver(ctx context.Context, r *Receiver) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.receivers[r.Account]; ok {
		return ErrAlreadyRegistered
	}
	m.receivers[r.Account] = copyReceiver(r)
	return nil
}

func (m *MemoryStore) GetReceiver(ctx context.Context, account string) (*Receiver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.receivers[account]
	if !ok {
		return nil, ErrReceiverNotFound
	}
	return copyReceiver(r), nil
}

func (m *MemoryStore) UpdateReceiver(ctx context.Context, r *Receiver) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.receivers[r.Account]; !ok {
		return ErrReceiverNotFound
	}
	m.receivers[r.Account] = copyReceiver(r)
	return nil
}

func (m *MemoryStore) ListReceivers(ctx context.Context) ([]*Receiver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Receiver, 0, len(m.receivers))
	for _, r := range m.receivers {
		out = append(out, copyReceiver(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}

func (m *MemoryStore) UpsertPlan(ctx context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.plans[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPlan(ctx context.Context, id uint64) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPlans(ctx context.Context) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Plan, 0, len(m.plans))
	for _, p := range m.plans {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) NextInvoiceID(ctx context.Context) (uint64, error) {
	return m.nextID.Add(1), nil
}

func (m *MemoryStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.invoices[inv.ID] = copyInvoice(inv)
	return nil
}

func (m *MemoryStore) GetInvoice(ctx context.Context, id uint64) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return copyInvoice(inv), nil
}

func (m *MemoryStore) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.invoices[inv.ID]; !ok {
		return ErrInvoiceNotFound
	}
	m.invoices[inv.ID] = copyInvoice(inv)
	return nil
}

func (m *MemoryStore) DeleteInvoice(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.invoices, id)
	return nil
}

func (m *MemoryStore) ListInvoicesByReceiver(ctx context.Context, account string, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Invoice
	for _, inv := range m.invoices {
		if inv.Receiver == account {
			out = append(out, copyInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListOpenInvoices(ctx context.Context) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Invoice
	for _, inv := range m.invoices {
		if !inv.Finalized {
			out = append(out, copyInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) PendingReward(ctx context.Context, account string) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.rewards[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (m *MemoryStore) AddPendingReward(ctx context.Context, account string, delta *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.rewards[account]
	if !ok {
		v = new(big.Int)
		m.rewards[account] = v
	}
	v.Add(v, delta)
	return nil
}

func (m *MemoryStore) SetPendingReward(ctx context.Context, account string, value *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rewards[account] = new(big.Int).Set(value)
	return nil
}

// copyReceiver deep-copies a receiver so callers cannot mutate the
// stored slices and big.Ints through the shared pointers.
func copyReceiver(r *Receiver) *Receiver {
	cp := *r
	cp.InvoiceIDs = make([]uint64, len(r.InvoiceIDs))
	copy(cp.InvoiceIDs, r.InvoiceIDs)
	cp.SettledTotals = make(map[string]*big.Int, len(r.SettledTotals))
	for asset, v := range r.SettledTotals {
		cp.SettledTotals[asset] = new(big.Int).Set(v)
	}
	return &cp
}

func copyInvoice(inv *Invoice) *Invoice {
	cp := *inv
	if inv.Amount != nil {
		cp.Amount = new(big.Int).Set(inv.Amount)
	}
	if inv.ReceiverAmount != nil {
		cp.ReceiverAmount = new(big.Int).Set(inv.ReceiverAmount)
	}
	if inv.SettledAt != nil {
		t := *inv.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
