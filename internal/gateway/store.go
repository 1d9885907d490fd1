package gateway

import (
	"context"
	"math/big"
)

// Store persists gateway registry state: receivers, plans, invoice
// records, and the pending-reward ledger. Live escrow instances are not
// stored; the service rebuilds its in-memory arena from the open invoice
// records at bootstrap.
type Store interface {
	CreateReceiver(ctx context.Context, r *Receiver) error
	GetReceiver(ctx context.Context, account string) (*Receiver, error)
	UpdateReceiver(ctx context.Context, r *Receiver) error
	ListReceivers(ctx context.Context) ([]*Receiver, error)

	UpsertPlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, id uint64) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)

	// NextInvoiceID allocates a monotonically increasing invoice id,
	// starting at 1.
	NextInvoiceID(ctx context.Context) (uint64, error)
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id uint64) (*Invoice, error)
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	DeleteInvoice(ctx context.Context, id uint64) error
	ListInvoicesByReceiver(ctx context.Context, account string, limit int) ([]*Invoice, error)
	// ListOpenInvoices returns all unfinalized invoices in id order.
	ListOpenInvoices(ctx context.Context) ([]*Invoice, error)

	PendingReward(ctx context.Context, account string) (*big.Int, error)
	AddPendingReward(ctx context.Context, account string, delta *big.Int) error
	SetPendingReward(ctx context.Context, account string, value *big.Int) error
}
