package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/lib/pq"
)

// PostgresStore persists gateway registry state in PostgreSQL. Amounts
// are stored as NUMERIC(30,0) base units and scanned through strings.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed gateway store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateReceiver(ctx context.Context, r *Receiver) error {
	totalsJSON, err := marshalTotals(r.SettledTotals)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO receivers (account, name, plan_id, active_count, invoice_ids, settled_totals, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.Account, r.Name, int64(r.PlanID), r.ActiveCount,
		pq.Array(invoiceIDsToInt64(r.InvoiceIDs)), totalsJSON, r.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyRegistered
		}
		return err
	}
	return nil
}

func (p *PostgresStore) GetReceiver(ctx context.Context, account string) (*Receiver, error) {
	return p.scanReceiver(p.db.QueryRowContext(ctx, `
		SELECT account, name, plan_id, active_count, invoice_ids, settled_totals, created_at
		FROM receivers WHERE account = $1`, account))
}

func (p *PostgresStore) UpdateReceiver(ctx context.Context, r *Receiver) error {
	totalsJSON, err := marshalTotals(r.SettledTotals)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE receivers SET name = $1, plan_id = $2, active_count = $3,
			invoice_ids = $4, settled_totals = $5
		WHERE account = $6`,
		r.Name, int64(r.PlanID), r.ActiveCount,
		pq.Array(invoiceIDsToInt64(r.InvoiceIDs)), totalsJSON, r.Account,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrReceiverNotFound
	}
	return nil
}

func (p *PostgresStore) ListReceivers(ctx context.Context) ([]*Receiver, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT account, name, plan_id, active_count, invoice_ids, settled_totals, created_at
		FROM receivers ORDER BY account`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receivers []*Receiver
	for rows.Next() {
		r, err := p.scanReceiverRows(rows)
		if err != nil {
			return nil, err
		}
		receivers = append(receivers, r)
	}
	return receivers, rows.Err()
}

func (p *PostgresStore) UpsertPlan(ctx context.Context, plan *Plan) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO plans (id, capacity, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET capacity = EXCLUDED.capacity`,
		int64(plan.ID), plan.Capacity, plan.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetPlan(ctx context.Context, id uint64) (*Plan, error) {
	plan := &Plan{}
	var planID int64
	err := p.db.QueryRowContext(ctx, `
		SELECT id, capacity, created_at FROM plans WHERE id = $1`, int64(id),
	).Scan(&planID, &plan.Capacity, &plan.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	plan.ID = uint64(planID)
	return plan, nil
}

func (p *PostgresStore) ListPlans(ctx context.Context) ([]*Plan, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, capacity, created_at FROM plans ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var plans []*Plan
	for rows.Next() {
		plan := &Plan{}
		var planID int64
		if err := rows.Scan(&planID, &plan.Capacity, &plan.CreatedAt); err != nil {
			return nil, err
		}
		plan.ID = uint64(planID)
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

func (p *PostgresStore) NextInvoiceID(ctx context.Context) (uint64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `SELECT nextval('invoice_id_seq')`).Scan(&id)
	return uint64(id), err
}

func (p *PostgresStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO invoices (id, instance_id, payer, receiver, asset, amount, is_fiat,
			created_at, expires_at, finalized, success)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11)`,
		int64(inv.ID), inv.InstanceID, inv.Payer, inv.Receiver, inv.Asset,
		inv.Amount.String(), inv.IsFiat, inv.CreatedAt, inv.ExpiresAt,
		inv.Finalized, inv.Success,
	)
	return err
}

func (p *PostgresStore) GetInvoice(ctx context.Context, id uint64) (*Invoice, error) {
	return p.scanInvoice(p.db.QueryRowContext(ctx, `
		SELECT id, instance_id, payer, receiver, asset, amount, is_fiat,
			created_at, expires_at, finalized, success, receiver_amount, settled_at
		FROM invoices WHERE id = $1`, int64(id)))
}

func (p *PostgresStore) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	var receiverAmount sql.NullString
	if inv.ReceiverAmount != nil {
		receiverAmount = sql.NullString{String: inv.ReceiverAmount.String(), Valid: true}
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET finalized = $1, success = $2,
			receiver_amount = $3::numeric, settled_at = $4
		WHERE id = $5`,
		inv.Finalized, inv.Success, receiverAmount, inv.SettledAt, int64(inv.ID),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteInvoice(ctx context.Context, id uint64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM invoices WHERE id = $1`, int64(id))
	return err
}

func (p *PostgresStore) ListInvoicesByReceiver(ctx context.Context, account string, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, instance_id, payer, receiver, asset, amount, is_fiat,
			created_at, expires_at, finalized, success, receiver_amount, settled_at
		FROM invoices WHERE receiver = $1 ORDER BY id LIMIT $2`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var invoices []*Invoice
	for rows.Next() {
		inv, err := p.scanInvoiceRows(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (p *PostgresStore) ListOpenInvoices(ctx context.Context) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, instance_id, payer, receiver, asset, amount, is_fiat,
			created_at, expires_at, finalized, success, receiver_amount, settled_at
		FROM invoices WHERE NOT finalized ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var invoices []*Invoice
	for rows.Next() {
		inv, err := p.scanInvoiceRows(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (p *PostgresStore) PendingReward(ctx context.Context, account string) (*big.Int, error) {
	var amount string
	err := p.db.QueryRowContext(ctx, `
		SELECT amount FROM pending_rewards WHERE account = $1`, account).Scan(&amount)
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseNumeric(amount)
}

func (p *PostgresStore) AddPendingReward(ctx context.Context, account string, delta *big.Int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_rewards (account, amount) VALUES ($1, $2::numeric)
		ON CONFLICT (account) DO UPDATE SET amount = pending_rewards.amount + EXCLUDED.amount`,
		account, delta.String(),
	)
	return err
}

func (p *PostgresStore) SetPendingReward(ctx context.Context, account string, value *big.Int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_rewards (account, amount) VALUES ($1, $2::numeric)
		ON CONFLICT (account) DO UPDATE SET amount = EXCLUDED.amount`,
		account, value.String(),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanReceiver(row *sql.Row) (*Receiver, error) {
	r, err := scanReceiverFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrReceiverNotFound
	}
	return r, err
}

func (p *PostgresStore) scanReceiverRows(rows *sql.Rows) (*Receiver, error) {
	return scanReceiverFrom(rows)
}

func scanReceiverFrom(s rowScanner) (*Receiver, error) {
	r := &Receiver{}
	var (
		planID     int64
		invoiceIDs pq.Int64Array
		totalsJSON []byte
	)
	err := s.Scan(&r.Account, &r.Name, &planID, &r.ActiveCount, &invoiceIDs,
		&totalsJSON, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.PlanID = uint64(planID)
	r.InvoiceIDs = make([]uint64, len(invoiceIDs))
	for i, id := range invoiceIDs {
		r.InvoiceIDs[i] = uint64(id)
	}
	r.SettledTotals, err = unmarshalTotals(totalsJSON)
	return r, err
}

func (p *PostgresStore) scanInvoice(row *sql.Row) (*Invoice, error) {
	inv, err := scanInvoiceFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

func (p *PostgresStore) scanInvoiceRows(rows *sql.Rows) (*Invoice, error) {
	return scanInvoiceFrom(rows)
}

func scanInvoiceFrom(s rowScanner) (*Invoice, error) {
	inv := &Invoice{}
	var (
		id             int64
		amount         string
		receiverAmount sql.NullString
		settledAt      sql.NullTime
	)
	err := s.Scan(&id, &inv.InstanceID, &inv.Payer, &inv.Receiver, &inv.Asset,
		&amount, &inv.IsFiat, &inv.CreatedAt, &inv.ExpiresAt,
		&inv.Finalized, &inv.Success, &receiverAmount, &settledAt)
	if err != nil {
		return nil, err
	}
	inv.ID = uint64(id)
	if inv.Amount, err = parseNumeric(amount); err != nil {
		return nil, err
	}
	if receiverAmount.Valid {
		if inv.ReceiverAmount, err = parseNumeric(receiverAmount.String); err != nil {
			return nil, err
		}
	}
	if settledAt.Valid {
		t := settledAt.Time
		inv.SettledAt = &t
	}
	return inv, nil
}

func invoiceIDsToInt64(ids []uint64) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func marshalTotals(totals map[string]*big.Int) ([]byte, error) {
	m := make(map[string]string, len(totals))
	for asset, v := range totals {
		m[asset] = v.String()
	}
	return json.Marshal(m)
}

func unmarshalTotals(data []byte) (map[string]*big.Int, error) {
	totals := make(map[string]*big.Int)
	if len(data) == 0 {
		return totals, nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for asset, s := range m {
		v, err := parseNumeric(s)
		if err != nil {
			return nil, err
		}
		totals[asset] = v
	}
	return totals, nil
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed numeric value %q", s)
	}
	return v, nil
}

var _ Store = (*PostgresStore)(nil)
