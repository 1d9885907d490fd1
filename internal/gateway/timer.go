package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically scans for ready-to-finalize invoices and settles
// them: funded invoices are paid out and, unless auto-expiry is turned
// off, expired unfunded ones are closed.
type Timer struct {
	service    *Service
	interval   time.Duration
	logger     *slog.Logger
	autoExpire bool
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a new settlement timer. Auto-expiry of unfunded
// invoices is on by default; see WithAutoExpire.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:    service,
		interval:   interval,
		logger:     logger,
		autoExpire: true,
		stop:       make(chan struct{}),
	}
}

// WithAutoExpire controls whether the timer closes expired unfunded
// invoices on its own. When off, those invoices stay open until an admin
// finalizes them; funded invoices settle either way.
func (t *Timer) WithAutoExpire(v bool) *Timer {
	t.autoExpire = v
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the settlement loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSettleReady(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSettleReady(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in settlement timer", "panic", fmt.Sprint(r))
		}
	}()
	t.settleReady(ctx)
}

func (t *Timer) settleReady(ctx context.Context) {
	ready := t.service.ReadyToFinalizeInvoices()
	for _, id := range ready {
		force := false
		if inst, ierr := t.service.instance(id); ierr == nil {
			if funded, ferr := inst.IsPay(t.service.account); ferr != nil || !funded {
				// Ready but unfunded means past expiry. Mark it expired
				// explicitly so settlement cannot race the clock.
				if !t.autoExpire {
					continue
				}
				force = true
			}
		}
		inv, err := t.service.finalize(ctx, id, force)
		if err != nil {
			t.logger.Warn("failed to finalize invoice",
				"invoiceId", id,
				"error", err,
			)
			continue
		}
		if !inv.Finalized {
			// Rare race: the invoice stopped being ready between the
			// scan and the settlement attempt.
			continue
		}
		t.logger.Info("finalized invoice",
			"invoiceId", id,
			"receiver", inv.Receiver,
			"success", inv.Success,
		)
	}
}
