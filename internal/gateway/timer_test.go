package gateway

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerSettlesReadyInvoices(t *testing.T) {
	s, tr := newTestService(t)
	ctx := context.Background()
	mustRegister(t, s, "merchant")
	tr.Credit("payer", "usdc", big.NewInt(100))

	funded := mustCreatePayment(t, s, CreatePaymentParams{
		Receiver: "merchant", Amount: big.NewInt(100),
	})
	open := mustCreatePayment(t, s, CreatePaymentParams{
		Receiver: "merchant", Amount: big.NewInt(100),
	})
	expired := mustCreatePayment(t, s, CreatePaymentParams{
		Receiver: "merchant", Amount: big.NewInt(100),
		Duration: time.Nanosecond,
	})
	require.NoError(t, s.Deposit(ctx, "payer", funded.ID, big.NewInt(100)))
	time.Sleep(5 * time.Millisecond)

	timer := NewTimer(s, time.Second, slog.Default())
	timer.settleReady(ctx)

	// The funded invoice paid out, the expired one closed empty, and the
	// open one is untouched.
	assert.Equal(t, []uint64{open.ID}, s.ActiveInvoiceIDs())
	assert.Equal(t, big.NewInt(98), tr.Balance("merchant", "usdc"))

	view, err := s.GetInvoice(ctx, expired.ID)
	require.NoError(t, err)
	assert.True(t, view.Finalized)
	assert.False(t, view.Success)
}

func TestTimerAutoExpireOff(t *testing.T) {
	s, tr := newTestService(t)
	ctx := context.Background()
	mustRegister(t, s, "merchant")
	tr.Credit("payer", "usdc", big.NewInt(100))

	funded := mustCreatePayment(t, s, CreatePaymentParams{
		Receiver: "merchant", Amount: big.NewInt(100),
	})
	expired := mustCreatePayment(t, s, CreatePaymentParams{
		Receiver: "merchant", Amount: big.NewInt(100),
		Duration: time.Nanosecond,
	})
	require.NoError(t, s.Deposit(ctx, "payer", funded.ID, big.NewInt(100)))
	time.Sleep(5 * time.Millisecond)

	timer := NewTimer(s, time.Second, slog.Default()).WithAutoExpire(false)
	timer.settleReady(ctx)

	// The funded invoice settles; the expired unfunded one stays open
	// until an admin closes it.
	assert.Equal(t, []uint64{expired.ID}, s.ActiveInvoiceIDs())
	assert.Equal(t, big.NewInt(98), tr.Balance("merchant", "usdc"))

	view, err := s.GetInvoice(ctx, expired.ID)
	require.NoError(t, err)
	assert.False(t, view.Finalized)
}

func TestTimerStartStop(t *testing.T) {
	s, _ := newTestService(t)
	timer := NewTimer(s, 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	timer.Stop()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}
