package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/paygate/internal/gateway"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestWants_AllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: gateway.EventInvoiceCreated, Timestamp: time.Now()}
	if !client.wants(event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestWants_EventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		EventTypes: []string{gateway.EventInvoiceFinalized, gateway.EventRewardClaimed},
	}}

	if !client.wants(&Event{Type: gateway.EventInvoiceFinalized}) {
		t.Error("Should receive invoice_finalized events")
	}
	if client.wants(&Event{Type: gateway.EventInvoiceCreated}) {
		t.Error("Should NOT receive invoice_created events")
	}
}

func TestWants_AccountFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		Accounts: []string{"merchant"},
	}}

	matching := &Event{
		Type: gateway.EventInvoiceCreated,
		Data: map[string]any{"receiver": "merchant"},
	}
	matchingDepositor := &Event{
		Type: gateway.EventDepositRecorded,
		Data: map[string]any{"depositor": "merchant"},
	}
	notMatching := &Event{
		Type: gateway.EventInvoiceCreated,
		Data: map[string]any{"receiver": "someone-else"},
	}

	if !client.wants(matching) {
		t.Error("Should match on receiver field")
	}
	if !client.wants(matchingDepositor) {
		t.Error("Should match on depositor field")
	}
	if client.wants(notMatching) {
		t.Error("Should NOT match unrelated accounts")
	}
}

func TestWants_EmptySubscription(t *testing.T) {
	client := &Client{sub: Subscription{}}

	if !client.wants(&Event{Type: gateway.EventInvoiceCreated}) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestHub_EmitAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Emit(gateway.EventInvoiceCreated, map[string]any{"invoiceId": uint64(1)})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	if n := h.Stats()["connectedClients"].(int); n != 1 {
		t.Errorf("Expected 1 connected client, got %d", n)
	}

	h.Emit(gateway.EventRewardClaimed, map[string]any{"account": "merchant", "amount": "5"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)
	if n := h.Stats()["connectedClients"].(int); n != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %d", n)
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
