package gateway

// Event names emitted by the gateway. Observers subscribe through the
// realtime hub; the gateway itself only knows the Emitter interface.
const (
	EventReceiverRegistered = "receiver_registered"
	EventPlanDefined        = "plan_defined"
	EventPlanAssigned       = "plan_assigned"
	EventInvoiceCreated     = "invoice_created"
	EventDepositRecorded    = "deposit_recorded"
	EventInvoiceFinalized   = "invoice_finalized"
	EventRewardDistributed  = "reward_distributed"
	EventRewardClaimed      = "reward_claimed"
)

// Emitter receives gateway lifecycle events. Implementations must not
// block; the gateway calls Emit on its own goroutines.
type Emitter interface {
	Emit(event string, data map[string]any)
}

func (s *Service) emit(event string, data map[string]any) {
	if s.emitter != nil {
		s.emitter.Emit(event, data)
	}
}
