package escrow

import "math/big"

// Terms holds the gateway's fee configuration in basis points. Reference
// deployments run 200/500; others run 500/1000. Integer floor division
// throughout, with the truncation remainder always accruing to the gateway
// side, never to the counterparties.
type Terms struct {
	SuccessFeeBps int64 // fee on the expected amount when settled in time
	ExpiredFeeBps int64 // penalty on the held balance when refunding
}

// DefaultTerms is the 2% success / 5% expiry reference configuration.
var DefaultTerms = Terms{SuccessFeeBps: 200, ExpiredFeeBps: 500}

// Party identifies the destination of a settlement movement.
type Party int

const (
	PartyGateway Party = iota
	PartyReceiver
	PartyDepositor
)

// Movement is one fund transfer the settlement decided on.
type Movement struct {
	To    Party
	Value *big.Int
}

// SettleInput is the full state a settlement decision depends on.
type SettleInput struct {
	Balance        *big.Int // current custody balance, may exceed Expected
	Expected       *big.Int
	Expired        bool
	Deposited      bool // a deposit call was recorded (depositor known via it)
	DepositorKnown bool
	IsFiat         bool
}

// SettlementResult describes the outcome of a finalize decision.
//
// Consumed reports whether the finalize consumes the instance's terminal
// state. The single non-consuming case is a premature finalize on an
// unfunded, unexpired invoice: nothing has happened yet, so the call
// degenerates to a retryable no-op.
type SettlementResult struct {
	Success        bool
	Consumed       bool
	ReceiverAmount *big.Int
	Movements      []Movement
}

// Settle is the pure settlement calculator. It decides fund movements but
// performs none.
func Settle(in SettleInput, t Terms) SettlementResult {
	zero := new(big.Int)
	underfunded := in.Balance.Cmp(in.Expected) < 0

	// Expired without full funding: whatever trickled in stays put, the
	// invoice simply dies.
	if in.Expired && underfunded {
		return SettlementResult{Success: false, Consumed: true, ReceiverAmount: zero}
	}

	// Not yet funded, not yet expired: finalize was called too early.
	if !in.Deposited && underfunded {
		return SettlementResult{Success: false, Consumed: false, ReceiverAmount: zero}
	}

	if !in.Expired {
		// Success branch.
		fee := bpsOf(in.Expected, t.SuccessFeeBps)
		receiverAmount := new(big.Int).Sub(in.Expected, fee)

		surplus := new(big.Int).Sub(in.Balance, in.Expected)
		var movements []Movement
		if in.DepositorKnown && surplus.Sign() > 0 {
			movements = append(movements, Movement{To: PartyDepositor, Value: surplus})
		} else {
			// Unknown depositor: surplus folds into the gateway fee.
			fee.Add(fee, surplus)
		}

		if in.IsFiat {
			// Fiat settlement pays the receiver off-platform; the full
			// on-ledger amount routes to the gateway. ReceiverAmount is
			// still reported for bookkeeping.
			movements = append(movements, Movement{To: PartyGateway, Value: new(big.Int).Add(fee, receiverAmount)})
		} else {
			movements = append(movements,
				Movement{To: PartyReceiver, Value: receiverAmount},
				Movement{To: PartyGateway, Value: fee},
			)
		}
		return SettlementResult{
			Success:        true,
			Consumed:       true,
			ReceiverAmount: receiverAmount,
			Movements:      movements,
		}
	}

	// Expired with full funding: penalty to the gateway, rest refunded.
	fee := bpsOf(in.Balance, t.ExpiredFeeBps)
	refund := new(big.Int).Sub(in.Balance, fee)
	movements := []Movement{{To: PartyGateway, Value: fee}}
	if in.DepositorKnown {
		movements = append(movements, Movement{To: PartyDepositor, Value: refund})
	} else {
		// No recorded depositor to refund; the balance stays with the
		// gateway rather than being burned.
		movements = append(movements, Movement{To: PartyGateway, Value: refund})
	}
	return SettlementResult{Success: false, Consumed: true, ReceiverAmount: new(big.Int), Movements: movements}
}

// bpsOf returns floor(value * bps / 10000).
func bpsOf(value *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(value, big.NewInt(bps))
	return out.Quo(out, big.NewInt(10000))
}
