package gateway

import (
	"context"
	"fmt"
	"math/big"

	"github.com/mbd888/paygate/internal/access"
	"github.com/mbd888/paygate/internal/assets"
	"github.com/mbd888/paygate/internal/metrics"
	"github.com/mbd888/paygate/internal/syncutil"
	"github.com/mbd888/paygate/internal/validation"
)

// DistributeNativeReward credits an equal share of the gateway's native
// balance to every registered receiver's pending ledger. Admin-only.
// Only the ledger moves here; the funds stay in gateway custody until
// each receiver pulls them with ClaimReward. Division remainders stay
// with the gateway.
func (s *Service) DistributeNativeReward(ctx context.Context, caller string, percent int64) (*big.Int, int, error) {
	if !s.access.IsAdmin(caller) {
		return nil, 0, access.ErrNotAdmin
	}
	if percent <= 0 || percent > 100 {
		return nil, 0, ErrInvalidPercent
	}

	balance := s.vault.Balance(s.account, assets.Native)
	if balance.Sign() == 0 {
		return nil, 0, ErrNoNativeBalance
	}
	receivers, err := s.store.ListReceivers(ctx)
	if err != nil {
		return nil, 0, err
	}
	if len(receivers) == 0 {
		return nil, 0, ErrNoReceivers
	}

	pot := new(big.Int).Mul(balance, big.NewInt(percent))
	pot.Quo(pot, big.NewInt(100))
	share := new(big.Int).Quo(pot, big.NewInt(int64(len(receivers))))
	if share.Sign() == 0 {
		return nil, 0, ErrShareTooSmall
	}

	for _, r := range receivers {
		if err := s.store.AddPendingReward(ctx, r.Account, share); err != nil {
			return nil, 0, fmt.Errorf("failed to credit reward for %s: %w", r.Account, err)
		}
	}

	metrics.RewardsDistributedTotal.Inc()
	s.emit(EventRewardDistributed, map[string]any{
		"share":     validation.FormatAmount(share),
		"receivers": len(receivers),
		"percent":   percent,
	})
	return share, len(receivers), nil
}

// ClaimReward pays out the caller's pending reward from gateway custody.
// The pending balance is zeroed before the transfer and restored if the
// transfer fails, and a per-account claim guard rejects reentrant calls,
// so a claim can never pay twice. Different accounts claim independently.
func (s *Service) ClaimReward(ctx context.Context, caller string) (*big.Int, error) {
	g, _ := s.claimGuards.LoadOrStore(caller, new(syncutil.Guard))
	guard := g.(*syncutil.Guard)
	if err := guard.Enter(); err != nil {
		return nil, err
	}
	defer guard.Exit()

	pending, err := s.store.PendingReward(ctx, caller)
	if err != nil {
		return nil, err
	}
	if pending.Sign() == 0 {
		return nil, ErrNoReward
	}

	if err := s.store.SetPendingReward(ctx, caller, new(big.Int)); err != nil {
		return nil, err
	}
	if err := s.vault.Transfer(s.account, caller, assets.Native, pending); err != nil {
		// Compensating restore: the claim never happened.
		_ = s.store.SetPendingReward(ctx, caller, pending)
		return nil, fmt.Errorf("failed to pay reward: %w", err)
	}

	metrics.RewardsClaimedTotal.Inc()
	s.emit(EventRewardClaimed, map[string]any{
		"account": caller,
		"amount":  validation.FormatAmount(pending),
	})
	return pending, nil
}

// PendingReward returns the caller's claimable native amount.
func (s *Service) PendingReward(ctx context.Context, account string) (*big.Int, error) {
	return s.store.PendingReward(ctx, account)
}
