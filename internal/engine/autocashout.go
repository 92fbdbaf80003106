package engine

import (
	"context"
	"errors"
	"log"
)

// AutoCashoutMatcher scans for open tickets whose threshold has been
// reached and settles each at the user's own threshold, not the scan-time
// multiplier. Losing a race against a manual cashout is a normal outcome:
// the ticket is skipped without retry.
type AutoCashoutMatcher struct {
	repo Repository
	pub  Publisher
}

func NewAutoCashoutMatcher(repo Repository, pub Publisher) *AutoCashoutMatcher {
	return &AutoCashoutMatcher{repo: repo, pub: pub}
}

// Run performs one bounded matching pass for the round at the given
// multiplier. Errors never propagate: a failed scan or settlement only
// costs this tick, the next tick scans again.
func (m *AutoCashoutMatcher) Run(ctx context.Context, roundID string, multiplier float64) {
	candidates, err := m.repo.ListAutoCashoutCandidates(ctx, roundID, multiplier)
	if err != nil {
		log.Printf("[CASHOUT] Auto-cashout scan failed for round %s: %v", roundID, err)
		return
	}

	for _, c := range candidates {
		receipt, err := m.repo.PerformCashout(ctx, CashoutParams{
			TicketID:   c.TicketID,
			UserID:     c.UserID,
			RoundID:    roundID,
			Multiplier: c.AutoCashout,
		})
		if err != nil {
			if errors.Is(err, ErrAlreadySettled) {
				// Manual cashout won the race between scan and settle.
				continue
			}
			log.Printf("[CASHOUT] Auto-cashout for ticket %s skipped: %v", c.TicketID, err)
			continue
		}

		m.pub.PublishCashoutResult(CashoutResult{
			TicketID:          receipt.TicketID,
			Status:            CashoutCredited,
			CreditedAmount:    receipt.CreditedAmount,
			CashoutMultiplier: receipt.PayoutMultiplier,
			Snapshot: WalletSnapshot{
				Balance:   receipt.Balance,
				UpdatedAt: receipt.UpdatedAt,
			},
		})

		log.Printf("[CASHOUT] Auto-cashout settled ticket %s at %.2fx", receipt.TicketID, receipt.PayoutMultiplier)
	}
}
