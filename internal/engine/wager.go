package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"
)

type PlaceBetInput struct {
	UserID      string          `json:"user_id"`
	RoundID     string          `json:"round_id"`
	Amount      decimal.Decimal `json:"amount"`
	AutoCashout float64         `json:"auto_cashout,omitempty"`
}

type CashoutInput struct {
	UserID   string `json:"user_id"`
	TicketID string `json:"ticket_id"`
}

// MIN_AUTO_CASHOUT is the lowest accepted auto-cashout threshold; a target
// of exactly 1.0 would settle before the flight moves.
const MIN_AUTO_CASHOUT = 1.01

// PlaceBet validates a wager against the current phase and settings, then
// delegates to the atomic ledger operation. Expected failures come back as
// a rejected result, not an error; only store failures surface as errors.
func (e *Engine) PlaceBet(ctx context.Context, input PlaceBetInput) (*BetResult, error) {
	state, err := e.repo.EnsureState(ctx, e.freshOutcome, e.defaults)
	if err != nil {
		return nil, fmt.Errorf("ensure state: %w", err)
	}

	if state.Phase != PhaseAwaitingBets {
		return e.rejectBet(state.RoundID, input.UserID, "bets are only accepted before takeoff"), nil
	}
	if input.RoundID != "" && input.RoundID != state.RoundID {
		return e.rejectBet(state.RoundID, input.UserID, "round is no longer active"), nil
	}

	minBet := decimal.NewFromFloat(state.Settings.MinBet)
	maxBet := decimal.NewFromFloat(state.Settings.MaxBet)
	if input.Amount.LessThan(minBet) || input.Amount.GreaterThan(maxBet) {
		reason := fmt.Sprintf("bet must be between %s and %s", minBet.StringFixed(2), maxBet.StringFixed(2))
		return e.rejectBet(state.RoundID, input.UserID, reason), nil
	}

	if input.AutoCashout != 0 &&
		(input.AutoCashout < MIN_AUTO_CASHOUT || input.AutoCashout > state.Settings.MaxCrashMultiplier) {
		return e.rejectBet(state.RoundID, input.UserID, "auto-cashout outside the allowed range"), nil
	}

	receipt, err := e.repo.PerformBet(ctx, BetParams{
		RoundID:     state.RoundID,
		UserID:      input.UserID,
		Amount:      input.Amount,
		AutoCashout: input.AutoCashout,
	})
	if err != nil {
		if isSettlementError(err) {
			return e.rejectBet(state.RoundID, input.UserID, err.Error()), nil
		}
		return nil, fmt.Errorf("perform bet: %w", err)
	}

	result := &BetResult{
		RoundID:  state.RoundID,
		UserID:   input.UserID,
		Status:   BetAccepted,
		TicketID: receipt.TicketID,
		Snapshot: WalletSnapshot{Balance: receipt.Balance, UpdatedAt: receipt.UpdatedAt},
	}
	e.pub.PublishBetResult(*result)

	log.Printf("[BET] User %s wagered %s on round %s (ticket %s)", input.UserID, input.Amount.StringFixed(2), state.RoundID, receipt.TicketID)
	return result, nil
}

// Cashout settles a ticket at the multiplier the engine holds right now.
// At-most-once settlement is enforced by the ledger: losing a race against
// the auto-cashout matcher or a concurrent caller yields a rejection.
func (e *Engine) Cashout(ctx context.Context, input CashoutInput) (*CashoutResult, error) {
	state, err := e.repo.EnsureState(ctx, e.freshOutcome, e.defaults)
	if err != nil {
		return nil, fmt.Errorf("ensure state: %w", err)
	}

	if state.Phase != PhaseFlying {
		return e.rejectCashout(input.TicketID, "cashout is only available during flight"), nil
	}

	info, err := e.repo.GetTicketInfo(ctx, input.TicketID)
	if err != nil {
		return nil, fmt.Errorf("fetch ticket: %w", err)
	}
	if info == nil {
		return e.rejectCashout(input.TicketID, ErrTicketNotFound.Error()), nil
	}
	if info.RoundID != state.RoundID {
		return e.rejectCashout(input.TicketID, "ticket does not belong to the current round"), nil
	}
	if info.UserID != input.UserID {
		return e.rejectCashout(input.TicketID, "ticket does not belong to this user"), nil
	}

	receipt, err := e.repo.PerformCashout(ctx, CashoutParams{
		TicketID:   input.TicketID,
		UserID:     input.UserID,
		RoundID:    state.RoundID,
		Multiplier: state.CurrentMultiplier,
	})
	if err != nil {
		if isSettlementError(err) {
			return e.rejectCashout(input.TicketID, err.Error()), nil
		}
		return nil, fmt.Errorf("perform cashout: %w", err)
	}

	result := &CashoutResult{
		TicketID:          receipt.TicketID,
		Status:            CashoutCredited,
		CreditedAmount:    receipt.CreditedAmount,
		CashoutMultiplier: receipt.PayoutMultiplier,
		Snapshot:          WalletSnapshot{Balance: receipt.Balance, UpdatedAt: receipt.UpdatedAt},
	}
	e.pub.PublishCashoutResult(*result)

	log.Printf("[CASHOUT] User %s cashed out ticket %s at %.2fx (credited %s)", input.UserID, receipt.TicketID, receipt.PayoutMultiplier, receipt.CreditedAmount.StringFixed(2))
	return result, nil
}

func (e *Engine) rejectBet(roundID, userID, reason string) *BetResult {
	result := &BetResult{
		RoundID: roundID,
		UserID:  userID,
		Status:  BetRejected,
		Reason:  reason,
	}
	e.pub.PublishBetResult(*result)
	return result
}

func (e *Engine) rejectCashout(ticketID, reason string) *CashoutResult {
	result := &CashoutResult{
		TicketID: ticketID,
		Status:   CashoutRejected,
		Reason:   reason,
	}
	e.pub.PublishCashoutResult(*result)
	return result
}

func isSettlementError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrTicketNotFound) ||
		errors.Is(err, ErrAlreadySettled) ||
		errors.Is(err, ErrBettingClosed) ||
		errors.Is(err, ErrRoundMismatch) ||
		errors.Is(err, ErrNotFlying) ||
		errors.Is(err, ErrWalletNotFound)
}
