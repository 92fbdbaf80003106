package engine

import (
	"context"
	"errors"
)

// Expected settlement failures. Callers treat these as normal outcomes:
// the wager surface reports them to the user, the auto-cashout matcher
// skips the ticket without retrying.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTicketNotFound      = errors.New("ticket not found")
	ErrAlreadySettled      = errors.New("ticket already settled")
	ErrBettingClosed       = errors.New("betting window closed")
	ErrRoundMismatch       = errors.New("ticket does not belong to round")
	ErrNotFlying           = errors.New("round is not flying")
	ErrWalletNotFound      = errors.New("wallet not found")
)

// Repository is the persistence contract the engine drives. The store is
// the single point of coordination between engine processes: reads and
// writes of the state row must be serialized by the storage layer.
type Repository interface {
	// EnsureState returns the singleton state row. Only when the row is
	// missing does the store invoke commit to obtain the opening outcome;
	// on the common already-initialized path no seed is generated.
	EnsureState(ctx context.Context, commit func() Outcome, settings Settings) (*State, error)
	UpdateState(ctx context.Context, id string, patch StatePatch) (*State, error)

	CreateRound(ctx context.Context, status Phase) (string, error)
	// SetRoundStatus mirrors the phase onto the round row. crashMultiplier
	// is recorded only for the crashed status.
	SetRoundStatus(ctx context.Context, roundID string, status Phase, crashMultiplier float64) error

	FetchHistory(ctx context.Context, limit int) ([]HistoryEntry, error)

	ListAutoCashoutCandidates(ctx context.Context, roundID string, multiplier float64) ([]AutoCashoutCandidate, error)
	GetTicketInfo(ctx context.Context, ticketID string) (*TicketInfo, error)

	// PerformBet and PerformCashout are the atomic ledger operations:
	// balance movement and ticket mutation commit together or not at all,
	// and a ticket settles at most once.
	PerformBet(ctx context.Context, params BetParams) (*BetReceipt, error)
	PerformCashout(ctx context.Context, params CashoutParams) (*CashoutReceipt, error)

	FetchPendingCommands(ctx context.Context) ([]AdminCommand, error)
	MarkCommandProcessed(ctx context.Context, id string, status CommandStatus) error
}
