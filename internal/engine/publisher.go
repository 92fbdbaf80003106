package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

type WalletSnapshot struct {
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type BettingWindowInfo struct {
	ClosesInMs int64   `json:"closes_in_ms"`
	MinBet     float64 `json:"min_bet"`
	MaxBet     float64 `json:"max_bet"`
}

// StateMessage is the per-tick snapshot pushed to connected clients. The
// target multiplier and seed are never included; only the commitment hash is.
type StateMessage struct {
	RoundID        string             `json:"round_id"`
	Phase          Phase              `json:"phase"`
	Multiplier     float64            `json:"multiplier"`
	PhaseStartedAt time.Time          `json:"phase_started_at"`
	Hash           string             `json:"hash,omitempty"`
	BettingWindow  *BettingWindowInfo `json:"betting_window,omitempty"`
}

type HistoryMessage struct {
	Entries []HistoryEntry `json:"entries"`
}

type BetResultStatus string

const (
	BetAccepted BetResultStatus = "accepted"
	BetRejected BetResultStatus = "rejected"
)

type BetResult struct {
	RoundID  string          `json:"round_id"`
	UserID   string          `json:"user_id"`
	Status   BetResultStatus `json:"status"`
	TicketID string          `json:"ticket_id,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Snapshot WalletSnapshot  `json:"snapshot"`
}

type CashoutResultStatus string

const (
	CashoutCredited CashoutResultStatus = "credited"
	CashoutRejected CashoutResultStatus = "rejected"
)

type CashoutResult struct {
	TicketID          string              `json:"ticket_id"`
	Status            CashoutResultStatus `json:"status"`
	CreditedAmount    decimal.Decimal     `json:"credited_amount,omitempty"`
	CashoutMultiplier float64             `json:"cashout_multiplier,omitempty"`
	Reason            string              `json:"reason,omitempty"`
	Snapshot          WalletSnapshot      `json:"snapshot"`
}

// Publisher fans engine events out to whatever realtime transport the
// deployment runs. Implementations must not block the tick.
type Publisher interface {
	PublishState(msg StateMessage)
	PublishHistory(msg HistoryMessage)
	PublishBetResult(msg BetResult)
	PublishCashoutResult(msg CashoutResult)
}

// NopPublisher drops every message. Used by tools and tests that only care
// about state transitions.
type NopPublisher struct{}

func (NopPublisher) PublishState(StateMessage)          {}
func (NopPublisher) PublishHistory(HistoryMessage)      {}
func (NopPublisher) PublishBetResult(BetResult)         {}
func (NopPublisher) PublishCashoutResult(CashoutResult) {}
