package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

type Phase string

const (
	PhaseAwaitingBets Phase = "awaitingBets"
	PhaseFlying       Phase = "flying"
	PhaseCrashed      Phase = "crashed"
)

// State is the single engine_state row: the sole source of truth for the
// current round, phase and multiplier. Every tick read-modify-writes it.
type State struct {
	ID                string
	RoundID           string
	Phase             Phase
	PhaseStartedAt    time.Time
	CurrentMultiplier float64
	TargetMultiplier  float64
	Settings          Settings
}

// StatePatch carries a partial update for the state row. Nil fields are
// left untouched by UpdateState.
type StatePatch struct {
	RoundID           *string
	Phase             *Phase
	PhaseStartedAt    *time.Time
	CurrentMultiplier *float64
	TargetMultiplier  *float64
	Settings          *Settings
}

type HistoryBucket string

const (
	BucketBlue   HistoryBucket = "blue"
	BucketPurple HistoryBucket = "purple"
	BucketPink   HistoryBucket = "pink"
)

// BucketFor classifies a crash multiplier for display tiering.
func BucketFor(multiplier float64) HistoryBucket {
	switch {
	case multiplier >= 10:
		return BucketPink
	case multiplier >= 2:
		return BucketPurple
	default:
		return BucketBlue
	}
}

type HistoryEntry struct {
	RoundID    string        `json:"round_id"`
	Multiplier float64       `json:"multiplier"`
	FinishedAt time.Time     `json:"finished_at"`
	Bucket     HistoryBucket `json:"bucket"`
}

type AutoCashoutCandidate struct {
	TicketID    string
	UserID      string
	AutoCashout float64
}

type TicketInfo struct {
	RoundID string
	UserID  string
}

type CommandAction string

const (
	ActionPause          CommandAction = "pause"
	ActionResume         CommandAction = "resume"
	ActionForceCrash     CommandAction = "force_crash"
	ActionSetResult      CommandAction = "set_result"
	ActionUpdateSettings CommandAction = "update_settings"
)

type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandProcessed CommandStatus = "processed"
	CommandFailed    CommandStatus = "failed"
)

// AdminCommand is a pending operator override claimed by the engine.
type AdminCommand struct {
	ID      string
	Action  CommandAction
	Payload map[string]interface{}
}

// BetParams is the ledger input for placing a wager. AutoCashout of zero
// means no auto-cashout threshold.
type BetParams struct {
	RoundID     string
	UserID      string
	Amount      decimal.Decimal
	AutoCashout float64
}

type BetReceipt struct {
	TicketID  string
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

type CashoutParams struct {
	TicketID   string
	UserID     string
	RoundID    string
	Multiplier float64
}

type CashoutReceipt struct {
	TicketID         string
	CreditedAmount   decimal.Decimal
	PayoutMultiplier float64
	Balance          decimal.Decimal
	UpdatedAt        time.Time
}
