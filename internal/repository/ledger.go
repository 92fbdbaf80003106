package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"crashengine/internal/engine"
)

// PerformBet debits the wallet and creates the ticket in one transaction.
// The wallet row is locked for the duration, so concurrent bets from the
// same user serialize at the store.
func (r *Postgres) PerformBet(ctx context.Context, p engine.BetParams) (*engine.BetReceipt, error) {
	var receipt *engine.BetReceipt

	err := r.trm.Do(ctx, func(ctx context.Context) error {
		conn := r.getter.DefaultTrOrDB(ctx, r.pool)

		status, err := roundStatus(ctx, conn, p.RoundID)
		if err != nil {
			return err
		}
		if status != engine.PhaseAwaitingBets {
			return engine.ErrBettingClosed
		}

		sqlStr, args, err := psql.Select("balance").
			From(walletsTable).
			Where(sq.Eq{"user_id": p.UserID}).
			Suffix("FOR UPDATE").
			ToSql()
		if err != nil {
			return err
		}

		var balance decimal.Decimal
		if err := conn.QueryRow(ctx, sqlStr, args...).Scan(&balance); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return engine.ErrWalletNotFound
			}
			return fmt.Errorf("lock wallet: %w", err)
		}

		if balance.LessThan(p.Amount) {
			return engine.ErrInsufficientBalance
		}

		now := time.Now().UTC()
		newBalance := balance.Sub(p.Amount)

		sqlStr, args, err = psql.Update(walletsTable).
			Set("balance", newBalance).
			Set("updated_at", now).
			Where(sq.Eq{"user_id": p.UserID}).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := conn.Exec(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("debit wallet: %w", err)
		}

		ticketID := uuid.NewString()
		var autoCashout interface{}
		if p.AutoCashout > 0 {
			autoCashout = p.AutoCashout
		}

		sqlStr, args, err = psql.Insert(betsTable).
			Columns("id", "round_id", "user_id", "amount", "auto_cashout", "created_at").
			Values(ticketID, p.RoundID, p.UserID, p.Amount, autoCashout, now).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := conn.Exec(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("create ticket: %w", err)
		}

		receipt = &engine.BetReceipt{
			TicketID:  ticketID,
			Balance:   newBalance,
			UpdatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// PerformCashout settles a ticket at most once. The conditional update on
// cashed_out_at IS NULL is the settlement point: whichever transaction
// commits it first wins, every other caller gets ErrAlreadySettled.
func (r *Postgres) PerformCashout(ctx context.Context, p engine.CashoutParams) (*engine.CashoutReceipt, error) {
	var receipt *engine.CashoutReceipt

	err := r.trm.Do(ctx, func(ctx context.Context) error {
		conn := r.getter.DefaultTrOrDB(ctx, r.pool)

		status, err := roundStatus(ctx, conn, p.RoundID)
		if err != nil {
			return err
		}
		if status != engine.PhaseFlying {
			return engine.ErrNotFlying
		}

		now := time.Now().UTC()
		sqlStr, args, err := psql.Update(betsTable).
			Set("cashed_out_at", now).
			Set("payout_multiplier", p.Multiplier).
			Where(sq.Eq{"id": p.TicketID, "user_id": p.UserID, "round_id": p.RoundID}).
			Where("cashed_out_at IS NULL").
			Suffix("RETURNING amount").
			ToSql()
		if err != nil {
			return err
		}

		var amount decimal.Decimal
		if err := conn.QueryRow(ctx, sqlStr, args...).Scan(&amount); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return r.diagnoseCashoutFailure(ctx, conn, p)
			}
			return fmt.Errorf("settle ticket: %w", err)
		}

		credited := amount.Mul(decimal.NewFromFloat(p.Multiplier)).Round(2)

		sqlStr, args, err = psql.Update(walletsTable).
			Set("balance", sq.Expr("balance + ?", credited)).
			Set("updated_at", now).
			Where(sq.Eq{"user_id": p.UserID}).
			Suffix("RETURNING balance").
			ToSql()
		if err != nil {
			return err
		}

		var balance decimal.Decimal
		if err := conn.QueryRow(ctx, sqlStr, args...).Scan(&balance); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return engine.ErrWalletNotFound
			}
			return fmt.Errorf("credit wallet: %w", err)
		}

		receipt = &engine.CashoutReceipt{
			TicketID:         p.TicketID,
			CreditedAmount:   credited,
			PayoutMultiplier: p.Multiplier,
			Balance:          balance,
			UpdatedAt:        now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// CreditWallet tops up (or creates) a wallet outside of round settlement.
func (r *Postgres) CreditWallet(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	now := time.Now().UTC()
	sqlStr, args, err := psql.Insert(walletsTable).
		Columns("user_id", "balance", "updated_at").
		Values(userID, amount, now).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET balance = " + walletsTable + ".balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at").
		Suffix("RETURNING balance").
		ToSql()
	if err != nil {
		return decimal.Zero, err
	}

	var balance decimal.Decimal
	if err := r.pool.QueryRow(ctx, sqlStr, args...).Scan(&balance); err != nil {
		return decimal.Zero, fmt.Errorf("credit wallet: %w", err)
	}
	return balance, nil
}

// diagnoseCashoutFailure turns a missed conditional settle into the precise
// sentinel the caller expects.
func (r *Postgres) diagnoseCashoutFailure(ctx context.Context, conn queryRower, p engine.CashoutParams) error {
	sqlStr, args, err := psql.Select("user_id", "round_id", "cashed_out_at").
		From(betsTable).
		Where(sq.Eq{"id": p.TicketID}).
		ToSql()
	if err != nil {
		return err
	}

	var (
		userID      string
		roundID     string
		cashedOutAt *time.Time
	)
	if err := conn.QueryRow(ctx, sqlStr, args...).Scan(&userID, &roundID, &cashedOutAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.ErrTicketNotFound
		}
		return err
	}

	if cashedOutAt != nil {
		return engine.ErrAlreadySettled
	}
	if userID != p.UserID || roundID != p.RoundID {
		return engine.ErrRoundMismatch
	}
	return engine.ErrTicketNotFound
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func roundStatus(ctx context.Context, conn queryRower, roundID string) (engine.Phase, error) {
	sqlStr, args, err := psql.Select("status").
		From(gameRoundsTable).
		Where(sq.Eq{"id": roundID}).
		ToSql()
	if err != nil {
		return "", err
	}

	var status string
	if err := conn.QueryRow(ctx, sqlStr, args...).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Unknown round: the caller maps the empty phase to its own
			// sentinel.
			return "", nil
		}
		return "", fmt.Errorf("fetch round status: %w", err)
	}
	return engine.Phase(status), nil
}
