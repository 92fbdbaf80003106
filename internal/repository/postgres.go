// Package repository implements the engine's persistence contract on
// Postgres. The two ledger operations run inside transactions managed by
// the trm manager so balance movement and ticket mutation commit together.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crashengine/internal/engine"
)

const (
	engineStateTable = "engine_state"
	gameRoundsTable  = "game_rounds"
	betsTable        = "bets"
	walletsTable     = "wallets"
	commandsTable    = "admin_game_commands"

	// Batch caps keep the per-tick work bounded.
	autoCashoutBatch = 20
	commandBatch     = 20
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Postgres struct {
	pool   *pgxpool.Pool
	trm    *manager.Manager
	getter *trmpgx.CtxGetter
}

func New(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pool:   pool,
		trm:    manager.Must(trmpgx.NewDefaultFactory(pool)),
		getter: trmpgx.DefaultCtxGetter,
	}
}

// EnsureState returns the singleton state row, creating it together with an
// opening round when the table is empty. The commit callback is only
// invoked on that first-create path so steady-state reads stay cheap.
func (r *Postgres) EnsureState(ctx context.Context, commit func() engine.Outcome, settings engine.Settings) (*engine.State, error) {
	state, err := r.fetchState(ctx, settings)
	if err != nil {
		return nil, err
	}
	if state != nil {
		return state, nil
	}

	outcome := commit()

	roundID, err := r.CreateRound(ctx, engine.PhaseAwaitingBets)
	if err != nil {
		return nil, err
	}

	settings.ServerSeed = outcome.Seed
	settings.ServerHash = outcome.Hash
	blob, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	sqlStr, args, err := psql.Insert(engineStateTable).
		Columns("id", "current_round_id", "phase", "phase_started_at", "current_multiplier", "target_multiplier", "settings", "updated_at").
		Values(id, roundID, string(engine.PhaseAwaitingBets), now, 1.0, outcome.Multiplier, blob, now).
		ToSql()
	if err != nil {
		return nil, err
	}

	if _, err := r.pool.Exec(ctx, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("initialize engine state: %w", err)
	}

	return &engine.State{
		ID:                id,
		RoundID:           roundID,
		Phase:             engine.PhaseAwaitingBets,
		PhaseStartedAt:    now,
		CurrentMultiplier: 1.0,
		TargetMultiplier:  outcome.Multiplier,
		Settings:          settings,
	}, nil
}

func (r *Postgres) UpdateState(ctx context.Context, id string, patch engine.StatePatch) (*engine.State, error) {
	update := psql.Update(engineStateTable).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id})

	if patch.RoundID != nil {
		update = update.Set("current_round_id", *patch.RoundID)
	}
	if patch.Phase != nil {
		update = update.Set("phase", string(*patch.Phase))
	}
	if patch.PhaseStartedAt != nil {
		update = update.Set("phase_started_at", patch.PhaseStartedAt.UTC())
	}
	if patch.CurrentMultiplier != nil {
		update = update.Set("current_multiplier", *patch.CurrentMultiplier)
	}
	if patch.TargetMultiplier != nil {
		update = update.Set("target_multiplier", *patch.TargetMultiplier)
	}
	if patch.Settings != nil {
		blob, err := json.Marshal(*patch.Settings)
		if err != nil {
			return nil, fmt.Errorf("encode settings: %w", err)
		}
		update = update.Set("settings", blob)
	}

	sqlStr, args, err := update.
		Suffix("RETURNING id, current_round_id, phase, phase_started_at, current_multiplier, target_multiplier, settings").
		ToSql()
	if err != nil {
		return nil, err
	}

	fallback := engine.DefaultSettings()
	if patch.Settings != nil {
		fallback = *patch.Settings
	}

	row := r.pool.QueryRow(ctx, sqlStr, args...)
	state, err := scanState(row, fallback)
	if err != nil {
		return nil, fmt.Errorf("update engine state: %w", err)
	}
	return state, nil
}

func (r *Postgres) CreateRound(ctx context.Context, status engine.Phase) (string, error) {
	id := uuid.NewString()
	sqlStr, args, err := psql.Insert(gameRoundsTable).
		Columns("id", "status", "created_at").
		Values(id, string(status), time.Now().UTC()).
		ToSql()
	if err != nil {
		return "", err
	}

	if _, err := r.pool.Exec(ctx, sqlStr, args...); err != nil {
		return "", fmt.Errorf("create round: %w", err)
	}
	return id, nil
}

func (r *Postgres) SetRoundStatus(ctx context.Context, roundID string, status engine.Phase, crashMultiplier float64) error {
	update := psql.Update(gameRoundsTable).
		Set("status", string(status)).
		Where(sq.Eq{"id": roundID})

	switch status {
	case engine.PhaseFlying:
		update = update.Set("started_at", time.Now().UTC())
	case engine.PhaseCrashed:
		// finished_at is written exactly once.
		update = update.
			Set("crash_multiplier", crashMultiplier).
			Set("finished_at", time.Now().UTC()).
			Where("finished_at IS NULL")
	}

	sqlStr, args, err := update.ToSql()
	if err != nil {
		return err
	}

	if _, err := r.pool.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set round %s status %s: %w", roundID, status, err)
	}
	return nil
}

func (r *Postgres) FetchHistory(ctx context.Context, limit int) ([]engine.HistoryEntry, error) {
	sqlStr, args, err := psql.Select("id", "crash_multiplier", "finished_at").
		From(gameRoundsTable).
		Where("crash_multiplier IS NOT NULL").
		Where("finished_at IS NOT NULL").
		OrderBy("finished_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer rows.Close()

	entries := make([]engine.HistoryEntry, 0, limit)
	for rows.Next() {
		var entry engine.HistoryEntry
		if err := rows.Scan(&entry.RoundID, &entry.Multiplier, &entry.FinishedAt); err != nil {
			return nil, err
		}
		entry.Bucket = engine.BucketFor(entry.Multiplier)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *Postgres) ListAutoCashoutCandidates(ctx context.Context, roundID string, multiplier float64) ([]engine.AutoCashoutCandidate, error) {
	sqlStr, args, err := psql.Select("id", "user_id", "auto_cashout").
		From(betsTable).
		Where(sq.Eq{"round_id": roundID}).
		Where("cashed_out_at IS NULL").
		Where("auto_cashout IS NOT NULL").
		Where(sq.LtOrEq{"auto_cashout": multiplier}).
		OrderBy("created_at ASC").
		Limit(autoCashoutBatch).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list auto-cashout candidates: %w", err)
	}
	defer rows.Close()

	var candidates []engine.AutoCashoutCandidate
	for rows.Next() {
		var c engine.AutoCashoutCandidate
		if err := rows.Scan(&c.TicketID, &c.UserID, &c.AutoCashout); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func (r *Postgres) GetTicketInfo(ctx context.Context, ticketID string) (*engine.TicketInfo, error) {
	sqlStr, args, err := psql.Select("round_id", "user_id").
		From(betsTable).
		Where(sq.Eq{"id": ticketID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var info engine.TicketInfo
	err = r.pool.QueryRow(ctx, sqlStr, args...).Scan(&info.RoundID, &info.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch ticket %s: %w", ticketID, err)
	}
	return &info, nil
}

func (r *Postgres) FetchPendingCommands(ctx context.Context) ([]engine.AdminCommand, error) {
	sqlStr, args, err := psql.Select("id", "action", "payload").
		From(commandsTable).
		Where(sq.Eq{"status": string(engine.CommandPending)}).
		OrderBy("created_at ASC").
		Limit(commandBatch).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch pending commands: %w", err)
	}
	defer rows.Close()

	var commands []engine.AdminCommand
	for rows.Next() {
		var (
			cmd     engine.AdminCommand
			action  string
			payload []byte
		)
		if err := rows.Scan(&cmd.ID, &action, &payload); err != nil {
			return nil, err
		}
		cmd.Action = engine.CommandAction(action)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &cmd.Payload); err != nil {
				cmd.Payload = nil
			}
		}
		commands = append(commands, cmd)
	}
	return commands, rows.Err()
}

func (r *Postgres) MarkCommandProcessed(ctx context.Context, id string, status engine.CommandStatus) error {
	sqlStr, args, err := psql.Update(commandsTable).
		Set("status", string(status)).
		Set("processed_at", time.Now().UTC()).
		Where(sq.Eq{"id": id, "status": string(engine.CommandPending)}).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := r.pool.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("mark command %s %s: %w", id, status, err)
	}
	return nil
}

// EnqueueCommand is the producer side of the override queue, used by the
// operator surface. The engine is the only consumer.
func (r *Postgres) EnqueueCommand(ctx context.Context, action engine.CommandAction, payload map[string]interface{}) (string, error) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	id := uuid.NewString()
	sqlStr, args, err := psql.Insert(commandsTable).
		Columns("id", "action", "payload", "status", "created_at").
		Values(id, string(action), blob, string(engine.CommandPending), time.Now().UTC()).
		ToSql()
	if err != nil {
		return "", err
	}

	if _, err := r.pool.Exec(ctx, sqlStr, args...); err != nil {
		return "", fmt.Errorf("enqueue command: %w", err)
	}
	return id, nil
}

func (r *Postgres) fetchState(ctx context.Context, fallback engine.Settings) (*engine.State, error) {
	sqlStr, args, err := psql.Select("id", "current_round_id", "phase", "phase_started_at", "current_multiplier", "target_multiplier", "settings").
		From(engineStateTable).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, sqlStr, args...)
	state, err := scanState(row, fallback)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch engine state: %w", err)
	}
	return state, nil
}

func scanState(row pgx.Row, fallback engine.Settings) (*engine.State, error) {
	var (
		state   engine.State
		roundID *string
		phase   string
		blob    []byte
	)
	if err := row.Scan(&state.ID, &roundID, &phase, &state.PhaseStartedAt, &state.CurrentMultiplier, &state.TargetMultiplier, &blob); err != nil {
		return nil, err
	}

	if roundID != nil {
		state.RoundID = *roundID
	}
	state.Phase = engine.Phase(phase)

	// Settings arrive as a loosely typed blob; coerce defensively over the
	// fallback instead of failing the read.
	raw := map[string]interface{}{}
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &raw); err != nil {
			raw = map[string]interface{}{}
		}
	}
	state.Settings = engine.SettingsFromMap(raw, fallback)

	return &state, nil
}
