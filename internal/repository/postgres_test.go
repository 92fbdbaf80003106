package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"

	"crashengine/internal/database"
	"crashengine/internal/engine"
)

var (
	testPool *pgxpool.Pool
	repo     *Postgres
)

func mustStartPostgresContainer() (func(context.Context, ...testcontainers.TerminateOption) error, error) {
	var (
		dbName = "database"
		dbPwd  = "password"
		dbUser = "user"
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbContainer, err := postgres.Run(
		ctx,
		"postgres:latest",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPwd),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, err
	}

	dbHost, err := dbContainer.Host(context.Background())
	if err != nil {
		return dbContainer.Terminate, err
	}
	dbPort, err := dbContainer.MappedPort(context.Background(), "5432/tcp")
	if err != nil {
		return dbContainer.Terminate, err
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUser, dbPwd, dbHost, dbPort.Port(), dbName)

	migrateDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return dbContainer.Terminate, err
	}
	defer migrateDB.Close()

	if err := database.RunMigrations(migrateDB, "../../migrations"); err != nil {
		return dbContainer.Terminate, err
	}

	testPool, err = pgxpool.New(context.Background(), dsn)
	if err != nil {
		return dbContainer.Terminate, err
	}

	repo = New(testPool)
	return dbContainer.Terminate, nil
}

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}

	if os.Getenv("CI") == "" && !isDockerAvailable() {
		os.Exit(0)
	}

	teardown, err := mustStartPostgresContainer()
	if err != nil {
		os.Exit(0)
	}

	code := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if teardown != nil {
		teardown(context.Background())
	}

	os.Exit(code)
}

func isDockerAvailable() (available bool) {
	// testcontainers panics (rather than returning an error) when no Docker
	// host can be found; treat that as "not available".
	defer func() {
		if recover() != nil {
			available = false
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

// openRound creates a fresh round in the given status.
func openRound(t *testing.T, status engine.Phase) string {
	t.Helper()

	roundID, err := repo.CreateRound(context.Background(), engine.PhaseAwaitingBets)
	if err != nil {
		t.Fatalf("CreateRound() error = %v", err)
	}
	if status != engine.PhaseAwaitingBets {
		if err := repo.SetRoundStatus(context.Background(), roundID, status, 0); err != nil {
			t.Fatalf("SetRoundStatus() error = %v", err)
		}
	}
	return roundID
}

// fundWallet creates a wallet with the given balance under a fresh user id.
func fundWallet(t *testing.T, amount int64) string {
	t.Helper()

	userID := uuid.NewString()
	if _, err := repo.CreditWallet(context.Background(), userID, decimal.NewFromInt(amount)); err != nil {
		t.Fatalf("CreditWallet() error = %v", err)
	}
	return userID
}

func TestEnsureState_Singleton(t *testing.T) {
	ctx := context.Background()
	settings := engine.DefaultSettings()

	commits := 0
	commit := func() engine.Outcome {
		commits++
		return engine.Commit(settings)
	}

	first, err := repo.EnsureState(ctx, commit, settings)
	if err != nil {
		t.Fatalf("EnsureState() error = %v", err)
	}
	if first.RoundID == "" {
		t.Fatal("initial state has no round")
	}
	if first.Settings.ServerHash == "" {
		t.Fatal("initial state did not persist the commitment")
	}

	// A second call must return the same row, not create another, and the
	// commit callback only runs on the first-create path.
	second, err := repo.EnsureState(ctx, commit, settings)
	if err != nil {
		t.Fatalf("EnsureState() second call error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second EnsureState() id = %s, want %s", second.ID, first.ID)
	}
	if second.Settings.ServerHash != first.Settings.ServerHash {
		t.Error("second EnsureState() re-committed the outcome")
	}
	if commits != 1 {
		t.Errorf("commit callback ran %d times, want 1", commits)
	}
}

func TestUpdateState_PartialPatch(t *testing.T) {
	ctx := context.Background()
	settings := engine.DefaultSettings()

	state, err := repo.EnsureState(ctx, func() engine.Outcome { return engine.Commit(settings) }, settings)
	if err != nil {
		t.Fatalf("EnsureState() error = %v", err)
	}

	next := 3.21
	updated, err := repo.UpdateState(ctx, state.ID, engine.StatePatch{CurrentMultiplier: &next})
	if err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}

	if updated.CurrentMultiplier != 3.21 {
		t.Errorf("CurrentMultiplier = %v, want 3.21", updated.CurrentMultiplier)
	}
	// Untouched fields survive the patch.
	if updated.RoundID != state.RoundID {
		t.Errorf("RoundID changed from %s to %s", state.RoundID, updated.RoundID)
	}
	if updated.Settings.ServerHash != state.Settings.ServerHash {
		t.Error("patch without settings dropped the commitment")
	}
}

func TestRoundHistory(t *testing.T) {
	ctx := context.Background()

	roundID := openRound(t, engine.PhaseFlying)
	if err := repo.SetRoundStatus(ctx, roundID, engine.PhaseCrashed, 42.17); err != nil {
		t.Fatalf("SetRoundStatus(crashed) error = %v", err)
	}

	// finished_at is written exactly once; a second finalize must not move
	// the recorded crash point.
	if err := repo.SetRoundStatus(ctx, roundID, engine.PhaseCrashed, 1.01); err != nil {
		t.Fatalf("second SetRoundStatus(crashed) error = %v", err)
	}

	entries, err := repo.FetchHistory(ctx, 100)
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}

	var found *engine.HistoryEntry
	for i := range entries {
		if entries[i].RoundID == roundID {
			found = &entries[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("round %s missing from history", roundID)
	}
	if found.Multiplier != 42.17 {
		t.Errorf("recorded crash = %v, want the first finalize value 42.17", found.Multiplier)
	}
	if found.Bucket != engine.BucketPink {
		t.Errorf("bucket = %v, want pink", found.Bucket)
	}
}

func TestPerformBet(t *testing.T) {
	ctx := context.Background()

	t.Run("Debits wallet and creates ticket", func(t *testing.T) {
		roundID := openRound(t, engine.PhaseAwaitingBets)
		userID := fundWallet(t, 100)

		receipt, err := repo.PerformBet(ctx, engine.BetParams{
			RoundID: roundID,
			UserID:  userID,
			Amount:  decimal.NewFromInt(10),
		})
		if err != nil {
			t.Fatalf("PerformBet() error = %v", err)
		}
		if !receipt.Balance.Equal(decimal.NewFromInt(90)) {
			t.Errorf("balance = %s, want 90", receipt.Balance)
		}

		info, err := repo.GetTicketInfo(ctx, receipt.TicketID)
		if err != nil {
			t.Fatalf("GetTicketInfo() error = %v", err)
		}
		if info == nil || info.UserID != userID || info.RoundID != roundID {
			t.Errorf("ticket info = %+v, want user %s round %s", info, userID, roundID)
		}
	})

	t.Run("Closed round", func(t *testing.T) {
		roundID := openRound(t, engine.PhaseFlying)
		userID := fundWallet(t, 100)

		_, err := repo.PerformBet(ctx, engine.BetParams{
			RoundID: roundID,
			UserID:  userID,
			Amount:  decimal.NewFromInt(10),
		})
		if !errors.Is(err, engine.ErrBettingClosed) {
			t.Errorf("PerformBet() error = %v, want ErrBettingClosed", err)
		}
	})

	t.Run("Unknown wallet", func(t *testing.T) {
		roundID := openRound(t, engine.PhaseAwaitingBets)

		_, err := repo.PerformBet(ctx, engine.BetParams{
			RoundID: roundID,
			UserID:  uuid.NewString(),
			Amount:  decimal.NewFromInt(10),
		})
		if !errors.Is(err, engine.ErrWalletNotFound) {
			t.Errorf("PerformBet() error = %v, want ErrWalletNotFound", err)
		}
	})

	t.Run("Insufficient balance leaves wallet untouched", func(t *testing.T) {
		roundID := openRound(t, engine.PhaseAwaitingBets)
		userID := fundWallet(t, 5)

		_, err := repo.PerformBet(ctx, engine.BetParams{
			RoundID: roundID,
			UserID:  userID,
			Amount:  decimal.NewFromInt(10),
		})
		if !errors.Is(err, engine.ErrInsufficientBalance) {
			t.Fatalf("PerformBet() error = %v, want ErrInsufficientBalance", err)
		}

		balance, err := repo.CreditWallet(ctx, userID, decimal.Zero)
		if err != nil {
			t.Fatalf("CreditWallet() error = %v", err)
		}
		if !balance.Equal(decimal.NewFromInt(5)) {
			t.Errorf("balance = %s, want untouched 5", balance)
		}
	})
}

func TestPerformCashout(t *testing.T) {
	ctx := context.Background()

	placeTicket := func(t *testing.T) (roundID, userID, ticketID string) {
		t.Helper()

		roundID = openRound(t, engine.PhaseAwaitingBets)
		userID = fundWallet(t, 100)

		receipt, err := repo.PerformBet(ctx, engine.BetParams{
			RoundID: roundID,
			UserID:  userID,
			Amount:  decimal.NewFromInt(10),
		})
		if err != nil {
			t.Fatalf("PerformBet() error = %v", err)
		}
		if err := repo.SetRoundStatus(ctx, roundID, engine.PhaseFlying, 0); err != nil {
			t.Fatalf("SetRoundStatus(flying) error = %v", err)
		}
		return roundID, userID, receipt.TicketID
	}

	t.Run("Credits stake times multiplier", func(t *testing.T) {
		roundID, userID, ticketID := placeTicket(t)

		receipt, err := repo.PerformCashout(ctx, engine.CashoutParams{
			TicketID:   ticketID,
			UserID:     userID,
			RoundID:    roundID,
			Multiplier: 2.5,
		})
		if err != nil {
			t.Fatalf("PerformCashout() error = %v", err)
		}
		if !receipt.CreditedAmount.Equal(decimal.NewFromInt(25)) {
			t.Errorf("credited = %s, want 25", receipt.CreditedAmount)
		}
		// 100 - 10 stake + 25 payout.
		if !receipt.Balance.Equal(decimal.NewFromInt(115)) {
			t.Errorf("balance = %s, want 115", receipt.Balance)
		}
	})

	t.Run("Second settle is rejected", func(t *testing.T) {
		roundID, userID, ticketID := placeTicket(t)

		if _, err := repo.PerformCashout(ctx, engine.CashoutParams{
			TicketID: ticketID, UserID: userID, RoundID: roundID, Multiplier: 2.0,
		}); err != nil {
			t.Fatalf("first PerformCashout() error = %v", err)
		}

		_, err := repo.PerformCashout(ctx, engine.CashoutParams{
			TicketID: ticketID, UserID: userID, RoundID: roundID, Multiplier: 3.0,
		})
		if !errors.Is(err, engine.ErrAlreadySettled) {
			t.Errorf("second PerformCashout() error = %v, want ErrAlreadySettled", err)
		}
	})

	t.Run("Round not flying", func(t *testing.T) {
		roundID := openRound(t, engine.PhaseAwaitingBets)
		userID := fundWallet(t, 100)

		receipt, err := repo.PerformBet(ctx, engine.BetParams{
			RoundID: roundID, UserID: userID, Amount: decimal.NewFromInt(10),
		})
		if err != nil {
			t.Fatalf("PerformBet() error = %v", err)
		}

		_, err = repo.PerformCashout(ctx, engine.CashoutParams{
			TicketID: receipt.TicketID, UserID: userID, RoundID: roundID, Multiplier: 2.0,
		})
		if !errors.Is(err, engine.ErrNotFlying) {
			t.Errorf("PerformCashout() error = %v, want ErrNotFlying", err)
		}
	})

	t.Run("Unknown ticket", func(t *testing.T) {
		roundID := openRound(t, engine.PhaseFlying)
		userID := fundWallet(t, 100)

		_, err := repo.PerformCashout(ctx, engine.CashoutParams{
			TicketID: uuid.NewString(), UserID: userID, RoundID: roundID, Multiplier: 2.0,
		})
		if !errors.Is(err, engine.ErrTicketNotFound) {
			t.Errorf("PerformCashout() error = %v, want ErrTicketNotFound", err)
		}
	})

	t.Run("Another user's ticket", func(t *testing.T) {
		roundID, _, ticketID := placeTicket(t)
		otherUser := fundWallet(t, 100)

		_, err := repo.PerformCashout(ctx, engine.CashoutParams{
			TicketID: ticketID, UserID: otherUser, RoundID: roundID, Multiplier: 2.0,
		})
		if !errors.Is(err, engine.ErrRoundMismatch) {
			t.Errorf("PerformCashout() error = %v, want ErrRoundMismatch", err)
		}
	})

	t.Run("Concurrent settles pick one winner", func(t *testing.T) {
		roundID, userID, ticketID := placeTicket(t)

		const attempts = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.PerformCashout(ctx, engine.CashoutParams{
					TicketID: ticketID, UserID: userID, RoundID: roundID, Multiplier: 1.8,
				})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !errors.Is(err, engine.ErrAlreadySettled) {
					t.Errorf("concurrent PerformCashout() error = %v", err)
				}
			}()
		}
		wg.Wait()

		if wins != 1 {
			t.Fatalf("%d settles won, want exactly 1", wins)
		}

		// 100 - 10 stake + 18 payout, credited once.
		balance, err := repo.CreditWallet(ctx, userID, decimal.Zero)
		if err != nil {
			t.Fatalf("CreditWallet() error = %v", err)
		}
		if !balance.Equal(decimal.NewFromInt(108)) {
			t.Errorf("balance = %s, want 108", balance)
		}
	})
}

func TestListAutoCashoutCandidates(t *testing.T) {
	ctx := context.Background()

	roundID := openRound(t, engine.PhaseAwaitingBets)
	low := fundWallet(t, 100)
	high := fundWallet(t, 100)
	manual := fundWallet(t, 100)

	lowBet, err := repo.PerformBet(ctx, engine.BetParams{
		RoundID: roundID, UserID: low, Amount: decimal.NewFromInt(10), AutoCashout: 1.5,
	})
	if err != nil {
		t.Fatalf("PerformBet() error = %v", err)
	}
	if _, err := repo.PerformBet(ctx, engine.BetParams{
		RoundID: roundID, UserID: high, Amount: decimal.NewFromInt(10), AutoCashout: 5.0,
	}); err != nil {
		t.Fatalf("PerformBet() error = %v", err)
	}
	if _, err := repo.PerformBet(ctx, engine.BetParams{
		RoundID: roundID, UserID: manual, Amount: decimal.NewFromInt(10),
	}); err != nil {
		t.Fatalf("PerformBet() error = %v", err)
	}

	if err := repo.SetRoundStatus(ctx, roundID, engine.PhaseFlying, 0); err != nil {
		t.Fatalf("SetRoundStatus(flying) error = %v", err)
	}

	candidates, err := repo.ListAutoCashoutCandidates(ctx, roundID, 2.0)
	if err != nil {
		t.Fatalf("ListAutoCashoutCandidates() error = %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1 (threshold 1.5 only)", len(candidates))
	}
	if candidates[0].TicketID != lowBet.TicketID || candidates[0].AutoCashout != 1.5 {
		t.Errorf("candidate = %+v, want ticket %s at 1.5", candidates[0], lowBet.TicketID)
	}

	// A settled ticket leaves the scan.
	if _, err := repo.PerformCashout(ctx, engine.CashoutParams{
		TicketID: lowBet.TicketID, UserID: low, RoundID: roundID, Multiplier: 1.5,
	}); err != nil {
		t.Fatalf("PerformCashout() error = %v", err)
	}
	candidates, err = repo.ListAutoCashoutCandidates(ctx, roundID, 2.0)
	if err != nil {
		t.Fatalf("ListAutoCashoutCandidates() error = %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("got %d candidates after settlement, want 0", len(candidates))
	}
}

func TestCommandQueue(t *testing.T) {
	ctx := context.Background()

	id, err := repo.EnqueueCommand(ctx, engine.ActionSetResult, map[string]interface{}{"value": 4.2})
	if err != nil {
		t.Fatalf("EnqueueCommand() error = %v", err)
	}

	commands, err := repo.FetchPendingCommands(ctx)
	if err != nil {
		t.Fatalf("FetchPendingCommands() error = %v", err)
	}

	var found *engine.AdminCommand
	for i := range commands {
		if commands[i].ID == id {
			found = &commands[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("command %s missing from pending fetch", id)
	}
	if found.Action != engine.ActionSetResult {
		t.Errorf("action = %v, want set_result", found.Action)
	}
	if v, ok := found.Payload["value"].(float64); !ok || v != 4.2 {
		t.Errorf("payload value = %v, want 4.2", found.Payload["value"])
	}

	if err := repo.MarkCommandProcessed(ctx, id, engine.CommandProcessed); err != nil {
		t.Fatalf("MarkCommandProcessed() error = %v", err)
	}

	commands, err = repo.FetchPendingCommands(ctx)
	if err != nil {
		t.Fatalf("FetchPendingCommands() error = %v", err)
	}
	for _, cmd := range commands {
		if cmd.ID == id {
			t.Fatal("processed command still pending")
		}
	}
}
