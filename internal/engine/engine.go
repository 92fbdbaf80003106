package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"
)

// GrowthFunc maps flight progress in [0,1] to multiplier progress in [0,1].
// It must be monotonically non-decreasing with g(0)=0 and g(1)=1.
type GrowthFunc func(progress float64) float64

// LinearGrowth is the default curve: the multiplier climbs evenly from 1.0
// to the crash target over the flight duration.
func LinearGrowth(progress float64) float64 {
	return progress
}

// ExpoGrowth accelerates toward the target, front-loading the slow part of
// the climb the way the classic crash presentation does.
func ExpoGrowth(progress float64) float64 {
	return progress * progress
}

// Engine advances the crash game one tick at a time. Every tick is
// independent: elapsed time is recomputed from the stored phase timestamp,
// so a missed tick only delays transitions, never corrupts them.
type Engine struct {
	repo     Repository
	history  HistoryProvider
	pub      Publisher
	matcher  *AutoCashoutMatcher
	defaults Settings
	growth   GrowthFunc
	now      func() time.Time
}

type Option func(*Engine)

// WithClock replaces the wall clock, letting tests drive phase transitions
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithGrowth(g GrowthFunc) Option {
	return func(e *Engine) { e.growth = g }
}

func New(repo Repository, history HistoryProvider, pub Publisher, defaults Settings, opts ...Option) *Engine {
	e := &Engine{
		repo:     repo,
		history:  history,
		pub:      pub,
		defaults: defaults,
		growth:   LinearGrowth,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.matcher = NewAutoCashoutMatcher(repo, pub)
	return e
}

type TickResult struct {
	State   *State
	Message StateMessage
	History *HistoryMessage
}

// Tick runs one evaluate-and-advance pass: drain admin commands, refresh
// state, advance the phase if elapsed time warrants, settle auto-cashouts
// while flying, finalize on crash. Store errors abort the tick without
// partial phase mutation; the next cadence retries from stored timestamps.
func (e *Engine) Tick(ctx context.Context) (*TickResult, error) {
	now := e.now()

	// Commands are drained ahead of phase evaluation so a force_crash
	// received mid-tick is honored before any multiplier advancement.
	commands, err := e.repo.FetchPendingCommands(ctx)
	if err != nil {
		log.Printf("[CMD] Fetching pending commands failed: %v", err)
		commands = nil
	}

	state, err := e.repo.EnsureState(ctx, e.freshOutcome, e.defaults)
	if err != nil {
		return nil, fmt.Errorf("ensure state: %w", err)
	}

	forceCrash := e.applyCommands(ctx, &state, commands)

	// Pause freezes all transitions but the command drain above still ran,
	// so a queued resume takes effect next tick.
	if state.Settings.Paused {
		msg := e.stateMessage(state, now)
		e.pub.PublishState(msg)
		return &TickResult{State: state, Message: msg}, nil
	}

	if state.RoundID == "" {
		state, err = e.repairRound(ctx, state, now)
		if err != nil {
			return nil, err
		}
	}

	var historyMsg *HistoryMessage

	switch state.Phase {
	case PhaseAwaitingBets:
		if elapsedMs(state.PhaseStartedAt, now) >= state.Settings.BettingWindowMs {
			state, err = e.beginFlight(ctx, state, now)
			if err != nil {
				return nil, err
			}
		}

	case PhaseFlying:
		next := e.multiplierAt(state, now)
		if forceCrash || next >= state.TargetMultiplier {
			crashValue := state.TargetMultiplier
			if forceCrash {
				crashValue = state.CurrentMultiplier
			}
			state, historyMsg, err = e.finalizeRound(ctx, state, crashValue, now)
			if err != nil {
				return nil, err
			}
		} else {
			state, err = e.repo.UpdateState(ctx, state.ID, StatePatch{CurrentMultiplier: &next})
			if err != nil {
				return nil, fmt.Errorf("advance multiplier: %w", err)
			}
			e.matcher.Run(ctx, state.RoundID, next)
		}

	case PhaseCrashed:
		if elapsedMs(state.PhaseStartedAt, now) >= state.Settings.ResetDelayMs {
			state, err = e.startRound(ctx, state, now)
			if err != nil {
				return nil, err
			}
		}
	}

	msg := e.stateMessage(state, now)
	e.pub.PublishState(msg)
	if historyMsg != nil {
		e.pub.PublishHistory(*historyMsg)
	}

	return &TickResult{State: state, Message: msg, History: historyMsg}, nil
}

// CurrentState returns the engine state, initializing it on first use.
func (e *Engine) CurrentState(ctx context.Context) (*State, error) {
	return e.repo.EnsureState(ctx, e.freshOutcome, e.defaults)
}

// freshOutcome is the commit callback handed to the store. It only runs
// when the state row does not exist yet.
func (e *Engine) freshOutcome() Outcome {
	return Commit(e.defaults)
}

// Snapshot builds the broadcast-shaped view of the current state, used to
// greet freshly connected clients between ticks.
func (e *Engine) Snapshot(ctx context.Context) (StateMessage, error) {
	state, err := e.CurrentState(ctx)
	if err != nil {
		return StateMessage{}, err
	}
	return e.stateMessage(state, e.now()), nil
}

// History returns the bounded finished-round log through the caching layer.
func (e *Engine) History(ctx context.Context) ([]HistoryEntry, error) {
	state, err := e.repo.EnsureState(ctx, e.freshOutcome, e.defaults)
	if err != nil {
		return nil, err
	}
	return e.history.Entries(ctx, state.Settings.HistorySize)
}

// repairRound recovers a state row that lost its round reference. The
// previous seed was revealed when the last round finalized, so the repaired
// round must not reuse it: a fresh outcome is committed exactly as if the
// round had been opened on the normal crashed-to-awaitingBets path.
func (e *Engine) repairRound(ctx context.Context, state *State, now time.Time) (*State, error) {
	log.Println("[ENGINE] State lost its round reference, committing a fresh round")
	return e.startRound(ctx, state, now)
}

func (e *Engine) beginFlight(ctx context.Context, state *State, now time.Time) (*State, error) {
	if err := e.repo.SetRoundStatus(ctx, state.RoundID, PhaseFlying, 0); err != nil {
		return nil, fmt.Errorf("mark round flying: %w", err)
	}

	phase := PhaseFlying
	one := 1.0
	state, err := e.repo.UpdateState(ctx, state.ID, StatePatch{
		Phase:             &phase,
		PhaseStartedAt:    &now,
		CurrentMultiplier: &one,
	})
	if err != nil {
		return nil, fmt.Errorf("enter flying: %w", err)
	}

	log.Printf("[ENGINE] Round %s flying, target hidden behind %s...", state.RoundID, shortHash(state.Settings.ServerHash))
	return state, nil
}

func (e *Engine) finalizeRound(ctx context.Context, state *State, crashValue float64, now time.Time) (*State, *HistoryMessage, error) {
	// Settle tickets whose threshold sits at or below the final value
	// before the round flips to crashed; each settles at its own price.
	e.matcher.Run(ctx, state.RoundID, crashValue)

	if err := e.repo.SetRoundStatus(ctx, state.RoundID, PhaseCrashed, crashValue); err != nil {
		return nil, nil, fmt.Errorf("mark round crashed: %w", err)
	}

	phase := PhaseCrashed
	state, err := e.repo.UpdateState(ctx, state.ID, StatePatch{
		Phase:             &phase,
		PhaseStartedAt:    &now,
		CurrentMultiplier: &crashValue,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("enter crashed: %w", err)
	}

	log.Printf("[ENGINE] Round %s crashed at %.2fx (seed revealed: %s...)", state.RoundID, crashValue, shortHash(state.Settings.ServerSeed))

	if err := e.history.Invalidate(ctx); err != nil {
		log.Printf("[ENGINE] History invalidation failed: %v", err)
	}

	entries, err := e.history.Entries(ctx, state.Settings.HistorySize)
	if err != nil {
		log.Printf("[ENGINE] History fetch failed: %v", err)
		return state, nil, nil
	}

	return state, &HistoryMessage{Entries: entries}, nil
}

// startRound loops crashed back to awaitingBets with a freshly committed
// outcome. A one-shot forcedResult is consumed here and cleared so it only
// shapes a single round.
func (e *Engine) startRound(ctx context.Context, state *State, now time.Time) (*State, error) {
	outcome := Commit(state.Settings)

	nextSettings := state.Settings
	nextSettings.ForcedResult = 0
	nextSettings.ServerSeed = outcome.Seed
	nextSettings.ServerHash = outcome.Hash

	roundID, err := e.repo.CreateRound(ctx, PhaseAwaitingBets)
	if err != nil {
		return nil, fmt.Errorf("create round: %w", err)
	}

	phase := PhaseAwaitingBets
	one := 1.0
	state, err = e.repo.UpdateState(ctx, state.ID, StatePatch{
		RoundID:           &roundID,
		Phase:             &phase,
		PhaseStartedAt:    &now,
		CurrentMultiplier: &one,
		TargetMultiplier:  &outcome.Multiplier,
		Settings:          &nextSettings,
	})
	if err != nil {
		return nil, fmt.Errorf("enter awaitingBets: %w", err)
	}

	log.Printf("[ENGINE] Round %s open for bets, commitment %s...", roundID, shortHash(outcome.Hash))
	return state, nil
}

// multiplierAt recomputes the flight multiplier from stored timestamps.
// It never decreases between ticks and never exceeds the crash target.
func (e *Engine) multiplierAt(state *State, now time.Time) float64 {
	elapsed := elapsedMs(state.PhaseStartedAt, now)
	progress := float64(elapsed) / float64(state.Settings.FlightDurationMs)
	if progress > 1 {
		progress = 1
	}

	// The curve climbs toward the stored target, not the configured max:
	// a forced result may sit above MaxCrashMultiplier and must still be
	// reachable so the crash check fires.
	m := 1 + e.growth(progress)*(state.TargetMultiplier-1)
	m = math.Round(m*100) / 100

	if m < state.CurrentMultiplier {
		m = state.CurrentMultiplier
	}
	if m > state.TargetMultiplier {
		m = state.TargetMultiplier
	}
	return m
}

func (e *Engine) stateMessage(state *State, now time.Time) StateMessage {
	msg := StateMessage{
		RoundID:        state.RoundID,
		Phase:          state.Phase,
		Multiplier:     math.Round(state.CurrentMultiplier*100) / 100,
		PhaseStartedAt: state.PhaseStartedAt,
		Hash:           state.Settings.ServerHash,
	}

	if state.Phase == PhaseAwaitingBets {
		msg.Multiplier = 1
		closesIn := state.Settings.BettingWindowMs - elapsedMs(state.PhaseStartedAt, now)
		if closesIn < 0 {
			closesIn = 0
		}
		msg.BettingWindow = &BettingWindowInfo{
			ClosesInMs: closesIn,
			MinBet:     state.Settings.MinBet,
			MaxBet:     state.Settings.MaxBet,
		}
	}

	return msg
}

func elapsedMs(start time.Time, now time.Time) int64 {
	d := now.Sub(start).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

func shortHash(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:16]
}
