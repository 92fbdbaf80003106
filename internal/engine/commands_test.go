package engine

import (
	"testing"
	"time"
)

func TestCommands_ReachTerminalStatus(t *testing.T) {
	e, repo, _, _ := newTestEngine(t)
	mustTick(t, e)

	okID := repo.enqueue(ActionPause, nil)
	badID := repo.enqueue(CommandAction("reboot"), nil)
	afterID := repo.enqueue(ActionResume, nil)

	mustTick(t, e)

	if repo.statuses[okID] != CommandProcessed {
		t.Errorf("pause status = %v, want processed", repo.statuses[okID])
	}
	if repo.statuses[badID] != CommandFailed {
		t.Errorf("unknown action status = %v, want failed", repo.statuses[badID])
	}
	// A failing command never aborts the rest of the drain.
	if repo.statuses[afterID] != CommandProcessed {
		t.Errorf("command after failure status = %v, want processed", repo.statuses[afterID])
	}
}

func TestCommands_SetResultRejectsUnusableValue(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]interface{}
		want    CommandStatus
	}{
		{"Missing value", map[string]interface{}{}, CommandFailed},
		{"Non-numeric value", map[string]interface{}{"value": "huge"}, CommandFailed},
		{"Below one", map[string]interface{}{"value": 0.5}, CommandFailed},
		{"Valid value", map[string]interface{}{"value": 3.5}, CommandProcessed},
		{"String-encoded value", map[string]interface{}{"value": "3.5"}, CommandProcessed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, repo, _, _ := newTestEngine(t)
			mustTick(t, e)

			id := repo.enqueue(ActionSetResult, tt.payload)
			result := mustTick(t, e)

			if repo.statuses[id] != tt.want {
				t.Fatalf("status = %v, want %v", repo.statuses[id], tt.want)
			}
			if tt.want == CommandProcessed && result.State.Settings.ForcedResult != 3.5 {
				t.Errorf("forcedResult = %v, want 3.5", result.State.Settings.ForcedResult)
			}
		})
	}
}

func TestCommands_ForceCrashIgnoredOutsideFlight(t *testing.T) {
	e, repo, _, _ := newTestEngine(t)
	mustTick(t, e)

	// Still awaiting bets: the command is consumed but has no effect.
	id := repo.enqueue(ActionForceCrash, nil)
	result := mustTick(t, e)

	if repo.statuses[id] != CommandProcessed {
		t.Errorf("status = %v, want processed", repo.statuses[id])
	}
	if result.State.Phase != PhaseAwaitingBets {
		t.Errorf("phase = %v, want awaitingBets", result.State.Phase)
	}
}

func TestCommands_UpdateSettingsTakesEffectNextWindow(t *testing.T) {
	e, repo, _, clock := newTestEngine(t)
	mustTick(t, e)

	id := repo.enqueue(ActionUpdateSettings, map[string]interface{}{
		"bettingWindowMs": float64(1000),
		"rtp":             0.9,
	})
	result := mustTick(t, e)

	if repo.statuses[id] != CommandProcessed {
		t.Fatalf("status = %v, want processed", repo.statuses[id])
	}
	if result.State.Settings.BettingWindowMs != 1000 {
		t.Errorf("bettingWindowMs = %v, want 1000", result.State.Settings.BettingWindowMs)
	}
	if result.State.Settings.RTP != 0.9 {
		t.Errorf("rtp = %v, want 0.9", result.State.Settings.RTP)
	}
	// The commitment survives a settings update.
	if result.State.Settings.ServerHash == "" {
		t.Error("settings update dropped the commitment hash")
	}

	// The shortened window applies to the round in progress.
	clock.Advance(1100 * time.Millisecond)
	result = mustTick(t, e)
	if result.State.Phase != PhaseFlying {
		t.Errorf("phase = %v, want flying under the shortened window", result.State.Phase)
	}
}
