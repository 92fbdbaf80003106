package engine

import (
	"context"
	"fmt"
	"log"
)

// applyCommands drains the operator override queue in creation order. Each
// command reaches a terminal status (processed or failed) within the tick
// that read it, and a failing command never aborts the remainder of the
// drain or the tick's phase logic. Returns whether a force_crash fired.
func (e *Engine) applyCommands(ctx context.Context, state **State, commands []AdminCommand) bool {
	forceCrash := false

	for _, cmd := range commands {
		status := CommandProcessed
		if err := e.applyCommand(ctx, state, cmd, &forceCrash); err != nil {
			log.Printf("[CMD] Command %s (%s) failed: %v", cmd.ID, cmd.Action, err)
			status = CommandFailed
		}
		if err := e.repo.MarkCommandProcessed(ctx, cmd.ID, status); err != nil {
			log.Printf("[CMD] Marking command %s %s failed: %v", cmd.ID, status, err)
		}
	}

	return forceCrash
}

func (e *Engine) applyCommand(ctx context.Context, state **State, cmd AdminCommand, forceCrash *bool) error {
	switch cmd.Action {
	case ActionPause:
		return e.setPaused(ctx, state, true)

	case ActionResume:
		return e.setPaused(ctx, state, false)

	case ActionForceCrash:
		// No-op unless flying; the phase logic consumes the flag.
		if (*state).Phase == PhaseFlying {
			*forceCrash = true
		}
		return nil

	case ActionSetResult:
		value, ok := coerceFloat(cmd.Payload["value"])
		if !ok || value < 1 {
			return fmt.Errorf("set_result payload has no usable value: %v", cmd.Payload["value"])
		}
		next := (*state).Settings
		next.ForcedResult = value
		return e.updateSettings(ctx, state, next)

	case ActionUpdateSettings:
		next := (*state).Settings.ApplyOverrides(cmd.Payload)
		return e.updateSettings(ctx, state, next)

	default:
		return fmt.Errorf("unknown admin action %q", cmd.Action)
	}
}

func (e *Engine) setPaused(ctx context.Context, state **State, paused bool) error {
	next := (*state).Settings
	next.Paused = paused
	if err := e.updateSettings(ctx, state, next); err != nil {
		return err
	}
	if paused {
		log.Printf("[CMD] Engine paused")
	} else {
		log.Printf("[CMD] Engine resumed")
	}
	return nil
}

func (e *Engine) updateSettings(ctx context.Context, state **State, next Settings) error {
	updated, err := e.repo.UpdateState(ctx, (*state).ID, StatePatch{Settings: &next})
	if err != nil {
		return err
	}
	*state = updated
	return nil
}
