package dispatch

import (
	"context"
	"errors"
	"time"
)

// IdempotencyKey identifies one effect of one event.
func IdempotencyKey(eventID, effectType string) string {
	return eventID + "::" + effectType
}

// Guard keeps a handler from running twice for the same effect of an event.
type Guard struct {
	runs RunStore
}

func NewGuard(runs RunStore) *Guard {
	return &Guard{runs: runs}
}

// Lookup returns the stored run for key, or nil when there is none.
func (g *Guard) Lookup(ctx context.Context, key string) (*EffectRun, error) {
	run, err := g.runs.GetEffectRun(ctx, key)
	if errors.Is(err, ErrRunNotFound) {
		return nil, nil
	}
	return run, err
}

// Completed reports whether the effect identified by key already succeeded.
func (g *Guard) Completed(ctx context.Context, key string) (bool, error) {
	run, err := g.Lookup(ctx, key)
	if err != nil || run == nil {
		return false, err
	}
	return run.Status == RunCompleted, nil
}

// Claim atomically moves the run to running for this caller. Pending runs are
// only claimed once their retry is due at now. Runs stuck in running since
// before staleBefore can be taken over. When the claim is lost the stored run
// is returned with false.
func (g *Guard) Claim(ctx context.Context, run *EffectRun, now, staleBefore time.Time) (*EffectRun, bool, error) {
	return g.runs.ClaimEffectRun(ctx, run, now, staleBefore)
}
