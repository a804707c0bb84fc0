package checkpoint

import "time"

// TriggerPolicy decides when a checkpoint should be written during
// execution. Item-count and time triggers bound both the I/O overhead
// (not every completion persists) and the worst-case work lost on
// interruption. Signal and phase-boundary checkpoints bypass the policy
// and are written unconditionally.
type TriggerPolicy struct {
	// ItemInterval triggers a checkpoint every N item completions.
	// Zero disables the item trigger.
	ItemInterval int

	// TimeInterval triggers a checkpoint after this much time has passed
	// since the last one. Zero disables the time trigger.
	TimeInterval time.Duration
}

// ShouldCheckpoint reports whether a checkpoint should be written now,
// given the number of items completed since the last checkpoint and the
// elapsed time since it was written. Either condition being met triggers
// a write; when both fire at the same instant a single checkpoint is
// written, made idempotent by the store's single-writer lock.
func (p TriggerPolicy) ShouldCheckpoint(itemsSinceLast int, elapsedSinceLast time.Duration) bool {
	if p.ItemInterval > 0 && itemsSinceLast >= p.ItemInterval {
		return true
	}
	if p.TimeInterval > 0 && elapsedSinceLast >= p.TimeInterval {
		return true
	}
	return false
}
