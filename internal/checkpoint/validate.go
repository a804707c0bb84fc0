package checkpoint

import (
	"fmt"
	"os"
	"time"

	"github.com/mkallio/fanout/internal/errors"
)

// Validation warning thresholds.
const (
	// DefaultWarnAge is how old a checkpoint may be before resume emits
	// an age warning.
	DefaultWarnAge = 7 * 24 * time.Hour

	// DefaultWarnItems is the item count above which a checkpoint is
	// flagged as unusually large.
	DefaultWarnItems = 10000
)

// ValidationResult carries the outcome of validating a checkpoint. Every
// check runs and every failure is accumulated, so the user sees the
// complete picture in one pass. Warnings never block resume; errors block
// it unless the caller explicitly forces.
type ValidationResult struct {
	Valid    bool
	Errors   []error
	Warnings []string
}

// addError appends a blocking failure.
func (r *ValidationResult) addError(err error) {
	r.Errors = append(r.Errors, err)
	r.Valid = false
}

// addWarning appends a non-blocking observation.
func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator checks a loaded checkpoint against the current environment
// before resume. All checks are independent; none short-circuits another.
type Validator struct {
	// WarnAge is the checkpoint age beyond which a warning is emitted.
	// Zero uses DefaultWarnAge.
	WarnAge time.Duration

	// WarnItems is the item count beyond which a warning is emitted.
	// Zero uses DefaultWarnItems.
	WarnItems int

	// Now is the clock used for age checks; nil uses time.Now. Tests
	// substitute a fixed clock.
	Now func() time.Time
}

// Validate runs every check against the checkpoint and accumulates all
// failures rather than stopping at the first:
//
//   - integrity hash mismatch
//   - incompatible checkpoint format version
//   - structural item-count invariant violations
//   - workflow file missing, or modified since the checkpoint (hash mismatch)
//   - worktree path missing
//
// Age and size observations are reported as warnings only.
func (v *Validator) Validate(cp *Checkpoint) ValidationResult {
	result := ValidationResult{Valid: true}

	v.checkIntegrity(cp, &result)
	v.checkVersion(cp, &result)
	v.checkCounts(cp, &result)
	v.checkWorkflow(cp, &result)
	v.checkWorktree(cp, &result)
	v.checkAgeAndSize(cp, &result)

	return result
}

func (v *Validator) checkIntegrity(cp *Checkpoint, result *ValidationResult) {
	ok, err := VerifyIntegrity(cp)
	if err != nil {
		result.addError(errors.NewValidationError("integrity hash could not be recomputed").
			WithField("integrity_hash").
			WithCause(err))
		return
	}
	if !ok {
		result.addError(errors.NewValidationError("integrity hash mismatch").
			WithField("integrity_hash").
			WithCause(errors.ErrCheckpointCorrupted))
	}
}

func (v *Validator) checkVersion(cp *Checkpoint, result *ValidationResult) {
	if cp.Version != Version {
		result.addError(errors.NewValidationError(
			fmt.Sprintf("checkpoint format version %d is not supported (current %d)", cp.Version, Version)).
			WithField("version").
			WithValue(cp.Version))
	}
}

func (v *Validator) checkCounts(cp *Checkpoint, result *ValidationResult) {
	if got := cp.AccountedItems(); got != cp.TotalItems {
		result.addError(errors.NewValidationError(
			fmt.Sprintf("item buckets account for %d items but total_items is %d", got, cp.TotalItems)).
			WithField("total_items"))
	}
	if n := len(cp.InProgressItems); n != 0 {
		result.addError(errors.NewValidationError(
			fmt.Sprintf("checkpoint contains %d in-progress items; persisted checkpoints must have none", n)).
			WithField("in_progress_items"))
	}
}

func (v *Validator) checkWorkflow(cp *Checkpoint, result *ValidationResult) {
	if cp.WorkflowPath == "" {
		result.addError(errors.NewValidationError("checkpoint records no workflow path").
			WithField("workflow_path"))
		return
	}

	if _, err := os.Stat(cp.WorkflowPath); err != nil {
		if os.IsNotExist(err) {
			result.addError(errors.NewValidationError("workflow file no longer exists").
				WithField("workflow_path").
				WithValue(cp.WorkflowPath))
		} else {
			result.addError(errors.NewValidationError("workflow file could not be checked").
				WithField("workflow_path").
				WithCause(err))
		}
		return
	}

	currentHash, err := HashFile(cp.WorkflowPath)
	if err != nil {
		result.addError(errors.NewValidationError("workflow file could not be hashed").
			WithField("workflow_hash").
			WithCause(err))
		return
	}
	if currentHash != cp.WorkflowHash {
		result.addError(errors.NewValidationError(
			"workflow file was modified after this checkpoint was created").
			WithField("workflow_hash").
			WithCause(errors.ErrWorkflowModified))
	}
}

func (v *Validator) checkWorktree(cp *Checkpoint, result *ValidationResult) {
	if cp.WorktreePath == "" {
		return
	}
	if _, err := os.Stat(cp.WorktreePath); err != nil {
		if os.IsNotExist(err) {
			result.addError(errors.NewValidationError("worktree path no longer exists").
				WithField("worktree_path").
				WithValue(cp.WorktreePath))
		} else {
			result.addError(errors.NewValidationError("worktree path could not be checked").
				WithField("worktree_path").
				WithCause(err))
		}
	}
}

func (v *Validator) checkAgeAndSize(cp *Checkpoint, result *ValidationResult) {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	warnAge := v.WarnAge
	if warnAge == 0 {
		warnAge = DefaultWarnAge
	}
	warnItems := v.WarnItems
	if warnItems == 0 {
		warnItems = DefaultWarnItems
	}

	if age := now().Sub(cp.CreatedAt); age > warnAge {
		result.addWarning("checkpoint is %s old; the repository may have drifted since it was written",
			age.Round(time.Hour))
	}
	if cp.TotalItems > warnItems {
		result.addWarning("checkpoint tracks %d work items; loading may be slow", cp.TotalItems)
	}
}
