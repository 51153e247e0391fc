package settlement

import (
	"github.com/RM0420/GoalGuard-sub000/models"
)

// Outcome is the result of evaluating one user's day.
type Outcome string

const (
	// OutcomeSkipped means the record's status was already set to skipped by
	// an earlier reward redemption. It always wins over any measurements.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeNoActiveGoal means there was nothing to settle for the day.
	OutcomeNoActiveGoal Outcome = "no_active_goal"
	// OutcomeMet means measured progress reached the effective target.
	OutcomeMet Outcome = "met"
	// OutcomeMissed means measured progress fell short of the effective
	// target, or a goal existed but nothing was recorded at all.
	OutcomeMissed Outcome = "missed"
	// OutcomeStreakSaved is OutcomeMissed recoded by the streak tracker after
	// a passive streak-protect reward absorbed the miss. The evaluator never
	// produces it directly.
	OutcomeStreakSaved Outcome = "missed_but_streak_saved"
)

// Evaluate computes the day-outcome for a user given their active goal (or
// nil) and the daily progress record for the settlement date (or nil).
//
// A record already marked skipped short-circuits everything else. Without an
// active goal there is nothing to settle, including when the record points at
// a goal that no longer exists. Otherwise the one measurement whose key
// matches the goal's type is compared against the effective target: the
// per-day override when present, else the goal's own target. Values are
// compared in the goal type's own unit; any unit normalization must happen
// before the measurement reaches this function.
func Evaluate(goal *models.Goal, progress *models.DailyProgress) Outcome {
	if progress != nil && progress.Status == models.StatusSkipped {
		return OutcomeSkipped
	}

	if goal == nil {
		return OutcomeNoActiveGoal
	}

	if progress == nil {
		return OutcomeMissed
	}

	target := goal.Target
	if progress.EffectiveTarget != nil {
		target = *progress.EffectiveTarget
	}

	measured, ok := progress.Measurements[string(goal.Type)]
	if !ok {
		return OutcomeMissed
	}

	if measured >= target {
		return OutcomeMet
	}
	return OutcomeMissed
}

// StatusFor maps a final outcome onto the persisted daily progress status.
// OutcomeNoActiveGoal has no persisted status: with no goal there is no
// settled record, so callers must not persist anything for it.
func StatusFor(outcome Outcome) models.ProgressStatus {
	switch outcome {
	case OutcomeMet:
		return models.StatusCompleted
	case OutcomeMissed:
		return models.StatusMissed
	case OutcomeSkipped:
		return models.StatusSkipped
	case OutcomeStreakSaved:
		return models.StatusStreakSaved
	}
	return models.StatusPending
}
