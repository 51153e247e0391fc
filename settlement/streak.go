package settlement

import (
	"context"
	"fmt"

	"github.com/RM0420/GoalGuard-sub000/models"
	storage "github.com/RM0420/GoalGuard-sub000/storage/persistent"
)

// StreakTracker resolves the streak transition for a day-outcome. It owns the
// only path that consumes streak-protect rewards, so the at-most-once
// consumption invariant is enforced here and in the storage transaction it
// delegates to.
type StreakTracker struct {
	store storage.StorageInterface
}

// NewStreakTracker creates a StreakTracker over the given storage backend.
func NewStreakTracker(store storage.StorageInterface) *StreakTracker {
	return &StreakTracker{store: store}
}

// Apply resolves the streak transition for the given outcome and returns the
// final outcome (a miss may be recoded to missed-but-streak-saved) and the
// streak length the profile should carry afterwards.
//
// Transitions:
//   - met: streak advances by one.
//   - skipped: streak held, the skip preserves it exactly.
//   - no-active-goal: streak held, the day is not settled for streak purposes.
//   - missed with a streak-protect reward available: one unit is consumed and
//     recorded for the date, streak held, outcome recoded.
//   - missed with none available: streak resets to zero.
func (t *StreakTracker) Apply(ctx context.Context, profile *models.UserProfile, outcome Outcome, date string) (Outcome, int, error) {
	switch outcome {
	case OutcomeMet:
		return OutcomeMet, profile.Streak + 1, nil

	case OutcomeSkipped, OutcomeNoActiveGoal, OutcomeStreakSaved:
		return outcome, profile.Streak, nil

	case OutcomeMissed:
		applied, err := t.store.ApplyStreakSave(ctx, profile.UserID, date)
		if err != nil {
			return OutcomeMissed, profile.Streak, fmt.Errorf("apply streak save: %w", err)
		}
		if applied {
			return OutcomeStreakSaved, profile.Streak, nil
		}
		return OutcomeMissed, 0, nil
	}

	return outcome, profile.Streak, fmt.Errorf("unknown outcome %q", outcome)
}
