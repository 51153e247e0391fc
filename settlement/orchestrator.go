package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RM0420/GoalGuard-sub000/lib/logger"
	"github.com/RM0420/GoalGuard-sub000/lib/utils"
	"github.com/RM0420/GoalGuard-sub000/models"
	"github.com/RM0420/GoalGuard-sub000/storage/cache"
	storage "github.com/RM0420/GoalGuard-sub000/storage/persistent"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// goalRef returns the goal's ID for ledger and progress references, or nil
// when there is no goal.
func goalRef(goal *models.Goal) *primitive.ObjectID {
	if goal == nil {
		return nil
	}
	id := goal.ID
	return &id
}

// DateFormat is the calendar-day layout used for settlement dates.
const DateFormat = "2006-01-02"

// goalCacheTTL bounds how stale a cached active goal may be within a run.
const goalCacheTTL = 10 * time.Minute

// Publisher is the outbound edge to the app-blocking mechanism: one message
// per settled (user, date) carrying the final status. The orchestrator only
// announces outcomes; how apps get blocked is entirely external.
type Publisher interface {
	Publish(ctx context.Context, userID, date, status string) error
}

// Config carries the settlement tunables read from the environment.
type Config struct {
	// BaseRewardCoins is awarded for every met goal.
	BaseRewardCoins int64
	// StreakBonusCoins is additionally awarded when the post-increment streak
	// reaches StreakBonusThreshold.
	StreakBonusCoins     int64
	StreakBonusThreshold int
	// Workers bounds the per-user fan-out; Retries bounds transient-error
	// retries per user unit before the user is skipped for the run.
	Workers int
	Retries int
	// Location is the single reference time zone settlement dates are
	// computed in.
	Location *time.Location
}

// RunReport summarizes one orchestrator run.
type RunReport struct {
	Date     string            `json:"date"`
	Total    int               `json:"total"`
	Settled  int               `json:"settled"`
	Failed   int               `json:"failed"`
	Failures map[string]string `json:"failures,omitempty"`
}

// Orchestrator is the daily batch driver. For every user with a profile it
// evaluates the prior day, applies the streak and ledger transitions, persists
// the final status, and publishes the result. Each user's failures are
// isolated from the rest of the batch.
type Orchestrator struct {
	store     storage.StorageInterface
	cache     cache.CacheInterface
	ledger    *Ledger
	streaks   *StreakTracker
	publisher Publisher
	cfg       Config
}

// NewOrchestrator wires an Orchestrator over the given backends. The cache
// and publisher may be nil; goals are then always read from storage and no
// block signals are published.
func NewOrchestrator(store storage.StorageInterface, c cache.CacheInterface, publisher Publisher, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Orchestrator{
		store:     store,
		cache:     c,
		ledger:    NewLedger(store),
		streaks:   NewStreakTracker(store),
		publisher: publisher,
		cfg:       cfg,
	}
}

// SettlementDate returns the calendar day to settle for an invocation at the
// given instant: the previous day in the configured reference time zone.
func (o *Orchestrator) SettlementDate(now time.Time) string {
	return utils.PreviousDay(now, o.cfg.Location)
}

// Run settles the given date for every user with a profile. Per-user units
// are fanned out across the worker pool; there is no ordering requirement
// between users, only within a user's own pipeline. A user's failure is
// caught, logged with user, date and stage, counted in the report, and never
// aborts sibling users.
func (o *Orchestrator) Run(ctx context.Context, date string) (*RunReport, error) {
	if _, err := time.Parse(DateFormat, date); err != nil {
		return nil, fmt.Errorf("invalid settlement date %q: %w", date, err)
	}

	profiles, err := o.store.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}

	report := &RunReport{
		Date:     date,
		Total:    len(profiles),
		Failures: map[string]string{},
	}

	jobs := make(chan models.UserProfile)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for profile := range jobs {
				err := o.settleWithRetry(ctx, profile, date)
				mu.Lock()
				if err != nil {
					report.Failed++
					report.Failures[profile.UserID] = err.Error()
				} else {
					report.Settled++
				}
				mu.Unlock()
			}
		}()
	}

	for _, profile := range profiles {
		jobs <- profile
	}
	close(jobs)
	wg.Wait()

	logger.Sugar.Infow("settlement run finished",
		"date", date,
		"total", report.Total,
		"settled", report.Settled,
		"failed", report.Failed,
	)
	return report, nil
}

// settleWithRetry runs one user's settlement unit, retrying transient errors
// up to the configured bound. Invariant violations are not retried: they will
// fail identically on every attempt.
func (o *Orchestrator) settleWithRetry(ctx context.Context, profile models.UserProfile, date string) error {
	var err error
	for attempt := 0; attempt <= o.cfg.Retries; attempt++ {
		err = o.settleUser(ctx, profile, date)
		if err == nil {
			return nil
		}
		if isInvariantViolation(err) {
			break
		}
		logger.Sugar.Warnw("settlement attempt failed",
			"user", profile.UserID,
			"date", date,
			"attempt", attempt+1,
			"error", err,
		)
	}
	logger.Sugar.Errorw("user settlement failed, skipping for this run",
		"user", profile.UserID,
		"date", date,
		"error", err,
	)
	return err
}

// isInvariantViolation reports whether the error is a local invariant
// rejection rather than a transient data-access failure.
func isInvariantViolation(err error) bool {
	return errors.Is(err, storage.ErrInsufficientBalance) ||
		errors.Is(err, storage.ErrDuplicateTransaction)
}

// settleUser executes the evaluate, streak, ledger, persist pipeline for
// one user. The reward-inventory consumption (if any) is durably committed
// before the outcome is persisted, so a crash between the two cannot gain a
// streak save without consuming the item.
func (o *Orchestrator) settleUser(ctx context.Context, profile models.UserProfile, date string) error {
	goal, err := o.activeGoal(ctx, profile.UserID)
	if err != nil {
		return fmt.Errorf("load goal: %w", err)
	}

	progress, err := o.store.FindDailyProgress(ctx, profile.UserID, date)
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}

	if progress != nil && progress.Status != models.StatusPending {
		// A skipped record was set by an earlier reward redemption and always
		// wins: no coins, no streak effect, just re-announce it. Any other
		// non-pending status means a previous run already settled this date.
		if progress.Status == models.StatusSkipped {
			logger.Sugar.Infow("day already skipped by reward redemption",
				"user", profile.UserID, "date", date)
			o.publish(ctx, profile.UserID, date, string(models.StatusSkipped))
			return nil
		}
		logger.Sugar.Debugw("date already settled",
			"user", profile.UserID, "date", date, "status", progress.Status)
		return nil
	}

	outcome := Evaluate(goal, progress)

	if outcome == OutcomeNoActiveGoal {
		// Nothing is persisted: the day is not settled for streak purposes
		// and no auditable record is owed without a goal.
		o.publish(ctx, profile.UserID, date, string(OutcomeNoActiveGoal))
		return nil
	}

	outcome, newStreak, err := o.streaks.Apply(ctx, &profile, outcome, date)
	if err != nil {
		return fmt.Errorf("streak transition: %w", err)
	}

	if outcome == OutcomeMet {
		if err := o.awardCoins(ctx, profile.UserID, goal, date, newStreak); err != nil {
			return fmt.Errorf("award coins: %w", err)
		}
	}

	goalID := goalRef(goal)
	status := StatusFor(outcome)

	// Status and streak commit as one unit: a failure here leaves the record
	// pending, so the retry or the next run replays the whole transition.
	if err := o.store.SettleDay(ctx, profile.UserID, date, goalID, status, newStreak); err != nil {
		if errors.Is(err, storage.ErrAlreadySettled) {
			// Lost a race against a concurrent settlement of the same date;
			// that run's status and streak stand.
			logger.Sugar.Infow("date settled concurrently",
				"user", profile.UserID, "date", date)
			return nil
		}
		return fmt.Errorf("persist outcome: %w", err)
	}

	o.publish(ctx, profile.UserID, date, string(status))
	return nil
}

// awardCoins pays the base goal reward and, when the post-increment streak
// reaches the bonus threshold, the streak bonus. Both awards carry
// deterministic dedupe keys so a re-run can never double-pay.
func (o *Orchestrator) awardCoins(ctx context.Context, userID string, goal *models.Goal, date string, newStreak int) error {
	goalID := goalRef(goal)

	awarded, err := o.ledger.Award(ctx, userID, o.cfg.BaseRewardCoins, models.TxGoalReward,
		fmt.Sprintf("goal met on %s", date), goalID,
		fmt.Sprintf("%s:%s:%s", models.TxGoalReward, userID, date))
	if err != nil {
		return err
	}
	if !awarded {
		logger.Sugar.Debugw("goal reward already paid", "user", userID, "date", date)
	}

	if o.cfg.StreakBonusThreshold > 0 && newStreak >= o.cfg.StreakBonusThreshold {
		awarded, err = o.ledger.Award(ctx, userID, o.cfg.StreakBonusCoins, models.TxStreakBonus,
			fmt.Sprintf("streak of %d on %s", newStreak, date), goalID,
			fmt.Sprintf("%s:%s:%s", models.TxStreakBonus, userID, date))
		if err != nil {
			return err
		}
		if !awarded {
			logger.Sugar.Debugw("streak bonus already paid", "user", userID, "date", date)
		}
	}

	return nil
}

// activeGoal reads the user's active goal through the cache when one is
// configured. A batch run touches every user once, so a short TTL is enough
// to spare storage the second lookup on retries and re-runs.
func (o *Orchestrator) activeGoal(ctx context.Context, userID string) (*models.Goal, error) {
	if o.cache == nil {
		return o.store.FindActiveGoal(ctx, userID)
	}

	key := "goal:" + userID
	cached := &models.Goal{}
	err := o.cache.Get(ctx, key, cached)
	if err == nil {
		return cached, nil
	}
	if err != cache.ErrCacheMiss {
		logger.Sugar.Warnw("goal cache read failed", "user", userID, "error", err)
	}

	goal, err := o.store.FindActiveGoal(ctx, userID)
	if err != nil {
		return nil, err
	}
	if goal != nil {
		if err := o.cache.Set(ctx, key, goal, goalCacheTTL); err != nil {
			logger.Sugar.Warnw("goal cache write failed", "user", userID, "error", err)
		}
	}
	return goal, nil
}

// publish announces a final status to the app-blocking queue. Publication
// failure is logged but never fails the unit: the persisted record is the
// source of truth and the signal can be replayed from it.
func (o *Orchestrator) publish(ctx context.Context, userID, date, status string) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, userID, date, status); err != nil {
		logger.Sugar.Warnw("block signal publish failed",
			"user", userID, "date", date, "status", status, "error", err)
	}
}
