package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/RM0420/GoalGuard-sub000/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDate = "2024-03-10"

func testConfig() Config {
	return Config{
		BaseRewardCoins:      10,
		StreakBonusCoins:     5,
		StreakBonusThreshold: 3,
		Workers:              2,
		Retries:              1,
	}
}

func TestSettlementDate(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	o := NewOrchestrator(newMemStorage(), nil, nil, Config{Location: loc})

	// 03:30 UTC on March 11 is still March 10 in New York, so the day to
	// settle is March 9.
	now := time.Date(2024, 3, 11, 3, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-09", o.SettlementDate(now))

	// Later the same UTC day it is March 11 in New York, settling March 10.
	now = time.Date(2024, 3, 11, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-10", o.SettlementDate(now))
}

func TestRunRejectsMalformedDate(t *testing.T) {
	o := NewOrchestrator(newMemStorage(), nil, nil, testConfig())

	_, err := o.Run(context.Background(), "03/10/2024")
	assert.Error(t, err)
}

func TestSettleGoalMetWithStreakBonus(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 50, 2)
	store.addGoal("u1", models.GoalTypeStepCount, 10000)
	store.addProgress("u1", testDate, map[string]float64{"step_count": 12000}, models.StatusPending)
	pub := &recordingPublisher{}

	o := NewOrchestrator(store, nil, pub, testConfig())
	report, err := o.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, 0, report.Failed)

	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, 3, profile.Streak)
	// 10 base plus 5 bonus for reaching the 3-day threshold.
	assert.Equal(t, int64(65), profile.Coins)

	rec, _ := store.FindDailyProgress(context.Background(), "u1", testDate)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusCompleted, rec.Status)

	assert.Equal(t, []string{"u1|" + testDate + "|completed"}, pub.published())
}

func TestSettleGoalMetBelowBonusThreshold(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 0, 0)
	store.addGoal("u1", models.GoalTypeStepCount, 10000)
	store.addProgress("u1", testDate, map[string]float64{"step_count": 10500}, models.StatusPending)

	o := NewOrchestrator(store, nil, nil, testConfig())
	_, err := o.Run(context.Background(), testDate)
	require.NoError(t, err)

	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, 1, profile.Streak)
	assert.Equal(t, int64(10), profile.Coins)
}

func TestSettleMissWithStreakProtect(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 40, 7)
	store.addGoal("u1", models.GoalTypeStepCount, 10000)
	store.addProgress("u1", testDate, map[string]float64{"step_count": 3000}, models.StatusPending)
	store.GrantRewardItem(context.Background(), "u1", models.RewardStreakProtect, 1)
	pub := &recordingPublisher{}

	o := NewOrchestrator(store, nil, pub, testConfig())
	_, err := o.Run(context.Background(), testDate)
	require.NoError(t, err)

	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, 7, profile.Streak)
	assert.Equal(t, int64(40), profile.Coins)

	qty, _ := store.RewardQuantity(context.Background(), "u1", models.RewardStreakProtect)
	assert.Equal(t, 0, qty)

	rec, _ := store.FindDailyProgress(context.Background(), "u1", testDate)
	assert.Equal(t, models.StatusStreakSaved, rec.Status)
	assert.Equal(t, []string{"u1|" + testDate + "|missed_but_streak_saved"}, pub.published())
}

func TestSettleMissWithoutProtectResetsStreak(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 40, 7)
	store.addGoal("u1", models.GoalTypeStepCount, 10000)
	store.addProgress("u1", testDate, map[string]float64{"step_count": 3000}, models.StatusPending)

	o := NewOrchestrator(store, nil, nil, testConfig())
	_, err := o.Run(context.Background(), testDate)
	require.NoError(t, err)

	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, 0, profile.Streak)
	assert.Equal(t, int64(40), profile.Coins)

	rec, _ := store.FindDailyProgress(context.Background(), "u1", testDate)
	assert.Equal(t, models.StatusMissed, rec.Status)
}

func TestSettleSkippedDayUntouched(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 40, 7)
	store.addGoal("u1", models.GoalTypeStepCount, 10000)
	store.addProgress("u1", testDate, map[string]float64{"step_count": 20000}, models.StatusSkipped)
	store.GrantRewardItem(context.Background(), "u1", models.RewardStreakProtect, 1)
	pub := &recordingPublisher{}

	o := NewOrchestrator(store, nil, pub, testConfig())
	_, err := o.Run(context.Background(), testDate)
	require.NoError(t, err)

	// The skip wins even over a met measurement: no coins, streak held, no
	// reward consumed, status untouched.
	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, 7, profile.Streak)
	assert.Equal(t, int64(40), profile.Coins)

	qty, _ := store.RewardQuantity(context.Background(), "u1", models.RewardStreakProtect)
	assert.Equal(t, 1, qty)

	rec, _ := store.FindDailyProgress(context.Background(), "u1", testDate)
	assert.Equal(t, models.StatusSkipped, rec.Status)
	assert.Equal(t, []string{"u1|" + testDate + "|skipped"}, pub.published())
}

func TestSettleNoActiveGoal(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 40, 7)
	pub := &recordingPublisher{}

	o := NewOrchestrator(store, nil, pub, testConfig())
	report, err := o.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)

	// Nothing persisted, streak and coins untouched, only the announcement.
	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, 7, profile.Streak)
	assert.Equal(t, int64(40), profile.Coins)

	rec, _ := store.FindDailyProgress(context.Background(), "u1", testDate)
	assert.Nil(t, rec)
	assert.Equal(t, []string{"u1|" + testDate + "|no_active_goal"}, pub.published())
}

func TestSettleDanglingGoalReference(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 0, 3)
	// The record references measurements but the user deactivated their goal
	// before settlement ran.
	store.addProgress("u1", testDate, map[string]float64{"step_count": 12000}, models.StatusPending)

	o := NewOrchestrator(store, nil, nil, testConfig())
	_, err := o.Run(context.Background(), testDate)
	require.NoError(t, err)

	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, 3, profile.Streak)
	assert.Equal(t, int64(0), profile.Coins)

	rec, _ := store.FindDailyProgress(context.Background(), "u1", testDate)
	assert.Equal(t, models.StatusPending, rec.Status)
}

func TestRunIsIdempotent(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 0, 2)
	store.addGoal("u1", models.GoalTypeStepCount, 10000)
	store.addProgress("u1", testDate, map[string]float64{"step_count": 12000}, models.StatusPending)

	o := NewOrchestrator(store, nil, nil, testConfig())
	_, err := o.Run(context.Background(), testDate)
	require.NoError(t, err)
	report, err := o.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)

	// The second run changes nothing: same streak, same coins, one ledger
	// entry per award.
	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, 3, profile.Streak)
	assert.Equal(t, int64(15), profile.Coins)

	txs, _ := store.ListCoinTransactions(context.Background(), "u1")
	assert.Len(t, txs, 2)
}

func TestCoinAwardReplayAfterPartialFailure(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 0, 0)
	store.addGoal("u1", models.GoalTypeStepCount, 10000)
	store.addProgress("u1", testDate, map[string]float64{"step_count": 12000}, models.StatusPending)

	// The first run pays the award but crashes before persisting the outcome.
	store.failOn("SettleDay", "u1", errBackendDown)
	o := NewOrchestrator(store, nil, nil, testConfig())
	report, err := o.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	// The retry completes the pipeline without double-paying.
	delete(store.failures, "SettleDay")
	report, err = o.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)

	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, int64(10), profile.Coins)

	txs, _ := store.ListCoinTransactions(context.Background(), "u1")
	assert.Len(t, txs, 1)

	rec, _ := store.FindDailyProgress(context.Background(), "u1", testDate)
	assert.Equal(t, models.StatusCompleted, rec.Status)
}

func TestStreakResetSurvivesPersistFailure(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 0, 7)
	store.addGoal("u1", models.GoalTypeStepCount, 10000)
	store.addProgress("u1", testDate, map[string]float64{"step_count": 3000}, models.StatusPending)

	// The outcome persist fails transiently for the whole first run. Neither
	// the status nor the streak may land on their own, and the run must
	// report the user as failed rather than settled.
	store.failOn("SettleDay", "u1", errBackendDown)
	o := NewOrchestrator(store, nil, nil, testConfig())
	report, err := o.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Settled)
	assert.Equal(t, 1, report.Failed)

	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, 7, profile.Streak)
	rec, _ := store.FindDailyProgress(context.Background(), "u1", testDate)
	assert.Equal(t, models.StatusPending, rec.Status)

	// The next run replays the whole transition through the pending record.
	delete(store.failures, "SettleDay")
	report, err = o.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)

	profile, _ = store.FindProfile(context.Background(), "u1")
	assert.Equal(t, 0, profile.Streak)
	rec, _ = store.FindDailyProgress(context.Background(), "u1", testDate)
	assert.Equal(t, models.StatusMissed, rec.Status)
}

func TestRunIsolatesUserFailures(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 0, 0)
	store.addGoal("u1", models.GoalTypeStepCount, 10000)
	store.addProgress("u1", testDate, map[string]float64{"step_count": 12000}, models.StatusPending)

	store.addProfile("u2", 0, 0)
	store.addGoal("u2", models.GoalTypeStepCount, 10000)
	store.addProgress("u2", testDate, map[string]float64{"step_count": 12000}, models.StatusPending)

	store.failOn("AppendCoinTransaction", "u2", errBackendDown)

	o := NewOrchestrator(store, nil, nil, testConfig())
	report, err := o.Run(context.Background(), testDate)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Failures, "u2")

	// u1 settled normally despite u2's backend fault.
	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, int64(10), profile.Coins)
	rec, _ := store.FindDailyProgress(context.Background(), "u1", testDate)
	assert.Equal(t, models.StatusCompleted, rec.Status)
}

func TestBalanceMatchesLedgerAfterRun(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 25, 2)
	store.addGoal("u1", models.GoalTypeStepCount, 10000)
	store.addProgress("u1", testDate, map[string]float64{"step_count": 12000}, models.StatusPending)

	// Seed the ledger so the starting balance is backed by history.
	ledger := NewLedger(store)
	_, err := ledger.Award(context.Background(), "u1", 25, models.TxManual, "seed", nil, "")
	require.NoError(t, err)
	store.SetCoinBalance(context.Background(), "u1", 25)

	o := NewOrchestrator(store, nil, nil, testConfig())
	_, err = o.Run(context.Background(), testDate)
	require.NoError(t, err)

	profile, _ := store.FindProfile(context.Background(), "u1")
	total, _ := store.SumCoinTransactions(context.Background(), "u1")
	assert.Equal(t, total, profile.Coins)
}
