package settlement

import (
	"context"
	"testing"

	"github.com/RM0420/GoalGuard-sub000/models"
	storage "github.com/RM0420/GoalGuard-sub000/storage/persistent"
	"github.com/stretchr/testify/assert"
)

func TestAwardUpdatesBalance(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 20, 0)
	ledger := NewLedger(store)

	awarded, err := ledger.Award(context.Background(), "u1", 10, models.TxGoalReward, "goal met", nil, "goal_reward:u1:2024-03-10")
	assert.NoError(t, err)
	assert.True(t, awarded)

	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, int64(30), profile.Coins)

	total, _ := store.SumCoinTransactions(context.Background(), "u1")
	assert.Equal(t, int64(10), total)
}

func TestAwardDedupeKeyReplay(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 0, 0)
	ledger := NewLedger(store)

	awarded, err := ledger.Award(context.Background(), "u1", 10, models.TxGoalReward, "goal met", nil, "goal_reward:u1:2024-03-10")
	assert.NoError(t, err)
	assert.True(t, awarded)

	awarded, err = ledger.Award(context.Background(), "u1", 10, models.TxGoalReward, "goal met", nil, "goal_reward:u1:2024-03-10")
	assert.NoError(t, err)
	assert.False(t, awarded)

	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, int64(10), profile.Coins)
}

func TestAwardRejectsWrongSign(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 100, 0)
	ledger := NewLedger(store)

	_, err := ledger.Award(context.Background(), "u1", -5, models.TxGoalReward, "bad", nil, "")
	assert.Error(t, err)

	_, err = ledger.Award(context.Background(), "u1", 5, models.TxRewardRedemption, "bad", nil, "")
	assert.Error(t, err)

	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, int64(100), profile.Coins)
}

func TestAwardRejectsOverdraft(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 30, 0)
	ledger := NewLedger(store)

	_, err := ledger.Award(context.Background(), "u1", -50, models.TxRewardRedemption, "skip day purchase", nil, "")
	assert.ErrorIs(t, err, storage.ErrInsufficientBalance)

	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, int64(30), profile.Coins)
}

func TestReconcileRepairsDrift(t *testing.T) {
	store := newMemStorage()
	store.addProfile("u1", 0, 0)
	ledger := NewLedger(store)

	_, err := ledger.Award(context.Background(), "u1", 10, models.TxGoalReward, "goal met", nil, "")
	assert.NoError(t, err)
	_, err = ledger.Award(context.Background(), "u1", 5, models.TxStreakBonus, "streak bonus", nil, "")
	assert.NoError(t, err)

	// Simulate drift on the cached balance.
	store.SetCoinBalance(context.Background(), "u1", 999)

	balance, repaired, err := ledger.Reconcile(context.Background(), "u1")
	assert.NoError(t, err)
	assert.True(t, repaired)
	assert.Equal(t, int64(15), balance)

	profile, _ := store.FindProfile(context.Background(), "u1")
	assert.Equal(t, int64(15), profile.Coins)

	// A second pass finds nothing to repair.
	balance, repaired, err = ledger.Reconcile(context.Background(), "u1")
	assert.NoError(t, err)
	assert.False(t, repaired)
	assert.Equal(t, int64(15), balance)
}
