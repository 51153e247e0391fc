package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/RM0420/GoalGuard-sub000/models"
	storage "github.com/RM0420/GoalGuard-sub000/storage/persistent"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Ledger is the coin-ledger service. Every coin movement in the system goes
// through Award, which validates the delta against the transaction kind and
// delegates the atomic append-and-recompute to the storage backend.
type Ledger struct {
	store storage.StorageInterface
}

// NewLedger creates a Ledger over the given storage backend.
func NewLedger(store storage.StorageInterface) *Ledger {
	return &Ledger{store: store}
}

// Award appends a coin transaction for the user and updates the cached
// balance in the same unit of work. Reward kinds never dock coins, so
// goal-reward and streak-bonus deltas must be non-negative; redemption deltas
// must be non-positive and are validated against the available balance before
// the append. A non-empty dedupeKey makes the award idempotent: a replay
// returns awarded=false with no error and no state change.
func (l *Ledger) Award(ctx context.Context, userID string, delta int64, kind models.TransactionKind, description string, goalID *primitive.ObjectID, dedupeKey string) (bool, error) {
	switch kind {
	case models.TxGoalReward, models.TxStreakBonus:
		if delta < 0 {
			return false, fmt.Errorf("%s transactions must not dock coins, got delta %d", kind, delta)
		}
	case models.TxRewardRedemption:
		if delta > 0 {
			return false, fmt.Errorf("redemption transactions must not add coins, got delta %d", delta)
		}
	case models.TxManual:
		// Any sign; overdraft is still rejected by the storage layer.
	default:
		return false, fmt.Errorf("unknown transaction kind %q", kind)
	}

	tx := &models.CoinTransaction{
		UserID:      userID,
		Delta:       delta,
		Kind:        kind,
		Description: description,
		GoalID:      goalID,
		DedupeKey:   dedupeKey,
	}

	_, err := l.store.AppendCoinTransaction(ctx, tx)
	if errors.Is(err, storage.ErrDuplicateTransaction) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Reconcile recomputes a user's balance from the transaction log alone and
// repairs the cached profile value if it has drifted. Returns the
// authoritative balance and whether a repair was needed.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (int64, bool, error) {
	total, err := l.store.SumCoinTransactions(ctx, userID)
	if err != nil {
		return 0, false, fmt.Errorf("sum transactions: %w", err)
	}

	profile, err := l.store.FindProfile(ctx, userID)
	if err != nil {
		return 0, false, fmt.Errorf("find profile: %w", err)
	}

	if profile.Coins == total {
		return total, false, nil
	}

	if err := l.store.SetCoinBalance(ctx, userID, total); err != nil {
		return 0, false, fmt.Errorf("repair balance: %w", err)
	}
	return total, true, nil
}
