package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ProgressStatus is the lifecycle state of a daily progress record.
type ProgressStatus string

const (
	StatusPending     ProgressStatus = "pending"
	StatusCompleted   ProgressStatus = "completed"
	StatusMissed      ProgressStatus = "missed"
	StatusSkipped     ProgressStatus = "skipped"
	StatusStreakSaved ProgressStatus = "missed_but_streak_saved"
)

// GoalType enumerates the supported goal measurements. The value doubles as
// the key under which the matching measurement is recorded on a daily
// progress record, so no mapping table is needed between the two.
type GoalType string

const (
	GoalTypeStepCount   GoalType = "step_count"
	GoalTypeRunDistance GoalType = "run_distance"
)

// RewardKind enumerates the consumable and passive reward items a user can
// hold in their inventory.
type RewardKind string

const (
	RewardSkipDay         RewardKind = "skip_day"
	RewardTargetReduction RewardKind = "target_reduction"
	RewardStreakProtect   RewardKind = "streak_protect"
)

// TransactionKind tags a coin transaction with the reason it was appended.
type TransactionKind string

const (
	TxGoalReward       TransactionKind = "goal_reward"
	TxStreakBonus      TransactionKind = "streak_bonus"
	TxRewardRedemption TransactionKind = "reward_redemption"
	TxManual           TransactionKind = "manual"
)

// UserProfile holds the per-user gamification state. Coins and Streak are
// caches of ledger and settlement history; they are mutated only through the
// coin ledger and streak tracker operations.
type UserProfile struct {
	ID     primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID string             `bson:"user_id" json:"user_id"`
	Coins  int64              `bson:"coins" json:"coins"`
	Streak int                `bson:"streak" json:"streak"`
}

// Goal is a user's activity target. At most one goal is active per user at a
// time; the storage layer enforces this with a partial unique index.
type Goal struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID      string             `bson:"user_id" json:"user_id"`
	Type        GoalType           `bson:"type" json:"type"`
	Target      float64            `bson:"target" json:"target"`
	Unit        string             `bson:"unit" json:"unit"`
	BlockedApps []string           `bson:"blocked_apps" json:"blocked_apps"`
	Active      bool               `bson:"active" json:"active"`
}

// DailyProgress is the one-record-per-(user,date) settlement unit. Date is a
// calendar day formatted as 2006-01-02 in the configured reference time zone.
// Measurements is keyed by goal type, filled in by the external activity sync.
// EffectiveTarget, when set, overrides the goal's target for this date only.
type DailyProgress struct {
	ID              primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	UserID          string              `bson:"user_id" json:"user_id"`
	Date            string              `bson:"date" json:"date"`
	GoalID          *primitive.ObjectID `bson:"goal_id,omitempty" json:"goal_id,omitempty"`
	Measurements    map[string]float64  `bson:"measurements" json:"measurements"`
	Status          ProgressStatus      `bson:"status" json:"status"`
	EffectiveTarget *float64            `bson:"effective_target,omitempty" json:"effective_target,omitempty"`
	EffectiveUnit   string              `bson:"effective_unit,omitempty" json:"effective_unit,omitempty"`
}

// RewardItem is a user's inventory entry for one reward kind. Quantity never
// goes negative; consumption decrements it by exactly one under a guard.
type RewardItem struct {
	ID       primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID   string             `bson:"user_id" json:"user_id"`
	Kind     RewardKind         `bson:"kind" json:"kind"`
	Quantity int                `bson:"quantity" json:"quantity"`
}

// CoinTransaction is one append-only ledger entry. The profile's coin balance
// must always equal the sum of Delta over the user's transactions. DedupeKey,
// when non-empty, is unique across the ledger and makes settlement awards
// idempotent under re-runs.
type CoinTransaction struct {
	ID          primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	UserID      string              `bson:"user_id" json:"user_id"`
	Delta       int64               `bson:"delta" json:"delta"`
	Kind        TransactionKind     `bson:"kind" json:"kind"`
	Description string              `bson:"description" json:"description"`
	GoalID      *primitive.ObjectID `bson:"goal_id,omitempty" json:"goal_id,omitempty"`
	DedupeKey   string              `bson:"dedupe_key,omitempty" json:"dedupe_key,omitempty"`
	CreatedAt   time.Time           `bson:"created_at" json:"created_at"`
}

// StreakSave records that a passive streak-protect reward was consumed for a
// (user, date). Its unique index is what bounds consumption to at most once
// per user per calendar date.
type StreakSave struct {
	ID     primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID string             `bson:"user_id" json:"user_id"`
	Date   string             `bson:"date" json:"date"`
}
