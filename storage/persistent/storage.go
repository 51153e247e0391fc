package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/RM0420/GoalGuard-sub000/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrDuplicateTransaction is returned when a coin transaction with the same
// dedupe key has already been appended to the ledger.
var ErrDuplicateTransaction = errors.New("duplicate coin transaction")

// ErrInsufficientBalance is returned when a negative-delta transaction would
// push a user's coin balance below zero.
var ErrInsufficientBalance = errors.New("insufficient coin balance")

// ErrAlreadySettled is returned when a daily progress record's status has
// already moved past pending and may not be overwritten.
var ErrAlreadySettled = errors.New("daily progress already settled")

// ErrProfileNotFound is returned when no profile exists for the given user.
var ErrProfileNotFound = errors.New("user profile not found")

// StorageInterface defines the set of methods that any persistent storage
// backend needs to implement for the settlement engine.
type StorageInterface interface {
	// Establishes a connection to the storage backend.
	Connect(dbName, uri string) error
	// Disconnects from the storage backend.
	Disconnect() error

	// Lists every user profile known to the system.
	ListProfiles(ctx context.Context) ([]models.UserProfile, error)
	// Finds a single user profile, or ErrProfileNotFound.
	FindProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	// Overwrites the coin balance cached on a user's profile. Used only by
	// ledger reconciliation; settlement awards go through AppendCoinTransaction.
	SetCoinBalance(ctx context.Context, userID string, balance int64) error

	// Finds the user's active goal. Returns (nil, nil) when the user has none.
	FindActiveGoal(ctx context.Context, userID string) (*models.Goal, error)

	// Finds the daily progress record for a (user, date). Returns (nil, nil)
	// when no record exists yet.
	FindDailyProgress(ctx context.Context, userID, date string) (*models.DailyProgress, error)
	// Sets the final status on a (user, date) record and the resulting streak
	// length on the profile in one transaction, creating the record if it does
	// not exist. Only a pending record may be overwritten; a settled one
	// yields ErrAlreadySettled and leaves the streak untouched.
	SettleDay(ctx context.Context, userID, date string, goalID *primitive.ObjectID, status models.ProgressStatus, streak int) error

	// Returns the quantity of a reward kind held by the user (zero if no entry).
	RewardQuantity(ctx context.Context, userID string, kind models.RewardKind) (int, error)
	// Atomically decrements the quantity of a reward kind by one. Returns
	// false without mutating state when the quantity is already zero.
	ConsumeRewardItem(ctx context.Context, userID string, kind models.RewardKind) (bool, error)
	// Adds quantity units of a reward kind to the user's inventory.
	GrantRewardItem(ctx context.Context, userID string, kind models.RewardKind, quantity int) error
	// Consumes one streak-protect reward and records its application for the
	// date in a single transaction. Returns applied=true when the save holds
	// (including when a prior run already recorded it for this date).
	ApplyStreakSave(ctx context.Context, userID, date string) (applied bool, err error)

	// Appends a coin transaction and updates the cached balance in the same
	// transaction. Yields ErrDuplicateTransaction when the dedupe key was
	// already used and ErrInsufficientBalance for an overdraft.
	AppendCoinTransaction(ctx context.Context, tx *models.CoinTransaction) (*models.CoinTransaction, error)
	// Lists a user's coin transactions, newest first.
	ListCoinTransactions(ctx context.Context, userID string) ([]models.CoinTransaction, error)
	// Sums the coin deltas over a user's entire ledger.
	SumCoinTransactions(ctx context.Context, userID string) (int64, error)
}

// NewStorage creates a new StorageInterface with a MongoDB backend,
// using the provided URI to connect to the MongoDB server.
func NewStorage(dbName, uri string) (StorageInterface, error) {
	storage := NewMongoStorage()
	err := storage.Connect(dbName, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return storage, nil
}
