package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/RM0420/GoalGuard-sub000/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStorage is a struct representing a MongoDB storage.
// It provides an interface to perform the settlement engine's operations on
// the various collections in the MongoDB database.
type MongoStorage struct {
	client *mongo.Client
	dbName string
}

// NewMongoStorage creates a new instance of MongoStorage.
// This function doesn't establish a connection to the MongoDB server.
// To connect to the server, use the Connect method of the returned MongoStorage instance.
func NewMongoStorage() *MongoStorage {
	return &MongoStorage{}
}

// Connect establishes a connection to the MongoDB server at the given URI and
// database name, and sets up the indexes the settlement invariants depend on.
// Returns an error if any issues are encountered.
func (m *MongoStorage) Connect(dbName, uri string) error {

	// Set a timeout for the connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("error connecting to MongoDB: %v", err)
	}

	m.client = client
	m.dbName = dbName

	db := m.client.Database(m.dbName)

	// One profile per user.
	_, err = db.Collection("profiles").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.M{"user_id": 1},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("error creating user_id index on profiles: %v", err)
	}

	// At most one active goal per user. The partial filter keeps the unique
	// constraint off deactivated goals, so goal history is preserved.
	_, err = db.Collection("goals").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.M{"user_id": 1},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"active": true}),
	})
	if err != nil {
		return fmt.Errorf("error creating active goal index on goals: %v", err)
	}

	// One progress record per (user, date).
	_, err = db.Collection("dailyProgress").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "date", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("error creating user_id and date index on dailyProgress: %v", err)
	}

	// One inventory entry per (user, kind).
	_, err = db.Collection("rewardItems").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "kind", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("error creating user_id and kind index on rewardItems: %v", err)
	}

	// At most one streak-saver application per (user, date).
	_, err = db.Collection("streakSaves").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "date", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("error creating user_id and date index on streakSaves: %v", err)
	}

	// Ledger lookups by user, and a sparse unique constraint on the dedupe
	// key so replayed settlement awards bounce off the index.
	_, err = db.Collection("coinTransactions").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.M{"user_id": 1},
		Options: options.Index(),
	})
	if err != nil {
		return fmt.Errorf("error creating user_id index on coinTransactions: %v", err)
	}
	_, err = db.Collection("coinTransactions").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.M{"dedupe_key": 1},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"dedupe_key": bson.M{"$type": "string"}}),
	})
	if err != nil {
		return fmt.Errorf("error creating dedupe_key index on coinTransactions: %v", err)
	}

	return nil
}

// Disconnect closes the connection to the MongoDB server.
// It should be called when the MongoStorage instance is no longer needed.
func (m *MongoStorage) Disconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := m.client.Disconnect(ctx)
	if err != nil {
		return fmt.Errorf("error disconnecting from MongoDB: %v", err)
	}

	return nil
}

// isDuplicateKey reports whether the given error is a MongoDB unique-index
// violation (error code 11000).
func isDuplicateKey(err error) bool {
	if writeException, ok := err.(mongo.WriteException); ok {
		for _, writeError := range writeException.WriteErrors {
			if writeError.Code == 11000 {
				return true
			}
		}
	}
	if commandErr, ok := err.(mongo.CommandError); ok && commandErr.Code == 11000 {
		return true
	}
	return false
}

// ListProfiles returns every user profile in the 'profiles' collection.
func (m *MongoStorage) ListProfiles(ctx context.Context) ([]models.UserProfile, error) {
	collection := m.client.Database(m.dbName).Collection("profiles")
	cursor, err := collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var profiles []models.UserProfile
	for cursor.Next(ctx) {
		var profile models.UserProfile
		if err := cursor.Decode(&profile); err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}

	return profiles, cursor.Err()
}

// FindProfile finds the profile document for the given user.
// Returns ErrProfileNotFound if the user has no profile.
func (m *MongoStorage) FindProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	collection := m.client.Database(m.dbName).Collection("profiles")
	profile := &models.UserProfile{}
	err := collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(profile)
	if err == mongo.ErrNoDocuments {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// SetCoinBalance overwrites the cached coin balance on a user's profile.
// Used by ledger reconciliation only.
func (m *MongoStorage) SetCoinBalance(ctx context.Context, userID string, balance int64) error {
	collection := m.client.Database(m.dbName).Collection("profiles")
	result, err := collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{"coins": balance}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// FindActiveGoal finds the user's single active goal.
// Returns (nil, nil) when the user has no active goal.
func (m *MongoStorage) FindActiveGoal(ctx context.Context, userID string) (*models.Goal, error) {
	collection := m.client.Database(m.dbName).Collection("goals")
	goal := &models.Goal{}
	err := collection.FindOne(ctx, bson.M{"user_id": userID, "active": true}).Decode(goal)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return goal, nil
}

// FindDailyProgress finds the progress record for a (user, date).
// Returns (nil, nil) when no record exists for that date.
func (m *MongoStorage) FindDailyProgress(ctx context.Context, userID, date string) (*models.DailyProgress, error) {
	collection := m.client.Database(m.dbName).Collection("dailyProgress")
	progress := &models.DailyProgress{}
	err := collection.FindOne(ctx, bson.M{"user_id": userID, "date": date}).Decode(progress)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return progress, nil
}

// SettleDay sets the final settlement status on a (user, date) progress
// record and the resulting streak length on the profile inside a single
// MongoDB transaction, so a crash or transient failure can never commit one
// without the other. Only a pending record may be overwritten; if the record
// exists with any other status the call fails with ErrAlreadySettled and the
// streak is left untouched. If no record exists one is created, so an
// auditable record always exists for a settled day with an active goal.
func (m *MongoStorage) SettleDay(ctx context.Context, userID, date string, goalID *primitive.ObjectID, status models.ProgressStatus, streak int) error {
	session, err := m.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		progress := m.client.Database(m.dbName).Collection("dailyProgress")

		result, err := progress.UpdateOne(sc,
			bson.M{"user_id": userID, "date": date, "status": models.StatusPending},
			bson.M{"$set": bson.M{"status": status}},
		)
		if err != nil {
			return nil, err
		}
		if result.MatchedCount == 0 {
			// No pending record matched: either the record is already settled,
			// or there is no record at all for this date.
			count, err := progress.CountDocuments(sc, bson.M{"user_id": userID, "date": date})
			if err != nil {
				return nil, err
			}
			if count > 0 {
				return nil, ErrAlreadySettled
			}

			record := &models.DailyProgress{
				UserID:       userID,
				Date:         date,
				GoalID:       goalID,
				Measurements: map[string]float64{},
				Status:       status,
			}
			if _, err := progress.InsertOne(sc, record); err != nil {
				return nil, err
			}
		}

		profiles := m.client.Database(m.dbName).Collection("profiles")
		updateResult, err := profiles.UpdateOne(sc,
			bson.M{"user_id": userID},
			bson.M{"$set": bson.M{"streak": streak}},
		)
		if err != nil {
			return nil, err
		}
		if updateResult.MatchedCount == 0 {
			return nil, ErrProfileNotFound
		}
		return nil, nil
	})
	if err != nil {
		// A concurrent writer created the record between the count and the
		// insert. The record exists now, so the settlement lost the race.
		if isDuplicateKey(err) {
			return ErrAlreadySettled
		}
		return err
	}
	return nil
}

// RewardQuantity returns the quantity of a reward kind held by the user.
// A missing inventory entry counts as zero.
func (m *MongoStorage) RewardQuantity(ctx context.Context, userID string, kind models.RewardKind) (int, error) {
	collection := m.client.Database(m.dbName).Collection("rewardItems")
	item := &models.RewardItem{}
	err := collection.FindOne(ctx, bson.M{"user_id": userID, "kind": kind}).Decode(item)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return item.Quantity, nil
}

// ConsumeRewardItem atomically decrements the quantity of a reward kind by
// one, but only if the quantity is greater than zero. The quantity guard in
// the filter makes concurrent consumers serialize on the document: exactly
// one matching update wins and the losers see false.
func (m *MongoStorage) ConsumeRewardItem(ctx context.Context, userID string, kind models.RewardKind) (bool, error) {
	collection := m.client.Database(m.dbName).Collection("rewardItems")
	result, err := collection.UpdateOne(ctx,
		bson.M{"user_id": userID, "kind": kind, "quantity": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"quantity": -1}},
	)
	if err != nil {
		return false, err
	}
	return result.ModifiedCount == 1, nil
}

// GrantRewardItem adds quantity units of a reward kind to the user's
// inventory, creating the entry if it doesn't exist. This is the purchase
// flow's entry point into the consumption contract.
func (m *MongoStorage) GrantRewardItem(ctx context.Context, userID string, kind models.RewardKind, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("grant quantity must be positive, got %d", quantity)
	}
	collection := m.client.Database(m.dbName).Collection("rewardItems")
	_, err := collection.UpdateOne(ctx,
		bson.M{"user_id": userID, "kind": kind},
		bson.M{"$inc": bson.M{"quantity": quantity}},
		options.Update().SetUpsert(true),
	)
	return err
}

// ApplyStreakSave consumes one streak-protect reward for the date, recording
// the application and decrementing the inventory inside a single MongoDB
// transaction so a crash cannot land between the two. If a prior run already
// recorded a save for this (user, date), the save is honored without a
// second decrement. Returns applied=false when the user holds no
// streak-protect reward.
func (m *MongoStorage) ApplyStreakSave(ctx context.Context, userID, date string) (bool, error) {
	saves := m.client.Database(m.dbName).Collection("streakSaves")

	// An existing application record means a previous run already consumed
	// the reward for this date; honor it idempotently.
	err := saves.FindOne(ctx, bson.M{"user_id": userID, "date": date}).Err()
	if err == nil {
		return true, nil
	}
	if err != mongo.ErrNoDocuments {
		return false, err
	}

	session, err := m.client.StartSession()
	if err != nil {
		return false, err
	}
	defer session.EndSession(ctx)

	applied, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		items := m.client.Database(m.dbName).Collection("rewardItems")
		result, err := items.UpdateOne(sc,
			bson.M{"user_id": userID, "kind": models.RewardStreakProtect, "quantity": bson.M{"$gt": 0}},
			bson.M{"$inc": bson.M{"quantity": -1}},
		)
		if err != nil {
			return false, err
		}
		if result.ModifiedCount == 0 {
			// Nothing to consume; abort without inserting a save record.
			return false, nil
		}

		save := &models.StreakSave{UserID: userID, Date: date}
		if _, err := saves.InsertOne(sc, save); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		if isDuplicateKey(err) {
			// A concurrent run recorded the save first; its consumption stands.
			return true, nil
		}
		return false, err
	}
	return applied.(bool), nil
}

// AppendCoinTransaction appends a ledger entry and updates the cached coin
// balance on the user's profile in the same MongoDB transaction, so the
// balance can never drift from the ledger under a crash. Negative deltas are
// guarded against overdraft inside the transaction, and duplicate dedupe
// keys surface as ErrDuplicateTransaction.
func (m *MongoStorage) AppendCoinTransaction(ctx context.Context, tx *models.CoinTransaction) (*models.CoinTransaction, error) {
	profile, err := m.FindProfile(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}
	if tx.Delta < 0 && profile.Coins+tx.Delta < 0 {
		return nil, ErrInsufficientBalance
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	session, err := m.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		ledger := m.client.Database(m.dbName).Collection("coinTransactions")
		result, err := ledger.InsertOne(sc, tx)
		if err != nil {
			return nil, err
		}
		tx.ID = result.InsertedID.(primitive.ObjectID)

		// The balance guard re-runs inside the transaction: the pre-check
		// above only exists to fail fast with a clean error.
		profiles := m.client.Database(m.dbName).Collection("profiles")
		filter := bson.M{"user_id": tx.UserID}
		if tx.Delta < 0 {
			filter["coins"] = bson.M{"$gte": -tx.Delta}
		}
		updateResult, err := profiles.UpdateOne(sc, filter, bson.M{"$inc": bson.M{"coins": tx.Delta}})
		if err != nil {
			return nil, err
		}
		if updateResult.MatchedCount == 0 {
			return nil, ErrInsufficientBalance
		}
		return nil, nil
	})
	if err != nil {
		if isDuplicateKey(err) {
			return nil, ErrDuplicateTransaction
		}
		return nil, err
	}
	return tx, nil
}

// ListCoinTransactions lists a user's coin transactions, newest first.
func (m *MongoStorage) ListCoinTransactions(ctx context.Context, userID string) ([]models.CoinTransaction, error) {
	collection := m.client.Database(m.dbName).Collection("coinTransactions")
	cursor, err := collection.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.M{"created_at": -1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var txs []models.CoinTransaction
	for cursor.Next(ctx) {
		var tx models.CoinTransaction
		if err := cursor.Decode(&tx); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}

	return txs, cursor.Err()
}

// SumCoinTransactions sums the coin deltas over a user's entire ledger.
// The result is the authoritative balance the cached profile value is
// reconciled against.
func (m *MongoStorage) SumCoinTransactions(ctx context.Context, userID string) (int64, error) {
	collection := m.client.Database(m.dbName).Collection("coinTransactions")
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$delta"}}}},
	}
	cursor, err := collection.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	var result struct {
		Total int64 `bson:"total"`
	}
	if cursor.Next(ctx) {
		if err := cursor.Decode(&result); err != nil {
			return 0, err
		}
	}
	return result.Total, cursor.Err()
}
