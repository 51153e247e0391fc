package settlement

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/RM0420/GoalGuard-sub000/models"
	storage "github.com/RM0420/GoalGuard-sub000/storage/persistent"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// memStorage is an in-memory StorageInterface used by the settlement tests.
// It mirrors the backend's invariants: unique dedupe keys, guarded balance
// updates, settle-once statuses and at-most-once streak saves.
type memStorage struct {
	mu sync.Mutex

	profiles     map[string]*models.UserProfile
	goals        map[string]*models.Goal
	progress     map[string]*models.DailyProgress // keyed by userID+"|"+date
	rewards      map[string]int                   // keyed by userID+"|"+kind
	streakSaves  map[string]bool                  // keyed by userID+"|"+date
	transactions []models.CoinTransaction

	// failures maps a method name to an error every call of it should return,
	// letting tests inject backend faults for specific users.
	failures map[string]error
	failUser string
}

func newMemStorage() *memStorage {
	return &memStorage{
		profiles:    map[string]*models.UserProfile{},
		goals:       map[string]*models.Goal{},
		progress:    map[string]*models.DailyProgress{},
		rewards:     map[string]int{},
		streakSaves: map[string]bool{},
		failures:    map[string]error{},
	}
}

func (m *memStorage) failOn(method, userID string, err error) {
	m.failures[method] = err
	m.failUser = userID
}

func (m *memStorage) injected(method, userID string) error {
	if err, ok := m.failures[method]; ok && (m.failUser == "" || m.failUser == userID) {
		return err
	}
	return nil
}

func (m *memStorage) addProfile(userID string, coins int64, streak int) {
	m.profiles[userID] = &models.UserProfile{
		ID:     primitive.NewObjectID(),
		UserID: userID,
		Coins:  coins,
		Streak: streak,
	}
}

func (m *memStorage) addGoal(userID string, goalType models.GoalType, target float64) *models.Goal {
	goal := &models.Goal{
		ID:     primitive.NewObjectID(),
		UserID: userID,
		Type:   goalType,
		Target: target,
		Unit:   "steps",
		Active: true,
	}
	m.goals[userID] = goal
	return goal
}

func (m *memStorage) addProgress(userID, date string, measurements map[string]float64, status models.ProgressStatus) *models.DailyProgress {
	rec := &models.DailyProgress{
		ID:           primitive.NewObjectID(),
		UserID:       userID,
		Date:         date,
		Measurements: measurements,
		Status:       status,
	}
	m.progress[userID+"|"+date] = rec
	return rec
}

func (m *memStorage) Connect(dbName, uri string) error { return nil }
func (m *memStorage) Disconnect() error                { return nil }

func (m *memStorage) ListProfiles(ctx context.Context) ([]models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.UserProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memStorage) FindProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, storage.ErrProfileNotFound
	}
	copied := *p
	return &copied, nil
}

func (m *memStorage) SetCoinBalance(ctx context.Context, userID string, balance int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return storage.ErrProfileNotFound
	}
	p.Coins = balance
	return nil
}

func (m *memStorage) FindActiveGoal(ctx context.Context, userID string) (*models.Goal, error) {
	if err := m.injected("FindActiveGoal", userID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[userID]
	if !ok || !g.Active {
		return nil, nil
	}
	copied := *g
	return &copied, nil
}

func (m *memStorage) FindDailyProgress(ctx context.Context, userID, date string) (*models.DailyProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.progress[userID+"|"+date]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (m *memStorage) SettleDay(ctx context.Context, userID, date string, goalID *primitive.ObjectID, status models.ProgressStatus, streak int) error {
	if err := m.injected("SettleDay", userID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[userID]
	if !ok {
		return storage.ErrProfileNotFound
	}

	key := userID + "|" + date
	rec, ok := m.progress[key]
	switch {
	case !ok:
		m.progress[key] = &models.DailyProgress{
			ID:     primitive.NewObjectID(),
			UserID: userID,
			Date:   date,
			GoalID: goalID,
			Status: status,
		}
	case rec.Status != models.StatusPending:
		return storage.ErrAlreadySettled
	default:
		rec.Status = status
	}

	p.Streak = streak
	return nil
}

func (m *memStorage) RewardQuantity(ctx context.Context, userID string, kind models.RewardKind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rewards[userID+"|"+string(kind)], nil
}

func (m *memStorage) ConsumeRewardItem(ctx context.Context, userID string, kind models.RewardKind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "|" + string(kind)
	if m.rewards[key] <= 0 {
		return false, nil
	}
	m.rewards[key]--
	return true, nil
}

func (m *memStorage) GrantRewardItem(ctx context.Context, userID string, kind models.RewardKind, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rewards[userID+"|"+string(kind)] += quantity
	return nil
}

func (m *memStorage) ApplyStreakSave(ctx context.Context, userID, date string) (bool, error) {
	if err := m.injected("ApplyStreakSave", userID); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "|" + date
	if m.streakSaves[key] {
		return true, nil
	}
	rewardKey := userID + "|" + string(models.RewardStreakProtect)
	if m.rewards[rewardKey] <= 0 {
		return false, nil
	}
	m.rewards[rewardKey]--
	m.streakSaves[key] = true
	return true, nil
}

func (m *memStorage) AppendCoinTransaction(ctx context.Context, tx *models.CoinTransaction) (*models.CoinTransaction, error) {
	if err := m.injected("AppendCoinTransaction", tx.UserID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.DedupeKey != "" {
		for _, existing := range m.transactions {
			if existing.DedupeKey == tx.DedupeKey {
				return nil, storage.ErrDuplicateTransaction
			}
		}
	}

	p, ok := m.profiles[tx.UserID]
	if !ok {
		return nil, storage.ErrProfileNotFound
	}
	if tx.Delta < 0 && p.Coins+tx.Delta < 0 {
		return nil, storage.ErrInsufficientBalance
	}

	stored := *tx
	stored.ID = primitive.NewObjectID()
	stored.CreatedAt = time.Now()
	m.transactions = append(m.transactions, stored)
	p.Coins += tx.Delta
	return &stored, nil
}

func (m *memStorage) ListCoinTransactions(ctx context.Context, userID string) ([]models.CoinTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CoinTransaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		if m.transactions[i].UserID == userID {
			out = append(out, m.transactions[i])
		}
	}
	return out, nil
}

func (m *memStorage) SumCoinTransactions(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, tx := range m.transactions {
		if tx.UserID == userID {
			total += tx.Delta
		}
	}
	return total, nil
}

var errBackendDown = errors.New("backend unavailable")

// recordingPublisher captures published block signals for assertions.
type recordingPublisher struct {
	mu      sync.Mutex
	signals []string // "userID|date|status"
}

func (p *recordingPublisher) Publish(ctx context.Context, userID, date, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, userID+"|"+date+"|"+status)
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.signals))
	copy(out, p.signals)
	return out
}
