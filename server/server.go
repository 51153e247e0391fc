package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/RM0420/GoalGuard-sub000/lib/logger"
	"github.com/RM0420/GoalGuard-sub000/lib/utils"
	"github.com/RM0420/GoalGuard-sub000/models"
	"github.com/RM0420/GoalGuard-sub000/settlement"
	storage "github.com/RM0420/GoalGuard-sub000/storage/persistent"
	"github.com/form3tech-oss/jwt-go"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Server exposes the engine's admin API: the manual settlement trigger for
// the external scheduler, ledger inspection and reconciliation, and the
// inventory grant used by the purchase flow.
type Server struct {
	store        storage.StorageInterface
	orchestrator *settlement.Orchestrator
	ledger       *settlement.Ledger
	signingKey   string
}

// NewServer wires a Server over the given backends.
func NewServer(store storage.StorageInterface, orchestrator *settlement.Orchestrator, signingKey string) *Server {
	return &Server{
		store:        store,
		orchestrator: orchestrator,
		ledger:       settlement.NewLedger(store),
		signingKey:   signingKey,
	}
}

// jwtMiddleware is a middleware function that performs JWT validation.
//
// It reads the JWT from the Authorization header of the HTTP request,
// verifies the token's signature and checks if it has expired. Every admin
// endpoint sits behind it, so an absent or invalid token rejects the request
// outright with 401.
func jwtMiddleware(signingKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		splitToken := strings.Split(authHeader, "Bearer ")
		if authHeader == "" || len(splitToken) != 2 {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		token, err := jwt.Parse(splitToken[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(signingKey), nil
		})
		if err != nil || !token.Valid {
			logger.Sugar.Warnw("rejected admin request", "path", r.URL.Path, "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware is a middleware function that recovers from panics and
// provides a generic error message to the client.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Sugar.Errorf("Panic recovered: %s", err)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Router builds the admin API router. Health stays open; everything else is
// behind the JWT middleware.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	admin := r.PathPrefix("/").Subrouter()
	admin.HandleFunc("/settlement/run", s.handleRunSettlement).Methods(http.MethodPost)
	admin.HandleFunc("/users/{id}/ledger", s.handleListLedger).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}/ledger/reconcile", s.handleReconcile).Methods(http.MethodPost)
	admin.HandleFunc("/users/{id}/coins", s.handleManualCoins).Methods(http.MethodPost)
	admin.HandleFunc("/users/{id}/rewards", s.handleGrantReward).Methods(http.MethodPost)
	admin.Use(func(next http.Handler) http.Handler {
		return jwtMiddleware(s.signingKey, next)
	})

	corsOrigins := handlers.AllowedOrigins([]string{"*"})
	corsMethods := handlers.AllowedMethods([]string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"})
	corsHeaders := handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization"})
	corsRouter := handlers.CORS(corsOrigins, corsMethods, corsHeaders)(r)

	return handlers.LoggingHandler(os.Stdout, recoveryMiddleware(corsRouter))
}

// Start runs the admin API server at the given URL until the process exits.
func (s *Server) Start(serverURL string) error {
	u, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}

	server := &http.Server{
		Handler:      s.Router(),
		Addr:         u.Host,
		WriteTimeout: 15 * time.Minute, // settlement runs synchronously
		ReadTimeout:  15 * time.Second,
	}

	logger.Sugar.Infow("admin server listening", "addr", u.Host)
	return server.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Errorf("error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRunSettlement triggers a settlement run. The date query parameter
// selects the day to settle; when absent, the previous calendar day in the
// configured reference time zone is used. This is the entry point for the
// external daily scheduler.
func (s *Server) handleRunSettlement(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = s.orchestrator.SettlementDate(time.Now())
	}
	if !utils.ValidateDate(date) {
		writeError(w, http.StatusBadRequest, "date must be formatted as 2006-01-02")
		return
	}

	report, err := s.orchestrator.Run(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleListLedger returns a user's coin transactions plus the cached and
// recomputed balances, so drift is visible without mutating anything.
func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	profile, err := s.store.FindProfile(r.Context(), userID)
	if errors.Is(err, storage.ErrProfileNotFound) {
		writeError(w, http.StatusNotFound, "user profile not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	txs, err := s.store.ListCoinTransactions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	total, err := s.store.SumCoinTransactions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      userID,
		"balance":      profile.Coins,
		"ledger_total": total,
		"streak":       profile.Streak,
		"transactions": txs,
	})
}

// handleReconcile recomputes a user's balance from the ledger alone and
// repairs the cached value if it drifted.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	balance, repaired, err := s.ledger.Reconcile(r.Context(), userID)
	if errors.Is(err, storage.ErrProfileNotFound) {
		writeError(w, http.StatusNotFound, "user profile not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"balance":  balance,
		"repaired": repaired,
	})
}

type manualCoinsRequest struct {
	Delta       int64  `json:"delta"`
	Description string `json:"description"`
}

// handleManualCoins appends a manual coin adjustment to the user's ledger.
func (s *Server) handleManualCoins(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	var req manualCoinsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Delta == 0 {
		writeError(w, http.StatusBadRequest, "delta must be non-zero")
		return
	}
	if req.Description == "" {
		req.Description = "manual adjustment"
	}

	_, err := s.ledger.Award(r.Context(), userID, req.Delta, models.TxManual, req.Description, nil, "")
	if errors.Is(err, storage.ErrInsufficientBalance) {
		writeError(w, http.StatusUnprocessableEntity, "insufficient coin balance")
		return
	}
	if errors.Is(err, storage.ErrProfileNotFound) {
		writeError(w, http.StatusNotFound, "user profile not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

type grantRewardRequest struct {
	Kind     models.RewardKind `json:"kind"`
	Quantity int               `json:"quantity"`
}

// handleGrantReward adds reward items to a user's inventory. This is the
// purchase flow's entry point into the consumption contract.
func (s *Server) handleGrantReward(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	var req grantRewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Kind {
	case models.RewardSkipDay, models.RewardTargetReduction, models.RewardStreakProtect:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown reward kind %q", req.Kind))
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "quantity must be positive")
		return
	}

	if err := s.store.GrantRewardItem(r.Context(), userID, req.Kind, req.Quantity); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

// MintToken creates a signed admin token for the operator CLI. Expiry is
// deliberately short; the CLI re-mints on demand.
func MintToken(signingKey, subject string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(ttl).Unix(),
	}

	newToken := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := newToken.SignedString([]byte(signingKey))
	if err != nil {
		return "", errors.New("failed to create admin token")
	}

	return signedToken, nil
}
