package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/RM0420/GoalGuard-sub000/server"
	"github.com/form3tech-oss/jwt-go"
	"github.com/zalando/go-keyring"
)

// jwtSigningKey is used to mint and verify admin tokens.
var jwtSigningKey string

// ServerURL is the URL of the engine admin API the client is connecting to.
var ServerURL string

// client is the HTTP client used to make requests to the server.
var client = &http.Client{Timeout: 20 * time.Minute}

// KeyringService is the name of the service in the system keyring where the
// admin token is stored.
const KeyringService = "GoalGuard"

// KeyringKey is the keyring entry the admin token is stored under.
const KeyringKey = "admin_token"

// tokenTTL is how long a freshly minted admin token stays valid.
const tokenTTL = 12 * time.Hour

// InitAdminClient initializes the client's server URL and signing key.
// This function must be called before using any other functions in the package.
func InitAdminClient(serverURL, signingKey string) {
	ServerURL = serverURL
	jwtSigningKey = signingKey
}

// tokenValid reports whether the given token parses and has not expired.
func tokenValid(tokenStr string) bool {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSigningKey), nil
	})
	return err == nil && token.Valid
}

// adminToken returns a valid admin token, reusing the one in the system
// keyring when it has not expired and minting (and storing) a fresh one
// otherwise.
func adminToken() (string, error) {
	stored, err := keyring.Get(KeyringService, KeyringKey)
	if err == nil && tokenValid(stored) {
		return stored, nil
	}
	if err != nil && err != keyring.ErrNotFound {
		return "", fmt.Errorf("error accessing keyring: %w", err)
	}

	minted, err := server.MintToken(jwtSigningKey, "operator-cli", tokenTTL)
	if err != nil {
		return "", err
	}
	if err := keyring.Set(KeyringService, KeyringKey, minted); err != nil {
		return "", fmt.Errorf("error storing token in keyring: %w", err)
	}
	return minted, nil
}

// ForgetToken removes the stored admin token from the system keyring.
func ForgetToken() {
	keyring.Delete(KeyringService, KeyringKey)
}

// doRequest performs an authenticated request against the admin API and
// decodes the JSON response into out when out is non-nil.
func doRequest(method, path string, payload interface{}, out interface{}) error {
	token, err := adminToken()
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ServerURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return errors.New(apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// RunReport mirrors the settlement run summary returned by the admin API.
type RunReport struct {
	Date     string            `json:"date"`
	Total    int               `json:"total"`
	Settled  int               `json:"settled"`
	Failed   int               `json:"failed"`
	Failures map[string]string `json:"failures"`
}

// RunSettlement triggers a settlement run for the given date (empty for the
// default settlement date) and returns the run report.
func RunSettlement(date string) (*RunReport, error) {
	path := "/settlement/run"
	if date != "" {
		path += "?date=" + date
	}
	report := &RunReport{}
	if err := doRequest(http.MethodPost, path, nil, report); err != nil {
		return nil, err
	}
	return report, nil
}

// LedgerView mirrors the ledger inspection response of the admin API.
type LedgerView struct {
	UserID       string          `json:"user_id"`
	Balance      int64           `json:"balance"`
	LedgerTotal  int64           `json:"ledger_total"`
	Streak       int             `json:"streak"`
	Transactions json.RawMessage `json:"transactions"`
}

// GetLedger fetches a user's coin ledger and balances.
func GetLedger(userID string) (*LedgerView, error) {
	view := &LedgerView{}
	if err := doRequest(http.MethodGet, "/users/"+userID+"/ledger", nil, view); err != nil {
		return nil, err
	}
	return view, nil
}

// ReconcileResult mirrors the reconciliation response of the admin API.
type ReconcileResult struct {
	UserID   string `json:"user_id"`
	Balance  int64  `json:"balance"`
	Repaired bool   `json:"repaired"`
}

// Reconcile recomputes a user's balance from the ledger and repairs the
// cached value if needed.
func Reconcile(userID string) (*ReconcileResult, error) {
	result := &ReconcileResult{}
	if err := doRequest(http.MethodPost, "/users/"+userID+"/ledger/reconcile", nil, result); err != nil {
		return nil, err
	}
	return result, nil
}

// GrantReward adds reward items to a user's inventory.
func GrantReward(userID, kind string, quantity int) error {
	payload := map[string]interface{}{"kind": kind, "quantity": quantity}
	return doRequest(http.MethodPost, "/users/"+userID+"/rewards", payload, nil)
}

// AdjustCoins appends a manual coin adjustment to a user's ledger.
func AdjustCoins(userID string, delta int64, description string) error {
	payload := map[string]interface{}{"delta": delta, "description": description}
	return doRequest(http.MethodPost, "/users/"+userID+"/coins", payload, nil)
}
