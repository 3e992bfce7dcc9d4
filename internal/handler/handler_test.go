package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomic-ledger/internal/lock"
	"atomic-ledger/internal/repository/memory"
	"atomic-ledger/internal/service"
)

func newTestRouter() *mux.Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore(logger)

	accounts := NewAccountHandler(service.NewAccountService(store, logger))
	transfers := NewTransferHandler(service.NewTransferService(store, lock.NewCoordinator(logger), logger))

	router := mux.NewRouter()
	router.HandleFunc("/accounts", accounts.CreateAccount).Methods("POST")
	router.HandleFunc("/accounts", accounts.ListAccounts).Methods("GET")
	router.HandleFunc("/accounts/{account_id}", accounts.GetAccount).Methods("GET")
	router.HandleFunc("/transfers", transfers.Transfer).Methods("POST")
	router.HandleFunc("/transfers", transfers.ListTransfers).Methods("GET")
	router.HandleFunc("/transfers/{transfer_id}", transfers.GetTransfer).Methods("GET")
	return router
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *Error          `json:"error"`
}

func do(t *testing.T, router http.Handler, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func createAccount(t *testing.T, router http.Handler, id, balance string) {
	t.Helper()
	rec, _ := do(t, router, http.MethodPost, "/accounts", CreateAccountRequest{
		AccountID:      id,
		HolderName:     "holder " + id,
		InitialBalance: balance,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestAccountEndpoints(t *testing.T) {
	router := newTestRouter()
	createAccount(t, router, "ACC001", "5000")

	rec, env := do(t, router, http.MethodGet, "/accounts/ACC001", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var account AccountResponse
	require.NoError(t, json.Unmarshal(env.Data, &account))
	assert.Equal(t, "5000", account.Balance)
	assert.Equal(t, "holder ACC001", account.HolderName)

	rec, env = do(t, router, http.MethodPost, "/accounts", CreateAccountRequest{AccountID: "ACC001"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_account", env.Error.Code)

	rec, env = do(t, router, http.MethodGet, "/accounts/NOPE", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "account_not_found", env.Error.Code)

	rec, _ = do(t, router, http.MethodPost, "/accounts", CreateAccountRequest{AccountID: "X", InitialBalance: "lots"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = do(t, router, http.MethodGet, "/accounts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []AccountResponse
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)
}

func TestTransferEndpoint(t *testing.T) {
	router := newTestRouter()
	createAccount(t, router, "ACC001", "5000")
	createAccount(t, router, "ACC002", "3000")

	rec, env := do(t, router, http.MethodPost, "/transfers", TransferRequest{
		FromAccountID: "ACC001", ToAccountID: "ACC002", Amount: "500",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ok TransferResponse
	require.NoError(t, json.Unmarshal(env.Data, &ok))
	assert.Equal(t, "SUCCESS", ok.Status)
	assert.Equal(t, "500", ok.Amount)

	rec, env = do(t, router, http.MethodPost, "/transfers", TransferRequest{
		FromAccountID: "ACC001", ToAccountID: "ACC002", Amount: "10000",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "insufficient_funds", env.Error.Code)
	var failed TransferResponse
	require.NoError(t, json.Unmarshal(env.Data, &failed))
	assert.Equal(t, "FAILED", failed.Status)
	assert.Equal(t, "insufficient_funds", failed.FailureReason)

	rec, env = do(t, router, http.MethodGet, "/accounts/ACC001", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var account AccountResponse
	require.NoError(t, json.Unmarshal(env.Data, &account))
	assert.Equal(t, "4500", account.Balance)
}

func TestTransferEndpoint_Validation(t *testing.T) {
	router := newTestRouter()
	createAccount(t, router, "ACC001", "10")

	tests := []struct {
		name    string
		body    interface{}
		headers map[string]string
	}{
		{"malformed amount", TransferRequest{FromAccountID: "ACC001", ToAccountID: "ACC002", Amount: "ten"}, nil},
		{"same account", TransferRequest{FromAccountID: "ACC001", ToAccountID: "ACC001", Amount: "1"}, nil},
		{"bad idempotency key", TransferRequest{FromAccountID: "ACC001", ToAccountID: "ACC002", Amount: "1", IdempotencyKey: "nope"}, nil},
		{"conflicting keys", TransferRequest{FromAccountID: "ACC001", ToAccountID: "ACC002", Amount: "1", IdempotencyKey: uuid.NewString()},
			map[string]string{IdempotencyKeyHeader: uuid.NewString()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, router, http.MethodPost, "/transfers", tt.body, tt.headers)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_request", env.Error.Code)
		})
	}
}

func TestTransferEndpoint_IdempotencyHeader(t *testing.T) {
	router := newTestRouter()
	createAccount(t, router, "A", "100")
	createAccount(t, router, "B", "0")

	headers := map[string]string{IdempotencyKeyHeader: uuid.NewString()}
	body := TransferRequest{FromAccountID: "A", ToAccountID: "B", Amount: "30"}

	_, first := do(t, router, http.MethodPost, "/transfers", body, headers)
	_, second := do(t, router, http.MethodPost, "/transfers", body, headers)

	var a, b TransferResponse
	require.NoError(t, json.Unmarshal(first.Data, &a))
	require.NoError(t, json.Unmarshal(second.Data, &b))
	assert.Equal(t, a.TransferID, b.TransferID)
	require.NotNil(t, b.IdempotencyKey)
	assert.Equal(t, headers[IdempotencyKeyHeader], *b.IdempotencyKey)

	_, env := do(t, router, http.MethodGet, "/accounts/A", nil, nil)
	var account AccountResponse
	require.NoError(t, json.Unmarshal(env.Data, &account))
	assert.Equal(t, "70", account.Balance)
}

func TestTransferLogEndpoints(t *testing.T) {
	router := newTestRouter()
	createAccount(t, router, "A", "100")
	createAccount(t, router, "B", "100")
	createAccount(t, router, "C", "100")

	for _, pair := range [][2]string{{"A", "B"}, {"B", "C"}, {"C", "A"}} {
		rec, _ := do(t, router, http.MethodPost, "/transfers", TransferRequest{FromAccountID: pair[0], ToAccountID: pair[1], Amount: "1"}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, env := do(t, router, http.MethodGet, "/transfers?account_id=B&limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page []TransferResponse
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page, 1)
	assert.Equal(t, "A", page[0].FromAccountID)

	rec, env = do(t, router, http.MethodGet, "/transfers?since=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page, 1)
	assert.Equal(t, "C", page[0].FromAccountID)

	rec, env = do(t, router, http.MethodGet, "/transfers/1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var one TransferResponse
	require.NoError(t, json.Unmarshal(env.Data, &one))
	assert.Equal(t, int64(1), one.TransferID)

	rec, env = do(t, router, http.MethodGet, "/transfers/99", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "transfer_not_found", env.Error.Code)

	rec, _ = do(t, router, http.MethodGet, "/transfers/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, router, http.MethodGet, "/transfers?since=x", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
