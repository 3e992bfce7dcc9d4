package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomic-ledger/internal/config"
	"atomic-ledger/internal/domain"
)

func startMemoryServer(t *testing.T) *Server {
	t.Helper()

	srv, port, err := StartServer(&config.Config{
		ServerPort:  "0",
		StoreDriver: config.StoreDriverMemory,
		LockTimeout: time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, port, srv.GetPort())
	require.NotEqual(t, "0", srv.GetPort())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func post(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NoError(t, json.Unmarshal(env.Data, into))
}

func TestServer_TransferFlow(t *testing.T) {
	srv := startMemoryServer(t)
	base := srv.GetBaseURL()

	for _, acc := range []map[string]string{
		{"account_id": "ACC001", "holder_name": "John Doe", "initial_balance": "5000"},
		{"account_id": "ACC002", "holder_name": "Jane Smith", "initial_balance": "3000"},
	} {
		resp := post(t, base+"/accounts", acc)
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := post(t, base+"/transfers", map[string]string{
		"from_account_id": "ACC001", "to_account_id": "ACC002", "amount": "500",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = post(t, base+"/transfers", map[string]string{
		"from_account_id": "ACC001", "to_account_id": "ACC002", "amount": "10000",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(base + "/accounts/ACC002")
	require.NoError(t, err)
	var account struct {
		Balance string `json:"balance"`
	}
	decodeData(t, resp, &account)
	assert.Equal(t, "3500", account.Balance)

	resp, err = http.Get(base + "/transfers")
	require.NoError(t, err)
	var log []struct {
		Status string `json:"status"`
	}
	decodeData(t, resp, &log)
	require.Len(t, log, 2)
	assert.Equal(t, "SUCCESS", log[0].Status)
	assert.Equal(t, "FAILED", log[1].Status)
}

func TestServer_Health(t *testing.T) {
	srv := startMemoryServer(t)

	resp, err := http.Get(srv.GetBaseURL() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["held_locks"])
}

func TestNewServer_UnknownDriver(t *testing.T) {
	_, _, err := StartServer(&config.Config{ServerPort: "0", StoreDriver: "sqlite"})
	assert.Error(t, err)
}

func TestServer_RouterServesHealthInProcess(t *testing.T) {
	srv := startMemoryServer(t)

	rec := httptest.NewRecorder()
	srv.GetRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.GetRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/accounts", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type capturingPublisher struct {
	topics []string
}

func (p *capturingPublisher) Publish(ctx context.Context, topic string, event any) error {
	p.topics = append(p.topics, topic)
	return nil
}

func TestTopicPublisher(t *testing.T) {
	inner := &capturingPublisher{}
	p := topicPublisher{
		publisher: inner,
		topics:    map[string]string{domain.TopicTransferCompleted: "ledger.transfers"},
	}

	require.NoError(t, p.Publish(context.Background(), domain.TopicTransferCompleted, struct{}{}))
	require.NoError(t, p.Publish(context.Background(), "audit", struct{}{}))

	assert.Equal(t, []string{"ledger.transfers", "audit"}, inner.topics)
}
