package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/relay/internal/broker"
	"github.com/aristath/relay/internal/events"
	"github.com/aristath/relay/internal/orchestrator"
	"github.com/aristath/relay/internal/pipeline"
	"github.com/aristath/relay/internal/registry"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	log := zerolog.Nop()
	bus := events.NewBus(log)
	reg := registry.New(bus, log)
	executor := pipeline.NewExecutor(broker.NewSimulatedSession(log), log)
	orch := orchestrator.New(reg, executor, bus, nil, log)

	srv := New(Config{
		Port:         0,
		Log:          log,
		Registry:     reg,
		Orchestrator: orch,
		Bus:          bus,
		DevMode:      true,
	})
	return srv, reg
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	srv, reg := newTestServer(t)
	reg.InitializeAccounts([]registry.Account{{ID: 501}, {ID: 502, CumulativePnl: 1250.5}})
	reg.SetMasterKillSwitch(true)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "deactivated", resp.UnifiedState)
	assert.Equal(t, "disconnected", resp.BrokerState)
	assert.True(t, resp.MasterSwitch)
	assert.Equal(t, 2, resp.AccountCount)
	assert.InDelta(t, 1250.5, resp.CumulativePnl, 0.001)
}

func TestAccounts_NeverExposeCredentials(t *testing.T) {
	srv, reg := newTestServer(t)
	reg.InitializeAccounts([]registry.Account{{ID: 501, Name: "EVAL-501", Balance: 50000}})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/accounts", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var accounts []registry.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, "EVAL-501", accounts[0].Name)

	body := strings.ToLower(rec.Body.String())
	assert.NotContains(t, body, "token")
	assert.NotContains(t, body, "api_key")
	assert.NotContains(t, body, "password")
}

func TestKillSwitch(t *testing.T) {
	srv, reg := newTestServer(t)
	require.False(t, reg.MasterEnabled())

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/killswitch", strings.NewReader(`{"enabled":true}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reg.MasterEnabled())

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/killswitch", strings.NewReader(`{"enabled":false}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, reg.MasterEnabled())
}

func TestKillSwitch_BadBody(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/killswitch", strings.NewReader(`nope`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccountTrading(t *testing.T) {
	srv, reg := newTestServer(t)
	reg.InitializeAccounts([]registry.Account{{ID: 501}})
	reg.SetMasterKillSwitch(true)
	require.True(t, reg.CanTrade(501))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/accounts/501/trading", strings.NewReader(`{"enabled":false}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, reg.CanTrade(501))
}

func TestAccountTrading_UnknownAccount(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/accounts/999/trading", strings.NewReader(`{"enabled":false}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccountTrading_BadID(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/accounts/abc/trading", strings.NewReader(`{"enabled":false}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSystem(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/system", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Contains(t, stats, "cpu_percent")
	assert.Contains(t, stats, "mem_percent")
}

func TestEventStream_UnsubscribesOnDisconnect(t *testing.T) {
	log := zerolog.Nop()
	bus := events.NewBus(log)
	reg := registry.New(bus, log)
	executor := pipeline.NewExecutor(broker.NewSimulatedSession(log), log)
	orch := orchestrator.New(reg, executor, bus, nil, log)
	srv := New(Config{
		Port:         0,
		Log:          log,
		Registry:     reg,
		Orchestrator: orch,
		Bus:          bus,
		DevMode:      true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.Router().ServeHTTP(rec, req)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not return on client disconnect")
	}

	// The connection's catch-all subscription must be gone, not left firing
	// into an abandoned channel
	assert.Equal(t, 0, bus.AllSubscriberCount())
}
