package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osiristrader/agent/internal/agent"
	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/reconcile"
)

type fakeStatusProvider struct {
	status agent.Status
}

func (f *fakeStatusProvider) Status() agent.Status { return f.status }

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s := New(Config{Addr: ":0"}, &fakeStatusProvider{}, time.Now(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleStatus_TradingAndClean_ReportsOK(t *testing.T) {
	provider := &fakeStatusProvider{status: agent.Status{
		Mode:          domain.ModeTrading,
		Regime:        domain.RegimeNormal,
		CycleCount:    42,
		OpenPositions: 3,
		LastReconcile: reconcile.Report{Level: reconcile.LevelOK},
	}}
	s := New(Config{Addr: ":0"}, provider, time.Now().Add(-time.Hour), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, LevelOK, resp.Level)
	assert.Equal(t, 42, resp.CycleCount)
	assert.Equal(t, 3, resp.OpenPositions)
}

func TestHandleStatus_CircuitBreakerTripped_ReportsDegraded(t *testing.T) {
	provider := &fakeStatusProvider{status: agent.Status{
		Mode:          domain.ModeObserving,
		LastReconcile: reconcile.Report{Level: reconcile.LevelOK},
	}}
	s := New(Config{Addr: ":0"}, provider, time.Now(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, LevelDegraded, resp.Level)
}

func TestHandleStatus_ReconcileCritical_ReportsCritical(t *testing.T) {
	provider := &fakeStatusProvider{status: agent.Status{
		Mode:          domain.ModeTrading,
		LastReconcile: reconcile.Report{Level: reconcile.LevelCritical, Findings: []string{"untracked holding detected"}},
	}}
	s := New(Config{Addr: ":0"}, provider, time.Now(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, LevelCritical, resp.Level)
	assert.Equal(t, []string{"untracked holding detected"}, resp.Findings)
}

func TestShutdown_BeforeStartReturnsQuickly(t *testing.T) {
	s := New(Config{Addr: ":0"}, &fakeStatusProvider{}, time.Now(), zerolog.Nop())
	assert.NoError(t, s.Shutdown(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}
