package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kong/db-cluster-pool/internal/store/repo"
	"github.com/kong/db-cluster-pool/pkg/model"
	"github.com/kong/db-cluster-pool/pkg/pool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type fakeStore struct {
	health     model.Health
	canary     *repo.Canary
	err        error
	reconnects int
	verifies   int
}

func (s *fakeStore) Health(context.Context) model.Health { return s.health }

func (s *fakeStore) GetConnectionPoolStats() []model.MemberPoolStats {
	return []model.MemberPoolStats{
		{MemberStats: pool.MemberStats{Name: "rw:db:5432", Role: "primary", Available: true}},
		{MemberStats: pool.MemberStats{Name: "ro:db-ro:5432", Role: "replica", Weight: 2, Available: true},
			Pool: &model.PoolStats{TotalConns: 3, MaxConns: 50}},
	}
}

func (s *fakeStore) GetCanary(context.Context) (*repo.Canary, error)    { return s.canary, s.err }
func (s *fakeStore) UpdateCanary(context.Context) (*repo.Canary, error) { return s.canary, s.err }

func (s *fakeStore) GetReplicaStatus(context.Context) ([]model.ReplicaStatus, error) {
	return []model.ReplicaStatus{{ServerID: "aurora-1", SessionID: "MASTER_SESSION_ID"}}, s.err
}

func (s *fakeStore) Reconnect(context.Context) time.Duration {
	s.reconnects++
	return 1500 * time.Millisecond
}

func (s *fakeStore) Verify(context.Context) { s.verifies++ }

func newTestServer(t *testing.T, s *fakeStore) *httptest.Server {
	t.Helper()
	logger, err := SetupLogging("info")
	require.NoError(t, err)
	srv := httptest.NewServer(newRouter(&appContext{Logger: logger}, s))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	s := &fakeStore{health: model.Health{Primary: true, Replicas: 2, AvailableReplicas: 2}}
	srv := newTestServer(t, s)

	status, body := do(t, srv, "GET", "/health")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])

	s.health.AvailableReplicas = 1
	status, body = do(t, srv, "GET", "/health")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "degraded", body["status"])

	s.health.Primary = false
	status, body = do(t, srv, "GET", "/health")
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "unavailable", body["status"])
}

func TestCanary(t *testing.T) {
	s := &fakeStore{canary: &repo.Canary{ID: 9, DiffMS: 4}}
	srv := newTestServer(t, s)

	status, body := do(t, srv, "GET", "/canary")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(9), body["canary"].(map[string]interface{})["ID"])

	status, _ = do(t, srv, "POST", "/canary")
	require.Equal(t, http.StatusOK, status)

	s.err = errors.New("connection refused")
	status, body = do(t, srv, "GET", "/canary")
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "Failed to Query PG", body["error"])
	status, _ = do(t, srv, "GET", "/replstatus")
	require.Equal(t, http.StatusInternalServerError, status)
}

func TestPoolStats(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})
	status, body := do(t, srv, "GET", "/poolstats")
	require.Equal(t, http.StatusOK, status)
	stats := body["connectionPoolStats"].([]interface{})
	require.Len(t, stats, 2)
	replica := stats[1].(map[string]interface{})
	require.Equal(t, "ro:db-ro:5432", replica["name"])
	require.Equal(t, float64(2), replica["weight"])
	require.Equal(t, float64(50), replica["pool"].(map[string]interface{})["maxConns"])
	require.NotContains(t, stats[0].(map[string]interface{}), "pool")
}

func TestReplicationStatus(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})
	status, body := do(t, srv, "GET", "/replstatus")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["replicaStatusList"], 1)
}

func TestReconnect(t *testing.T) {
	s := &fakeStore{}
	srv := newTestServer(t, s)

	status, body := do(t, srv, "POST", "/reconnect")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "all", body["mode"])
	require.Equal(t, float64(1500), body["runtimeMS"])
	require.Equal(t, 1, s.reconnects)

	status, _ = do(t, srv, "POST", "/reconnect?mode=verify")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, s.verifies)

	status, _ = do(t, srv, "POST", "/reconnect?mode=sometimes")
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, 1, s.reconnects)
}

func TestSetLogLevel(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})
	status, body := do(t, srv, "PUT", "/loglevel?level=debug")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "debug", body["level"])
	require.Equal(t, zapcore.DebugLevel, logLevel.Level())

	status, body = do(t, srv, "GET", "/loglevel")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "debug", body["level"])

	status, _ = do(t, srv, "PUT", "/loglevel?level=chatty")
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, zapcore.DebugLevel, logLevel.Level())
}
