package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapgame-core/internal/cache"
	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/configsync"
	"github.com/tapgame-core/internal/filestore"
	"github.com/tapgame-core/internal/replication"
	"github.com/tapgame-core/internal/service"
	"github.com/tapgame-core/internal/shutdown"
	"github.com/tapgame-core/internal/websocket"
)

type testServer struct {
	server      *httptest.Server
	coordinator *shutdown.Coordinator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	recordCache := cache.New(time.Minute, logger)
	store, err := filestore.New(&config.StorageConfig{
		PlayerDir:       t.TempDir(),
		LockBackend:     config.LockBackendLocal,
		LockTimeout:     100 * time.Millisecond,
		LockTTL:         5 * time.Second,
		BackupRetention: 3,
	}, recordCache, filestore.NewLocalLocker(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	configs := configsync.New(&config.ConfigDataConfig{Dir: t.TempDir()}, logger)
	_, err = configs.SyncAll(context.Background())
	require.NoError(t, err)

	bridge := replication.NewBridge(nil, &config.ReplicationConfig{Workers: 1, BatchSize: 10, MaxPending: 10}, logger)
	coordinator := shutdown.NewCoordinator(&config.ShutdownConfig{GracePeriod: time.Second}, logger)
	store.SetNotifier(bridge)
	store.SetTracker(coordinator)

	game := config.DefaultConfig().Game
	svc := service.NewPlayerService(store, recordCache, configs, bridge, coordinator, &game, logger)

	hub := websocket.NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)
	svc.SetBroadcaster(hub)
	hub.SetSnapshotSource(svc)

	server := httptest.NewServer(NewHandler(svc, hub, logger).Router())
	t.Cleanup(server.Close)
	return &testServer{server: server, coordinator: coordinator}
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, APIResponse) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func dataMap(t *testing.T, resp APIResponse) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

func TestHandler_HealthAndReady(t *testing.T) {
	s := newTestServer(t)

	status, resp := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)

	status, _ = s.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, status)

	status, resp = s.do(t, http.MethodGet, "/api/v1/admin/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "running", dataMap(t, resp)["state"])
}

func TestHandler_PlayerLifecycle(t *testing.T) {
	s := newTestServer(t)

	status, resp := s.do(t, http.MethodGet, "/api/v1/players/u1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "u1", dataMap(t, resp)["owner_id"])

	status, resp = s.do(t, http.MethodPatch, "/api/v1/players/u1", `{"points": 120}`)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 120, dataMap(t, resp)["points"])

	status, resp = s.do(t, http.MethodPatch, "/api/v1/players/u1/alt", `{"gems": 4}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alt", dataMap(t, resp)["username"])

	status, resp = s.do(t, http.MethodPost, "/api/v1/players/u1/login", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 120, dataMap(t, resp)["points"])
}

func TestHandler_RejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"empty patch", http.MethodPatch, "/api/v1/players/u1", `{}`, http.StatusBadRequest, CodeInvalid},
		{"unknown field", http.MethodPatch, "/api/v1/players/u1", `{"score": 1}`, http.StatusBadRequest, CodeInvalid},
		{"malformed body", http.MethodPatch, "/api/v1/players/u1", `{`, http.StatusBadRequest, CodeInvalid},
		{"owner with separator", http.MethodGet, "/api/v1/players/a_b", "", http.StatusBadRequest, CodeInvalid},
		{"unknown upgrade", http.MethodPost, "/api/v1/players/u1/upgrades", `{"upgrade_id":"nope","target_level":1,"cost":1}`, http.StatusNotFound, CodeNotFound},
		{"missing upgrade id", http.MethodPost, "/api/v1/players/u1/upgrades", `{"target_level":1}`, http.StatusBadRequest, CodeInvalid},
		{"unknown variant", http.MethodGet, "/api/v1/admin/config/weapons", "", http.StatusBadRequest, CodeInvalid},
		{"missing entity", http.MethodGet, "/api/v1/admin/config/upgrades/nope", "", http.StatusNotFound, CodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestHandler_PurchaseFlow(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodPut, "/api/v1/admin/config/upgrades",
		`{"id":"tap-power","name":"Tap Power","max_level":10,"base_cost":10,"cost_multiplier":1.5,"base_value":1,"value_increment":1}`)
	require.Equal(t, http.StatusOK, status)

	status, resp := s.do(t, http.MethodGet, "/api/v1/admin/config/upgrades/tap-power", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Tap Power", dataMap(t, resp)["name"])

	status, _ = s.do(t, http.MethodPatch, "/api/v1/players/u1", `{"points": 15}`)
	require.Equal(t, http.StatusOK, status)

	status, resp = s.do(t, http.MethodPost, "/api/v1/players/u1/upgrades", `{"upgrade_id":"tap-power","target_level":1,"cost":10}`)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 5, dataMap(t, resp)["points"])

	status, resp = s.do(t, http.MethodPost, "/api/v1/players/u1/upgrades", `{"upgrade_id":"tap-power","target_level":2,"cost":15}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeInsufficient, resp.Code)

	status, _ = s.do(t, http.MethodDelete, "/api/v1/admin/config/upgrades/tap-power", "")
	require.Equal(t, http.StatusOK, status)
	status, _ = s.do(t, http.MethodGet, "/api/v1/admin/config/upgrades/tap-power", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHandler_AdminPlayers(t *testing.T) {
	s := newTestServer(t)

	for _, body := range []string{`{"points": 5}`, `{"points": 50}`} {
		_, _ = s.do(t, http.MethodPatch, "/api/v1/players/u1", body)
	}
	_, _ = s.do(t, http.MethodPatch, "/api/v1/players/u2", `{"points": 20}`)

	status, resp := s.do(t, http.MethodGet, "/api/v1/admin/players?limit=10", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, dataMap(t, resp)["total"])

	status, resp = s.do(t, http.MethodGet, "/api/v1/admin/players/top?limit=1", "")
	require.Equal(t, http.StatusOK, status)
	top, ok := resp.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, top, 1)
	assert.Equal(t, "u1", top[0].(map[string]interface{})["player_key"])

	status, resp = s.do(t, http.MethodGet, "/api/v1/admin/players/u2/rank", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, dataMap(t, resp)["rank"])

	status, resp = s.do(t, http.MethodGet, "/api/v1/admin/players/stats", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 70, dataMap(t, resp)["total_points"])

	status, _ = s.do(t, http.MethodPost, "/api/v1/admin/players/u2/archive", "")
	require.Equal(t, http.StatusOK, status)

	status, resp = s.do(t, http.MethodGet, "/api/v1/admin/players", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, dataMap(t, resp)["total"])
}

func TestHandler_DrainingReturnsTryAgain(t *testing.T) {
	s := newTestServer(t)
	s.coordinator.Shutdown(context.Background())

	status, resp := s.do(t, http.MethodPatch, "/api/v1/players/u1", `{"points": 1}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, CodeTryAgain, resp.Code)

	status, _ = s.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestHandler_WebSocketStats(t *testing.T) {
	s := newTestServer(t)

	status, resp := s.do(t, http.MethodGet, "/api/v1/ws/stats", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, dataMap(t, resp)["total_connections"])
}
