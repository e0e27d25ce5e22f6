package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SCSIExpress/pacsync/pkg/analyzer"
	"github.com/SCSIExpress/pacsync/pkg/auth"
	"github.com/SCSIExpress/pacsync/pkg/config"
	"github.com/SCSIExpress/pacsync/pkg/endpoint"
	"github.com/SCSIExpress/pacsync/pkg/events"
	"github.com/SCSIExpress/pacsync/pkg/pool"
	"github.com/SCSIExpress/pacsync/pkg/state"
	"github.com/SCSIExpress/pacsync/pkg/storage"
	"github.com/SCSIExpress/pacsync/pkg/syncer"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

const adminToken = "test-admin-token-0123456789abcdef"

type apiFixture struct {
	t     *testing.T
	srv   *httptest.Server
	coord *syncer.Coordinator
}

func newAPIFixture(t *testing.T) *apiFixture {
	return newAPIFixtureWith(t, 10000)
}

func newAPIFixtureWith(t *testing.T, rateLimit int) *apiFixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.API.RateLimitPerMinute = rateLimit

	tokens := auth.NewTokenManager(
		"0123456789abcdef0123456789abcdef",
		time.Hour,
		[]string{adminToken},
	)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	coord := syncer.NewCoordinator(store, broker)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { coord.Stop(50 * time.Millisecond) })

	endpoints := endpoint.NewManager(store, tokens)
	server := NewServer(Deps{
		Config:    cfg,
		Store:     store,
		Tokens:    tokens,
		Endpoints: endpoints,
		Pools:     pool.NewManager(store),
		States:    state.NewManager(store),
		Analyzer:  analyzer.NewAnalyzer(store),
		Coord:     coord,
		Broker:    broker,
	})

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &apiFixture{t: t, srv: srv, coord: coord}
}

// do issues a request and decodes the JSON response into out (when non-nil)
func (f *apiFixture) do(method, path, token string, body interface{}, out interface{}) *http.Response {
	f.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.srv.Client().Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(f.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

type registeredEndpoint struct {
	Endpoint *types.Endpoint `json:"endpoint"`
	Token    string          `json:"auth_token"`
}

func (f *apiFixture) register(name, hostname string) *registeredEndpoint {
	f.t.Helper()
	var result registeredEndpoint
	resp := f.do("POST", "/api/endpoints/register", "", map[string]string{
		"name":     name,
		"hostname": hostname,
	}, &result)
	require.Equal(f.t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(f.t, result.Token)
	return &result
}

func (f *apiFixture) createPool(name string) *types.Pool {
	f.t.Helper()
	var p types.Pool
	resp := f.do("POST", "/api/pools/", adminToken, map[string]string{"name": name}, &p)
	require.Equal(f.t, http.StatusCreated, resp.StatusCode)
	return &p
}

func (f *apiFixture) assign(endpointID, poolID string) {
	f.t.Helper()
	resp := f.do("PUT", "/api/endpoints/"+endpointID+"/pool?pool_id="+poolID, adminToken, nil, nil)
	require.Equal(f.t, http.StatusOK, resp.StatusCode)
}

func (f *apiFixture) saveState(ep *registeredEndpoint, packages []types.PackageState) *types.SystemState {
	f.t.Helper()
	var saved types.SystemState
	resp := f.do("POST", "/api/states/"+ep.Endpoint.ID, ep.Token, map[string]interface{}{
		"pacman_version": "6.1.0",
		"architecture":   "x86_64",
		"packages":       packages,
	}, &saved)
	require.Equal(f.t, http.StatusCreated, resp.StatusCode)
	return &saved
}

func somePackages() []types.PackageState {
	return []types.PackageState{
		{PackageName: "linux", Version: "6.10.1-1", Repository: "core"},
		{PackageName: "pacman", Version: "6.1.0-3", Repository: "core"},
	}
}

func TestRegisterEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	first := f.register("build-host", "build-host.example.org")
	assert.Equal(t, "build-host", first.Endpoint.Name)
	assert.Equal(t, types.SyncStatusOffline, first.Endpoint.SyncStatus)

	// Same identity re-registers onto the same record with a fresh token
	second := f.register("build-host", "build-host.example.org")
	assert.Equal(t, first.Endpoint.ID, second.Endpoint.ID)
}

func TestRegisterValidation(t *testing.T) {
	f := newAPIFixture(t)

	var body struct {
		Error struct {
			Code      string            `json:"code"`
			Details   map[string]string `json:"details"`
			RequestID string            `json:"request_id"`
		} `json:"error"`
	}
	resp := f.do("POST", "/api/endpoints/register", "", map[string]string{
		"name": "no-hostname",
	}, &body)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", body.Error.Code)
	assert.Contains(t, body.Error.Details, "Hostname")
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestParamValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do("GET", "/api/endpoints/not-a-uuid", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do("GET", "/api/states/endpoint/also-bad'--", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusUpdateAuthorization(t *testing.T) {
	f := newAPIFixture(t)
	ep := f.register("auth-test", "host1.example.org")
	other := f.register("other", "host2.example.org")

	body := map[string]string{"status": "in_sync"}
	path := "/api/endpoints/" + ep.Endpoint.ID + "/status"

	resp := f.do("PUT", path, "", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do("PUT", path, other.Token, body, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do("PUT", path, ep.Token, body, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got types.Endpoint
	resp = f.do("GET", path[:len(path)-len("/status")], "", nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.SyncStatusInSync, got.SyncStatus)

	// Unknown status values are refused
	resp = f.do("PUT", path, ep.Token, map[string]string{"status": "sideways"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPoolAdminRequired(t *testing.T) {
	f := newAPIFixture(t)
	ep := f.register("not-admin", "host1.example.org")

	resp := f.do("POST", "/api/pools/", "", map[string]string{"name": "denied"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do("POST", "/api/pools/", ep.Token, map[string]string{"name": "denied"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do("POST", "/api/pools/", adminToken, map[string]string{"name": "allowed"}, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestPoolCascadeDelete(t *testing.T) {
	f := newAPIFixture(t)
	ep := f.register("member", "host1.example.org")
	p := f.createPool("workstations")
	f.assign(ep.Endpoint.ID, p.ID)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	resp := f.do("DELETE", "/api/pools/"+p.ID, adminToken, nil, &body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", body.Error.Code)

	resp = f.do("DELETE", "/api/pools/"+p.ID+"?cascade=true", adminToken, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The member survives, detached
	var got types.Endpoint
	resp = f.do("GET", "/api/endpoints/"+ep.Endpoint.ID, "", nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, got.PoolID)
}

func TestSyncLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	ep := f.register("sync-target", "host1.example.org")
	p := f.createPool("servers")
	f.assign(ep.Endpoint.ID, p.ID)

	saved := f.saveState(ep, somePackages())

	resp := f.do("PUT", "/api/pools/"+p.ID+"/target", adminToken,
		map[string]string{"state_id": saved.ID}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var op types.SyncOperation
	resp = f.do("POST", "/api/sync/"+ep.Endpoint.ID+"/sync-to-latest", ep.Token, nil, &op)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, types.OperationSync, op.Type)

	// The coordinator picks the operation up asynchronously
	require.Eventually(t, func() bool {
		var got types.SyncOperation
		f.do("GET", "/api/sync/operations/"+op.ID, "", nil, &got)
		return got.Status == types.OperationInProgress
	}, 2*time.Second, 10*time.Millisecond)

	resp = f.do("POST", "/api/sync/operations/"+op.ID+"/progress", ep.Token,
		map[string]interface{}{"stage": "downloading", "percentage": 40}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var done types.SyncOperation
	resp = f.do("POST", "/api/sync/operations/"+op.ID+"/complete", ep.Token,
		map[string]interface{}{"success": true}, &done)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.OperationCompleted, done.Status)

	require.Eventually(t, func() bool {
		var got types.Endpoint
		f.do("GET", "/api/endpoints/"+ep.Endpoint.ID, "", nil, &got)
		return got.SyncStatus == types.SyncStatusInSync
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOperationOwnerGate(t *testing.T) {
	f := newAPIFixture(t)
	ep := f.register("owner", "host1.example.org")
	other := f.register("intruder", "host2.example.org")
	p := f.createPool("gated")
	f.assign(ep.Endpoint.ID, p.ID)

	saved := f.saveState(ep, somePackages())
	resp := f.do("PUT", "/api/pools/"+p.ID+"/target", adminToken,
		map[string]string{"state_id": saved.ID}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var op types.SyncOperation
	resp = f.do("POST", "/api/sync/"+ep.Endpoint.ID+"/sync-to-latest", ep.Token, nil, &op)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do("POST", "/api/sync/operations/"+op.ID+"/complete", other.Token,
		map[string]interface{}{"success": true}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPackageSyncFlow(t *testing.T) {
	f := newAPIFixture(t)
	ep := f.register("pkgsync", "host1.example.org")
	p := f.createPool("pkgpool")
	f.assign(ep.Endpoint.ID, p.ID)

	saved := f.saveState(ep, somePackages())
	resp := f.do("PUT", "/api/pools/"+p.ID+"/target", adminToken,
		map[string]string{"state_id": saved.ID}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Snapshot equals target: derived in_sync
	var delta types.PackageDelta
	resp = f.do("GET", "/api/package-sync/endpoints/"+ep.Endpoint.ID+"/sync-status", ep.Token, nil, &delta)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.DerivedInSync, delta.State)

	var preview struct {
		DryRun bool               `json:"dry_run"`
		Plan   types.PackageDelta `json:"plan"`
	}
	resp = f.do("POST", "/api/package-sync/endpoints/"+ep.Endpoint.ID+"/sync", ep.Token,
		map[string]bool{"dry_run": true}, &preview)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, preview.DryRun)

	// Already converged without force
	resp = f.do("POST", "/api/package-sync/endpoints/"+ep.Endpoint.ID+"/sync", ep.Token,
		map[string]bool{}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do("POST", "/api/package-sync/endpoints/"+ep.Endpoint.ID+"/sync", ep.Token,
		map[string]bool{"force": true}, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestRepositoryAnalysisOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	p := f.createPool("analyzed")

	submit := func(ep *registeredEndpoint, version string) {
		resp := f.do("POST", "/api/endpoints/"+ep.Endpoint.ID+"/repositories", ep.Token,
			map[string]interface{}{
				"repositories": []map[string]interface{}{{
					"repo_name": "core",
					"packages": []map[string]string{
						{"name": "linux", "version": version, "repository": "core", "architecture": "x86_64"},
					},
				}},
			}, nil)
		require.Equal(f.t, http.StatusOK, resp.StatusCode)
	}

	one := f.register("node-1", "host1.example.org")
	two := f.register("node-2", "host2.example.org")
	f.assign(one.Endpoint.ID, p.ID)
	f.assign(two.Endpoint.ID, p.ID)
	submit(one, "6.10.1-1")
	submit(two, "6.10.1-1")

	var analysis types.CompatibilityAnalysis
	resp := f.do("GET", "/api/repositories/analysis/"+p.ID, "", nil, &analysis)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, analysis.CommonPackages, "linux")
	assert.Empty(t, analysis.Conflicts)

	var matrix types.AvailabilityMatrix
	resp = f.do("GET", "/api/repositories/matrix/"+p.ID, "", nil, &matrix)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, matrix["linux"], 2)
}

func TestRateLimitHeaders(t *testing.T) {
	f := newAPIFixtureWith(t, 1)

	first := f.do("GET", "/api/pools/", "", nil, nil)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "1", first.Header.Get("X-RateLimit-Limit"))

	second := f.do("GET", "/api/pools/", "", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.NotEmpty(t, second.Header.Get("Retry-After"))
}

func TestErrorEnvelopeNotFound(t *testing.T) {
	f := newAPIFixture(t)

	var body struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	resp := f.do("GET", "/api/endpoints/00000000-0000-4000-8000-000000000000", "", nil, &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do("GET", "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do("GET", "/health/live", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do("GET", "/health/ready", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketEventChannel(t *testing.T) {
	f := newAPIFixture(t)
	ep := f.register("ws-client", "host1.example.org")
	p := f.createPool("ws-pool")
	f.assign(ep.Endpoint.ID, p.ID)
	saved := f.saveState(ep, somePackages())
	resp := f.do("PUT", "/api/pools/"+p.ID+"/target", adminToken,
		map[string]string{"state_id": saved.ID}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") +
		"/api/sync/" + ep.Endpoint.ID + "/status?token=" + ep.Token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	var pong map[string]string
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])

	// A submitted operation shows up on the channel
	resp = f.do("POST", "/api/sync/"+ep.Endpoint.ID+"/sync-to-latest", ep.Token, nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var event types.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, types.EventOperationStarted, event.Type)
	assert.Equal(t, ep.Endpoint.ID, event.EndpointID)
}

func TestWebSocketRejectsWrongToken(t *testing.T) {
	f := newAPIFixture(t)
	ep := f.register("ws-owner", "host1.example.org")
	other := f.register("ws-other", "host2.example.org")

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") +
		"/api/sync/" + ep.Endpoint.ID + "/status?token=" + other.Token
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestListEndpointsByPool(t *testing.T) {
	f := newAPIFixture(t)
	p := f.createPool("filtered")
	in := f.register("inside", "host1.example.org")
	f.register("outside", "host2.example.org")
	f.assign(in.Endpoint.ID, p.ID)

	var members []*types.Endpoint
	resp := f.do("GET", fmt.Sprintf("/api/endpoints/?pool_id=%s", p.ID), "", nil, &members)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, members, 1)
	assert.Equal(t, in.Endpoint.ID, members[0].ID)
}
