package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surf-session-core/internal/browser"
	"github.com/surf-session-core/internal/config"
	"github.com/surf-session-core/internal/metrics"
	"github.com/surf-session-core/internal/profile"
	"github.com/surf-session-core/internal/registry"
	"github.com/surf-session-core/internal/selector"
	"github.com/surf-session-core/internal/session"
	"github.com/surf-session-core/internal/storage"
	"github.com/surf-session-core/internal/types"
)

type fakeContext struct{}

func (fakeContext) SnapshotState(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"cookies":[],"origins":[]}`), nil
}

func (fakeContext) ViewportSize() *types.Viewport { return nil }

func (fakeContext) Close() error { return nil }

type testEnv struct {
	server  *Server
	proxies *registry.Registry
	opened  []types.ContextOptions
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}

	collector := metrics.NewCollector("test")

	profiles, err := profile.NewStore(t.TempDir(), profile.WithMetrics(collector))
	require.NoError(t, err)

	store, err := storage.NewFileStorage(filepath.Join(t.TempDir(), "proxies.json"))
	require.NoError(t, err)
	reg, err := registry.New(store, nil, registry.WithMetrics(collector))
	require.NoError(t, err)

	sel := selector.New(reg, selector.WithMetrics(collector))
	reg.AttachBinder(sel)

	env := &testEnv{proxies: reg}
	engine := browser.EngineFunc(func(ctx context.Context, launch types.LaunchOptions, opts types.ContextOptions) (browser.Context, error) {
		env.opened = append(env.opened, opts)
		return fakeContext{}, nil
	})
	manager := browser.NewManager(engine, profiles, sel, session.NewTable[browser.Context](collector))

	env.server = NewServer(cfg, Services{
		Profiles: profiles,
		Proxies:  reg,
		Selector: sel,
		Browser:  manager,
	}, collector)
	return env
}

func (e *testEnv) call(t *testing.T, op Operation, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/operations/"+string(op), strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestUnknownOperation(t *testing.T) {
	env := newTestEnv(t, nil)
	code, out := env.call(t, "proxy.explode", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, out["error"], "Unknown operation")
}

func TestProxyLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	code, out := env.call(t, OpProxyAdd, `{"server":"http://10.0.0.1:8080","country":"US"}`)
	require.Equal(t, http.StatusOK, code, out)
	added := out["result"].(map[string]any)
	id := added["id"].(string)
	assert.Equal(t, "http", added["type"])

	code, out = env.call(t, OpProxyAddLines, `{"lines":["10.0.0.2:3128","garbage"],"overrides":{"country":"DE"}}`)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, out["result"], 1)

	code, out = env.call(t, OpProxySelect, `{"session":"s1","rotation":{"enabled":true,"interval":300,"strategy":"round-robin"},"geo":{"country":"DE"}}`)
	require.Equal(t, http.StatusOK, code)
	selected := out["result"].(map[string]any)["proxy"].(map[string]any)
	assert.Equal(t, "http://10.0.0.2:3128", selected["server"])

	code, out = env.call(t, OpProxyStats, "")
	require.Equal(t, http.StatusOK, code)
	stats := out["result"].(map[string]any)
	assert.EqualValues(t, 2, stats["total"])
	assert.EqualValues(t, 1, stats["active"])

	code, out = env.call(t, OpProxyExport, `{"format":"txt"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "http://10.0.0.1:8080\nhttp://10.0.0.2:3128", out["result"].(map[string]any)["content"])

	code, _ = env.call(t, OpProxyRemove, `{"id":"`+id+`"}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = env.call(t, OpProxyGet, `{"id":"`+id+`"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestProxyTestWithoutProber(t *testing.T) {
	env := newTestEnv(t, nil)
	p, err := env.proxies.Add(types.Proxy{Server: "http://10.0.0.1:8080"})
	require.NoError(t, err)

	code, out := env.call(t, OpProxyTest, `{"id":"`+p.ID+`"}`)
	require.Equal(t, http.StatusOK, code)
	result := out["result"].(map[string]any)
	assert.Equal(t, false, result["success"])
	assert.Equal(t, "no prober configured", result["error"])
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil)

	code, _ := env.call(t, OpProxyAdd, `{"server":"ftp://nope"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.call(t, OpProxyGet, `{}`)
	assert.Equal(t, http.StatusBadRequest, code, "missing id")

	code, _ = env.call(t, OpProxyGet, `{"id":"proxy_missing","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, code, "unknown field")

	code, _ = env.call(t, OpProfileImport, `{"data":"not json"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.call(t, OpProfileDelete, `{"id":"profile_missing"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.call(t, OpProxyImport, `{"content":"","format":"xml"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSessionSaveAndLoad(t *testing.T) {
	env := newTestEnv(t, nil)

	code, out := env.call(t, OpSessionSave, `{"session":"s1","name":"work"}`)
	assert.Equal(t, http.StatusNotFound, code, out)

	code, out = env.call(t, OpSessionOpen, `{"session":"s1","request":{"overrides":{"locale":"fr-FR"}}}`)
	require.Equal(t, http.StatusOK, code, out)
	assert.Nil(t, out["result"].(map[string]any)["proxy"])
	require.Len(t, env.opened, 1)
	assert.Equal(t, "fr-FR", env.opened[0].Locale)

	code, out = env.call(t, OpSessionSave, `{"session":"s1","name":"work","metadata":{"team":"qa"}}`)
	require.Equal(t, http.StatusOK, code, out)
	saved := out["result"].(map[string]any)
	assert.Equal(t, "work", saved["name"])
	profileID := saved["id"].(string)

	code, out = env.call(t, OpSessionLoad, `{"session":"s2","request":{"profile_id":"`+profileID+`"}}`)
	require.Equal(t, http.StatusOK, code, out)
	assert.JSONEq(t, `{"cookies":[],"origins":[]}`, string(env.opened[1].StorageState))

	code, out = env.call(t, OpSessionList, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"s1", "s2"}, out["result"])

	code, _ = env.call(t, OpSessionClose, `{"session":"s1"}`)
	assert.Equal(t, http.StatusOK, code)

	code, out = env.call(t, OpProfileList, "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, out["result"], 1)
}

func TestAPIKeyAuth(t *testing.T) {
	t.Setenv("SURF_TEST_API_KEY", "secret")
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.API.EnableAPIKeyAuth = true
		cfg.API.APIKeyEnv = "SURF_TEST_API_KEY"
	})

	code, _ := env.call(t, OpProxyList, "")
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodPost, "/v1/operations/proxy.list", nil)
	req.Header.Set("X-Api-Key", "secret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.API.EnableIPRateLimit = true
		cfg.API.RateLimitPerMinute = 1
	})

	code, _ := env.call(t, OpProxyList, "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = env.call(t, OpProxyList, "")
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(60)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("10.0.0.1"))
	now = start.Add(9*time.Minute + 30*time.Second)
	assert.True(t, rl.Allow("10.0.0.2"))
	assert.Equal(t, 2, rl.Len())

	// 10.0.0.1 is idle past the TTL but the last sweep was 45s ago
	now = start.Add(10*time.Minute + 15*time.Second)
	assert.True(t, rl.Allow("10.0.0.2"))
	assert.Equal(t, 2, rl.Len())

	now = start.Add(10*time.Minute + 45*time.Second)
	assert.True(t, rl.Allow("10.0.0.2"))
	assert.Equal(t, 1, rl.Len())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.call(t, OpProxyList, "")

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_api_requests_total{endpoint="/v1/operations/proxy.list",method="POST",status="200"} 1`)
}

func TestReloadWithoutAggregator(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/reload", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOperationsListed(t *testing.T) {
	ops := Operations()
	assert.Len(t, ops, len(operationTable))
	assert.True(t, OpSessionOpen.Valid())
	assert.False(t, Operation("session.teleport").Valid())
}
