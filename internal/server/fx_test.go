package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Media.Dir = filepath.Join(dir, "images")
	cfg.Credentials.FilePath = filepath.Join(dir, "configs", "session.json")
	cfg.Browser.UserDataDir = filepath.Join(dir, "userData")
	return &cfg
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuildWithFileBackend(t *testing.T) {
	t.Parallel()

	app, err := BuildWithLogger(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	h := app.Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, h, "/session-config/set-session-config", `{"userId":"u1","configs":[{"key":"c_user","value":"1"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// xs is missing, so the job is rejected before any browser starts.
	rec = post(t, h, "/scrapper",
		`{"userId":"u1","groups":["A"],"maxPostsAgeHours":24,"maxPostsPerGroup":5,"webhookUrl":"https://hooks.example/cb"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h, "/session-config/set-session-config",
		`{"userId":"u1","configs":[{"key":"xs","value":"2"}],"useProxy":true}`)
	require.Equal(t, http.StatusBadGateway, rec.Code, "no pool configured")
}

func TestBuildWithRedisBackend(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Credentials.Backend = config.BackendRedis
	cfg.Credentials.RedisAddr = mr.Addr()

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	rec := post(t, app.Handler(), "/session-config/set-session-config", `{"userId":"u9","configs":[{"key":"c_user","value":"9"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, app.Handler(), "/session-config/get-all-config", `{"userId":"u9"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, map[string]string{"c_user": "9"}, got)
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Credentials.Backend = config.BackendRedis
	cfg.Credentials.RedisAddr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := BuildWithLogger(ctx, cfg, zap.NewNop())
	require.ErrorContains(t, err, "redis credential store init failed")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.Port = freePort(t)
	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port) + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestScrollConfigConversion(t *testing.T) {
	t.Parallel()

	got := scrollConfig(config.ScrollConfig{
		MinStep: 1, MaxStep: 2, MinDelayMs: 3, MaxDelayMs: 4,
		LongPauseProbability: 0.5, LongPauseMinMs: 5, LongPauseMaxMs: 6,
		StuckLimit: 7, StaleLimit: 8, MaxDurationSeconds: 9, MaxIterations: 10,
	})
	require.Equal(t, 3*time.Millisecond, got.MinDelay)
	require.Equal(t, 6*time.Millisecond, got.MaxLongPause)
	require.Equal(t, 9*time.Second, got.MaxDuration)
	require.Equal(t, 10, got.MaxIterations)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}
