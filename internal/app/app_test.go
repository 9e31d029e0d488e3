package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/odyssey-erp/punchsync/internal/testing/guard"

	"github.com/odyssey-erp/punchsync/internal/observability"
	"github.com/odyssey-erp/punchsync/internal/shared"
	"github.com/odyssey-erp/punchsync/internal/syncer"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ERP_BASE_URL", "https://erp.example.com")
	t.Setenv("ERP_CLIENT_ID", "client")
	t.Setenv("ERP_CLIENT_SECRET", "secret")
	t.Setenv("ERP_USERNAME", "sync")
	t.Setenv("ERP_PASSWORD", "pw")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ERP_TIMEZONE", "Asia/Jakarta")
	t.Setenv("ERP_PATH_CLOCK_IN", "/v2/clock-in")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "milmall", cfg.ERPModule)
	assert.Equal(t, 30*time.Second, cfg.ERPRequestTimeout)
	assert.Equal(t, time.Hour, cfg.ERPTokenSkew)
	assert.Equal(t, "redis", cfg.TokenStore)
	assert.Equal(t, "Asia/Jakarta", cfg.Location().String())

	module, err := cfg.Module()
	require.NoError(t, err)
	assert.Equal(t, "/v2/clock-in", module.Paths.ClockIn)
	assert.Equal(t, "/connector/api/clock-out", module.Paths.ClockOut)
	assert.Equal(t, "sync", cfg.Credentials().Username)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"missing password": {"ERP_PASSWORD", ""},
		"unknown module":   {"ERP_MODULE", "erpnext"},
		"bad timezone":     {"ERP_TIMEZONE", "Mars/Base"},
		"bad url":          {"ERP_BASE_URL", "not a url"},
		"bad level":        {"LOG_LEVEL", "loud"},
		"bad duration":     {"ERP_REQUEST_TIMEOUT", "soon"},
		"zero timeout":     {"ERP_REQUEST_TIMEOUT", "0s"},
		"bad token store":  {"TOKEN_STORE", "file"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := LoadConfig()
			require.Error(t, err)
			assert.ErrorIs(t, err, shared.ErrConfiguration)
		})
	}
}

func TestNewLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "subject_id", "7")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "7", entry["subject_id"])
}

func TestInTestMode(t *testing.T) {
	assert.True(t, InTestMode())
}

func newRouterForTest(t *testing.T, checks map[string]Pinger) (http.Handler, *syncer.RedisRunStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	runs := syncer.NewRedisRunStore(client, 0)
	return NewRouter(RouterParams{
		Config:  &Config{AppEnv: "test"},
		Module:  "milmall",
		Runs:    runs,
		Checks:  checks,
		Metrics: observability.NewMetrics(),
	}), runs
}

func TestRouterHealthz(t *testing.T) {
	router, _ := newRouterForTest(t, map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return nil }),
		"redis":    PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "ok", body["postgres"])
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestRouterLastRun(t *testing.T) {
	router, runs := newRouterForTest(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs/last", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	require.NoError(t, runs.SaveLast(context.Background(), syncer.Summary{RunID: "01HZX", Module: "milmall", Submitted: 4}))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs/last?module=milmall", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var summary syncer.Summary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	assert.Equal(t, "01HZX", summary.RunID)
	assert.Equal(t, 4, summary.Submitted)
}

func TestRouterMetrics(t *testing.T) {
	router, _ := newRouterForTest(t, nil)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `punchsync_http_requests_total{code="200",route="/healthz"} 1`)
}
