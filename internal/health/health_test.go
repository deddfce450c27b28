package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/clarifier/internal/circuitbreaker"
)

type fakeArchive struct {
	err  error
	open bool
}

func (f *fakeArchive) Ping(context.Context) error { return f.err }
func (f *fakeArchive) Pending() int               { return 3 }
func (f *fakeArchive) IsCircuitBreakerOpen() bool { return f.open }

type fakeBreaker bool

func (b fakeBreaker) IsCircuitBreakerOpen() bool { return bool(b) }

func newRedisChecker(t *testing.T) (*RedisHealthChecker, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisHealthChecker(circuitbreaker.NewRedisWrapper(client, "health-test", zaptest.NewLogger(t))), s
}

func serve(t *testing.T, m *Manager, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestNoCheckersIsHealthy(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusHealthy, overall.Status)
	assert.True(t, overall.Ready)

	rec, body := serve(t, m, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(NewBreakerHealthChecker("openai", fakeBreaker(false))))
	assert.Error(t, m.RegisterChecker(NewBreakerHealthChecker("openai", fakeBreaker(false))))
	assert.Error(t, m.RegisterChecker(nil))
}

func TestRedisOutageMakesServiceNotReady(t *testing.T) {
	checker, s := newRedisChecker(t)
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(checker))
	ctx := context.Background()

	assert.True(t, m.IsReady(ctx))

	s.Close()
	assert.False(t, m.IsReady(ctx))
	assert.True(t, m.IsLive(ctx))

	rec, body := serve(t, m, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["ready"])

	rec, _ = serve(t, m, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNonCriticalFailuresDegrade(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(NewArchiveHealthChecker(&fakeArchive{err: errors.New("connection refused")})))
	require.NoError(t, m.RegisterChecker(NewBreakerHealthChecker("tavily", fakeBreaker(true))))

	detailed := m.GetDetailedHealth(context.Background())
	assert.Equal(t, StatusDegraded, detailed.Overall.Status)
	assert.True(t, detailed.Overall.Ready)
	assert.Equal(t, 2, detailed.Summary.NonCritical)
	assert.Equal(t, StatusUnhealthy, detailed.Components["archive"].Status)
	assert.Equal(t, 3, detailed.Components["archive"].Details["pending"])
	assert.Equal(t, StatusDegraded, detailed.Components["tavily"].Status)
	assert.Len(t, m.LastResults(), 2)

	rec, body := serve(t, m, "/health/detailed")
	assert.Equal(t, http.StatusOK, rec.Code)
	overall := body["overall"].(map[string]interface{})
	assert.Equal(t, "degraded", overall["status"])
}

func TestArchiveBreakerOpen(t *testing.T) {
	result := NewArchiveHealthChecker(&fakeArchive{open: true}).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "circuit breaker open", result.Error)
}
