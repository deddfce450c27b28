package circuitbreaker

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPWrapper_StatusClassification(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	withKindConfig(t, KindHTTP, CircuitBreakerConfig{FailureThreshold: 3})
	wrapper := NewHTTPWrapper(srv.Client(), "test-http", "test", KindHTTP, zaptest.NewLogger(t))

	do := func() *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		resp, err := wrapper.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	// Client errors never open the breaker
	status.Store(http.StatusBadRequest)
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusBadRequest, do().StatusCode)
	}
	assert.False(t, wrapper.IsCircuitBreakerOpen())

	// Server errors are returned to the caller but counted
	status.Store(http.StatusBadGateway)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusBadGateway, do().StatusCode)
	}
	assert.True(t, wrapper.IsCircuitBreakerOpen())

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := wrapper.Do(req)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestConfigureKeepsUnsetFields(t *testing.T) {
	before := ConfigFor(KindLLM)
	withKindConfig(t, KindLLM, CircuitBreakerConfig{FailureThreshold: before.FailureThreshold + 1})
	after := ConfigFor(KindLLM)

	assert.Equal(t, before.FailureThreshold+1, after.FailureThreshold)
	assert.Equal(t, before.Timeout, after.Timeout)
	assert.Equal(t, uint32(3), ConfigFor(Kind("unknown")).MaxRequests)
}
