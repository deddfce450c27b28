package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/clarifier/internal/conversation"
	"github.com/Kocoro-lab/clarifier/internal/metrics"
	"github.com/Kocoro-lab/clarifier/internal/ports/porttest"
	"github.com/Kocoro-lab/clarifier/internal/session"
	"github.com/Kocoro-lab/clarifier/internal/workflow"
)

type mockService struct{ mock.Mock }

func (m *mockService) StartConversation(ctx context.Context, text string) (conversation.Response, error) {
	args := m.Called(ctx, text)
	return args.Get(0).(conversation.Response), args.Error(1)
}

func (m *mockService) ContinueConversation(ctx context.Context, id, text string) (conversation.Response, error) {
	args := m.Called(ctx, id, text)
	return args.Get(0).(conversation.Response), args.Error(1)
}

func (m *mockService) Ask(ctx context.Context, text string) (string, error) {
	args := m.Called(ctx, text)
	return args.String(0), args.Error(1)
}

func newTestServer(t *testing.T, svc ConversationService) *httptest.Server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	srv := httptest.NewServer(NewRouter(logger, NewConversationHandler(svc, time.Minute, logger)))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestStartAndContinueThroughEngine(t *testing.T) {
	set := porttest.NewSet().HappyPath("Acme Corp", "Location", "Acme is based in Springfield.", "Acme site")
	store := session.NewMemoryStore(zaptest.NewLogger(t))
	engine := workflow.NewEngine(workflow.Ports{
		Classifier: set.Classifier,
		Retriever:  set.Retriever,
		Evaluator:  set.Evaluator,
	}, store, workflow.DefaultConfig(), zaptest.NewLogger(t))
	srv := newTestServer(t, conversation.NewService(engine, zaptest.NewLogger(t)))

	resp, body := postJSON(t, srv.URL+"/start_conversation", `{"text":"Where is Acme headquartered?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, body["conversation_id"])
	assert.Equal(t, conversation.CompleteMessage, body["message"])
	assert.Equal(t, false, body["requires_input"])
	assert.Equal(t, "Acme is based in Springfield. (Sources: Acme site)", body["final_answer"])

	// Completed conversations accept no further input
	resp, body = postJSON(t, srv.URL+"/continue_conversation/"+body["conversation_id"].(string), `{"text":"more"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No input expected for this conversation", body["detail"])

	resp, body = postJSON(t, srv.URL+"/continue_conversation/unknown", `{"text":"more"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Conversation not found", body["detail"])
}

func TestContinuePassesPathID(t *testing.T) {
	svc := &mockService{}
	svc.On("ContinueConversation", mock.Anything, "abc-123", "the software one").
		Return(conversation.Response{ID: "abc-123", Message: "Which aspect?", AwaitingInput: true}, nil).Once()
	srv := newTestServer(t, svc)

	resp, body := postJSON(t, srv.URL+"/continue_conversation/abc-123", `{"text":"the software one"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc-123", body["conversation_id"])
	assert.Equal(t, true, body["requires_input"])
	_, hasAnswer := body["final_answer"]
	assert.False(t, hasAnswer)
	svc.AssertExpectations(t)
}

func TestServiceErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", conversation.ErrNotFound, http.StatusNotFound},
		{"not awaiting input", conversation.ErrNotAwaitingInput, http.StatusBadRequest},
		{"malformed", conversation.ErrMalformedInput, http.StatusBadRequest},
		{"busy", fmt.Errorf("resume: %w", conversation.ErrBusy), http.StatusConflict},
		{"run failure", &conversation.RunError{ConversationID: "c-1"}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockService{}
			svc.On("ContinueConversation", mock.Anything, "c-1", "hi").Return(conversation.Response{}, tc.err).Once()
			srv := newTestServer(t, svc)

			resp, body := postJSON(t, srv.URL+"/continue_conversation/c-1", `{"text":"hi"}`)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.NotEmpty(t, body["detail"])
		})
	}

	t.Run("run failure carries the id", func(t *testing.T) {
		svc := &mockService{}
		svc.On("StartConversation", mock.Anything, "hi").Return(conversation.Response{}, &conversation.RunError{ConversationID: "c-9"}).Once()
		srv := newTestServer(t, svc)

		resp, body := postJSON(t, srv.URL+"/start_conversation", `{"text":"hi"}`)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, "c-9", body["conversation_id"])
		assert.NotContains(t, body["detail"], "upstream")
	})
}

func TestInvalidBody(t *testing.T) {
	svc := &mockService{}
	srv := newTestServer(t, svc)

	resp, body := postJSON(t, srv.URL+"/start_conversation", `{"text":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid JSON", body["detail"])

	big := `{"text":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	resp, _ = postJSON(t, srv.URL+"/start_conversation", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	svc.AssertNotCalled(t, "StartConversation", mock.Anything, mock.Anything)
}

func TestGetResponse(t *testing.T) {
	svc := &mockService{}
	svc.On("Ask", mock.Anything, "Where is Acme?").Return("Acme is in Springfield. (Sources: a)", nil).Once()
	srv := newTestServer(t, svc)

	resp, err := http.Get(srv.URL + "/getResponse?msg=Where+is+Acme%3F")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "Acme is in Springfield. (Sources: a)", string(data))

	missing, err := http.Get(srv.URL + "/getResponse")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)
	svc.AssertExpectations(t)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &mockService{})
	resp, err := http.Get(srv.URL + "/start_conversation")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, &mockService{})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/start_conversation", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "content-type", resp.Header.Get("Access-Control-Allow-Headers"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestRequestMetricsByPattern(t *testing.T) {
	svc := &mockService{}
	svc.On("ContinueConversation", mock.Anything, mock.Anything, mock.Anything).Return(conversation.Response{}, conversation.ErrNotFound)
	srv := newTestServer(t, svc)

	counter := metrics.HTTPRequests.WithLabelValues("/continue_conversation/{conversation_id}", "404")
	before := testutil.ToFloat64(counter)
	postJSON(t, srv.URL+"/continue_conversation/one", `{"text":"hi"}`)
	postJSON(t, srv.URL+"/continue_conversation/two", `{"text":"hi"}`)
	assert.Equal(t, before+2, testutil.ToFloat64(counter))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "clarifier_http_requests_total")
}
