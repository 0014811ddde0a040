package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatflow/api/pkg/logging"
	"chatflow/api/services/flow"
)

func newTestRouter(p *Processor) *mux.Router {
	router := mux.NewRouter()
	NewService(p, logging.NewNop()).LoadRoutes(router.PathPrefix("/api/v1").Subrouter())
	return router
}

func doRequest(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestHandleMessage_Conversation(t *testing.T) {
	f := nameFlow()
	p, _, _ := newTestProcessor(t, f)
	_, err := p.EnableFlow(context.Background(), testTenant, f.ID)
	require.NoError(t, err)
	router := newTestRouter(p)

	w := doRequest(router, http.MethodPost, "/api/v1/tenants/acme/messages",
		map[string]string{"conversationId": "c1", "channelIdentity": "+1555", "message": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var result ProcessResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, "What is your name?", result.Response)
	assert.Equal(t, SourceFlow, result.Source)
	assert.True(t, result.ShouldContinue)

	w = doRequest(router, http.MethodGet, "/api/v1/tenants/acme/conversations/c1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ec ExecutionContext
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ec))
	assert.Equal(t, "ask-name", ec.CurrentNodeID)
	assert.Equal(t, f.ID, ec.FlowID)
	assert.Equal(t, "+1555", ec.ChannelIdentity)

	w = doRequest(router, http.MethodDelete, "/api/v1/tenants/acme/conversations/c1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/tenants/acme/conversations/c1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeExecutionNotFound, decodeBody(t, w)["code"])

	w = doRequest(router, http.MethodDelete, "/api/v1/tenants/acme/conversations/c1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleMessage_Static(t *testing.T) {
	p, _, _ := newTestProcessor(t, nil)
	router := newTestRouter(p)

	w := doRequest(router, http.MethodPost, "/api/v1/tenants/acme/messages",
		map[string]string{"conversationId": "c1", "message": "opening hours?"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "We open at 9.", body["response"])
	assert.Equal(t, SourceStatic, body["source"])
}

func TestHandleMessage_BadRequests(t *testing.T) {
	p, _, _ := newTestProcessor(t, nil)
	router := newTestRouter(p)

	w := doRequest(router, http.MethodPost, "/api/v1/tenants/acme/messages", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid request body", decodeBody(t, w)["message"])

	w = doRequest(router, http.MethodPost, "/api/v1/tenants/acme/messages", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "conversationId is required", decodeBody(t, w)["message"])
}

func TestHandleMessage_ErrorStatuses(t *testing.T) {
	ctx := context.Background()

	t.Run("action failure is a bad gateway", func(t *testing.T) {
		f := testFlow(
			testNode("start", &flow.StartConfig{}, "act"),
			testNode("act", &flow.ActionConfig{ActionType: "charge"}, "done"),
			testNode("done", &flow.EndConfig{}),
		)
		actions := NewRegistry()
		actions.Register("charge", ExecutorFunc(func(context.Context, Invocation) (any, error) {
			return nil, errors.New("card declined")
		}))
		p, _, _ := newTestProcessor(t, f, WithActions(actions))
		_, err := p.EnableFlow(ctx, testTenant, f.ID)
		require.NoError(t, err)

		w := doRequest(newTestRouter(p), http.MethodPost, "/api/v1/tenants/acme/messages",
			map[string]string{"conversationId": "c1", "message": "hi"})
		assert.Equal(t, http.StatusBadGateway, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, CodeDynamicProcessingFailed, body["code"])
		assert.Equal(t, CodeActionFailed, body["cause"])
	})

	t.Run("repository failure is internal", func(t *testing.T) {
		engine := NewEngine(flow.NewMemoryRepository(), NewMemoryStore(), WithLogger(logging.NewNop()))
		p := NewProcessor(&stubCatalog{err: errors.New("connection refused")}, engine, nil, logging.NewNop())

		w := doRequest(newTestRouter(p), http.MethodPost, "/api/v1/tenants/acme/messages",
			map[string]string{"conversationId": "c1", "message": "hi"})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "internal server error", body["message"])
		assert.Equal(t, CodeDynamicMessageFailed, body["code"])
	})
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		CodeExecutionNotFound:    http.StatusNotFound,
		CodeFlowNotFound:         http.StatusNotFound,
		CodeConcurrentUpdate:     http.StatusConflict,
		CodeDeadEnd:              http.StatusUnprocessableEntity,
		CodeStepLimitExceeded:    http.StatusUnprocessableEntity,
		CodeUnknownActionType:    http.StatusUnprocessableEntity,
		CodeIntegrationFailed:    http.StatusBadGateway,
		CodeDynamicMessageFailed: http.StatusInternalServerError,
		"":                       http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusFor(code), code)
	}
}
