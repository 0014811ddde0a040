package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookExecutor_PostsBodyAndExtractsPath(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "exec-1:book:3", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "web", r.URL.Query().Get("channel"))
		json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"booking":{"id":"bk-42","slots":[1,2]}}`))
	}))
	defer server.Close()

	ex := NewWebhookExecutor(2*time.Second, 0)
	out, err := ex.Execute(context.Background(), Invocation{
		IdempotencyKey: "exec-1:book:3",
		Parameters: map[string]any{
			"url":          server.URL,
			"headers":      map[string]any{"X-Api-Key": "secret"},
			"query":        map[string]any{"channel": "web"},
			"body":         map[string]any{"name": "Alice", "guests": 2.0},
			"responsePath": "booking.id",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "bk-42", out)
	assert.Equal(t, map[string]any{"name": "Alice", "guests": 2.0}, received)
}

func TestWebhookExecutor_WholeBodyAndText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			w.Write([]byte(`{"ok":true}`))
		case "/text":
			w.Write([]byte("accepted"))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	ex := NewWebhookExecutor(2*time.Second, 0)

	out, err := ex.Execute(context.Background(), Invocation{Parameters: map[string]any{"url": server.URL + "/json", "method": "get"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)

	out, err = ex.Execute(context.Background(), Invocation{Parameters: map[string]any{"url": server.URL + "/text"}})
	require.NoError(t, err)
	assert.Equal(t, "accepted", out)

	out, err = ex.Execute(context.Background(), Invocation{Parameters: map[string]any{"url": server.URL + "/empty"}})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestWebhookExecutor_Errors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ex := NewWebhookExecutor(2*time.Second, 2)

	_, err := ex.Execute(context.Background(), Invocation{Parameters: map[string]any{}})
	assert.ErrorContains(t, err, "url")

	_, err = ex.Execute(context.Background(), Invocation{Parameters: map[string]any{"url": server.URL + "/missing"}})
	assert.ErrorContains(t, err, "404")
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")

	calls.Store(0)
	_, err = ex.Execute(context.Background(), Invocation{Parameters: map[string]any{"url": server.URL + "/down"}})
	assert.ErrorContains(t, err, "503")
	assert.Equal(t, int32(3), calls.Load(), "server errors are retried")
}

func TestWebhookExecutor_MissingResponsePath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"a":1}`))
	}))
	defer server.Close()

	_, err := NewWebhookExecutor(time.Second, 0).Execute(context.Background(), Invocation{
		Parameters: map[string]any{"url": server.URL, "responsePath": "b.c"},
	})
	assert.ErrorContains(t, err, "b.c")
}
