package inference

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const testMasterKey = "sk-master"

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL + "/", MasterKey: testMasterKey})
	require.NoError(t, err)

	return c, srv
}

func TestNewClient_validation(t *testing.T) {
	_, err := NewClient(Config{MasterKey: "x"})
	require.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://localhost"})
	require.Error(t, err)
}

func TestClient_GenerateKey(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/key/generate", r.URL.Path)
		require.Equal(t, "Bearer "+testMasterKey, r.Header.Get("Authorization"))

		var req KeyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "user-1", req.UserID)
		require.Equal(t, []string{"free"}, req.Models)
		require.Equal(t, 20, req.RPMLimit)
		require.Equal(t, 20000, req.TPMLimit)

		_ = json.NewEncoder(w).Encode(map[string]string{"key": "sk-virtual", "user_id": req.UserID})
	}))

	key, err := c.GenerateKey(context.Background(), KeyRequest{UserID: "user-1", Models: []string{"free"}, RPMLimit: 20, TPMLimit: 20000})
	require.NoError(t, err)
	require.Equal(t, "sk-virtual", key)
}

func TestClient_GenerateKey_errors(t *testing.T) {
	t.Run("status error", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "budget exceeded", http.StatusBadRequest)
		}))

		_, err := c.GenerateKey(context.Background(), KeyRequest{UserID: "u"})
		require.ErrorIs(t, err, ErrUpstreamUnavailable)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		require.Equal(t, "budget exceeded", apiErr.Body)
	})

	t.Run("empty key", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"key":""}`)
		}))

		_, err := c.GenerateKey(context.Background(), KeyRequest{UserID: "u"})
		require.ErrorIs(t, err, ErrUpstreamUnavailable)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()

		c, err := NewClient(Config{BaseURL: srv.URL, MasterKey: testMasterKey})
		require.NoError(t, err)

		_, err = c.GenerateKey(context.Background(), KeyRequest{UserID: "u"})
		require.ErrorIs(t, err, ErrUpstreamUnavailable)
	})
}

func TestClient_DeleteKey(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/key/delete", r.URL.Path)
		require.Equal(t, "Bearer "+testMasterKey, r.Header.Get("Authorization"))

		var req deleteKeysRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"sk-old"}, req.Keys)

		_, _ = io.WriteString(w, `{"deleted_keys":["sk-old"]}`)
	}))

	require.NoError(t, c.DeleteKey(context.Background(), "sk-old"))
}

func TestClient_StreamChatCompletion(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, chatCompletionsPath, r.URL.Path)
		require.Equal(t, "Bearer sk-user", r.Header.Get("Authorization"))

		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)
		require.Len(t, req.Messages, 2)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[]}\n\ndata: [DONE]\n\n")
	}))

	stream, err := c.StreamChatCompletion(context.Background(), "sk-user", ChatCompletionRequest{
		Model: "m",
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	require.NoError(t, err)
	defer stream.Body.Close()

	require.Equal(t, "text/event-stream", stream.ContentType)

	body, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "[DONE]")
}

func TestClient_StreamChatCompletion_refused(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))

	_, err := c.StreamChatCompletion(context.Background(), "sk-bad", ChatCompletionRequest{})
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestClient_StreamChatCompletion_canceled(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.StreamChatCompletion(ctx, "sk-user", ChatCompletionRequest{})
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestClient_Models_cached(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=300")
		_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"free-small","object":"model"},{"id":"pro-large","object":"model"}]}`)
	}))

	for range 3 {
		models, err := c.Models(context.Background())
		require.NoError(t, err)
		require.Len(t, models, 2)
		require.Equal(t, "free-small", models[0].ID)
	}

	require.Equal(t, int32(1), hits.Load())
}

func TestClient_Health(t *testing.T) {
	healthy := atomic.Bool{}
	healthy.Store(true)

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	}))

	require.NoError(t, c.Health(context.Background()))

	healthy.Store(false)
	require.ErrorIs(t, c.Health(context.Background()), ErrUpstreamUnavailable)
}
