package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	httpmiddleware "github.com/wolfeidau/chatgate/internal/http"
)

func TestRequests(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	var ctxLogger *zerolog.Logger
	handler := middleware.RequestID(httpmiddleware.ClientIPMiddleware(false)(Requests(logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctxLogger = zerolog.Ctx(r.Context())
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte("short and stout"))
		}),
	)))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.NotNil(t, ctxLogger)
	require.NotEqual(t, zerolog.Disabled, ctxLogger.GetLevel())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "http request", entry["message"])
	require.Equal(t, "/api/health", entry["path"])
	require.Equal(t, "GET", entry["method"])
	require.InDelta(t, 418, entry["status"], 0)
	require.InDelta(t, 15, entry["bytes"], 0)
	require.Equal(t, "203.0.113.9", entry["client_ip"])
	require.NotEmpty(t, entry["request_id"])
}

func TestRequests_defaultStatus(t *testing.T) {
	var buf bytes.Buffer

	handler := Requests(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.InDelta(t, 200, entry["status"], 0)
}
