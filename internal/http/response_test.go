package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "error")
	return body["error"]
}

func TestWriteError(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:4000: connection refused")

	t.Run("development includes detail", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, NewError(http.StatusBadGateway, CodeUpstreamUnavailable, "The model service is unavailable").WithDetail(cause), false)

		require.Equal(t, http.StatusBadGateway, rec.Code)
		require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

		body := decodeError(t, rec)
		require.Equal(t, CodeUpstreamUnavailable, body["code"])
		require.Equal(t, cause.Error(), body["detail"])
	})

	t.Run("production hides detail", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e := NewError(http.StatusServiceUnavailable, CodeKeyProvisioningFailed, "Try again shortly").WithDetail(cause).WithRetry()
		WriteError(rec, e, true)

		body := decodeError(t, rec)
		require.NotContains(t, body, "detail")
		require.Equal(t, true, body["retryable"])

		// The original error keeps its detail for logging.
		require.Equal(t, cause.Error(), e.Detail)
	})

	t.Run("quota metadata", func(t *testing.T) {
		remaining := 0
		reset := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

		e := NewError(http.StatusTooManyRequests, CodeQuotaExceeded, "Guest message limit reached")
		e.Remaining = &remaining
		e.ResetAt = &reset

		rec := httptest.NewRecorder()
		WriteError(rec, e, true)

		body := decodeError(t, rec)
		require.InDelta(t, 0, body["remaining"], 0)
		require.Equal(t, "2025-01-02T03:04:05Z", body["resetAt"])
	})

	t.Run("missing status defaults to 500", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, &Error{Code: CodeInternal, Message: "boom"}, true)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
