package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/chatgate/internal/inference"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type inferenceFunc func(ctx context.Context) error

func (f inferenceFunc) Health(ctx context.Context) error { return f(ctx) }

func TestHealthChecker_Check(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }

	tests := []struct {
		name          string
		db            pingerFunc
		inference     inferenceFunc
		wantStatus    string
		wantDatabase  string
		wantInference string
	}{
		{
			name:          "all healthy",
			db:            ok,
			inference:     ok,
			wantStatus:    StatusHealthy,
			wantDatabase:  StatusHealthy,
			wantInference: StatusHealthy,
		},
		{
			name:          "database down",
			db:            func(ctx context.Context) error { return errors.New("connection refused") },
			inference:     ok,
			wantStatus:    StatusUnhealthy,
			wantDatabase:  StatusUnhealthy,
			wantInference: StatusHealthy,
		},
		{
			name: "inference returns an error status",
			db:   ok,
			inference: func(ctx context.Context) error {
				return &inference.APIError{StatusCode: http.StatusServiceUnavailable, Endpoint: "/health"}
			},
			wantStatus:    StatusHealthy,
			wantDatabase:  StatusHealthy,
			wantInference: StatusUnhealthy,
		},
		{
			name: "inference unreachable",
			db:   ok,
			inference: func(ctx context.Context) error {
				return fmt.Errorf("%w: dial tcp: connection refused", inference.ErrUpstreamUnavailable)
			},
			wantStatus:    StatusHealthy,
			wantDatabase:  StatusHealthy,
			wantInference: StatusUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := NewHealthChecker(tt.db, tt.inference, 0, "v1").Check(context.Background())
			require.Equal(t, tt.wantStatus, report.Status)
			require.Equal(t, tt.wantDatabase, report.Database)
			require.Equal(t, tt.wantInference, report.Inference)
			require.Equal(t, "v1", report.Version)
			require.False(t, report.Timestamp.IsZero())
		})
	}
}

func TestHealthChecker_unchecked(t *testing.T) {
	report := NewHealthChecker(nil, nil, 0, "dev").Check(context.Background())
	require.Equal(t, StatusHealthy, report.Status)
	require.Equal(t, StatusUnchecked, report.Inference)
}

func TestHealthChecker_timeoutApplied(t *testing.T) {
	db := pingerFunc(func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		if !hasDeadline {
			return errors.New("no deadline")
		}
		return nil
	})

	report := NewHealthChecker(db, nil, 0, "dev").Check(context.Background())
	require.Equal(t, StatusHealthy, report.Database)
}
