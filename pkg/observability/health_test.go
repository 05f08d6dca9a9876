package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Statuses(t *testing.T) {
	tests := []struct {
		name   string
		checks []*HealthCheck
		want   HealthStatus
	}{
		{
			name: "all healthy",
			checks: []*HealthCheck{
				StoreCheck(func(context.Context) error { return nil }),
			},
			want: HealthStatusHealthy,
		},
		{
			name: "optional dependency down",
			checks: []*HealthCheck{
				StoreCheck(func(context.Context) error { return nil }),
				ExternalServiceCheck("morphology", func(context.Context) error { return errors.New("down") }),
			},
			want: HealthStatusDegraded,
		},
		{
			name: "store down",
			checks: []*HealthCheck{
				StoreCheck(func(context.Context) error { return errors.New("closed") }),
				ExternalServiceCheck("morphology", func(context.Context) error { return errors.New("down") }),
			},
			want: HealthStatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker("test")
			for _, c := range tt.checks {
				hc.RegisterCheck(c)
			}
			resp := hc.Check(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, len(tt.checks))
		})
	}
}

func TestHealthChecker_TimeoutCountsAsFailure(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(&HealthCheck{
		Name:     "slow",
		Critical: true,
		Timeout:  10 * time.Millisecond,
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			return nil
		},
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["slow"].Message, "deadline")
}

func TestServer_Handler(t *testing.T) {
	InitMetrics()
	hc := NewHealthChecker("v1.2.3")
	hc.RegisterCheck(StoreCheck(func(context.Context) error { return errors.New("closed") }))
	srv := httptest.NewServer(NewServer(":0", hc).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "v1.2.3", body.Version)

	live, err := http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	_ = live.Body.Close()
	assert.Equal(t, http.StatusOK, live.StatusCode)

	ready, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	_ = ready.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, ready.StatusCode)

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	_ = metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}
