// health_test.go
// SPDX-License-Identifier: AGPL-3.0-only

package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthyWithNoChecksRun(t *testing.T) {
	m := NewMonitor(time.Minute)
	healthy, failures := m.Healthy()
	assert.True(t, healthy)
	assert.Empty(t, failures)
}

func TestServeHTTPReportsFailure(t *testing.T) {
	errBad := errors.New("topology not routable")
	m := NewMonitor(time.Hour, Check{Name: "topology", Check: func() error { return errBad }})
	m.Start()
	defer m.Stop()

	// Give the initial synchronous runAll a moment to land in results.
	require.Eventually(t, func() bool {
		healthy, _ := m.Healthy()
		return !healthy
	}, time.Second, time.Millisecond)

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "topology not routable")
}

func TestServeHTTPReportsHealthy(t *testing.T) {
	m := NewMonitor(time.Hour, Check{Name: "replay-filter", Check: func() error { return nil }})
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		healthy, _ := m.Healthy()
		return healthy
	}, time.Second, time.Millisecond)

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
