package stats

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/metrics"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /metrics to be set")
	assert.Equal(t, "GET /metrics", pattern, "expected handler to be registered for GET method on /metrics")
}

func scrape(mux *http.ServeMux) string {
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rr.Body.String()
}

func TestIncrDecr(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	su.RegisterMetric("active_sessions")
	su.RegisterMetric("active_sessions")
	su.Run()
	defer su.Stop()

	su.Incr("active_sessions")
	su.Incr("active_sessions")
	su.Decr("active_sessions")

	require.NotNil(t, su.gauge("active_sessions"))
	assert.Eventually(t, func() bool {
		return strings.Contains(scrape(mux), "roomsync_active_sessions 1")
	}, time.Second, 5*time.Millisecond, "expected gauge to settle at 1")
}

func TestMetricsEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	su.RegisterMetric("messages_sent")

	body := scrape(mux)
	assert.Contains(t, body, "roomsync_messages_sent 0")
	assert.Contains(t, body, "roomsync_uptime_seconds")
}
