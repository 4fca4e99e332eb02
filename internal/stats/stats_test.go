package stats

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
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

func TestStatsUpdater_IncrDecr(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	su.RegisterMetric("active_rooms")
	su.RegisterMetric("active_rooms") // duplicate registration is ignored
	su.Run()
	defer su.Stop()

	su.Incr("active_rooms")
	su.Incr("active_rooms")
	su.Decr("active_rooms")

	assert.Eventually(t, func() bool {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(rr.Body.String(), "gojam_active_rooms 1")
	}, time.Second, 10*time.Millisecond, "expected gauge to reflect one active room")
}

func TestStatsUpdater_counter(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	su.RegisterCounter("commands_applied_total")
	su.Run()
	defer su.Stop()

	su.Incr("commands_applied_total")
	su.Incr("commands_applied_total")

	assert.Eventually(t, func() bool {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		body := rr.Body.String()
		return strings.Contains(body, "# TYPE gojam_commands_applied_total counter") &&
			strings.Contains(body, "gojam_commands_applied_total 2")
	}, time.Second, 10*time.Millisecond, "expected counter to be exported")
}

func TestStatsUpdater_updatesAfterStop(t *testing.T) {
	su := NewStatsUpdater(http.NewServeMux())
	su.RegisterMetric("active_clients")
	su.Run()
	su.Stop()
	su.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range cap(su.updateChan) + 10 {
			su.Incr("active_clients")
			su.Decr("active_clients")
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected updates after Stop to be dropped without blocking")
	}
}
