package wsforge

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitorRecordsUpgradeAndClose(t *testing.T) {
	h := NewHealthMonitor(nil, nil, nil)
	h.RecordUpgrade("/chat")
	snap := h.Snapshot()
	assert.Equal(t, int64(1), snap.TotalUpgrades)
	assert.Equal(t, int64(1), snap.ActiveUpgrades)

	h.RecordClose(250 * time.Millisecond)
	snap = h.Snapshot()
	assert.Equal(t, int64(0), snap.ActiveUpgrades)
	assert.Equal(t, int64(1), snap.ClosedTotal)
	assert.Equal(t, int64(250), snap.P50DurationMs)
}

func TestHealthMonitorRecordsMessages(t *testing.T) {
	h := NewHealthMonitor(nil, nil, nil)
	h.RecordMessage("in")
	h.RecordMessage("in")
	h.RecordMessage("out")

	snap := h.Snapshot()
	assert.Equal(t, int64(2), snap.MessagesIn)
	assert.Equal(t, int64(1), snap.MessagesOut)
}

func TestHealthMonitorStatusDegradedWhenBreakerOpen(t *testing.T) {
	breaker := NewBreakerRegistry(testBreakerConfig())
	for i := 0; i < 3; i++ {
		breaker.RecordFailure("/chat")
	}
	h := NewHealthMonitor(nil, nil, breaker)
	snap := h.Snapshot()
	assert.Equal(t, StatusDegraded, snap.Status)
}

func TestHealthMonitorStatusUnhealthyWhenFailureRatioHigh(t *testing.T) {
	h := NewHealthMonitor(nil, nil, nil)
	h.RecordUpgrade("/chat")
	for i := 0; i < 3; i++ {
		h.RecordReject("/chat", "rate_limited")
	}
	snap := h.Snapshot()
	assert.Equal(t, StatusUnhealthy, snap.Status)
}

func TestHealthMonitorStatusHealthyByDefault(t *testing.T) {
	h := NewHealthMonitor(nil, nil, nil)
	snap := h.Snapshot()
	assert.Equal(t, StatusHealthy, snap.Status)
}

func TestHealthMonitorRegisterRoutesServesHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHealthMonitor(nil, nil, nil)
	r := gin.New()
	h.RegisterRoutes(r, "/ws/health")

	req := httptest.NewRequest(http.MethodGet, "/ws/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
}

func TestHealthMonitorRegisterRoutesServesMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHealthMonitor(nil, nil, nil)
	h.RecordUpgrade("/chat")
	r := gin.New()
	h.RegisterRoutes(r, "/ws/health")

	req := httptest.NewRequest(http.MethodGet, "/ws/health/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "wsforge_upgrades_total")
}
