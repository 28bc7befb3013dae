package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sort"

	"github.com/ReadySet1/destino-sf-sub000/internal/breaker"
	"github.com/ReadySet1/destino-sf-sub000/internal/metrics"
	"github.com/ReadySet1/destino-sf-sub000/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// QueueCounter reports queue depth per status
type QueueCounter interface {
	CountByStatus(ctx context.Context) (map[models.QueueStatus]int64, error)
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// MetricsHandler handles metrics-related HTTP requests
type MetricsHandler struct {
	metrics  *metrics.Metrics
	queue    QueueCounter
	breakers []*breaker.Breaker
	checks   map[string]HealthCheck
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(collector *metrics.Metrics, queue QueueCounter, breakers ...*breaker.Breaker) *MetricsHandler {
	return &MetricsHandler{
		metrics:  collector,
		queue:    queue,
		breakers: breakers,
		checks:   make(map[string]HealthCheck),
	}
}

// AddCheck registers a dependency probe for /health
func (h *MetricsHandler) AddCheck(name string, check HealthCheck) *MetricsHandler {
	h.checks[name] = check
	return h
}

// HandleGetMetrics returns all metrics
func (h *MetricsHandler) HandleGetMetrics(c *gin.Context) {
	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))
	h.refreshQueueDepth(c.Request.Context())

	all := h.metrics.GetAllMetrics()
	all["breakers"] = h.breakerStats()
	c.JSON(http.StatusOK, all)
}

// HandleGetHealthCheck probes registered dependencies. Breaker state is
// reported without affecting the result.
func (h *MetricsHandler) HandleGetHealthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	failures := make(map[string]string)
	for _, name := range names {
		err := h.checks[name](ctx)
		h.metrics.SetHealth(name, err == nil)
		if err != nil {
			healthy = false
			failures[name] = err.Error()
			log.Warn().Err(err).Str("check", name).Msg("Health check failed")
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":      healthy,
		"details":     h.metrics.GetHealthChecks(),
		"failures":    failures,
		"breakers":    h.breakerStats(),
		"queue_depth": h.refreshQueueDepth(ctx),
	})
}

func (h *MetricsHandler) refreshQueueDepth(ctx context.Context) map[models.QueueStatus]int64 {
	if h.queue == nil {
		return nil
	}
	counts, err := h.queue.CountByStatus(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count queued events")
		return nil
	}
	for _, status := range []models.QueueStatus{
		models.QueueStatusPending,
		models.QueueStatusProcessing,
		models.QueueStatusCompleted,
		models.QueueStatusFailed,
	} {
		h.metrics.SetGauge("queue_depth:"+string(status), counts[status])
	}
	return counts
}

func (h *MetricsHandler) breakerStats() []breaker.Stats {
	stats := make([]breaker.Stats, 0, len(h.breakers))
	for _, b := range h.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/metrics", h.HandleGetMetrics)
	router.GET("/health", h.HandleGetHealthCheck)
}
