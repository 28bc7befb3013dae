package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/ReadySet1/destino-sf-sub000/internal/models"
	"github.com/ReadySet1/destino-sf-sub000/internal/reconcile"
	"github.com/ReadySet1/destino-sf-sub000/internal/repositories"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// QueueProcessor runs one dispatch batch
type QueueProcessor interface {
	ProcessQueue(ctx context.Context, opts reconcile.Options) (reconcile.Result, error)
}

// QueueAdmin is the operator view of the event queue
type QueueAdmin interface {
	Get(ctx context.Context, eventID string) (*models.QueuedEvent, error)
	ListByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueuedEvent, error)
	Requeue(ctx context.Context, eventID string) error
}

// DispatchHistory looks up indexed dispatch records
type DispatchHistory interface {
	SearchDispatches(ctx context.Context, eventID string, size int) ([]models.DispatchRecord, error)
}

// QueueHandler exposes the queue trigger and operator endpoints
type QueueHandler struct {
	processor QueueProcessor
	queue     QueueAdmin
	history   DispatchHistory
	options   reconcile.Options
}

// NewQueueHandler creates a new queue handler. history may be nil.
func NewQueueHandler(processor QueueProcessor, queue QueueAdmin, history DispatchHistory, options reconcile.Options) *QueueHandler {
	return &QueueHandler{
		processor: processor,
		queue:     queue,
		history:   history,
		options:   options,
	}
}

// HandleProcessQueue runs one batch and returns its counts
func (h *QueueHandler) HandleProcessQueue(c *gin.Context) {
	opts := h.options
	if raw := c.Query("max_items"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_items must be a positive integer"})
			return
		}
		opts.MaxItems = n
	}

	result, err := h.processor.ProcessQueue(c.Request.Context(), opts)
	if err != nil {
		log.Error().Err(err).Msg("Queue processing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleListEvents lists queued events by status
func (h *QueueHandler) HandleListEvents(c *gin.Context) {
	status := models.QueueStatus(strings.ToUpper(c.DefaultQuery("status", string(models.QueueStatusFailed))))
	switch status {
	case models.QueueStatusPending, models.QueueStatusProcessing, models.QueueStatusCompleted, models.QueueStatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(status)})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := h.queue.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "events": events})
}

// HandleGetEvent returns one queued event
func (h *QueueHandler) HandleGetEvent(c *gin.Context) {
	event, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeRepositoryError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// HandleRequeueEvent gives a FAILED event a fresh retry budget
func (h *QueueHandler) HandleRequeueEvent(c *gin.Context) {
	eventID := c.Param("id")
	if err := h.queue.Requeue(c.Request.Context(), eventID); err != nil {
		writeRepositoryError(c, err)
		return
	}
	log.Info().Str("event_id", eventID).Msg("Webhook event requeued by operator")
	c.JSON(http.StatusOK, gin.H{"event_id": eventID, "status": models.QueueStatusPending})
}

// HandleEventHistory returns the dispatch records of one event
func (h *QueueHandler) HandleEventHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"records": []models.DispatchRecord{}})
		return
	}
	records, err := h.history.SearchDispatches(c.Request.Context(), c.Param("id"), 0)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func writeRepositoryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, repositories.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// RegisterRoutes registers the handler's routes
func (h *QueueHandler) RegisterRoutes(router gin.IRouter) {
	queue := router.Group("/queue")
	queue.POST("/process", h.HandleProcessQueue)
	queue.GET("/events", h.HandleListEvents)
	queue.GET("/events/:id", h.HandleGetEvent)
	queue.POST("/events/:id/requeue", h.HandleRequeueEvent)
	queue.GET("/events/:id/history", h.HandleEventHistory)
}
