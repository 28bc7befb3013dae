package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/ReadySet1/destino-sf-sub000/internal/models"
	"github.com/ReadySet1/destino-sf-sub000/internal/services"
	"github.com/ReadySet1/destino-sf-sub000/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const maxWebhookBody = 1 << 20

// Ingester queues raw webhook bodies
type Ingester interface {
	Ingest(ctx context.Context, body []byte) (*models.QueuedEvent, error)
}

// WebhookHandler receives commerce platform webhooks
type WebhookHandler struct {
	ingest   Ingester
	verifier *services.SignatureVerifier
	tracer   tracing.Tracer
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(ingest Ingester, verifier *services.SignatureVerifier, tracer tracing.Tracer) *WebhookHandler {
	if tracer == nil {
		tracer = tracing.Noop()
	}
	return &WebhookHandler{
		ingest:   ingest,
		verifier: verifier,
		tracer:   tracer,
	}
}

// WebhookResponse acknowledges a queued webhook
type WebhookResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
}

// HandleSquareWebhook verifies and queues a webhook. Anything but a 2xx makes
// the sender redeliver, so only malformed or unsigned bodies get a 4xx.
func (h *WebhookHandler) HandleSquareWebhook(c *gin.Context) {
	txn := nrgin.Transaction(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read request body"})
		return
	}

	if !h.verifier.Verify(body, c.GetHeader(services.SignatureHeader)) {
		log.Warn().Str("client_ip", c.ClientIP()).Msg("Rejected webhook with invalid signature")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	event, err := h.ingest.Ingest(c.Request.Context(), body)
	if err != nil {
		h.tracer.RecordError(txn, err)
		if errors.Is(err, services.ErrInvalidEnvelope) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Msg("Failed to queue webhook")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue webhook"})
		return
	}

	h.tracer.AddAttribute(txn, "event_id", event.EventID)
	h.tracer.AddAttribute(txn, "event_type", event.EventType)

	c.JSON(http.StatusOK, WebhookResponse{
		Received:  true,
		EventID:   event.EventID,
		EventType: event.EventType,
	})
}

// RegisterRoutes registers the handler's routes
func (h *WebhookHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/webhooks/square", h.HandleSquareWebhook)
}
