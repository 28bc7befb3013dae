package services

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/ReadySet1/destino-sf-sub000/internal/metrics"
	"github.com/ReadySet1/destino-sf-sub000/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
)

// ErrInvalidEnvelope is returned for payloads that are not webhook envelopes
var ErrInvalidEnvelope = errors.New("invalid webhook envelope")

// EventQueue accepts inbound events
type EventQueue interface {
	Enqueue(ctx context.Context, event *models.QueuedEvent) error
}

// IngestService validates inbound webhooks and puts them on the queue
type IngestService struct {
	queue     EventQueue
	validate  *validator.Validate
	collector *metrics.Metrics
	now       func() time.Time
}

// NewIngestService creates a new ingest service
func NewIngestService(queue EventQueue, collector *metrics.Metrics) *IngestService {
	return &IngestService{
		queue:     queue,
		validate:  validator.New(),
		collector: collector,
		now:       time.Now,
	}
}

// Ingest decodes and validates body and enqueues it keyed by its event id.
// Re-delivery of the same event id resets the queued row.
func (s *IngestService) Ingest(ctx context.Context, body []byte) (*models.QueuedEvent, error) {
	envelope, err := s.Decode(body)
	if err != nil {
		s.count("webhook_rejected")
		return nil, err
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return nil, errors.Wrap(ErrInvalidEnvelope, err.Error())
	}

	event := &models.QueuedEvent{
		EventID:   envelope.EventID,
		EventType: envelope.Type,
		Payload:   datatypes.JSON(compact.Bytes()),
		Status:    models.QueueStatusPending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, event); err != nil {
		s.count("webhook_enqueue_errors")
		return nil, err
	}

	s.count("webhook_received")
	log.Info().
		Str("event_id", event.EventID).
		Str("event_type", event.EventType).
		Str("merchant_id", envelope.MerchantID).
		Msg("Webhook event queued")
	return event, nil
}

// Decode parses and validates a webhook envelope
func (s *IngestService) Decode(body []byte) (*models.WebhookEnvelope, error) {
	var envelope models.WebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.Wrap(ErrInvalidEnvelope, err.Error())
	}
	if err := s.validate.Struct(envelope); err != nil {
		return nil, errors.Wrap(ErrInvalidEnvelope, err.Error())
	}
	return &envelope, nil
}

func (s *IngestService) count(name string) {
	if s.collector != nil {
		s.collector.IncrementCounter(name)
	}
}
