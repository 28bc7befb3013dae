// Package reconcile applies queued commerce webhooks to local orders,
// payments and refunds.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ReadySet1/destino-sf-sub000/internal/metrics"
	"github.com/ReadySet1/destino-sf-sub000/internal/models"
	"github.com/ReadySet1/destino-sf-sub000/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxItems     = 10
	DefaultMaxAttempts  = 3
	DefaultEventTimeout = 55 * time.Second

	settleTimeout = 10 * time.Second
)

var (
	// ErrSkip tells the dispatcher there was nothing to apply. The event is
	// completed and counted as skipped.
	ErrSkip = errors.New("nothing to reconcile")

	// ErrTimeout is returned when a handler outlives the per-event timeout
	ErrTimeout = errors.New("event handler timed out")

	errUnknownType = errors.Wrap(ErrSkip, "unknown event type")
)

// Handler reconciles one decoded event
type Handler interface {
	Handle(ctx context.Context, event models.QueuedEvent, envelope models.WebhookEnvelope) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, event models.QueuedEvent, envelope models.WebhookEnvelope) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, event models.QueuedEvent, envelope models.WebhookEnvelope) error {
	return f(ctx, event, envelope)
}

// Handlers are the routing targets of the dispatcher
type Handlers struct {
	OrderCreated Handler
	OrderUpdated Handler
	Payment      Handler
	Refund       Handler
}

// Options bound one ProcessQueue run
type Options struct {
	MaxItems int
	Timeout  time.Duration
}

// Result counts what one run did
type Result struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Dispatcher drains the event queue
type Dispatcher struct {
	queue       QueueStore
	handlers    Handlers
	maxAttempts int
	collector   *metrics.Metrics
	tracer      tracing.Tracer
	audit       AuditSink
	now         func() time.Time
}

// DispatcherOption customises a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithMaxAttempts sets the per-event retry budget
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithMetrics reports outcomes to the collector
func WithMetrics(collector *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.collector = collector }
}

// WithTracer wraps runs in transactions
func WithTracer(tracer tracing.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// WithAudit sends one record per event to sink
func WithAudit(sink AuditSink) DispatcherOption {
	return func(d *Dispatcher) { d.audit = sink }
}

// NewDispatcher creates a dispatcher
func NewDispatcher(queue QueueStore, handlers Handlers, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:       queue,
		handlers:    handlers,
		maxAttempts: DefaultMaxAttempts,
		tracer:      tracing.Noop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ProcessQueue claims one batch and dispatches its events in order. Only a
// failed claim is returned as an error; per-event failures are counted.
func (d *Dispatcher) ProcessQueue(ctx context.Context, opts Options) (Result, error) {
	if opts.MaxItems <= 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultEventTimeout
	}

	ctx, txn := d.tracer.StartTransaction(ctx, "ProcessWebhookQueue")
	defer d.tracer.EndTransaction(txn)

	var result Result
	events, err := d.queue.ClaimBatch(ctx, opts.MaxItems, d.maxAttempts)
	if err != nil {
		d.tracer.RecordError(txn, err)
		return result, err
	}
	if len(events) == 0 {
		return result, nil
	}

	log.Info().Int("count", len(events)).Msg("Processing webhook queue batch")

	for _, event := range events {
		if ctx.Err() != nil {
			log.Warn().Err(ctx.Err()).Msg("Webhook queue run interrupted")
			break
		}

		seg := d.tracer.StartSegment(txn, "dispatch/"+event.EventType)
		switch d.processEvent(ctx, event, opts.Timeout) {
		case models.OutcomeProcessed:
			result.Processed++
		case models.OutcomeSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
		seg.End()
	}

	d.tracer.AddAttribute(txn, "processed", result.Processed)
	d.tracer.AddAttribute(txn, "failed", result.Failed)
	d.tracer.AddAttribute(txn, "skipped", result.Skipped)

	log.Info().
		Int("processed", result.Processed).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("Webhook queue batch finished")

	return result, nil
}

func (d *Dispatcher) processEvent(ctx context.Context, event models.QueuedEvent, timeout time.Duration) string {
	start := d.now()
	logger := log.With().Str("event_id", event.EventID).Str("event_type", event.EventType).Logger()

	if err := d.queue.MarkProcessing(ctx, event.EventID); err != nil {
		logger.Error().Err(err).Msg("Failed to mark webhook event processing")
		d.finish(ctx, event, models.OutcomeFailed, err, start)
		return models.OutcomeFailed
	}
	event.Attempts++

	err := d.runWithTimeout(ctx, timeout, func(ctx context.Context) error {
		return d.route(ctx, event)
	})

	// outcomes are recorded even after the run is cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	outcome := models.OutcomeProcessed
	switch {
	case err == nil:
	case errors.Is(err, ErrSkip):
		outcome = models.OutcomeSkipped
		logger.Info().Str("reason", err.Error()).Msg("Webhook event skipped")
	default:
		logger.Error().Err(err).Int("attempt", event.Attempts).Msg("Webhook event failed")
		if markErr := d.queue.MarkFailed(ctx, event.EventID, err); markErr != nil {
			logger.Error().Err(markErr).Msg("Failed to mark webhook event failed")
		}
		d.finish(ctx, event, models.OutcomeFailed, err, start)
		return models.OutcomeFailed
	}

	if markErr := d.queue.MarkCompleted(ctx, event.EventID); markErr != nil {
		logger.Error().Err(markErr).Msg("Failed to mark webhook event completed")
		d.finish(ctx, event, models.OutcomeFailed, markErr, start)
		return models.OutcomeFailed
	}

	d.finish(ctx, event, outcome, nil, start)
	return outcome
}

// route dispatches on the event type; unknown types are skipped
func (d *Dispatcher) route(ctx context.Context, event models.QueuedEvent) error {
	var envelope models.WebhookEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return errors.Wrap(err, "malformed webhook payload")
	}

	var handler Handler
	switch models.EventType(event.EventType) {
	case models.EventOrderCreated:
		handler = d.handlers.OrderCreated
	case models.EventOrderUpdated:
		handler = d.handlers.OrderUpdated
	case models.EventPaymentCreated, models.EventPaymentUpdated:
		handler = d.handlers.Payment
	case models.EventRefundCreated, models.EventRefundUpdated:
		handler = d.handlers.Refund
	default:
		return errors.Wrapf(errUnknownType, "%q", event.EventType)
	}

	if handler == nil {
		return errors.Wrapf(ErrSkip, "no handler registered for %s", event.EventType)
	}
	return handler.Handle(ctx, event, envelope)
}

// runWithTimeout races fn against the timeout. On timeout fn keeps running
// in the background with a cancelled context.
func (d *Dispatcher) runWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Wrapf(ErrTimeout, "after %s", timeout)
		}
		return ctx.Err()
	}
}

func (d *Dispatcher) finish(ctx context.Context, event models.QueuedEvent, outcome string, err error, start time.Time) {
	elapsed := d.now().Sub(start)

	if d.collector != nil {
		d.collector.RecordDispatch(event.EventType, outcome, elapsed)
	}

	if d.audit == nil {
		return
	}
	record := models.DispatchRecord{
		EventID:    event.EventID,
		EventType:  event.EventType,
		Outcome:    outcome,
		Attempts:   event.Attempts,
		DurationMs: elapsed.Milliseconds(),
		Timestamp:  d.now().UTC(),
	}
	if err != nil {
		record.Error = err.Error()
	}
	if auditErr := d.audit.IndexDispatch(ctx, record); auditErr != nil {
		log.Warn().Err(auditErr).Str("event_id", event.EventID).Msg("Failed to index dispatch outcome")
	}
}
