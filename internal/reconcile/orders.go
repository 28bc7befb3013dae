package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ReadySet1/destino-sf-sub000/internal/breaker"
	"github.com/ReadySet1/destino-sf-sub000/internal/database"
	"github.com/ReadySet1/destino-sf-sub000/internal/models"
	"github.com/ReadySet1/destino-sf-sub000/internal/repositories"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
)

const (
	DefaultLookupAttempts  = 5
	DefaultRescheduleDelay = 30 * time.Second
)

// OrderHandlerConfig tunes the order-not-found race handling
type OrderHandlerConfig struct {
	LookupAttempts  int
	RescheduleDelay time.Duration
	// MaxReschedules caps how often one event is carried forward; 0 means no cap
	MaxReschedules int
	Backoff        Backoff
}

// OrderHandler reconciles order.created and order.updated events
type OrderHandler struct {
	queue  QueueStore
	orders OrderStore
	remote RemoteOrders
	cfg    OrderHandlerConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewOrderHandler creates the handler. remote may be nil, in which case the
// webhook object is stored as the snapshot.
func NewOrderHandler(queue QueueStore, orders OrderStore, remote RemoteOrders, cfg OrderHandlerConfig) *OrderHandler {
	if cfg.LookupAttempts <= 0 {
		cfg.LookupAttempts = DefaultLookupAttempts
	}
	if cfg.RescheduleDelay <= 0 {
		cfg.RescheduleDelay = DefaultRescheduleDelay
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &OrderHandler{
		queue:  queue,
		orders: orders,
		remote: remote,
		cfg:    cfg,
		sleep:  database.Sleep,
	}
}

// WithSleep overrides the wait between lookups
func (h *OrderHandler) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *OrderHandler {
	h.sleep = sleep
	return h
}

// Created handles order.created with a single lookup. Orders the storefront
// did not create (for example point of sale) are skipped.
func (h *OrderHandler) Created() Handler {
	return HandlerFunc(func(ctx context.Context, event models.QueuedEvent, envelope models.WebhookEnvelope) error {
		change, err := decodeOrderChange(envelope)
		if err != nil {
			return err
		}

		order, err := h.orders.FindBySquareOrderID(ctx, change.OrderID)
		if errors.Is(err, repositories.ErrNotFound) {
			return errors.Wrapf(ErrSkip, "no local order for %s", change.OrderID)
		}
		if err != nil {
			return errors.Wrap(err, "failed to look up order")
		}
		return h.apply(ctx, order, change, envelope)
	})
}

// Updated handles order.updated. A missing order is retried with backoff and
// then carried forward as a delayed copy of the event.
func (h *OrderHandler) Updated() Handler {
	return HandlerFunc(func(ctx context.Context, event models.QueuedEvent, envelope models.WebhookEnvelope) error {
		change, err := decodeOrderChange(envelope)
		if err != nil {
			return err
		}

		order, err := h.lookupWithBackoff(ctx, change.OrderID)
		if errors.Is(err, repositories.ErrNotFound) {
			return h.reschedule(ctx, event, change.OrderID)
		}
		if err != nil {
			return errors.Wrap(err, "failed to look up order")
		}
		return h.apply(ctx, order, change, envelope)
	})
}

func (h *OrderHandler) lookupWithBackoff(ctx context.Context, squareOrderID string) (*models.Order, error) {
	for attempt := 0; attempt < h.cfg.LookupAttempts; attempt++ {
		order, err := h.orders.FindBySquareOrderID(ctx, squareOrderID)
		if err == nil {
			if attempt > 0 {
				log.Info().Str("square_order_id", squareOrderID).Int("attempt", attempt+1).Msg("Order found after retry")
			}
			return order, nil
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, err
		}
		if attempt == h.cfg.LookupAttempts-1 {
			break
		}

		delay := h.cfg.Backoff.Delay(attempt)
		log.Debug().
			Str("square_order_id", squareOrderID).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Order not found yet, retrying lookup")
		if err := h.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, repositories.ErrNotFound
}

func (h *OrderHandler) reschedule(ctx context.Context, event models.QueuedEvent, squareOrderID string) error {
	if h.cfg.MaxReschedules > 0 && event.Reschedules >= h.cfg.MaxReschedules {
		return errors.Errorf("order %s still missing after %d reschedules", squareOrderID, event.Reschedules)
	}

	retry, err := h.queue.Reschedule(ctx, event, h.cfg.RescheduleDelay)
	if err != nil {
		return err
	}

	log.Warn().
		Str("event_id", event.EventID).
		Str("retry_event_id", retry.EventID).
		Str("square_order_id", squareOrderID).
		Dur("delay", h.cfg.RescheduleDelay).
		Msg("Order not found after lookup retries, event rescheduled")
	return nil
}

// apply maps the remote state onto the order and stores the remote snapshot
func (h *OrderHandler) apply(ctx context.Context, order *models.Order, change *models.OrderStateChange, envelope models.WebhookEnvelope) error {
	snapshot, state := h.snapshot(ctx, change, envelope)

	status := MapOrderState(state)
	if status == models.OrderStatusPending && order.PaymentStatus == models.PaymentStatusPaid {
		status = models.OrderStatusProcessing
	}

	update := repositories.OrderUpdate{Status: &status, RawData: snapshot}
	if err := h.orders.UpdateReconciliation(ctx, order.ID, update); err != nil {
		return err
	}

	log.Info().
		Str("order_id", order.ID.String()).
		Str("square_order_id", change.OrderID).
		Str("remote_state", state).
		Str("status", string(status)).
		Msg("Order reconciled")
	return nil
}

// snapshot prefers the full remote order. The webhook object is stored
// instead when the commerce API is not available or its order version is
// behind the event.
func (h *OrderHandler) snapshot(ctx context.Context, change *models.OrderStateChange, envelope models.WebhookEnvelope) (datatypes.JSON, string) {
	fallback := datatypes.JSON(envelope.Data.Object)
	if h.remote == nil {
		return fallback, change.State
	}

	remote, err := h.remote.RetrieveOrder(ctx, change.OrderID)
	if err != nil {
		event := log.Warn()
		if errors.Is(err, breaker.ErrOpen) {
			event = log.Debug()
		}
		event.Err(err).Str("square_order_id", change.OrderID).Msg("Using webhook object as order snapshot")
		return fallback, change.State
	}

	var parsed struct {
		State   string `json:"state"`
		Version int    `json:"version"`
	}
	if err := json.Unmarshal(remote, &parsed); err != nil || parsed.State == "" {
		return datatypes.JSON(remote), change.State
	}
	if parsed.Version > 0 && parsed.Version < change.Version {
		log.Warn().
			Str("square_order_id", change.OrderID).
			Int("remote_version", parsed.Version).
			Int("event_version", change.Version).
			Msg("Remote order is older than the webhook, using webhook object as order snapshot")
		return fallback, change.State
	}
	return datatypes.JSON(remote), parsed.State
}

func decodeOrderChange(envelope models.WebhookEnvelope) (*models.OrderStateChange, error) {
	var object models.OrderObject
	if len(envelope.Data.Object) > 0 {
		if err := json.Unmarshal(envelope.Data.Object, &object); err != nil {
			return nil, errors.Wrap(err, "malformed order object")
		}
	}

	change := object.Change()
	if change == nil {
		change = &models.OrderStateChange{}
	}
	if change.OrderID == "" {
		change.OrderID = envelope.Data.ID
	}
	if change.OrderID == "" {
		return nil, errors.New("order event carries no order id")
	}
	return change, nil
}
