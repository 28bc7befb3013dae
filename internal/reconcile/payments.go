package reconcile

import (
	"context"
	"encoding/json"

	"github.com/ReadySet1/destino-sf-sub000/internal/models"
	"github.com/ReadySet1/destino-sf-sub000/internal/repositories"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
)

// PaymentHandler reconciles payment.created and payment.updated events
type PaymentHandler struct {
	orders   OrderStore
	payments PaymentStore
}

// NewPaymentHandler creates the handler
func NewPaymentHandler(orders OrderStore, payments PaymentStore) *PaymentHandler {
	return &PaymentHandler{orders: orders, payments: payments}
}

// Handle upserts the payment and advances the order's payment status
func (h *PaymentHandler) Handle(ctx context.Context, event models.QueuedEvent, envelope models.WebhookEnvelope) error {
	var object models.PaymentObject
	if err := json.Unmarshal(envelope.Data.Object, &object); err != nil {
		return errors.Wrap(err, "malformed payment object")
	}
	remote := object.Payment
	if remote == nil || remote.ID == "" {
		return errors.New("payment event carries no payment")
	}

	logger := log.With().Str("event_id", event.EventID).Str("square_payment_id", remote.ID).Logger()

	if remote.OrderID == "" {
		logger.Warn().Msg("Payment has no order reference, skipping")
		return errors.Wrap(ErrSkip, "payment without order")
	}

	// Payments for unknown orders are skipped without a reschedule.
	order, err := h.orders.FindBySquareOrderID(ctx, remote.OrderID)
	if errors.Is(err, repositories.ErrNotFound) {
		logger.Warn().Str("square_order_id", remote.OrderID).Msg("Order not found for payment, skipping")
		return errors.Wrapf(ErrSkip, "no local order for payment %s", remote.ID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to look up order")
	}

	mapped := MapPaymentStatus(remote.Status)
	status := mapped
	existing, err := h.payments.FindBySquarePaymentID(ctx, remote.ID)
	switch {
	case err == nil:
		status = NextPaymentStatus(existing.Status, mapped)
	case !errors.Is(err, repositories.ErrNotFound):
		return errors.Wrap(err, "failed to look up payment")
	}

	money := remote.AmountMoney
	if money.Amount == 0 && remote.TotalMoney != nil {
		money = *remote.TotalMoney
	}
	currency := money.Currency
	if currency == "" {
		currency = "USD"
	}

	raw, err := json.Marshal(remote)
	if err != nil {
		return errors.Wrap(err, "failed to encode payment snapshot")
	}

	payment := &models.Payment{
		SquarePaymentID: remote.ID,
		OrderID:         order.ID,
		Amount:          models.MinorToMajor(money.Amount),
		Currency:        currency,
		Status:          status,
		RawData:         datatypes.JSON(raw),
	}
	if err := h.payments.Upsert(ctx, payment); err != nil {
		return err
	}

	update, changed := paymentUpdate(order, mapped)
	if changed {
		if err := h.orders.UpdateReconciliation(ctx, order.ID, update); err != nil {
			return err
		}
	}

	logger.Info().
		Str("order_id", order.ID.String()).
		Str("payment_status", string(status)).
		Str("amount", payment.Amount.StringFixed(2)).
		Msg("Payment reconciled")
	return nil
}

// paymentUpdate guards the order's payment status. A newly PAID order that
// is still PENDING moves to PROCESSING.
func paymentUpdate(order *models.Order, proposed models.PaymentStatus) (repositories.OrderUpdate, bool) {
	var update repositories.OrderUpdate

	next := NextPaymentStatus(order.PaymentStatus, proposed)
	if next == order.PaymentStatus {
		return update, false
	}
	update.PaymentStatus = &next

	if next == models.PaymentStatusPaid && order.Status == models.OrderStatusPending {
		processing := models.OrderStatusProcessing
		update.Status = &processing
	}
	return update, true
}

// RefundHandler reconciles refund.created and refund.updated events
type RefundHandler struct {
	orders   OrderStore
	payments PaymentStore
	refunds  RefundStore
}

// NewRefundHandler creates the handler
func NewRefundHandler(orders OrderStore, payments PaymentStore, refunds RefundStore) *RefundHandler {
	return &RefundHandler{orders: orders, payments: payments, refunds: refunds}
}

// Handle upserts the refund and marks the order REFUNDED once its completed
// refunds cover what was paid. Partial refunds leave the payment status as is.
func (h *RefundHandler) Handle(ctx context.Context, event models.QueuedEvent, envelope models.WebhookEnvelope) error {
	var object models.RefundObject
	if err := json.Unmarshal(envelope.Data.Object, &object); err != nil {
		return errors.Wrap(err, "malformed refund object")
	}
	remote := object.Refund
	if remote == nil || remote.ID == "" {
		return errors.New("refund event carries no refund")
	}

	logger := log.With().Str("event_id", event.EventID).Str("square_refund_id", remote.ID).Logger()

	var payment *models.Payment
	if remote.PaymentID != "" {
		found, err := h.payments.FindBySquarePaymentID(ctx, remote.PaymentID)
		switch {
		case err == nil:
			payment = found
		case !errors.Is(err, repositories.ErrNotFound):
			return errors.Wrap(err, "failed to look up payment")
		}
	}

	order, err := h.resolveOrder(ctx, remote, payment)
	if errors.Is(err, repositories.ErrNotFound) {
		logger.Warn().Str("square_order_id", remote.OrderID).Msg("Order not found for refund, skipping")
		return errors.Wrapf(ErrSkip, "no local order for refund %s", remote.ID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to look up order")
	}

	raw, err := json.Marshal(remote)
	if err != nil {
		return errors.Wrap(err, "failed to encode refund snapshot")
	}

	currency := remote.AmountMoney.Currency
	if currency == "" {
		currency = "USD"
	}

	status := MapRefundStatus(remote.Status)
	refund := &models.Refund{
		SquareRefundID: remote.ID,
		OrderID:        order.ID,
		Amount:         models.MinorToMajor(remote.AmountMoney.Amount),
		Currency:       currency,
		Status:         status,
		RawData:        datatypes.JSON(raw),
	}
	if payment != nil {
		refund.PaymentID = &payment.ID
	}
	if remote.Reason != "" {
		reason := remote.Reason
		refund.Reason = &reason
	}
	if err := h.refunds.Upsert(ctx, refund); err != nil {
		return err
	}

	if status == models.RefundStatusCompleted {
		full, err := h.fullyRefunded(ctx, order)
		if err != nil {
			return err
		}
		if !full {
			logger.Info().Str("order_id", order.ID.String()).Msg("Partial refund, payment status unchanged")
		} else if next := NextPaymentStatus(order.PaymentStatus, models.PaymentStatusRefunded); next != order.PaymentStatus {
			if err := h.orders.UpdateReconciliation(ctx, order.ID, repositories.OrderUpdate{PaymentStatus: &next}); err != nil {
				return err
			}
		}
	}

	logger.Info().
		Str("order_id", order.ID.String()).
		Str("refund_status", string(status)).
		Str("amount", refund.Amount.StringFixed(2)).
		Msg("Refund reconciled")
	return nil
}

// fullyRefunded compares the completed refunds of order with its paid
// payments, or with the order total when no payment is recorded
func (h *RefundHandler) fullyRefunded(ctx context.Context, order *models.Order) (bool, error) {
	refunded, err := h.refunds.SumCompleted(ctx, order.ID)
	if err != nil {
		return false, err
	}
	paid, err := h.payments.SumPaid(ctx, order.ID)
	if err != nil {
		return false, err
	}
	if !paid.IsPositive() {
		paid = order.Total
	}
	return refunded.GreaterThanOrEqual(paid), nil
}

// resolveOrder finds the refund's order by its own order id, falling back to
// the order of the refunded payment.
func (h *RefundHandler) resolveOrder(ctx context.Context, remote *models.RemoteRefund, payment *models.Payment) (*models.Order, error) {
	if remote.OrderID != "" {
		order, err := h.orders.FindBySquareOrderID(ctx, remote.OrderID)
		if err == nil || !errors.Is(err, repositories.ErrNotFound) || payment == nil {
			return order, err
		}
	}
	if payment == nil {
		return nil, repositories.ErrNotFound
	}
	return h.orders.GetByID(ctx, payment.OrderID)
}
