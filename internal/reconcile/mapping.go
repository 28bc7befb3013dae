package reconcile

import (
	"strings"

	"github.com/ReadySet1/destino-sf-sub000/internal/models"
)

// MapOrderState maps a remote order state to the local order status
func MapOrderState(state string) models.OrderStatus {
	switch strings.ToUpper(state) {
	case "OPEN":
		return models.OrderStatusPending
	case "COMPLETED":
		return models.OrderStatusCompleted
	case "CANCELED", "CANCELLED":
		return models.OrderStatusCancelled
	default:
		return models.OrderStatusProcessing
	}
}

// MapPaymentStatus maps a remote payment status to the local payment status
func MapPaymentStatus(status string) models.PaymentStatus {
	switch strings.ToUpper(status) {
	case "COMPLETED":
		return models.PaymentStatusPaid
	case "CANCELED", "CANCELLED", "FAILED":
		return models.PaymentStatusFailed
	default:
		return models.PaymentStatusPending
	}
}

// MapRefundStatus maps a remote refund status to the local refund status
func MapRefundStatus(status string) models.RefundStatus {
	switch strings.ToUpper(status) {
	case "COMPLETED":
		return models.RefundStatusCompleted
	case "REJECTED", "FAILED":
		return models.RefundStatusFailed
	default:
		return models.RefundStatusPending
	}
}

// NextPaymentStatus applies the monotonic guard. PAID may only advance to
// REFUNDED; REFUNDED and FAILED never change. A disallowed proposal returns
// current unchanged.
func NextPaymentStatus(current, proposed models.PaymentStatus) models.PaymentStatus {
	switch current {
	case models.PaymentStatusPaid:
		if proposed == models.PaymentStatusRefunded {
			return proposed
		}
		return current
	case models.PaymentStatusRefunded, models.PaymentStatusFailed:
		return current
	case "":
		return proposed
	default:
		if proposed == "" {
			return current
		}
		return proposed
	}
}
