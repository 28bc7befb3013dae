package reconcile

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ReadySet1/destino-sf-sub000/internal/database"
	"github.com/ReadySet1/destino-sf-sub000/internal/models"
	"github.com/ReadySet1/destino-sf-sub000/internal/repositories"
	"github.com/ReadySet1/destino-sf-sub000/internal/testutil"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newTestRepos(t *testing.T) *repositories.Repositories {
	rdb := database.NewRetryDB(testutil.NewTestDB(t), 3,
		database.WithResetter(func(context.Context) error { return nil }),
		database.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	return repositories.NewRepositories(rdb)
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func noJitter(int64) int64 { return 0 }

func envelopeJSON(t *testing.T, eventID string, eventType models.EventType, dataID string, object interface{}) datatypes.JSON {
	t.Helper()

	raw, err := json.Marshal(object)
	require.NoError(t, err)

	payload, err := json.Marshal(models.WebhookEnvelope{
		MerchantID: "MERCHANT",
		Type:       string(eventType),
		EventID:    eventID,
		CreatedAt:  time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		Data: models.WebhookData{
			Type:   "order",
			ID:     dataID,
			Object: raw,
		},
	})
	require.NoError(t, err)
	return datatypes.JSON(payload)
}

func orderUpdatedEvent(t *testing.T, eventID, squareOrderID, state string, age time.Duration) *models.QueuedEvent {
	return orderVersionEvent(t, eventID, squareOrderID, state, 2, age)
}

func orderVersionEvent(t *testing.T, eventID, squareOrderID, state string, version int, age time.Duration) *models.QueuedEvent {
	object := models.OrderObject{OrderUpdated: &models.OrderStateChange{OrderID: squareOrderID, State: state, Version: version}}
	return &models.QueuedEvent{
		EventID:   eventID,
		EventType: string(models.EventOrderUpdated),
		Payload:   envelopeJSON(t, eventID, models.EventOrderUpdated, squareOrderID, object),
		CreatedAt: time.Now().UTC().Add(-age),
	}
}

func paymentEvent(t *testing.T, eventID string, payment models.RemotePayment) *models.QueuedEvent {
	return &models.QueuedEvent{
		EventID:   eventID,
		EventType: string(models.EventPaymentUpdated),
		Payload:   envelopeJSON(t, eventID, models.EventPaymentUpdated, payment.ID, models.PaymentObject{Payment: &payment}),
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	}
}

func refundEvent(t *testing.T, eventID string, refund models.RemoteRefund) *models.QueuedEvent {
	return &models.QueuedEvent{
		EventID:   eventID,
		EventType: string(models.EventRefundUpdated),
		Payload:   envelopeJSON(t, eventID, models.EventRefundUpdated, refund.ID, models.RefundObject{Refund: &refund}),
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	}
}

func createOrder(t *testing.T, repos *repositories.Repositories, squareOrderID string, paymentStatus models.PaymentStatus) *models.Order {
	t.Helper()
	order := &models.Order{
		SquareOrderID: &squareOrderID,
		Status:        models.OrderStatusPending,
		PaymentStatus: paymentStatus,
		CustomerName:  "Test Customer",
	}
	require.NoError(t, repos.Orders.Create(context.Background(), order))
	return order
}

func reloadOrder(t *testing.T, repos *repositories.Repositories, order *models.Order) *models.Order {
	t.Helper()
	fresh, err := repos.Orders.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	return fresh
}

func loadEvent(t *testing.T, repos *repositories.Repositories, id string) *models.QueuedEvent {
	t.Helper()
	event, err := repos.Queue.Get(context.Background(), id)
	require.NoError(t, err)
	return event
}

// MockRemoteOrders is a testify mock of the commerce API
type MockRemoteOrders struct {
	mock.Mock
}

func (m *MockRemoteOrders) RetrieveOrder(ctx context.Context, squareOrderID string) (json.RawMessage, error) {
	args := m.Called(ctx, squareOrderID)
	if raw := args.Get(0); raw != nil {
		return raw.(json.RawMessage), args.Error(1)
	}
	return nil, args.Error(1)
}
