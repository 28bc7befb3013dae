package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ReadySet1/destino-sf-sub000/internal/metrics"
	"github.com/ReadySet1/destino-sf-sub000/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockEventQueue is a mock queue for testing
type MockEventQueue struct {
	mock.Mock
}

func (m *MockEventQueue) Enqueue(ctx context.Context, event *models.QueuedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

const validEnvelope = `{
	"merchant_id": "ML8M1AQ1GQG2K",
	"type": "order.updated",
	"event_id": "8b2a3c4d-0000-4f6a-9e61-3c1b0c4b1a11",
	"created_at": "2024-06-01T09:00:00Z",
	"data": {
		"type": "order",
		"id": "SQ-ORDER-1",
		"object": {"order_updated": {"order_id": "SQ-ORDER-1", "state": "COMPLETED", "version": 3}}
	}
}`

func TestIngestQueuesValidEnvelope(t *testing.T) {
	queue := new(MockEventQueue)
	queue.On("Enqueue", mock.Anything, mock.AnythingOfType("*models.QueuedEvent")).Return(nil)

	collector := metrics.NewMetrics()
	service := NewIngestService(queue, collector)
	fixed := time.Date(2024, 6, 1, 9, 0, 5, 0, time.UTC)
	service.now = func() time.Time { return fixed }

	event, err := service.Ingest(context.Background(), []byte(validEnvelope))
	require.NoError(t, err)
	require.Equal(t, "8b2a3c4d-0000-4f6a-9e61-3c1b0c4b1a11", event.EventID)
	require.Equal(t, "order.updated", event.EventType)
	require.Equal(t, models.QueueStatusPending, event.Status)
	require.Equal(t, fixed, event.CreatedAt)
	require.JSONEq(t, validEnvelope, string(event.Payload))
	require.Equal(t, int64(1), collector.GetCounters()["webhook_received"])

	queue.AssertExpectations(t)
}

func TestIngestRejectsInvalidEnvelopes(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"event_id":`,
		"missing id":     `{"merchant_id":"M","type":"order.updated","created_at":"2024-06-01T09:00:00Z","data":{"id":"x"}}`,
		"missing type":   `{"merchant_id":"M","event_id":"e","created_at":"2024-06-01T09:00:00Z","data":{"id":"x"}}`,
		"missing data":   `{"merchant_id":"M","type":"order.updated","event_id":"e","created_at":"2024-06-01T09:00:00Z"}`,
		"missing create": `{"merchant_id":"M","type":"order.updated","event_id":"e","data":{"id":"x"}}`,
		"id too long":    `{"merchant_id":"M","type":"order.updated","event_id":"` +
			strings.Repeat("e", models.MaxExternalEventIDLength+1) + `","created_at":"2024-06-01T09:00:00Z","data":{"id":"x"}}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			queue := new(MockEventQueue)
			service := NewIngestService(queue, nil)

			_, err := service.Ingest(context.Background(), []byte(body))
			require.ErrorIs(t, err, ErrInvalidEnvelope)
			queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
		})
	}
}

func TestIngestPropagatesQueueErrors(t *testing.T) {
	queue := new(MockEventQueue)
	queue.On("Enqueue", mock.Anything, mock.Anything).Return(errors.New("database unavailable"))

	_, err := NewIngestService(queue, nil).Ingest(context.Background(), []byte(validEnvelope))
	require.EqualError(t, err, "database unavailable")
}

func TestSignatureVerifier(t *testing.T) {
	body := []byte(validEnvelope)
	verifier := NewSignatureVerifier("secret", "https://destino.example/api/v1/webhooks/square")

	signature := verifier.Sign(body)
	require.True(t, verifier.Verify(body, signature))
	require.False(t, verifier.Verify(body, ""))
	require.False(t, verifier.Verify([]byte(`{"tampered":true}`), signature))

	other := NewSignatureVerifier("secret", "https://other.example/hook")
	require.False(t, other.Verify(body, signature))

	disabled := NewSignatureVerifier("", "")
	require.False(t, disabled.Enabled())
	require.True(t, disabled.Verify(body, ""))
}
