package messaging

import (
	"context"
	"testing"

	"github.com/ReadySet1/destino-sf-sub000/config"
	"github.com/ReadySet1/destino-sf-sub000/internal/metrics"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockReceiver is a mock Service Bus receiver for testing
type MockReceiver struct {
	mock.Mock
}

func (m *MockReceiver) ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	args := m.Called(ctx, maxMessages, options)
	messages, _ := args.Get(0).([]*azservicebus.ReceivedMessage)
	return messages, args.Error(1)
}

func (m *MockReceiver) CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error {
	return m.Called(ctx, message, options).Error(0)
}

func (m *MockReceiver) AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error {
	return m.Called(ctx, message, options).Error(0)
}

func (m *MockReceiver) DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error {
	return m.Called(ctx, message, options).Error(0)
}

func (m *MockReceiver) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

var errBadPayload = errors.New("bad payload")

func TestReceiveOnceSettlesByHandlerResult(t *testing.T) {
	ok := &azservicebus.ReceivedMessage{MessageID: "m-ok", Body: []byte(`ok`)}
	bad := &azservicebus.ReceivedMessage{MessageID: "m-bad", Body: []byte(`bad`)}
	flaky := &azservicebus.ReceivedMessage{MessageID: "m-flaky", Body: []byte(`flaky`)}

	receiver := new(MockReceiver)
	receiver.On("ReceiveMessages", mock.Anything, 10, mock.Anything).
		Return([]*azservicebus.ReceivedMessage{ok, bad, flaky}, nil)
	receiver.On("CompleteMessage", mock.Anything, ok, mock.Anything).Return(nil)
	receiver.On("DeadLetterMessage", mock.Anything, bad, mock.Anything).Return(nil)
	receiver.On("AbandonMessage", mock.Anything, flaky, mock.Anything).Return(nil)

	collector := metrics.NewMetrics()
	consumer := NewConsumerWithReceiver(receiver, "square-webhooks",
		WithPermanentErrors(func(err error) bool { return errors.Is(err, errBadPayload) }),
		WithMetrics(collector),
	)

	completed, err := consumer.ReceiveOnce(context.Background(), func(_ context.Context, body []byte) error {
		switch string(body) {
		case "bad":
			return errors.Wrap(errBadPayload, "decode")
		case "flaky":
			return errors.New("database unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, completed)

	receiver.AssertExpectations(t)
	counters := collector.GetCounters()
	require.Equal(t, int64(3), counters["servicebus_received"])
	require.Equal(t, int64(1), counters["servicebus_completed"])
	require.Equal(t, int64(1), counters["servicebus_dead_lettered"])
	require.Equal(t, int64(1), counters["servicebus_abandoned"])
}

func TestReceiveOncePropagatesReceiveErrors(t *testing.T) {
	receiver := new(MockReceiver)
	receiver.On("ReceiveMessages", mock.Anything, 5, mock.Anything).Return(nil, errors.New("link detached"))

	consumer := NewConsumerWithReceiver(receiver, "square-webhooks", WithBatchSize(5))
	_, err := consumer.ReceiveOnce(context.Background(), func(context.Context, []byte) error { return nil })
	require.ErrorContains(t, err, "link detached")
}

func TestRunStopsWhenContextIsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	message := &azservicebus.ReceivedMessage{MessageID: "m-1", Body: []byte(`{}`)}

	receiver := new(MockReceiver)
	receiver.On("ReceiveMessages", mock.Anything, 10, mock.Anything).
		Return([]*azservicebus.ReceivedMessage{message}, nil).Once()
	receiver.On("CompleteMessage", mock.Anything, message, mock.Anything).Return(nil)

	consumer := NewConsumerWithReceiver(receiver, "square-webhooks")
	err := consumer.Run(ctx, func(context.Context, []byte) error {
		cancel()
		return nil
	})
	require.NoError(t, err)
	receiver.AssertExpectations(t)
}

func TestNewConsumerRequiresConnectionString(t *testing.T) {
	_, err := NewConsumer(config.AzureConfig{QueueName: "square-webhooks"})
	require.Error(t, err)
}

func TestCloseClosesReceiver(t *testing.T) {
	receiver := new(MockReceiver)
	receiver.On("Close", mock.Anything).Return(nil)

	require.NoError(t, NewConsumerWithReceiver(receiver, "q").Close(context.Background()))
	receiver.AssertExpectations(t)
}
