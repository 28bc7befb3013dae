package messaging

import (
	"context"
	"time"

	"github.com/ReadySet1/destino-sf-sub000/config"
	"github.com/ReadySet1/destino-sf-sub000/internal/metrics"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultBatchSize   = 10
	defaultIdleBackoff = 5 * time.Second
)

// Receiver is the subset of *azservicebus.Receiver the consumer uses
type Receiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
	Close(ctx context.Context) error
}

// MessageHandler consumes one message body
type MessageHandler func(ctx context.Context, body []byte) error

// Consumer relays webhook deliveries from a Service Bus queue into the
// local event queue
type Consumer struct {
	client      *azservicebus.Client
	receiver    Receiver
	queueName   string
	batchSize   int
	idleBackoff time.Duration
	permanent   func(error) bool
	collector   *metrics.Metrics
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithPermanentErrors marks handler errors that must be dead-lettered
// instead of abandoned for redelivery
func WithPermanentErrors(permanent func(error) bool) ConsumerOption {
	return func(c *Consumer) { c.permanent = permanent }
}

// WithMetrics records receive and settle counters
func WithMetrics(collector *metrics.Metrics) ConsumerOption {
	return func(c *Consumer) { c.collector = collector }
}

// WithBatchSize sets how many messages are received per call
func WithBatchSize(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// NewConsumer connects to the configured queue in peek-lock mode
func NewConsumer(cfg config.AzureConfig, opts ...ConsumerOption) (*Consumer, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	receiver, err := client.NewReceiverForQueue(cfg.QueueName, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
	if err != nil {
		_ = client.Close(context.Background())
		return nil, errors.Wrapf(err, "failed to create receiver for queue %s", cfg.QueueName)
	}

	consumer := NewConsumerWithReceiver(receiver, cfg.QueueName, opts...)
	consumer.client = client
	return consumer, nil
}

// NewConsumerWithReceiver wraps an existing receiver
func NewConsumerWithReceiver(receiver Receiver, queueName string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		receiver:    receiver,
		queueName:   queueName,
		batchSize:   defaultBatchSize,
		idleBackoff: defaultIdleBackoff,
		permanent:   func(error) bool { return false },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run receives until ctx is done
func (c *Consumer) Run(ctx context.Context, handle MessageHandler) error {
	log.Info().Str("queue", c.queueName).Msg("Service Bus consumer started")
	for {
		if ctx.Err() != nil {
			return nil
		}

		if _, err := c.ReceiveOnce(ctx, handle); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Str("queue", c.queueName).Msg("Failed to receive messages")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.idleBackoff):
			}
		}
	}
}

// ReceiveOnce handles one batch and returns how many messages were completed
func (c *Consumer) ReceiveOnce(ctx context.Context, handle MessageHandler) (int, error) {
	messages, err := c.receiver.ReceiveMessages(ctx, c.batchSize, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to receive messages")
	}
	c.count("servicebus_received", len(messages))

	completed := 0
	for _, message := range messages {
		if c.settle(ctx, message, handle(ctx, message.Body)) {
			completed++
		}
	}
	return completed, nil
}

// settle acknowledges message according to the handler result. Settlement
// uses a fresh context so a shutdown does not leave the lock dangling.
func (c *Consumer) settle(ctx context.Context, message *azservicebus.ReceivedMessage, handleErr error) bool {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	logger := log.With().Str("message_id", message.MessageID).Logger()

	switch {
	case handleErr == nil:
		if err := c.receiver.CompleteMessage(settleCtx, message, nil); err != nil {
			logger.Error().Err(err).Msg("Failed to complete message")
			return false
		}
		c.count("servicebus_completed", 1)
		return true

	case c.permanent(handleErr):
		reason := "invalid webhook"
		description := handleErr.Error()
		logger.Warn().Err(handleErr).Msg("Dead-lettering message")
		if err := c.receiver.DeadLetterMessage(settleCtx, message, &azservicebus.DeadLetterOptions{
			Reason:           &reason,
			ErrorDescription: &description,
		}); err != nil {
			logger.Error().Err(err).Msg("Failed to dead-letter message")
		}
		c.count("servicebus_dead_lettered", 1)
		return false

	default:
		logger.Error().Err(handleErr).Msg("Abandoning message")
		if err := c.receiver.AbandonMessage(settleCtx, message, nil); err != nil {
			logger.Error().Err(err).Msg("Failed to abandon message")
		}
		c.count("servicebus_abandoned", 1)
		return false
	}
}

func (c *Consumer) count(name string, n int) {
	if c.collector != nil && n > 0 {
		c.collector.IncrementCounterBy(name, int64(n))
	}
}

// Close releases the receiver and client
func (c *Consumer) Close(ctx context.Context) error {
	if c.receiver != nil {
		if err := c.receiver.Close(ctx); err != nil {
			return err
		}
	}
	if c.client != nil {
		return c.client.Close(ctx)
	}
	return nil
}
