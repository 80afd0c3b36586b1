package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Chachompoo/chaploy-project/circuitbreaker"
	"github.com/Chachompoo/chaploy-project/mail"
	"github.com/Chachompoo/chaploy-project/middleware"
	"github.com/Chachompoo/chaploy-project/models"
)

func InitConsumer(logger *zap.Logger) (sarama.Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	config.Consumer.Retry.Backoff = 1 * time.Second

	brokers := []string{getEnv("KAFKA_BROKER", "localhost:9092")}

	consumer, err := sarama.NewConsumer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	logger.Info("Kafka consumer initialized")
	return consumer, nil
}

// StartNotificationConsumer reads lifecycle events off the order_events
// topic and emails the customer. Delivery is strictly best effort: a failed
// send is logged and counted, never redelivered, and never bubbles back to
// the request that committed the transition.
func StartNotificationConsumer(consumer sarama.Consumer, mailer mail.Mailer, logger *zap.Logger) error {
	topic := getEnv("KAFKA_TOPIC", "order_events")
	partitionConsumer, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("failed to consume partition: %w", err)
	}
	defer partitionConsumer.Close()

	logger.Info("Notification consumer started", zap.String("topic", topic))

	breaker := circuitbreaker.NewCircuitBreaker(5, 30*time.Second)

	for {
		select {
		case message := <-partitionConsumer.Messages():
			if err := handleMessage(message, mailer, breaker, logger); err != nil {
				logger.Error("Failed to handle message", zap.Error(err))
			}
		case err := <-partitionConsumer.Errors():
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}
}

func handleMessage(message *sarama.ConsumerMessage, mailer mail.Mailer, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) error {
	// Extract trace context from Kafka message headers
	var propagator propagation.TextMapPropagator = otel.GetTextMapPropagator()
	carrier := saramaHeaderCarrierConsumer(message.Headers)
	ctx := propagator.Extract(context.Background(), carrier)

	var tracer trace.Tracer = otel.Tracer("chaploy-shop")
	ctx, span := tracer.Start(ctx, "ProcessNotification")
	defer span.End()

	var event models.OrderEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	span.SetAttributes(
		attribute.String("event.type", event.EventType),
		attribute.Int("order.id", event.OrderID),
	)

	if event.CustomerEmail == "" {
		logger.Warn("Event without customer email, skipping notification",
			zap.String("event_type", event.EventType),
			zap.Int("order_id", event.OrderID),
		)
		return nil
	}

	var subject, body string
	var attachments []string

	switch event.EventType {
	case models.EventOrderCreated:
		subject = fmt.Sprintf("Order #%d received", event.OrderID)
		body = fmt.Sprintf(
			"<p>Hi %s,</p><p>Your order <b>#%d</b> (total %.2f THB) has been placed. "+
				"We will confirm it as soon as your payment is verified.</p>",
			event.CustomerName, event.OrderID, event.Total)
	case models.EventPaymentVerified:
		subject = fmt.Sprintf("Payment verified for order #%d", event.OrderID)
		body = fmt.Sprintf(
			"<p>Hi %s,</p><p>Your payment of <b>%.2f THB</b> for order <b>#%d</b> has been "+
				"verified. Your receipt is attached.</p>",
			event.CustomerName, event.Total, event.OrderID)
		if event.ReceiptPath != "" {
			attachments = append(attachments, event.ReceiptPath)
		}
	case models.EventOrderCancelled:
		subject = fmt.Sprintf("Order #%d cancelled", event.OrderID)
		body = fmt.Sprintf(
			"<p>Hi %s,</p><p>Your order <b>#%d</b> has been cancelled (%s).</p>",
			event.CustomerName, event.OrderID, event.CancelledBy)
		if event.Reason != "" {
			body += fmt.Sprintf("<p>Note from our team: %s</p>", event.Reason)
		}
	default:
		logger.Debug("Unknown event type", zap.String("event_type", event.EventType))
		return nil
	}

	traceID := middleware.GetTraceID(ctx)
	err := breaker.Execute(ctx, func() error {
		return mailer.Send(event.CustomerEmail, subject, body, attachments...)
	})
	if err != nil {
		// at most once: log and count, do not retry
		span.RecordError(err)
		middleware.RecordNotificationFailed(event.EventType)
		logger.Warn("Notification delivery failed",
			zap.String("trace_id", traceID),
			zap.String("event_type", event.EventType),
			zap.Int("order_id", event.OrderID),
			zap.Error(err),
		)
		return nil
	}

	middleware.RecordNotificationSent(event.EventType)
	logger.Info("Notification sent",
		zap.String("trace_id", traceID),
		zap.String("event_type", event.EventType),
		zap.Int("order_id", event.OrderID),
		zap.String("to", event.CustomerEmail),
	)
	return nil
}

// saramaHeaderCarrierConsumer implements the TextMapCarrier interface for Kafka headers (for consumer)
type saramaHeaderCarrierConsumer []*sarama.RecordHeader

func (c saramaHeaderCarrierConsumer) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c saramaHeaderCarrierConsumer) Set(key, value string) {
	// Not needed for extraction
}

func (c saramaHeaderCarrierConsumer) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
