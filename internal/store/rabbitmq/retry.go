package rabbitmq

import (
	"context"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const retryCountHeader = "x-retry-count"

// RetryCount reads how many times a delivery has been retried.
func RetryCount(h amqp.Table) int {
	switch v := h[retryCountHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// PublishRetry parks d on the retry queue for delay. The retry queue
// dead-letters back to the main queue once the message expires.
func PublishRetry(ctx context.Context, ch *amqp.Channel, queue string, d amqp.Delivery, delay time.Duration) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryCountHeader] = int32(RetryCount(d.Headers) + 1)

	return ch.PublishWithContext(ctx, "", queue+".retry", false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
		Type:         d.Type,
		Timestamp:    time.Now(),
		Headers:      headers,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
	})
}

// Backoff returns the retry delay for the given attempt, doubling from one
// second up to a minute.
func Backoff(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt && d < time.Minute; i++ {
		d *= 2
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
