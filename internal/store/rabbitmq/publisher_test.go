package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/handoff/internal/handoff"
)

func TestNotificationEncoding(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ev := handoff.Event{
		Type:       handoff.EventSessionClosed,
		SessionID:  "01J0000000000000000000000A",
		UserID:     "42",
		OperatorID: "7",
		Reason:     handoff.ReasonOperatorClosed,
		At:         at,
	}

	body, err := EncodeNotification("42", ev)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"recipient_id":"42"`)
	assert.Contains(t, string(body), `"reason":"operator_closed"`)

	n, err := DecodeNotification(body)
	require.NoError(t, err)
	assert.Equal(t, "42", n.RecipientID)
	assert.Equal(t, ev.Type, n.Event.Type)
	assert.True(t, n.Event.At.Equal(at))
}

func TestDecodeNotification_Bad(t *testing.T) {
	_, err := DecodeNotification([]byte("{"))
	assert.Error(t, err)
}

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 0, RetryCount(nil))
	assert.Equal(t, 0, RetryCount(amqp.Table{"other": "x"}))
	assert.Equal(t, 2, RetryCount(amqp.Table{retryCountHeader: int32(2)}))
	assert.Equal(t, 3, RetryCount(amqp.Table{retryCountHeader: int64(3)}))
	assert.Equal(t, 4, RetryCount(amqp.Table{retryCountHeader: "4"}))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0))
	assert.Equal(t, 4*time.Second, Backoff(2))
	assert.Equal(t, time.Minute, Backoff(10))
}
