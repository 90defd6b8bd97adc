package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// queueClient is a FIFO queue with per-group ordering. A received message
// stays invisible until it is deleted or released.
type queueClient interface {
	Send(ctx context.Context, msg outgoingMessage) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
	// Release makes a received message visible again after delay.
	Release(ctx context.Context, receiptHandle string, delay time.Duration) error
}

// Queue is the inbound queue handle held by the binaries. *SQSQueue and
// *MemoryQueue implement it.
type Queue = queueClient

var (
	_ Queue = (*SQSQueue)(nil)
	_ Queue = (*MemoryQueue)(nil)
)

type outgoingMessage struct {
	GroupID         string
	DeduplicationID string
	Body            string
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
	GroupID       string
	ReceiveCount  int
}

func encodeEnvelope(env Envelope) (outgoingMessage, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return outgoingMessage{}, fmt.Errorf("conversation: failed to encode envelope: %w", err)
	}
	return outgoingMessage{
		GroupID:         env.Key,
		DeduplicationID: fmt.Sprintf("%s:%d", env.Key, env.Seq),
		Body:            string(body),
	}, nil
}

func decodeEnvelope(body string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return env, nil
}
