package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultVisibilityTimeout = 60 * time.Second

// MemoryQueue is an in-process FIFO queue. Like an SQS FIFO queue it hands
// out at most one message per group at a time and redelivers a message whose
// visibility timeout lapses before it is deleted.
type MemoryQueue struct {
	mu         sync.Mutex
	messages   []*memoryMessage
	inFlight   map[string]*memoryMessage
	capacity   int
	visibility time.Duration
	notify     chan struct{}
	now        func() time.Time
}

type memoryMessage struct {
	id           string
	groupID      string
	body         string
	receipt      string
	receiveCount int
	visibleAt    time.Time
}

// MemoryQueueOption configures a MemoryQueue.
type MemoryQueueOption func(*MemoryQueue)

// WithVisibilityTimeout sets how long a received message stays hidden.
func WithVisibilityTimeout(d time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// NewMemoryQueue creates a MemoryQueue holding at most capacity messages.
func NewMemoryQueue(capacity int, opts ...MemoryQueueOption) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &MemoryQueue{
		inFlight:   make(map[string]*memoryMessage),
		capacity:   capacity,
		visibility: defaultVisibilityTimeout,
		notify:     make(chan struct{}, 1),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Send(ctx context.Context, msg outgoingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if len(q.messages) >= q.capacity {
		q.mu.Unlock()
		return fmt.Errorf("conversation: memory queue full (%d messages)", q.capacity)
	}
	if msg.DeduplicationID != "" {
		for _, m := range q.messages {
			if m.id == msg.DeduplicationID {
				q.mu.Unlock()
				return nil
			}
		}
	}
	id := msg.DeduplicationID
	if id == "" {
		id = uuid.NewString()
	}
	q.messages = append(q.messages, &memoryMessage{id: id, groupID: msg.GroupID, body: msg.Body})
	q.mu.Unlock()
	q.wake()
	return nil
}

// Receive blocks until a message is available, ctx is done, or waitSeconds elapses.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	var deadline <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}
	// Lapsed visibility timeouts are noticed by polling.
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for {
		if msgs := q.take(maxMessages); len(msgs) > 0 {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-q.notify:
		case <-poll.C:
		}
	}
}

func (q *MemoryQueue) take(max int) []queueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	blocked := make(map[string]bool)
	var out []queueMessage
	for _, m := range q.messages {
		if len(out) == max {
			break
		}
		if blocked[m.groupID] {
			continue
		}
		// Later messages of a group wait behind the head, visible or not.
		blocked[m.groupID] = m.groupID != ""
		if m.receipt != "" && now.Before(m.visibleAt) {
			continue
		}
		if m.receipt != "" {
			delete(q.inFlight, m.receipt)
		}
		m.receipt = uuid.NewString()
		m.receiveCount++
		m.visibleAt = now.Add(q.visibility)
		q.inFlight[m.receipt] = m
		out = append(out, queueMessage{
			ID:            m.id,
			Body:          m.body,
			ReceiptHandle: m.receipt,
			GroupID:       m.groupID,
			ReceiveCount:  m.receiveCount,
		})
	}
	return out
}

// Delete removes a received message. Stale receipts are ignored.
func (q *MemoryQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.inFlight[receiptHandle]
	if !ok {
		return nil
	}
	delete(q.inFlight, receiptHandle)
	for i, candidate := range q.messages {
		if candidate == m {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			break
		}
	}
	return nil
}

func (q *MemoryQueue) Release(_ context.Context, receiptHandle string, delay time.Duration) error {
	q.mu.Lock()
	m, ok := q.inFlight[receiptHandle]
	if ok {
		m.visibleAt = q.now().Add(delay)
	}
	q.mu.Unlock()
	if ok && delay <= 0 {
		q.wake()
	}
	return nil
}

// Len reports how many messages are queued or in flight.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
