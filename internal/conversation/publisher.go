package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/dentaldesk/internal/lock"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

// Publisher accepts inbound messages and enqueues them for the worker.
type Publisher struct {
	queue      queueClient
	store      Store
	deliveries DeliveryLog
	locker     lock.Locker
	logger     *logging.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithDeliveryLog records a pending delivery for every enqueued message.
func WithDeliveryLog(log DeliveryLog) PublisherOption {
	return func(p *Publisher) {
		p.deliveries = log
	}
}

// WithEnqueueLocker replaces the in-process lock that serializes enqueues
// for one key. Use a Redis locker when several API processes publish.
func WithEnqueueLocker(l lock.Locker) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.locker = l
		}
	}
}

// NewPublisher creates a queue-backed publisher.
func NewPublisher(queue queueClient, store Store, logger *logging.Logger, opts ...PublisherOption) *Publisher {
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	p := &Publisher{
		queue:  queue,
		store:  store,
		locker: lock.NewKeyedMutex(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue assigns the next sequence number for key and hands the message to
// the queue. It returns only after the queue accepted the message; any error
// means the caller should retry. A retry carrying the same provider message id
// reuses the original sequence number instead of taking a new one.
func (p *Publisher) Enqueue(ctx context.Context, key string, payload []byte, receivedAt time.Time) (int64, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, ErrInvalidKey
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	receivedAt = receivedAt.UTC()

	release, err := p.locker.Acquire(ctx, "enqueue:"+key)
	if err != nil {
		return 0, fmt.Errorf("conversation: lock %s for enqueue: %w", key, err)
	}
	defer release()

	providerID := providerMessageID(payload)
	if p.deliveries != nil && providerID != "" {
		prev, err := p.deliveries.FindByProvider(ctx, key, providerID)
		switch {
		case err == nil:
			return p.redeliver(ctx, prev, payload, receivedAt)
		case !errors.Is(err, ErrDeliveryNotFound):
			return 0, fmt.Errorf("conversation: look up delivery: %w", err)
		}
	}

	seq, err := p.store.NextSequence(ctx, key, receivedAt)
	if err != nil {
		return 0, err
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Key:        key,
		Seq:        seq,
		Payload:    payload,
		ReceivedAt: receivedAt,
	}

	if p.deliveries != nil {
		rec := &DeliveryRecord{DeliveryID: env.ID, ConversationKey: key, Seq: seq, ProviderMessageID: providerID}
		err := p.deliveries.RecordPending(ctx, rec)
		if errors.Is(err, ErrDuplicateDelivery) {
			// Another publisher recorded it first; its sequence number wins.
			prev, ferr := p.deliveries.FindByProvider(ctx, key, providerID)
			if ferr != nil {
				return 0, fmt.Errorf("conversation: look up delivery: %w", ferr)
			}
			return p.redeliver(ctx, prev, payload, receivedAt)
		}
		if err != nil {
			return 0, err
		}
	}
	return p.send(ctx, env)
}

// redeliver answers a transport retry. A delivery the queue never accepted,
// or whose outcome is unknown, is sent again under its original id and
// sequence number; the queue's key/seq deduplication absorbs a double send.
func (p *Publisher) redeliver(ctx context.Context, prev *DeliveryRecord, payload []byte, receivedAt time.Time) (int64, error) {
	logger := p.logger.ForConversation(prev.ConversationKey).With("seq", prev.Seq, "delivery_id", prev.DeliveryID)
	switch prev.Status {
	case DeliveryPending:
	case DeliveryUnsent:
		if err := p.deliveries.MarkPending(ctx, prev.DeliveryID); err != nil {
			logger.Warn("failed to reset delivery to pending", "error", err)
		}
	default:
		logger.Debug("inbound message already accepted", "status", prev.Status)
		return prev.Seq, nil
	}
	logger.Info("re-sending inbound message", "status", prev.Status)
	return p.send(ctx, Envelope{
		ID:         prev.DeliveryID,
		Key:        prev.ConversationKey,
		Seq:        prev.Seq,
		Payload:    payload,
		ReceivedAt: receivedAt,
	})
}

func (p *Publisher) send(ctx context.Context, env Envelope) (int64, error) {
	msg, err := encodeEnvelope(env)
	if err != nil {
		return 0, err
	}
	if err := p.queue.Send(ctx, msg); err != nil {
		if p.deliveries != nil {
			if markErr := p.deliveries.MarkUnsent(context.WithoutCancel(ctx), env.ID, err.Error()); markErr != nil {
				p.logger.Warn("failed to mark delivery unsent", "delivery_id", env.ID, "error", markErr)
			}
		}
		return 0, fmt.Errorf("conversation: failed to enqueue message: %w", err)
	}

	p.logger.Debug("inbound message enqueued", "conversation_key", env.Key, "seq", env.Seq, "delivery_id", env.ID)
	return env.Seq, nil
}

// providerMessageID pulls the transport id out of a payload when it has one.
func providerMessageID(payload []byte) string {
	var p InboundPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.ProviderMessageID
}
