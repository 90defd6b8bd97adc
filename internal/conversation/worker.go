package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/dentaldesk/internal/lock"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

// Processor is the orchestrator as seen by the worker.
type Processor interface {
	Process(ctx context.Context, in Inbound) (Outcome, error)
	Apologize(ctx context.Context, in Inbound) error
}

var _ Processor = (*Orchestrator)(nil)

// Alerter notifies an operator that a conversation was quarantined.
type Alerter interface {
	AlertQuarantine(ctx context.Context, key string, seq int64, reason string) error
}

// QuarantineAuditor records quarantines in the audit trail.
type QuarantineAuditor interface {
	LogQuarantine(ctx context.Context, key string, seq int64, reason string) error
}

// Disposition tells the transport what to do with a delivery.
type Disposition int

const (
	// DispositionDone removes the message from the queue.
	DispositionDone Disposition = iota
	// DispositionRetry leaves the message for redelivery.
	DispositionRetry
)

func (d Disposition) String() string {
	if d == DispositionRetry {
		return "retry"
	}
	return "done"
}

// Delivery is one received queue message.
type Delivery struct {
	MessageID    string
	Body         string
	ReceiveCount int
}

// Worker consumes inbound envelopes and runs them through the processor,
// one message per conversation key at a time.
type Worker struct {
	processor  Processor
	queue      queueClient
	store      Store
	deliveries DeliveryLog
	locker     lock.Locker
	alerter    Alerter
	auditor    QuarantineAuditor
	logger     *logging.Logger
	events     *EventLogger

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	messageTimeout   time.Duration
	maxAttempts      int
	retryDelay       time.Duration
	deliveries       DeliveryLog
	locker           lock.Locker
	alerter          Alerter
	auditor          QuarantineAuditor
	events           *EventLogger
}

const (
	defaultWorkerCount    = 2
	defaultWaitSeconds    = 2
	defaultBatchSize      = 5
	maxWaitSeconds        = 20
	maxReceiveBatchSize   = 10
	deleteTimeoutSeconds  = 5
	defaultMessageTimeout = 60 * time.Second
	defaultMaxAttempts    = 5
	defaultRetryDelay     = 2 * time.Second
	maxRetryDelay         = 60 * time.Second
)

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages one receive call asks for.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithMessageTimeout bounds the processing of one message.
func WithMessageTimeout(d time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if d > 0 {
			cfg.messageTimeout = d
		}
	}
}

// WithMaxDeliveryAttempts sets how many deliveries a message gets before the
// patient receives an apology.
func WithMaxDeliveryAttempts(n int) WorkerOption {
	return func(cfg *workerConfig) {
		if n > 0 {
			cfg.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the base delay before a failed message is redelivered.
func WithRetryDelay(d time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if d > 0 {
			cfg.retryDelay = d
		}
	}
}

// WithWorkerDeliveryLog tracks delivery status.
func WithWorkerDeliveryLog(log DeliveryLog) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.deliveries = log
	}
}

// WithConversationLocker serializes messages of one key across workers.
func WithConversationLocker(l lock.Locker) WorkerOption {
	return func(cfg *workerConfig) {
		if l != nil {
			cfg.locker = l
		}
	}
}

// WithQuarantineAlerter notifies operators about quarantined conversations.
func WithQuarantineAlerter(a Alerter) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.alerter = a
	}
}

// WithQuarantineAuditor records quarantines in the audit trail.
func WithQuarantineAuditor(a QuarantineAuditor) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.auditor = a
	}
}

// WithWorkerEventLogger emits structured events for dropped and quarantined
// messages.
func WithWorkerEventLogger(events *EventLogger) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.events = events
	}
}

// NewWorker constructs a queue consumer. queue may be nil when the worker is
// only driven through Handle, as in the Lambda entrypoint.
func NewWorker(processor Processor, queue queueClient, store Store, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if processor == nil {
		panic("conversation: processor cannot be nil")
	}
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
		messageTimeout:   defaultMessageTimeout,
		maxAttempts:      defaultMaxAttempts,
		retryDelay:       defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.locker == nil {
		cfg.locker = lock.NewKeyedMutex()
	}
	return &Worker{
		processor:  processor,
		queue:      queue,
		store:      store,
		deliveries: cfg.deliveries,
		locker:     cfg.locker,
		alerter:    cfg.alerter,
		auditor:    cfg.auditor,
		logger:     logger,
		events:     cfg.events,
		cfg:        cfg,
	}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	if w.queue == nil {
		panic("conversation: worker started without a queue")
	}
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("conversation worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("conversation worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive conversation messages", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		w.handleBatch(ctx, messages)
	}
}

// handleBatch processes one receive. A FIFO receive can carry several
// messages of one group; once one of them goes back for retry the rest of
// that group is released unprocessed so a later seq never commits first.
func (w *Worker) handleBatch(ctx context.Context, messages []queueMessage) {
	held := make(map[string]time.Duration)
	for _, msg := range messages {
		group := messageGroup(msg)
		if delay, ok := held[group]; ok {
			w.logger.Debug("holding message behind failed group member", "msg_id", msg.ID, "conversation_key", group)
			w.releaseMessage(context.Background(), msg.ReceiptHandle, delay)
			continue
		}
		disp := w.Handle(ctx, Delivery{MessageID: msg.ID, Body: msg.Body, ReceiveCount: msg.ReceiveCount})
		if disp == DispositionDone {
			w.deleteMessage(context.Background(), msg.ReceiptHandle)
			continue
		}
		delay := w.retryDelay(msg.ReceiveCount)
		if group != "" {
			held[group] = delay
		}
		w.releaseMessage(context.Background(), msg.ReceiptHandle, delay)
	}
}

// messageGroup falls back to the envelope key on standard queues, which
// carry no group attribute.
func messageGroup(msg queueMessage) string {
	if msg.GroupID != "" {
		return msg.GroupID
	}
	env, err := decodeEnvelope(msg.Body)
	if err != nil {
		return ""
	}
	return env.Key
}

// Handle processes one delivery and reports whether it is finished.
func (w *Worker) Handle(ctx context.Context, d Delivery) Disposition {
	env, err := decodeEnvelope(d.Body)
	if err != nil {
		w.logger.Error("failed to decode conversation envelope", "error", err, "msg_id", d.MessageID)
		return DispositionDone
	}
	in, err := DecodeInbound(env)
	if err != nil {
		w.logger.Warn("dropping malformed message", "error", err, "conversation_key", env.Key, "seq", env.Seq)
		w.events.MessageDropped(ctx, env.Key, env.Seq, err.Error())
		w.markDelivery(ctx, env.ID, DeliveryDropped, err.Error())
		return DispositionDone
	}
	logger := w.logger.ForConversation(in.Key).With("seq", in.Seq, "delivery_id", in.DeliveryID, "receive_count", d.ReceiveCount)

	release, err := w.locker.Acquire(ctx, in.Key)
	if err != nil {
		logger.Warn("failed to lock conversation", "error", err)
		return DispositionRetry
	}
	defer release()

	msgCtx, cancel := context.WithTimeout(ctx, w.cfg.messageTimeout)
	out, err := w.processor.Process(msgCtx, in)
	cancel()

	switch {
	case err == nil:
		logger.Info("conversation message processed", "duplicate", out.Duplicate, "tool_calls", out.ToolCalls, "fallback", out.Fallback)
		w.markDelivery(ctx, in.DeliveryID, DeliveryCompleted, "")
		return DispositionDone
	case errors.Is(err, ErrDataCorruption):
		return w.quarantine(ctx, in, err)
	case errors.Is(err, ErrQuarantined):
		logger.Warn("message arrived for quarantined conversation")
		w.markDelivery(ctx, in.DeliveryID, DeliveryFailed, err.Error())
		return DispositionDone
	case ctx.Err() != nil:
		return DispositionRetry
	case d.ReceiveCount >= w.cfg.maxAttempts:
		return w.giveUp(ctx, in, err)
	default:
		logger.Warn("conversation message failed, will retry", "error", err)
		return DispositionRetry
	}
}

// giveUp answers with an apology once a message has used up its deliveries.
func (w *Worker) giveUp(ctx context.Context, in Inbound, cause error) Disposition {
	logger := w.logger.ForConversation(in.Key).With("seq", in.Seq)
	logger.Error("conversation message exhausted its deliveries", "error", cause, "max_attempts", w.cfg.maxAttempts)

	apologyCtx, cancel := context.WithTimeout(ctx, w.cfg.messageTimeout)
	err := w.processor.Apologize(apologyCtx, in)
	cancel()
	switch {
	case errors.Is(err, ErrDataCorruption):
		return w.quarantine(ctx, in, err)
	case err != nil && !errors.Is(err, ErrQuarantined):
		logger.Error("failed to commit apology", "error", err)
		return DispositionRetry
	}
	w.markDelivery(ctx, in.DeliveryID, DeliveryFailed, cause.Error())
	return DispositionDone
}

func (w *Worker) quarantine(ctx context.Context, in Inbound, cause error) Disposition {
	logger := w.logger.ForConversation(in.Key).With("seq", in.Seq)
	reason := cause.Error()
	if err := w.store.Quarantine(ctx, in.Key, reason, time.Now().UTC()); err != nil {
		logger.Error("failed to quarantine conversation", "error", err, "cause", cause)
		return DispositionRetry
	}
	logger.Error("conversation quarantined", "reason", reason)
	w.events.Quarantined(ctx, in.Key, in.Seq, reason)
	if w.auditor != nil {
		if err := w.auditor.LogQuarantine(ctx, in.Key, in.Seq, reason); err != nil {
			logger.Warn("failed to audit quarantine", "error", err)
		}
	}
	if w.alerter != nil {
		if err := w.alerter.AlertQuarantine(ctx, in.Key, in.Seq, reason); err != nil {
			logger.Warn("failed to alert operator", "error", err)
		}
	}
	w.markDelivery(ctx, in.DeliveryID, DeliveryFailed, reason)
	return DispositionDone
}

func (w *Worker) markDelivery(ctx context.Context, id string, status DeliveryStatus, detail string) {
	if w.deliveries == nil || id == "" {
		return
	}
	var err error
	switch status {
	case DeliveryCompleted:
		err = w.deliveries.MarkCompleted(ctx, id)
	case DeliveryFailed:
		err = w.deliveries.MarkFailed(ctx, id, detail)
	case DeliveryDropped:
		err = w.deliveries.MarkDropped(ctx, id, detail)
	default:
		err = fmt.Errorf("unexpected delivery status %q", status)
	}
	if err != nil {
		w.logger.Warn("failed to update delivery log", "delivery_id", id, "status", status, "error", err)
	}
}

// retryDelay doubles per delivery up to maxRetryDelay.
func (w *Worker) retryDelay(receiveCount int) time.Duration {
	delay := w.cfg.retryDelay
	for i := 1; i < receiveCount && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()

	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete conversation message", "error", err)
	}
}

func (w *Worker) releaseMessage(ctx context.Context, receiptHandle string, delay time.Duration) {
	if receiptHandle == "" {
		return
	}

	releaseCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()

	if err := w.queue.Release(releaseCtx, receiptHandle, delay); err != nil {
		w.logger.Error("failed to release conversation message", "error", err)
	}
}
