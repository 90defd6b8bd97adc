package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/dentaldesk/internal/lock"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

const (
	// CloseReasonTimeout is recorded when the janitor closes an idle conversation.
	CloseReasonTimeout = "timeout"

	defaultIdleTimeout     = 30 * time.Minute
	defaultJanitorInterval = time.Minute
	janitorBatch           = 100
)

// Archiver copies a closed conversation to long-term storage.
type Archiver interface {
	ArchiveConversation(ctx context.Context, conv Conversation, turns []Turn) error
}

// Janitor closes conversations that went quiet and archives closed ones.
type Janitor struct {
	store       Store
	archiver    Archiver
	locker      lock.Locker
	logger      *logging.Logger
	events      *EventLogger
	idleTimeout time.Duration
	interval    time.Duration
	now         func() time.Time
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithArchiver archives closed conversations.
func WithArchiver(a Archiver) JanitorOption {
	return func(j *Janitor) {
		j.archiver = a
	}
}

// WithJanitorLocker shares the worker's per-key lock so a close never races a
// message being processed.
func WithJanitorLocker(l lock.Locker) JanitorOption {
	return func(j *Janitor) {
		j.locker = l
	}
}

// WithJanitorEventLogger emits conversation.closed events.
func WithJanitorEventLogger(events *EventLogger) JanitorOption {
	return func(j *Janitor) {
		j.events = events
	}
}

// WithJanitorClock overrides time.Now.
func WithJanitorClock(now func() time.Time) JanitorOption {
	return func(j *Janitor) {
		if now != nil {
			j.now = now
		}
	}
}

func NewJanitor(store Store, idleTimeout, interval time.Duration, logger *logging.Logger, opts ...JanitorOption) *Janitor {
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	j := &Janitor{
		store:       store,
		logger:      logger,
		idleTimeout: idleTimeout,
		interval:    interval,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run sweeps every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if _, _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("janitor sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep closes idle conversations, then archives closed ones.
func (j *Janitor) Sweep(ctx context.Context) (closed, archived int, err error) {
	now := j.now()
	idle, err := j.store.ListIdle(ctx, now.Add(-j.idleTimeout), janitorBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("conversation: list idle: %w", err)
	}
	for _, c := range idle {
		ok, err := j.closeIdle(ctx, c.Key, now)
		if err != nil {
			j.logger.ForConversation(c.Key).Warn("failed to close idle conversation", "error", err)
			continue
		}
		if ok {
			closed++
		}
	}

	if j.archiver == nil {
		return closed, 0, nil
	}
	pending, err := j.store.ListUnarchived(ctx, janitorBatch)
	if err != nil {
		return closed, 0, fmt.Errorf("conversation: list unarchived: %w", err)
	}
	for _, c := range pending {
		if err := j.archive(ctx, c, now); err != nil {
			j.logger.ForConversation(c.Key).Warn("failed to archive conversation", "error", err)
			continue
		}
		archived++
	}
	return closed, archived, nil
}

// closeIdle re-checks the conversation under the key lock, since a message
// may have arrived after it was listed.
func (j *Janitor) closeIdle(ctx context.Context, key string, now time.Time) (bool, error) {
	if j.locker != nil {
		release, err := j.locker.Acquire(ctx, key)
		if err != nil {
			return false, err
		}
		defer release()
	}
	c, err := j.store.Load(ctx, key)
	if err != nil {
		return false, err
	}
	if c.Status != StatusOpen || !c.Drained() || !c.UpdatedAt.Before(now.Add(-j.idleTimeout)) {
		return false, nil
	}
	if err := j.store.Close(ctx, key, CloseReasonTimeout, now); err != nil {
		return false, err
	}
	j.logger.ForConversation(key).Info("closed idle conversation", "last_seq", c.LastSeq)
	j.events.Closed(ctx, key, c.LastSeq, CloseReasonTimeout)
	return true, nil
}

func (j *Janitor) archive(ctx context.Context, c Conversation, now time.Time) error {
	turns, err := j.store.Turns(ctx, c.Key, 0, 0)
	if err != nil {
		return fmt.Errorf("load turns: %w", err)
	}
	if err := j.archiver.ArchiveConversation(ctx, c, turns); err != nil {
		return err
	}
	return j.store.MarkArchived(ctx, c.Key, now)
}
