package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wolfman30/dentaldesk/pkg/logging"
)

const (
	defaultReplyPollInterval = time.Second
	defaultReplyBatch        = 25
)

// ReplySender hands a committed reply to the channel transport.
type ReplySender interface {
	SendReply(ctx context.Context, reply Reply) error
}

// ReplyDispatcher drains the reply outbox. Replies of one conversation are
// sent in commit order; a failed send holds back the rest of that
// conversation until the next poll.
type ReplyDispatcher struct {
	store    Store
	sender   ReplySender
	logger   *logging.Logger
	interval time.Duration
	batch    int
	now      func() time.Time
}

// NewReplyDispatcher creates a dispatcher polling every interval.
func NewReplyDispatcher(store Store, sender ReplySender, interval time.Duration, logger *logging.Logger) *ReplyDispatcher {
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if sender == nil {
		panic("conversation: reply sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = defaultReplyPollInterval
	}
	return &ReplyDispatcher{
		store:    store,
		sender:   sender,
		logger:   logger,
		interval: interval,
		batch:    defaultReplyBatch,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled.
func (d *ReplyDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("reply dispatch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DrainOnce sends one batch of pending replies and returns how many went out.
func (d *ReplyDispatcher) DrainOnce(ctx context.Context) (int, error) {
	replies, err := d.store.PendingReplies(ctx, d.batch)
	if err != nil {
		return 0, fmt.Errorf("conversation: list pending replies: %w", err)
	}
	held := make(map[string]bool)
	sent := 0
	for _, r := range replies {
		if held[r.ConversationKey] {
			continue
		}
		logger := d.logger.ForConversation(r.ConversationKey).With("seq", r.Seq, "reply_id", r.ID)
		if err := d.sender.SendReply(ctx, r); err != nil {
			logger.Warn("failed to send reply", "error", err)
			held[r.ConversationKey] = true
			continue
		}
		if err := d.store.MarkReplySent(ctx, r.ID, d.now()); err != nil {
			logger.Error("reply sent but not marked", "error", err)
			held[r.ConversationKey] = true
			continue
		}
		sent++
	}
	return sent, nil
}

// LogReplySender writes replies to the log. It stands in for the transport
// in local runs.
type LogReplySender struct {
	logger *logging.Logger
}

func NewLogReplySender(logger *logging.Logger) *LogReplySender {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogReplySender{logger: logger}
}

func (s *LogReplySender) SendReply(_ context.Context, reply Reply) error {
	s.logger.ForConversation(reply.ConversationKey).Info("outbound reply", "seq", reply.Seq, "reply_id", reply.ID, "text", reply.Text)
	return nil
}

// outboundReply is the message body published for the channel transport.
type outboundReply struct {
	ReplyID         string    `json:"reply_id"`
	ConversationKey string    `json:"conversation_key"`
	Seq             int64     `json:"seq"`
	Text            string    `json:"text"`
	CreatedAt       time.Time `json:"created_at"`
}

// SQSReplySender publishes replies to the outbound queue. On a FIFO queue the
// conversation key is the message group and the reply id deduplicates resends.
type SQSReplySender struct {
	client   sqsAPI
	queueURL string
	fifo     bool
}

func NewSQSReplySender(client sqsAPI, queueURL string) *SQSReplySender {
	if client == nil {
		panic("conversation: sqs client cannot be nil")
	}
	if strings.TrimSpace(queueURL) == "" {
		panic("conversation: outbound queue url required")
	}
	return &SQSReplySender{client: client, queueURL: queueURL, fifo: strings.HasSuffix(queueURL, ".fifo")}
}

func (s *SQSReplySender) SendReply(ctx context.Context, reply Reply) error {
	body, err := json.Marshal(outboundReply{
		ReplyID:         reply.ID,
		ConversationKey: reply.ConversationKey,
		Seq:             reply.Seq,
		Text:            reply.Text,
		CreatedAt:       reply.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("conversation: encode reply: %w", err)
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if s.fifo {
		input.MessageGroupId = aws.String(reply.ConversationKey)
		input.MessageDeduplicationId = aws.String(reply.ID)
	}
	if _, err := s.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("conversation: send reply: %w", err)
	}
	return nil
}
