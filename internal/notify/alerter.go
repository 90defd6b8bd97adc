package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/dentaldesk/internal/conversation"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

const defaultAlertWindow = 15 * time.Minute

// OperatorAlerter emails the on-call operators when a conversation is
// quarantined. Repeat alerts for the same conversation inside the window are
// suppressed.
type OperatorAlerter struct {
	email      EmailSender
	recipients []string
	adminURL   string
	window     time.Duration
	logger     *logging.Logger
	now        func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

var _ conversation.Alerter = (*OperatorAlerter)(nil)

// AlerterOption configures an OperatorAlerter.
type AlerterOption func(*OperatorAlerter)

// WithAdminURL links the alert to the admin API base URL.
func WithAdminURL(u string) AlerterOption {
	return func(a *OperatorAlerter) {
		a.adminURL = strings.TrimRight(u, "/")
	}
}

// WithAlertWindow sets how long repeat alerts for a conversation are held back.
func WithAlertWindow(d time.Duration) AlerterOption {
	return func(a *OperatorAlerter) {
		if d >= 0 {
			a.window = d
		}
	}
}

func NewOperatorAlerter(email EmailSender, recipients []string, logger *logging.Logger, opts ...AlerterOption) *OperatorAlerter {
	if email == nil {
		panic("notify: email sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	a := &OperatorAlerter{
		email:    email,
		window:   defaultAlertWindow,
		logger:   logger,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			a.recipients = append(a.recipients, r)
		}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AlertQuarantine sends one email per recipient.
func (a *OperatorAlerter) AlertQuarantine(ctx context.Context, key string, seq int64, reason string) error {
	if len(a.recipients) == 0 {
		a.logger.ForConversation(key).Warn("quarantine alert skipped, no operators configured", "seq", seq)
		return nil
	}
	if !a.claim(key) {
		a.logger.ForConversation(key).Debug("quarantine alert suppressed", "seq", seq)
		return nil
	}

	msg := EmailMessage{
		Subject: fmt.Sprintf("[DentalDesk] Conversation %s quarantined", key),
		Text:    a.body(key, seq, reason),
	}
	var errs []error
	for _, to := range a.recipients {
		msg.To = to
		if err := a.email.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", to, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		if len(errs) == len(a.recipients) {
			a.forget(key)
		}
		return fmt.Errorf("notify: quarantine alert: %w", err)
	}
	return nil
}

func (a *OperatorAlerter) body(key string, seq int64, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation %s stopped at message %d and needs review.\n\n", key, seq)
	fmt.Fprintf(&b, "Reason: %s\n", reason)
	fmt.Fprintf(&b, "Time: %s\n\n", a.now().UTC().Format(time.RFC3339))
	b.WriteString("New messages for this conversation are dropped until it is released.\n")
	if a.adminURL != "" {
		path := "/admin/conversations/" + url.PathEscape(key)
		fmt.Fprintf(&b, "Inspect: GET %s%s\n", a.adminURL, path)
		fmt.Fprintf(&b, "Release: POST %s%s/release\n", a.adminURL, path)
	}
	return b.String()
}

func (a *OperatorAlerter) claim(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if last, ok := a.lastSent[key]; ok && now.Sub(last) < a.window {
		return false
	}
	a.lastSent[key] = now
	return true
}

func (a *OperatorAlerter) forget(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.lastSent, key)
}
