package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

func TestMailbox(t *testing.T) {
	m := NewMailbox(" alerts@example.com ", "")
	if m.String() != "DentalDesk <alerts@example.com>" {
		t.Fatalf("unexpected mailbox %q", m.String())
	}
	if got := (Mailbox{Address: "a@example.com"}).String(); got != "a@example.com" {
		t.Fatalf("unexpected bare mailbox %q", got)
	}
}

type fakeSendGrid struct {
	sent   *mail.SGMailV3
	status int
	err    error
}

func (f *fakeSendGrid) SendWithContext(_ context.Context, m *mail.SGMailV3) (*rest.Response, error) {
	f.sent = m
	if f.err != nil {
		return nil, f.err
	}
	return &rest.Response{StatusCode: f.status}, nil
}

func TestSendGridSender(t *testing.T) {
	if NewSendGridSender("", NewMailbox("alerts@example.com", ""), nil) != nil {
		t.Fatal("expected nil sender without API key")
	}

	client := &fakeSendGrid{status: 202}
	sender := newSendGridSender(client, NewMailbox("alerts@example.com", "Front Desk"), nil)
	ctx := context.Background()

	if err := sender.Send(ctx, EmailMessage{To: "ops@example.com", Subject: "Quarantine", Text: "plain"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if client.sent.From.Name != "Front Desk" || client.sent.Subject != "Quarantine" {
		t.Fatalf("unexpected payload %+v", client.sent)
	}

	client.status = 401
	if err := sender.Send(ctx, EmailMessage{To: "ops@example.com"}); err == nil {
		t.Fatal("expected rejected status to surface")
	}
	client.err = errors.New("dial tcp: timeout")
	if err := sender.Send(ctx, EmailMessage{To: "ops@example.com"}); err == nil {
		t.Fatal("expected transport error to surface")
	}
	if err := sender.Send(ctx, EmailMessage{Subject: "no one"}); !errors.Is(err, errNoRecipient) {
		t.Fatalf("expected errNoRecipient, got %v", err)
	}
	if err := (&SendGridSender{}).Send(ctx, EmailMessage{To: "ops@example.com"}); err == nil {
		t.Fatal("expected error when client is nil")
	}
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESSender(t *testing.T) {
	if NewSESSender(nil, Mailbox{}, nil) != nil {
		t.Fatal("expected nil sender without client")
	}
	client := &fakeSES{}
	sender := NewSESSender(client, NewMailbox("alerts@example.com", ""), nil)

	if err := sender.Send(context.Background(), EmailMessage{To: "ops@example.com", Subject: "Quarantine", Text: "plain"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := aws.ToString(client.input.FromEmailAddress); got != "DentalDesk <alerts@example.com>" {
		t.Fatalf("unexpected from address %q", got)
	}
	body := client.input.Content.Simple.Body
	if aws.ToString(body.Text.Data) != "plain" || body.Html != nil {
		t.Fatalf("unexpected body %+v", body)
	}

	client.err = errors.New("throttled")
	if err := sender.Send(context.Background(), EmailMessage{To: "ops@example.com"}); err == nil {
		t.Fatal("expected SES error to surface")
	}
}

func TestStubEmailSender(t *testing.T) {
	stub := NewStubEmailSender(nil)
	if err := stub.Send(context.Background(), EmailMessage{To: "ops@example.com"}); err != nil {
		t.Fatalf("stub sender should not fail: %v", err)
	}
	if err := stub.Send(context.Background(), EmailMessage{}); err == nil {
		t.Fatal("stub should still reject a message without recipient")
	}
}

type recordingSender struct {
	mu     sync.Mutex
	sent   []EmailMessage
	failTo map[string]bool
}

func (r *recordingSender) Send(_ context.Context, msg EmailMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failTo[msg.To] {
		return errors.New("mailbox unavailable")
	}
	r.sent = append(r.sent, msg)
	return nil
}

func TestOperatorAlerter_SendsToEveryRecipient(t *testing.T) {
	sender := &recordingSender{}
	alerter := NewOperatorAlerter(sender, []string{"a@example.com", " ", "b@example.com"}, nil, WithAdminURL("https://desk.example.com/"))

	if err := alerter.AlertQuarantine(context.Background(), "+919800000001", 12, "checkpoint unreadable"); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 emails, got %d", len(sender.sent))
	}
	body := sender.sent[0].Text
	for _, want := range []string{"message 12", "checkpoint unreadable", "POST https://desk.example.com/admin/conversations/+919800000001/release"} {
		if !strings.Contains(body, want) {
			t.Errorf("alert body missing %q:\n%s", want, body)
		}
	}
}

func TestOperatorAlerter_SuppressesRepeatsInWindow(t *testing.T) {
	sender := &recordingSender{}
	now := time.Date(2030, 1, 6, 9, 0, 0, 0, time.UTC)
	alerter := NewOperatorAlerter(sender, []string{"ops@example.com"}, nil, WithAlertWindow(10*time.Minute))
	alerter.now = func() time.Time { return now }

	ctx := context.Background()
	alerter.AlertQuarantine(ctx, "k", 1, "x")
	alerter.AlertQuarantine(ctx, "k", 2, "x")
	alerter.AlertQuarantine(ctx, "other", 1, "x")
	if len(sender.sent) != 2 {
		t.Fatalf("expected repeat alert to be suppressed, got %d emails", len(sender.sent))
	}

	now = now.Add(11 * time.Minute)
	alerter.AlertQuarantine(ctx, "k", 3, "x")
	if len(sender.sent) != 3 {
		t.Fatalf("expected alert after the window, got %d emails", len(sender.sent))
	}
}

func TestOperatorAlerter_RetriesAfterTotalFailure(t *testing.T) {
	sender := &recordingSender{failTo: map[string]bool{"ops@example.com": true}}
	alerter := NewOperatorAlerter(sender, []string{"ops@example.com"}, nil)

	if err := alerter.AlertQuarantine(context.Background(), "k", 1, "x"); err == nil {
		t.Fatal("expected error when no email went out")
	}
	sender.failTo = nil
	if err := alerter.AlertQuarantine(context.Background(), "k", 1, "x"); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("failed alert should not start the suppression window, got %d emails", len(sender.sent))
	}
}

func TestOperatorAlerter_NoRecipients(t *testing.T) {
	sender := &recordingSender{}
	if err := NewOperatorAlerter(sender, nil, nil).AlertQuarantine(context.Background(), "k", 1, "x"); err != nil {
		t.Fatalf("expected no error without recipients, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("expected no email without recipients")
	}
}
