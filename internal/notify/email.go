package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/dentaldesk/pkg/logging"
)

// EmailSender delivers one email. SendGrid, SES and the stub implement it.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is a single-recipient email. HTML is optional.
type EmailMessage struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

var errNoRecipient = errors.New("notify: email has no recipient")

func (m EmailMessage) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errNoRecipient
	}
	return nil
}

const defaultFromName = "DentalDesk"

// Mailbox is the sending identity.
type Mailbox struct {
	Name    string
	Address string
}

// NewMailbox trims the address and falls back to the product name.
func NewMailbox(address, name string) Mailbox {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultFromName
	}
	return Mailbox{Name: name, Address: strings.TrimSpace(address)}
}

func (m Mailbox) String() string {
	if m.Name == "" {
		return m.Address
	}
	return fmt.Sprintf("%s <%s>", m.Name, m.Address)
}

// StubEmailSender logs instead of sending. Local runs use it.
type StubEmailSender struct {
	logger *logging.Logger
}

func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(_ context.Context, msg EmailMessage) error {
	if err := msg.validate(); err != nil {
		return err
	}
	s.logger.Info("email not sent, no provider configured", "to", msg.To, "subject", msg.Subject, "text", msg.Text)
	return nil
}
