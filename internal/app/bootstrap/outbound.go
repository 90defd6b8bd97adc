package bootstrap

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/dentaldesk/internal/config"
	"github.com/wolfman30/dentaldesk/internal/conversation"
	"github.com/wolfman30/dentaldesk/internal/notify"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

// BuildReplySender publishes replies to the outbound queue, or logs them when
// no queue is configured.
func BuildReplySender(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) conversation.ReplySender {
	if cfg == nil || strings.TrimSpace(cfg.OutboundQueueURL) == "" {
		if logger != nil {
			logger.Warn("OUTBOUND_QUEUE_URL not set; replies are only logged")
		}
		return conversation.NewLogReplySender(logger)
	}
	return conversation.NewSQSReplySender(sqs.NewFromConfig(awsCfg), cfg.OutboundQueueURL)
}

// BuildEmailSender picks SendGrid when an API key is set, SES when a sender
// address is set, and the stub otherwise.
func BuildEmailSender(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (notify.EmailSender, string) {
	if cfg == nil {
		return notify.NewStubEmailSender(logger), "stub"
	}
	sgFrom := notify.NewMailbox(cfg.SendGridFromEmail, cfg.SendGridFromName)
	if sg := notify.NewSendGridSender(cfg.SendGridAPIKey, sgFrom, logger); sg != nil {
		return sg, "sendgrid"
	}
	if strings.TrimSpace(cfg.AlertFromEmail) != "" {
		return notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.NewMailbox(cfg.AlertFromEmail, ""), logger), "ses"
	}
	return notify.NewStubEmailSender(logger), "stub"
}

// BuildAlerter emails quarantine alerts to the comma separated ALERT_EMAIL list.
func BuildAlerter(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) *notify.OperatorAlerter {
	if logger == nil {
		logger = logging.Default()
	}
	sender, provider := BuildEmailSender(cfg, awsCfg, logger)
	var recipients []string
	adminURL := ""
	if cfg != nil {
		recipients = strings.Split(cfg.AlertEmail, ",")
		adminURL = cfg.AdminBaseURL
	}
	logger.Info("quarantine alerts configured", "provider", provider)
	return notify.NewOperatorAlerter(sender, recipients, logger, notify.WithAdminURL(adminURL))
}
