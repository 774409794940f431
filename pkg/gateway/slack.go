package gateway

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// SlackNotifier posts moderation notifications to a Slack channel. With no
// bot token configured it degrades to logging only.
type SlackNotifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackNotifier creates a SlackNotifier. If botToken is empty, the
// notifier is a noop (logging only).
func NewSlackNotifier(botToken, channel string, logger *slog.Logger) *SlackNotifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackNotifier{client: client, channel: channel, logger: logger}
}

// IsEnabled returns true if the notifier has a valid Slack client.
func (n *SlackNotifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// NotifyModerators posts one message to the moderation channel.
func (n *SlackNotifier) NotifyModerators(ctx context.Context, subject, body string) error {
	if !n.IsEnabled() {
		n.logger.Info("moderator notification (slack disabled)", "subject", subject)
		return nil
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionText(fmt.Sprintf("*%s*\n%s", subject, body), false),
	)
	if err != nil {
		return fmt.Errorf("posting moderator notification to slack: %w", err)
	}
	return nil
}
