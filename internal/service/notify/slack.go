package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackSender posts plain-text messages to a channel with a bot token.
type SlackSender struct {
	api     *slack.Client
	channel string
}

// NewSlackSender builds a sender for channel. Options are passed to slack.New.
func NewSlackSender(botToken, channel string, opts ...slack.Option) *SlackSender {
	return &SlackSender{api: slack.New(botToken, opts...), channel: channel}
}

// Name implements Sender.
func (s *SlackSender) Name() string { return "slack" }

// Send implements Sender.
func (s *SlackSender) Send(ctx context.Context, text string) error {
	_, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("failed to post message: %w", err)
	}
	return nil
}
