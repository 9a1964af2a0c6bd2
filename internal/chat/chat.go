// Package chat delivers messages to the team chat platform. The pipeline
// depends on the Sender interface; the Slack implementation and the no-op
// used when no bot token is configured both live here.
package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/teampulse/backend/internal/circuitbreaker"
)

// Message is a channel-agnostic notification body. Renderers map it to the
// channel's native format.
type Message struct {
	Title       string
	Body        string
	Context     string
	ActionURL   string
	ActionLabel string
}

// Sender posts messages to the chat platform.
type Sender interface {
	PostDM(ctx context.Context, user string, msg Message) error
	PostChannel(ctx context.Context, channel, text string) error
}

// SlackSender sends via the Slack Web API, guarded by a circuit breaker.
type SlackSender struct {
	api     *slack.Client
	breaker *circuitbreaker.Breaker
}

func NewSlackSender(botToken string, breaker *circuitbreaker.Breaker) *SlackSender {
	return &SlackSender{api: slack.New(botToken), breaker: breaker}
}

// PostDM opens (or reuses) the IM conversation with the user and posts a
// structured block message.
func (s *SlackSender) PostDM(ctx context.Context, user string, msg Message) error {
	return s.breaker.Do(func() error {
		channel, _, _, err := s.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
			Users:    []string{user},
			ReturnIM: true,
		})
		if err != nil {
			return fmt.Errorf("open conversation with %s: %w", user, err)
		}

		_, _, err = s.api.PostMessageContext(ctx, channel.ID,
			slack.MsgOptionBlocks(renderBlocks(msg)...),
			slack.MsgOptionText(msg.Title, false),
		)
		if err != nil {
			return fmt.Errorf("post DM to %s: %w", user, err)
		}
		return nil
	})
}

func (s *SlackSender) PostChannel(ctx context.Context, channel, text string) error {
	return s.breaker.Do(func() error {
		_, _, err := s.api.PostMessageContext(ctx, channel,
			slack.MsgOptionText(text, false),
		)
		if err != nil {
			return fmt.Errorf("post to channel %s: %w", channel, err)
		}
		return nil
	})
}

// renderBlocks builds the header / body / context / action layout.
func renderBlocks(msg Message) []slack.Block {
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, msg.Title, false, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, msg.Body, false, false), nil, nil),
	}
	if msg.Context != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, msg.Context, false, false)))
	}
	if msg.ActionURL != "" {
		label := msg.ActionLabel
		if label == "" {
			label = "View"
		}
		button := slack.NewButtonBlockElement("open_source_ref", msg.ActionURL,
			slack.NewTextBlockObject(slack.PlainTextType, label, false, false))
		button.URL = msg.ActionURL
		blocks = append(blocks, slack.NewActionBlock("", button))
	}
	return blocks
}

// NoopSender is used when chat is not configured; deliveries are logged and
// dropped.
type NoopSender struct{}

func (NoopSender) PostDM(ctx context.Context, user string, msg Message) error {
	slog.Debug("chat disabled, dropping DM", "user", user, "title", msg.Title)
	return nil
}

func (NoopSender) PostChannel(ctx context.Context, channel, text string) error {
	slog.Debug("chat disabled, dropping channel post", "channel", channel)
	return nil
}
