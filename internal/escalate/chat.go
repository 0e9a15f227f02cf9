package escalate

import (
	"context"
	"fmt"
	"time"

	goslack "github.com/slack-go/slack"
)

// ChatNotifier posts a Block Kit message to a fixed Slack channel.
type ChatNotifier struct {
	api       *goslack.Client
	channelID string
	timeout   time.Duration
}

// NewChatNotifier builds a ChatNotifier bound to one channel.
func NewChatNotifier(token, channelID string) *ChatNotifier {
	return &ChatNotifier{
		api:       goslack.New(token),
		channelID: channelID,
		timeout:   10 * time.Second,
	}
}

// Notify posts the ticket as a formatted Slack message.
func (c *ChatNotifier) Notify(ctx context.Context, ticket Ticket) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	blocks := buildChatBlocks(ticket)
	_, _, err := c.api.PostMessageContext(ctx, c.channelID, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}

func buildChatBlocks(t Ticket) []goslack.Block {
	var blocks []goslack.Block

	header := fmt.Sprintf(":rotating_light: *%s*", t.Summary())
	blocks = append(blocks, goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false), nil, nil,
	))

	if t.Reason != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Reason:*\n%s", truncateForChat(t.Reason)), false, false), nil, nil,
		))
	}

	if t.L2Decision != nil {
		text := fmt.Sprintf("*L2 decision (rejected):* %s (confidence %.2f)\n%s\n_Rejected: %s_",
			t.L2Decision.RecommendedAction, t.L2Decision.Confidence, t.L2Decision.Reasoning, t.L2Decision.RejectedBecause)
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForChat(text), false, false), nil, nil,
		))
	}

	if len(t.HIPAAControls) > 0 {
		text := "*HIPAA controls:* "
		for i, c := range t.HIPAAControls {
			if i > 0 {
				text += ", "
			}
			text += c
		}
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false), nil, nil,
		))
	}

	if t.RecommendedAction != "" {
		text := fmt.Sprintf("*Recommended action:* %s", t.RecommendedAction)
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false), nil, nil,
		))
	}

	return blocks
}

const maxChatTextLength = 2900

func truncateForChat(text string) string {
	if len(text) <= maxChatTextLength {
		return text
	}
	return text[:maxChatTextLength] + "\n\n_... (truncated)_"
}
