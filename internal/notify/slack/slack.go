// Package slack implements notify.Notifier for Slack.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kelurahan/switchboard/internal/notify"
	slackapi "github.com/slack-go/slack"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Notifier posts alerts to a Slack channel as attachments.
type Notifier struct {
	client    slackClient
	channelID string
}

// Opts holds parameters for creating a Slack Notifier.
type Opts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Notifier.
func New(opts Opts) (*Notifier, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &Notifier{client: client, channelID: opts.ChannelID}, nil
}

// Notify implements notify.Notifier.
func (n *Notifier) Notify(ctx context.Context, alert notify.Alert) error {
	options := []slackapi.MsgOption{
		slackapi.MsgOptionText(alert.Title, false),
		slackapi.MsgOptionAttachments(alertToAttachment(alert)),
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := n.client.PostMessage(n.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// alertToAttachment converts an Alert to a Slack Attachment.
func alertToAttachment(alert notify.Alert) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    alert.Title,
		Text:     alert.Body,
		Color:    alert.Severity.Color(),
		Fallback: alert.Title,
	}
	for _, f := range alert.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return att
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
