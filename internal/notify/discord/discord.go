// Package discord implements notify.Notifier for Discord.
package discord

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/kelurahan/switchboard/internal/notify"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff after a rate limit.
	baseBackoff = 2 * time.Second
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier posts alerts to a Discord channel as embeds. It only uses the
// REST API, so no gateway connection is opened.
type Notifier struct {
	sess        session
	channelID   string
	baseBackoff time.Duration
}

// Opts holds parameters for creating a Discord Notifier.
type Opts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session instead of a real Discord session.
	Session session
}

// New creates a Discord Notifier.
func New(opts Opts) (*Notifier, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel is required")
	}
	sess := opts.Session
	if sess == nil {
		s, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = s
	}
	return &Notifier{sess: sess, channelID: opts.ChannelID, baseBackoff: baseBackoff}, nil
}

// Notify implements notify.Notifier.
func (n *Notifier) Notify(ctx context.Context, alert notify.Alert) error {
	data := &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{alertToEmbed(alert)},
	}
	err := n.retryOnRateLimit(ctx, func() error {
		_, sendErr := n.sess.ChannelMessageSendComplex(n.channelID, data)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// alertToEmbed converts an Alert to a Discord Embed.
func alertToEmbed(alert notify.Alert) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       alert.Title,
		Description: alert.Body,
		Color:       parseHexColor(alert.Severity.Color()),
	}
	for _, f := range alert.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return embed
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// retryOnRateLimit retries fn with exponential backoff on HTTP 429.
func (n *Notifier) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * n.baseBackoff
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
