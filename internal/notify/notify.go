// Package notify delivers operational alerts to Slack and Discord.
// Delivery is best-effort: a failed alert is logged and dropped, never
// surfaced to the code path that raised it.
package notify

import (
	"context"
	"log"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
	"github.com/spindle-dev/spindle/internal/config"
)

// Sink delivers one alert message.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// SlackSink posts alerts to an incoming webhook.
type SlackSink struct {
	webhookURL string
}

// NewSlackSink creates a SlackSink for the given webhook URL.
func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{webhookURL: webhookURL}
}

// Send implements Sink.
func (s *SlackSink) Send(ctx context.Context, text string) error {
	return slack.PostWebhookContext(ctx, s.webhookURL, &slack.WebhookMessage{
		Text: text,
	})
}

// DiscordSink posts alerts to a single channel.
type DiscordSink struct {
	session   *discordgo.Session
	channelID string
}

// NewDiscordSink opens a Discord session for the given bot token.
func NewDiscordSink(token, channelID string) (*DiscordSink, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	return &DiscordSink{session: session, channelID: channelID}, nil
}

// Send implements Sink.
func (d *DiscordSink) Send(ctx context.Context, text string) error {
	_, err := d.session.ChannelMessageSend(d.channelID, text,
		discordgo.WithContext(ctx))
	return err
}

// Notifier fans one alert out to every configured sink.
type Notifier struct {
	sinks []Sink
}

// FromConfig builds a Notifier from the notify section. Unconfigured
// sinks are skipped; an empty config yields a Notifier that does
// nothing.
func FromConfig(cfg config.NotifyConfig) *Notifier {
	n := &Notifier{}
	if cfg.SlackWebhookURL != "" {
		n.sinks = append(n.sinks, NewSlackSink(cfg.SlackWebhookURL))
	}
	if cfg.DiscordToken != "" && cfg.DiscordChannelID != "" {
		sink, err := NewDiscordSink(cfg.DiscordToken, cfg.DiscordChannelID)
		if err != nil {
			log.Printf("notify: discord session: %v", err)
		} else {
			n.sinks = append(n.sinks, sink)
		}
	}
	return n
}

// Alert sends text to every sink, logging failures.
func (n *Notifier) Alert(ctx context.Context, text string) {
	for _, sink := range n.sinks {
		if err := sink.Send(ctx, text); err != nil {
			log.Printf("notify: send alert: %v", err)
		}
	}
}
