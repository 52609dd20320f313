// Package notify delivers operator-facing notifications for agent outcomes
// that need human attention: timeouts, failures, blocked cards.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
)

// sendTimeout bounds each delivery attempt so a slow API never backs up the
// supervisor.
const sendTimeout = 10 * time.Second

// Slack posts notifications to a single Slack channel. Delivery is
// fire-and-forget: Notify returns immediately and failures are logged, never
// surfaced to the caller.
type Slack struct {
	client  *slack.Client
	channel string
	logger  *slog.Logger
}

// NewSlack creates a Slack notifier. Returns nil when token or channel is
// empty, which callers treat as notifications disabled.
func NewSlack(token, channel string, logger *slog.Logger) *Slack {
	if token == "" || channel == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Slack{
		client:  slack.New(token),
		channel: channel,
		logger:  logger.With("component", "notify"),
	}
}

// Notify posts text to the configured channel without blocking the caller.
func (s *Slack) Notify(ctx context.Context, text string) {
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		_, _, err := s.client.PostMessageContext(sendCtx, s.channel,
			slack.MsgOptionText(text, false),
			slack.MsgOptionDisableLinkUnfurl(),
		)
		if err != nil {
			s.logger.Warn("Failed to post notification", "error", err)
		}
	}()
}

// Nop is a notifier that discards everything. Used when Slack is not
// configured.
type Nop struct{}

func (Nop) Notify(context.Context, string) {}
