// Package notify forwards high-severity risk alerts to Slack. It consumes
// the bus through an ordinary wildcard subscription and drains its own
// bounded queue, so a slow or failing Slack API never backs up into
// publishers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/pulseboard/pulsed/internal/event"
	"github.com/pulseboard/pulsed/internal/retry"
)

// Poster is the minimal Slack API surface the notifier needs.
type Poster interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// Config holds notifier configuration.
type Config struct {
	Channel     string
	MinSeverity int
	QueueSize   int
	Backoff     retry.Config
}

// Notifier is a bus sink that posts risk alerts to a Slack channel.
type Notifier struct {
	cfg    Config
	poster Poster
	logger zerolog.Logger
	queue  chan event.Event
}

// New creates a notifier.
func New(cfg Config, poster Poster, logger zerolog.Logger) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = 3
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff.BaseDelay = time.Second
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = 10 * time.Second
	}
	return &Notifier{
		cfg:    cfg,
		poster: poster,
		logger: logger.With().Str("component", "notify").Logger(),
		queue:  make(chan event.Event, cfg.QueueSize),
	}
}

// Deliver implements bus.Sink. Alerts below the severity threshold and
// non-alert kinds are ignored; a full queue drops the alert rather than
// blocking the bus.
func (n *Notifier) Deliver(ev event.Event) bool {
	if ev.Kind != event.KindRiskAlert {
		return true
	}
	var payload event.RiskAlertPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		n.logger.Warn().Err(err).Msg("malformed risk alert payload")
		return true
	}
	if payload.Severity < n.cfg.MinSeverity {
		return true
	}

	select {
	case n.queue <- ev:
		return true
	default:
		n.logger.Warn().Str("project", ev.ProjectID).Msg("alert queue full, dropping")
		return false
	}
}

// Run drains the queue until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.queue:
			n.post(ctx, ev)
		}
	}
}

func (n *Notifier) post(ctx context.Context, ev event.Event) {
	var payload event.RiskAlertPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return
	}

	text := fmt.Sprintf(":warning: *Risk alert* for `%s` (severity %d): %s",
		ev.ProjectID, payload.Severity, payload.Message)

	var lastErr error
	for attempt := 0; attempt < n.cfg.Backoff.MaxAttempts; attempt++ {
		_, _, lastErr = n.poster.PostMessage(n.cfg.Channel, slack.MsgOptionText(text, false))
		if lastErr == nil {
			n.logger.Info().
				Str("project", ev.ProjectID).
				Uint64("sequence", ev.Sequence).
				Msg("risk alert forwarded")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(n.cfg.Backoff.Delay(attempt)):
		}
	}
	n.logger.Error().Err(lastErr).Str("project", ev.ProjectID).Msg("risk alert delivery failed")
}
