package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/Smalls1652/localllm-chat/internal/transition"
)

const (
	slackMaxBlocks = 50
	// header and context blocks are repeated in every message
	slackReservedBlocks = 2
)

var severityEmoji = map[transition.Severity]string{
	transition.SeverityRecovered: ":white_check_mark:",
	transition.SeverityInfo:      ":information_source:",
	transition.SeverityWarning:   ":warning:",
	transition.SeverityCritical:  ":rotating_light:",
}

type SlackNotifier struct {
	logger     zerolog.Logger
	webhookURL string
	timing     timingConfig
	poster     *httpPoster
}

// SlackOption customizes SlackNotifier behavior.
type SlackOption func(*SlackNotifier)

// WithSlackTiming overrides timing parameters (primarily for testing).
func WithSlackTiming(rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) SlackOption {
	return func(s *SlackNotifier) {
		s.timing.rateInterval = rateInterval
		s.timing.rateBurst = rateBurst
		s.timing.backoffInitial = backoffInitial
		s.timing.backoffMax = backoffMax
		s.timing.backoffMaxElapsed = backoffMaxElapsed
	}
}

// NewSlackNotifier creates a Slack notifier or a noop notifier when the webhook is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...SlackOption) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; notifications disabled")
	}

	notifier := &SlackNotifier{
		logger:     logger,
		webhookURL: webhookURL,
		timing:     defaultTiming,
	}
	for _, opt := range opts {
		opt(notifier)
	}
	notifier.poster = newHTTPPoster(logger, "slack", webhookURL, "application/json", notifier.timing)

	return notifier
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, change transition.GroupTransition) error {
	if err := n.poster.waitForRateLimit(ctx, change.Group); err != nil {
		return err
	}

	messages := buildSlackMessages(change)
	for _, message := range messages {
		payload, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("marshal slack payload: %w", err)
		}
		if err := n.poster.postWithRetry(ctx, payload); err != nil {
			return err
		}
	}

	n.logger.Debug().
		Str("group", change.Group).
		Str("severity", string(change.Severity)).
		Int("messages", len(messages)).
		Msg("slack notification sent")

	return nil
}

func (n *SlackNotifier) postOnce(ctx context.Context, payload []byte) error {
	return n.poster.postOnce(ctx, payload)
}

// buildSlackMessages renders one message per chunk of container blocks. The
// error section, when present, only appears in the first message.
func buildSlackMessages(change transition.GroupTransition) []slack.WebhookMessage {
	body := make([]slack.Block, 0, len(change.Containers)+1)
	if change.Error != nil {
		body = append(body, buildErrorBlock(change))
	}
	for _, c := range change.Containers {
		body = append(body, buildContainerBlock(c))
	}

	perMessage := slackMaxBlocks - slackReservedBlocks
	if len(body) <= perMessage {
		return []slack.WebhookMessage{buildSlackMessage(change, body, 1, 1)}
	}

	total := (len(body) + perMessage - 1) / perMessage
	messages := make([]slack.WebhookMessage, 0, total)
	for i := 0; i < len(body); i += perMessage {
		end := min(i+perMessage, len(body))
		messages = append(messages, buildSlackMessage(change, body[i:end], i/perMessage+1, total))
	}
	return messages
}

func buildSlackMessage(change transition.GroupTransition, body []slack.Block, partIndex, partTotal int) slack.WebhookMessage {
	summary := fmt.Sprintf("Group %s: %s", change.Group, stateLabel(change))
	if partTotal > 1 {
		summary = fmt.Sprintf("%s (part %d/%d)", summary, partIndex, partTotal)
	}
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, false, false))

	contextElements := []slack.MixedElement{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("%s Severity: *%s*", severityEmoji[change.Severity], change.Severity), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Health: *%s*", healthLabel(change)), false, false),
	}
	if change.Intent != "" {
		contextElements = append(contextElements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Intent: *%s*", change.Intent), false, false))
	}
	if partTotal > 1 {
		contextElements = append(contextElements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Batch: %d/%d", partIndex, partTotal), false, false))
	}

	blocks := append([]slack.Block{header, slack.NewContextBlock("", contextElements...)}, body...)
	blockSet := slack.Blocks{BlockSet: blocks}
	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &blockSet,
	}
}

func buildErrorBlock(change transition.GroupTransition) slack.Block {
	text := fmt.Sprintf("*Error* (%s", change.Error.Class)
	if change.Error.Action != "" {
		text += ", " + change.Error.Action
	}
	text += fmt.Sprintf(")\n```%s```", change.Error.Message)
	return slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", text, false, false), nil, nil)
}

func buildContainerBlock(c transition.ContainerTransition) slack.Block {
	title := fmt.Sprintf("*%s*: `%s` → `%s`", c.Name, label(string(c.PreviousHealth)), label(string(c.CurrentHealth)))
	text := slack.NewTextBlockObject("mrkdwn", title, false, false)

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Status:*\n%s → %s", label(string(c.PreviousStatus)), label(string(c.CurrentStatus))), false, false),
	}
	if c.RestartDelta > 0 {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Restarts:*\n%d (+%d)", c.Restarts, c.RestartDelta), false, false))
	}
	return slack.NewSectionBlock(text, fields, nil)
}

func stateLabel(change transition.GroupTransition) string {
	if change.PreviousState == "" || change.PreviousState == change.CurrentState {
		return string(change.CurrentState)
	}
	return fmt.Sprintf("%s → %s", change.PreviousState, change.CurrentState)
}

func healthLabel(change transition.GroupTransition) string {
	if change.PreviousHealth == "" || change.PreviousHealth == change.CurrentHealth {
		return label(string(change.CurrentHealth))
	}
	return fmt.Sprintf("%s → %s", change.PreviousHealth, label(string(change.CurrentHealth)))
}

func label(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
