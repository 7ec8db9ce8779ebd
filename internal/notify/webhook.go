package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/Smalls1652/localllm-chat/internal/resource"
	"github.com/Smalls1652/localllm-chat/internal/transition"
)

// The "text" field lets chat services that accept {"text": ...} bodies
// display the summary without a custom template.
const defaultWebhookTemplate = `{"text":{{ toJson .Summary }},"group":{{ toJson .Group }},"severity":{{ toJson .Severity }},"unhealthy":{{ toJson .Unhealthy }},"generated_at":{{ toJson .GeneratedAt }},"transition":{{ toJson .Transition }}}`

// WebhookPayload is the template context for webhook notifications.
type WebhookPayload struct {
	Group    string
	Severity transition.Severity
	// Summary is a one-line description such as
	// "Group localllm: Settled → Degraded (Unhealthy)".
	Summary string
	// Unhealthy names the containers whose current health is Unhealthy.
	Unhealthy   []string
	Transition  transition.GroupTransition
	GeneratedAt time.Time
}

// WebhookNotifier renders group transitions through a text/template and posts
// the result to a generic webhook.
type WebhookNotifier struct {
	logger   zerolog.Logger
	template *template.Template
	poster   *httpPoster
}

// NewWebhookNotifier parses tmpl, or the default JSON body when tmpl is empty.
// It returns nil when webhookURL is empty; a nil notifier is a no-op.
func NewWebhookNotifier(logger zerolog.Logger, webhookURL string, tmpl string) (*WebhookNotifier, error) {
	if webhookURL == "" {
		return nil, nil
	}
	if tmpl == "" {
		tmpl = defaultWebhookTemplate
	}

	parsed, err := template.New("webhook").Funcs(template.FuncMap{"toJson": toJSON}).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse webhook template: %w", err)
	}

	return &WebhookNotifier{
		logger:   logger,
		template: parsed,
		poster:   newHTTPPoster(logger, "webhook", webhookURL, "application/json", defaultTiming),
	}, nil
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, change transition.GroupTransition) error {
	if n == nil {
		return nil
	}
	body, err := n.render(newWebhookPayload(change, time.Now().UTC()))
	if err != nil {
		return err
	}
	if err := n.poster.waitForRateLimit(ctx, change.Group); err != nil {
		return err
	}
	if err := n.poster.postWithRetry(ctx, body); err != nil {
		return err
	}

	n.logger.Debug().
		Str("group", change.Group).
		Str("severity", string(change.Severity)).
		Int("bytes", len(body)).
		Msg("webhook notification sent")
	return nil
}

func (n *WebhookNotifier) render(payload WebhookPayload) ([]byte, error) {
	var buf bytes.Buffer
	if err := n.template.Execute(&buf, payload); err != nil {
		return nil, fmt.Errorf("render webhook template for group %s: %w", payload.Group, err)
	}
	return buf.Bytes(), nil
}

func newWebhookPayload(change transition.GroupTransition, now time.Time) WebhookPayload {
	summary := fmt.Sprintf("Group %s: %s (%s)", change.Group, stateLabel(change), healthLabel(change))
	if change.Error != nil {
		summary += ": " + change.Error.Message
	}
	unhealthy := []string{}
	for _, c := range change.Containers {
		if c.CurrentHealth == resource.HealthUnhealthy {
			unhealthy = append(unhealthy, c.Name)
		}
	}
	return WebhookPayload{
		Group:       change.Group,
		Severity:    change.Severity,
		Summary:     summary,
		Unhealthy:   unhealthy,
		Transition:  change,
		GeneratedAt: now,
	}
}

func toJSON(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
