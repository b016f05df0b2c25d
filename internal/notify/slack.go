// Package notify delivers fire-and-forget run summaries to per-tenant
// Slack webhooks.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/app/domain/run"
	"github.com/preciousoreva/oiat/internal/config"
	"github.com/preciousoreva/oiat/pkg/logger"
)

// Summary is the structured payload of one run notification.
type Summary struct {
	Tenant string
	Scope  string
	Status string // succeeded / failed / cancelled

	DocsCreated int
	DocsSkipped int
	DocsFailed  int

	SourceTotal float64
	RemoteTotal float64
	Difference  float64
	Reconcile   run.ReconcileStatus

	FailureReason string
}

// Sink posts summaries. Failures are logged, never propagated: a broken
// webhook must not fail a run.
type Sink struct {
	log     *logger.Logger
	timeout time.Duration

	// test hook: overrides webhook delivery
	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewSink creates a notification sink.
func NewSink(log *logger.Logger) *Sink {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &Sink{
		log:     log,
		timeout: 10 * time.Second,
		post:    slack.PostWebhookContext,
	}
}

// Notify resolves the tenant's webhook and posts the summary. A tenant
// with no webhook configured is skipped silently.
func (s *Sink) Notify(ctx context.Context, cfg company.Config, summary Summary) {
	url := config.ResolveSlackWebhook(cfg)
	if url == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.post(ctx, url, s.message(summary)); err != nil {
		s.log.Warnf("slack notification for %s: %v", summary.Tenant, err)
	}
}

func (s *Sink) message(summary Summary) *slack.WebhookMessage {
	color := "good"
	if summary.Status != "succeeded" || summary.Reconcile == run.ReconcileMismatch {
		color = "danger"
	}

	fields := []slack.AttachmentField{
		{Title: "Tenant", Value: summary.Tenant, Short: true},
		{Title: "Scope", Value: summary.Scope, Short: true},
		{Title: "Created / Skipped / Failed",
			Value: fmt.Sprintf("%d / %d / %d", summary.DocsCreated, summary.DocsSkipped, summary.DocsFailed),
			Short: true},
		{Title: "Reconciliation", Value: string(summary.Reconcile), Short: true},
		{Title: "Totals",
			Value: fmt.Sprintf("source %.2f, remote %.2f, diff %.2f",
				summary.SourceTotal, summary.RemoteTotal, summary.Difference),
			Short: false},
	}
	if summary.FailureReason != "" {
		fields = append(fields, slack.AttachmentField{
			Title: "Failure", Value: summary.FailureReason, Short: false,
		})
	}

	// Text fallback for clients that drop attachments.
	fallback := fmt.Sprintf("%s %s: %s (%d created, %d skipped, %d failed, reconcile %s)",
		summary.Tenant, summary.Scope, summary.Status,
		summary.DocsCreated, summary.DocsSkipped, summary.DocsFailed, summary.Reconcile)

	return &slack.WebhookMessage{
		Text: fallback,
		Attachments: []slack.Attachment{{
			Color:  color,
			Title:  fmt.Sprintf("POS upload %s: %s", summary.Scope, summary.Status),
			Fields: fields,
		}},
	}
}
