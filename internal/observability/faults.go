package observability

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// Fault describes an unrecoverable internal error for operators.
type Fault struct {
	SessionID    string
	LastState    string
	LastSequence int64
	Cause        string
	At           time.Time
}

func (f Fault) summary() string {
	return fmt.Sprintf("session=%s state=%s last_sequence=%d cause=%q", f.SessionID, f.LastState, f.LastSequence, f.Cause)
}

type FaultReporter interface {
	ReportFault(ctx context.Context, f Fault)
}

// LogFaultReporter writes faults to the process log.
type LogFaultReporter struct{}

func (LogFaultReporter) ReportFault(_ context.Context, f Fault) {
	log.Printf("fault %s", f.summary())
}

// SlackFaultReporter logs every fault and posts it to an incoming webhook.
type SlackFaultReporter struct {
	webhookURL string
	post       func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

func NewSlackFaultReporter(webhookURL string) *SlackFaultReporter {
	return &SlackFaultReporter{webhookURL: strings.TrimSpace(webhookURL), post: slack.PostWebhookContext}
}

func (r *SlackFaultReporter) ReportFault(ctx context.Context, f Fault) {
	LogFaultReporter{}.ReportFault(ctx, f)
	if r.webhookURL == "" {
		return
	}
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf(":rotating_light: rehearsal session fault at %s\n%s", at.UTC().Format(time.RFC3339), f.summary()),
	}
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.post(postCtx, r.webhookURL, msg); err != nil {
		log.Printf("fault webhook failed session=%s err=%v", f.SessionID, err)
	}
}

// NewFaultReporter picks the Slack reporter when a webhook is configured.
func NewFaultReporter(webhookURL string) FaultReporter {
	if strings.TrimSpace(webhookURL) == "" {
		return LogFaultReporter{}
	}
	return NewSlackFaultReporter(webhookURL)
}
