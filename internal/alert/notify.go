package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/tokengate/tokengate/internal/domain"
)

// DirectSender delivers a rendered alert to one recipient out of band,
// typically an SNS topic fanning out to email or SMS subscriptions.
type DirectSender interface {
	Send(ctx context.Context, recipient, subject, message string) error
}

// DashboardStore persists an in-app notification record per recipient.
type DashboardStore interface {
	SaveDashboardNotification(ctx context.Context, alert *domain.Alert, recipient string) error
}

// Dispatcher routes a triggered alert to its configured channels.
type Dispatcher struct {
	webhookURL string
	client     *http.Client
	direct     DirectSender
	dashboard  DashboardStore
}

func NewDispatcher(webhookURL string, client *http.Client, direct DirectSender, dashboard DashboardStore) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Dispatcher{
		webhookURL: webhookURL,
		client:     client,
		direct:     direct,
		dashboard:  dashboard,
	}
}

func (d *Dispatcher) Notify(ctx context.Context, channel string, alert *domain.Alert, rule domain.AlertRule) error {
	switch channel {
	case "webhook":
		return d.sendWebhook(ctx, alert, rule)
	case "direct":
		return d.sendDirect(ctx, alert, rule)
	case "dashboard":
		return d.sendDashboard(ctx, alert, rule)
	default:
		return fmt.Errorf("unknown notification channel %q", channel)
	}
}

type webhookEnvelope struct {
	Event string           `json:"event"`
	Alert *domain.Alert    `json:"alert"`
	Rule  domain.AlertRule `json:"rule"`
}

func (d *Dispatcher) sendWebhook(ctx context.Context, alert *domain.Alert, rule domain.AlertRule) error {
	if d.webhookURL == "" {
		return fmt.Errorf("webhook channel configured on rule %s but no webhook URL set", rule.ID)
	}

	body, err := json.Marshal(webhookEnvelope{
		Event: "alert.triggered",
		Alert: alert,
		Rule:  rule,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tokengate-alerts/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) sendDirect(ctx context.Context, alert *domain.Alert, rule domain.AlertRule) error {
	if d.direct == nil {
		return fmt.Errorf("direct channel configured on rule %s but no sender set", rule.ID)
	}

	subject := fmt.Sprintf("[%s] %s", alert.Severity, alert.Title)

	var failed []string
	for _, recipient := range rule.Recipients {
		if err := d.direct.Send(ctx, recipient, subject, alert.Message); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", recipient, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("direct delivery failed for %s", strings.Join(failed, "; "))
	}
	return nil
}

func (d *Dispatcher) sendDashboard(ctx context.Context, alert *domain.Alert, rule domain.AlertRule) error {
	if d.dashboard == nil {
		return fmt.Errorf("dashboard channel configured on rule %s but no store set", rule.ID)
	}

	recipients := rule.Recipients
	if len(recipients) == 0 {
		recipients = []string{rule.OrgID}
	}

	var failed []string
	for _, recipient := range recipients {
		if err := d.dashboard.SaveDashboardNotification(ctx, alert, recipient); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", recipient, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("dashboard delivery failed for %s", strings.Join(failed, "; "))
	}
	return nil
}

// SNSSender publishes alert messages to an SNS topic.
type SNSSender struct {
	client   *sns.Client
	topicARN string
}

func NewSNSSender(client *sns.Client, topicARN string) *SNSSender {
	return &SNSSender{client: client, topicARN: topicARN}
}

func (s *SNSSender) Send(ctx context.Context, recipient, subject, message string) error {
	_, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"recipient": {
				DataType:    aws.String("String"),
				StringValue: aws.String(recipient),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}
