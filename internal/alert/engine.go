// Package alert evaluates configured threshold rules against aggregated
// usage data on a periodic sweep, applies per-rule cooldown, and fans out
// notifications across independent channels.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/tokengate/tokengate/internal/domain"
	"github.com/tokengate/tokengate/internal/metrics"
)

const sampleRetention = 7 * 24 * time.Hour

type RuleStore interface {
	EnabledRules(ctx context.Context) ([]domain.AlertRule, error)
	UpdateLastTriggered(ctx context.Context, ruleID string, at time.Time) error
}

type AlertStore interface {
	CreateAlert(ctx context.Context, alert *domain.Alert) error
	AnnotateNotifications(ctx context.Context, alertID string, results []domain.ChannelResult) error
	SaveSample(ctx context.Context, sample domain.MetricSample) error
	PruneSamples(ctx context.Context, before time.Time) (int64, error)
}

// MetricSource aggregates usage, storage, and billing data. An empty
// orgID means global.
type MetricSource interface {
	TokensSince(ctx context.Context, orgID string, since time.Time) (float64, error)
	StorageMB(ctx context.Context, orgID string) (float64, error)
	FailedPayments(ctx context.Context, orgID string, since time.Time) (float64, error)
	ActiveUsers(ctx context.Context, orgID string, since time.Time) (float64, error)
}

type Notifier interface {
	Notify(ctx context.Context, channel string, alert *domain.Alert, rule domain.AlertRule) error
}

type Engine struct {
	rules    RuleStore
	alerts   AlertStore
	source   MetricSource
	notifier Notifier
	now      func() time.Time
}

func NewEngine(rules RuleStore, alerts AlertStore, source MetricSource, notifier Notifier) *Engine {
	return &Engine{
		rules:    rules,
		alerts:   alerts,
		source:   source,
		notifier: notifier,
		now:      time.Now,
	}
}

// Sweep evaluates every enabled rule once. A single rule's failure is
// logged and skipped; it never aborts the sweep for other rules.
func (e *Engine) Sweep(ctx context.Context) error {
	rules, err := e.rules.EnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("list alert rules: %w", err)
	}

	now := e.now().UTC()

	for _, rule := range rules {
		if inCooldown(rule, now) {
			continue
		}

		value, err := e.computeMetric(ctx, rule, now)
		if err != nil {
			slog.Error("alert metric computation failed",
				"rule_id", rule.ID,
				"metric", rule.Metric,
				"error", err,
			)
			continue
		}

		sample := domain.MetricSample{
			RuleID:     rule.ID,
			Metric:     rule.Metric,
			OrgID:      rule.OrgID,
			Value:      value,
			RecordedAt: now,
		}
		if err := e.alerts.SaveSample(ctx, sample); err != nil {
			slog.Warn("failed to persist metric sample", "rule_id", rule.ID, "error", err)
		}

		if !evaluate(rule.Operator, value, rule.Threshold) {
			continue
		}

		e.trigger(ctx, rule, value, now)
	}

	pruned, err := e.alerts.PruneSamples(ctx, now.Add(-sampleRetention))
	if err != nil {
		slog.Warn("metric sample prune failed", "error", err)
	} else if pruned > 0 {
		slog.Debug("pruned metric samples", "count", pruned)
	}

	return nil
}

// inCooldown reports whether the rule fired recently enough that this
// sweep must skip it entirely, metric computation included.
func inCooldown(rule domain.AlertRule, now time.Time) bool {
	if rule.LastTriggeredAt == nil || rule.CooldownMinutes <= 0 {
		return false
	}
	cooldown := time.Duration(rule.CooldownMinutes) * time.Minute
	return now.Before(rule.LastTriggeredAt.Add(cooldown))
}

func (e *Engine) computeMetric(ctx context.Context, rule domain.AlertRule, now time.Time) (float64, error) {
	window := time.Duration(rule.TimeWindowMinutes) * time.Minute

	switch rule.Metric {
	case "daily_tokens":
		return e.source.TokensSince(ctx, rule.OrgID, domain.DayFloor(now))
	case "monthly_tokens":
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return e.source.TokensSince(ctx, rule.OrgID, monthStart)
	case "storage_mb":
		return e.source.StorageMB(ctx, rule.OrgID)
	case "failed_payments":
		return e.source.FailedPayments(ctx, rule.OrgID, now.Add(-window))
	case "active_users":
		return e.source.ActiveUsers(ctx, rule.OrgID, now.Add(-window))
	case "error_rate", "avg_latency_ms":
		// No operational-metrics source yet; these evaluate to zero.
		slog.Debug("evaluating stub metric", "metric", rule.Metric, "rule_id", rule.ID)
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", rule.Metric)
	}
}

func evaluate(op domain.AlertOperator, value, threshold float64) bool {
	switch op {
	case domain.OpGreaterThan:
		return value > threshold
	case domain.OpGreaterOrEqual:
		return value >= threshold
	case domain.OpLessThan:
		return value < threshold
	case domain.OpLessOrEqual:
		return value <= threshold
	case domain.OpEqual:
		return value == threshold
	default:
		return false
	}
}

// classifySeverity grades by how far the value exceeds the threshold:
// 200% or more over is CRITICAL, 100% HIGH, 50% MEDIUM, below that LOW.
func classifySeverity(value, threshold float64) domain.AlertSeverity {
	if threshold == 0 {
		if value != 0 {
			return domain.SeverityCritical
		}
		return domain.SeverityLow
	}

	over := (value - threshold) / math.Abs(threshold) * 100

	switch {
	case over >= 200:
		return domain.SeverityCritical
	case over >= 100:
		return domain.SeverityHigh
	case over >= 50:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func (e *Engine) trigger(ctx context.Context, rule domain.AlertRule, value float64, now time.Time) {
	severity := classifySeverity(value, rule.Threshold)

	alert := &domain.Alert{
		ID:          uuid.New().String(),
		RuleID:      rule.ID,
		Title:       fmt.Sprintf("%s threshold exceeded", rule.Metric),
		Message:     fmt.Sprintf("%s is %.2f, threshold %s %.2f", rule.Metric, value, rule.Operator, rule.Threshold),
		Severity:    severity,
		MetricValue: value,
		Threshold:   rule.Threshold,
		Status:      "triggered",
		TriggeredAt: now,
	}

	if err := e.alerts.CreateAlert(ctx, alert); err != nil {
		slog.Error("failed to persist alert", "rule_id", rule.ID, "error", err)
		return
	}

	if err := e.rules.UpdateLastTriggered(ctx, rule.ID, now); err != nil {
		slog.Error("failed to update rule trigger time", "rule_id", rule.ID, "error", err)
	}

	results := e.dispatch(ctx, alert, rule)
	alert.NotificationsSent = results
	if err := e.alerts.AnnotateNotifications(ctx, alert.ID, results); err != nil {
		slog.Warn("failed to annotate alert notifications", "alert_id", alert.ID, "error", err)
	}

	metrics.RecordAlert(string(severity))

	slog.Info("alert triggered",
		"rule_id", rule.ID,
		"metric", rule.Metric,
		"value", value,
		"threshold", rule.Threshold,
		"severity", severity,
	)
}

// dispatch attempts every configured channel; one channel's failure never
// prevents the others.
func (e *Engine) dispatch(ctx context.Context, alert *domain.Alert, rule domain.AlertRule) []domain.ChannelResult {
	results := make([]domain.ChannelResult, 0, len(rule.NotificationChannels))

	for _, channel := range rule.NotificationChannels {
		res := domain.ChannelResult{Channel: channel, OK: true}
		if err := e.notifier.Notify(ctx, channel, alert, rule); err != nil {
			res.OK = false
			res.Error = err.Error()
			slog.Warn("notification channel failed",
				"alert_id", alert.ID,
				"channel", channel,
				"error", err,
			)
		}
		results = append(results, res)
	}

	return results
}
