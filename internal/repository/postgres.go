// Package repository implements the storage interfaces consumed by the
// quota guard, usage metering, and alert engine. The Postgres stores
// assume externally managed tables: plans, subscriptions, usage_events,
// org_files, billing_events, alert_rules, alerts, metric_samples, and
// dashboard_notifications.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/tokengate/tokengate/internal/domain"
)

func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

type PostgresPlanStore struct {
	db *sql.DB
}

func NewPostgresPlanStore(db *sql.DB) *PostgresPlanStore {
	return &PostgresPlanStore{db: db}
}

// ActiveSubscription returns the most recently started active subscription
// and its plan, or (nil, nil, nil) when the org has none.
func (s *PostgresPlanStore) ActiveSubscription(ctx context.Context, orgID string) (*domain.Subscription, *domain.Plan, error) {
	query := `
		SELECT s.org_id, s.plan_id, s.active, s.period_start, s.period_end,
		       p.code, p.daily_token_limit, p.monthly_credit_tokens,
		       p.storage_limit_mb, p.max_file_size_mb, p.features
		FROM subscriptions s
		JOIN plans p ON p.id = s.plan_id
		WHERE s.org_id = $1 AND s.active = true
		ORDER BY s.period_start DESC
		LIMIT 1
	`

	var sub domain.Subscription
	var plan domain.Plan
	var features pq.StringArray

	err := s.db.QueryRowContext(ctx, query, orgID).Scan(
		&sub.OrgID,
		&sub.PlanID,
		&sub.Active,
		&sub.PeriodStart,
		&sub.PeriodEnd,
		&plan.Code,
		&plan.DailyTokenLimit,
		&plan.MonthlyCreditTokens,
		&plan.StorageLimitMB,
		&plan.MaxFileSizeMB,
		&features,
	)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query subscription: %w", err)
	}

	plan.Features = []string(features)
	return &sub, &plan, nil
}

type PostgresUsageStore struct {
	db *sql.DB
}

func NewPostgresUsageStore(db *sql.DB) *PostgresUsageStore {
	return &PostgresUsageStore{db: db}
}

func (s *PostgresUsageStore) Insert(ctx context.Context, ev domain.UsageEvent) error {
	query := `
		INSERT INTO usage_events (id, ts, day, provider, model, org_id, user_id,
		                          prompt_tokens, completion_tokens, total_tokens, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.db.ExecContext(ctx, query,
		ev.ID,
		ev.TS,
		ev.Day,
		ev.Provider,
		ev.Model,
		ev.OrgID,
		ev.UserID,
		ev.PromptTokens,
		ev.CompletionTokens,
		ev.TotalTokens,
		ev.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}

	return nil
}

func (s *PostgresUsageStore) DailyTokens(ctx context.Context, orgID string, day time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(total_tokens), 0)
		FROM usage_events
		WHERE org_id = $1 AND day = $2
	`

	var total int64
	if err := s.db.QueryRowContext(ctx, query, orgID, day).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum daily tokens: %w", err)
	}
	return total, nil
}

func (s *PostgresUsageStore) StorageBytes(ctx context.Context, orgID string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(size_bytes), 0)
		FROM org_files
		WHERE org_id = $1
	`

	var total int64
	if err := s.db.QueryRowContext(ctx, query, orgID).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum storage bytes: %w", err)
	}
	return total, nil
}

// TokensSince aggregates total tokens for an org, or globally when orgID
// is empty.
func (s *PostgresUsageStore) TokensSince(ctx context.Context, orgID string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(total_tokens), 0)
		FROM usage_events
		WHERE ts >= $1 AND ($2 = '' OR org_id = $2)
	`

	var total float64
	if err := s.db.QueryRowContext(ctx, query, since, orgID).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum tokens since: %w", err)
	}
	return total, nil
}

func (s *PostgresUsageStore) StorageMB(ctx context.Context, orgID string) (float64, error) {
	query := `
		SELECT COALESCE(SUM(size_bytes), 0)
		FROM org_files
		WHERE ($1 = '' OR org_id = $1)
	`

	var bytes float64
	if err := s.db.QueryRowContext(ctx, query, orgID).Scan(&bytes); err != nil {
		return 0, fmt.Errorf("sum storage: %w", err)
	}
	return bytes / (1024 * 1024), nil
}

func (s *PostgresUsageStore) FailedPayments(ctx context.Context, orgID string, since time.Time) (float64, error) {
	query := `
		SELECT COUNT(*)
		FROM billing_events
		WHERE event_type = 'payment_failed' AND created_at >= $1 AND ($2 = '' OR org_id = $2)
	`

	var count float64
	if err := s.db.QueryRowContext(ctx, query, since, orgID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count failed payments: %w", err)
	}
	return count, nil
}

func (s *PostgresUsageStore) ActiveUsers(ctx context.Context, orgID string, since time.Time) (float64, error) {
	query := `
		SELECT COUNT(DISTINCT user_id)
		FROM usage_events
		WHERE ts >= $1 AND ($2 = '' OR org_id = $2)
	`

	var count float64
	if err := s.db.QueryRowContext(ctx, query, since, orgID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active users: %w", err)
	}
	return count, nil
}

type PostgresAlertStore struct {
	db *sql.DB
}

func NewPostgresAlertStore(db *sql.DB) *PostgresAlertStore {
	return &PostgresAlertStore{db: db}
}

func (s *PostgresAlertStore) EnabledRules(ctx context.Context) ([]domain.AlertRule, error) {
	query := `
		SELECT id, metric, operator, threshold, time_window_minutes, cooldown_minutes,
		       last_triggered_at, COALESCE(org_id, ''), notification_channels, recipients
		FROM alert_rules
		WHERE enabled = true
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query alert rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.AlertRule
	for rows.Next() {
		var rule domain.AlertRule
		var lastTriggered sql.NullTime
		var channels, recipients pq.StringArray

		err := rows.Scan(
			&rule.ID,
			&rule.Metric,
			&rule.Operator,
			&rule.Threshold,
			&rule.TimeWindowMinutes,
			&rule.CooldownMinutes,
			&lastTriggered,
			&rule.OrgID,
			&channels,
			&recipients,
		)
		if err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}

		if lastTriggered.Valid {
			t := lastTriggered.Time
			rule.LastTriggeredAt = &t
		}
		rule.Enabled = true
		rule.NotificationChannels = []string(channels)
		rule.Recipients = []string(recipients)

		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

func (s *PostgresAlertStore) UpdateLastTriggered(ctx context.Context, ruleID string, at time.Time) error {
	query := `UPDATE alert_rules SET last_triggered_at = $2 WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, ruleID, at); err != nil {
		return fmt.Errorf("update last triggered: %w", err)
	}
	return nil
}

func (s *PostgresAlertStore) CreateAlert(ctx context.Context, alert *domain.Alert) error {
	query := `
		INSERT INTO alerts (id, rule_id, title, message, severity, metric_value,
		                    threshold, status, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		alert.ID,
		alert.RuleID,
		alert.Title,
		alert.Message,
		alert.Severity,
		alert.MetricValue,
		alert.Threshold,
		alert.Status,
		alert.TriggeredAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	return nil
}

// AnnotateNotifications records per-channel delivery results on an alert.
func (s *PostgresAlertStore) AnnotateNotifications(ctx context.Context, alertID string, results []domain.ChannelResult) error {
	sent := make([]string, 0, len(results))
	for _, r := range results {
		state := "ok"
		if !r.OK {
			state = "failed"
		}
		sent = append(sent, r.Channel+":"+state)
	}

	query := `UPDATE alerts SET notifications_sent = $2 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, alertID, pq.Array(sent)); err != nil {
		return fmt.Errorf("annotate alert notifications: %w", err)
	}
	return nil
}

func (s *PostgresAlertStore) SaveSample(ctx context.Context, sample domain.MetricSample) error {
	query := `
		INSERT INTO metric_samples (rule_id, metric, org_id, value, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.db.ExecContext(ctx, query,
		sample.RuleID,
		sample.Metric,
		sample.OrgID,
		sample.Value,
		sample.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert metric sample: %w", err)
	}
	return nil
}

func (s *PostgresAlertStore) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM metric_samples WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune metric samples: %w", err)
	}

	n, _ := result.RowsAffected()
	return n, nil
}

func (s *PostgresAlertStore) SaveDashboardNotification(ctx context.Context, alert *domain.Alert, recipient string) error {
	query := `
		INSERT INTO dashboard_notifications (alert_id, recipient, title, message, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.ExecContext(ctx, query,
		alert.ID,
		recipient,
		alert.Title,
		alert.Message,
		alert.Severity,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert dashboard notification: %w", err)
	}
	return nil
}
