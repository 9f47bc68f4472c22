package domain

import (
	"encoding/json"
	"time"
)

// ChatRequest is the uniform request shape accepted by every provider
// adapter. Provider selects the upstream; it is never inferred.
type ChatRequest struct {
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the uniform result of a blocking generate call.
// Raw keeps the upstream body for callers that need provider extras.
type Completion struct {
	Text  string          `json:"text"`
	Usage *Usage          `json:"usage,omitempty"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

type EmbeddingsRequest struct {
	Provider string   `json:"provider"`
	Model    string   `json:"model"`
	Input    []string `json:"input"`
}

type EmbeddingsResponse struct {
	Vectors [][]float64 `json:"vectors"`
	Usage   *Usage      `json:"usage,omitempty"`
}

// Plan is a named tier of usage entitlements. A zero limit means the
// check for that dimension is skipped.
type Plan struct {
	Code                string   `json:"code"`
	DailyTokenLimit     int64    `json:"daily_token_limit"`
	MonthlyCreditTokens int64    `json:"monthly_credit_tokens"`
	StorageLimitMB      int64    `json:"storage_limit_mb"`
	MaxFileSizeMB       int64    `json:"max_file_size_mb"`
	Features            []string `json:"features"`
}

// Subscription binds an organization to a plan for a period. At most one
// active subscription per org is guaranteed by the external store.
type Subscription struct {
	OrgID       string    `json:"org_id"`
	PlanID      string    `json:"plan_id"`
	Active      bool      `json:"active"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// UsageEvent is one durable accounting record per completed request
// attempt. Day is always the UTC date floor of TS, derived at record time.
type UsageEvent struct {
	ID               string    `json:"id"`
	TS               time.Time `json:"ts"`
	Day              time.Time `json:"day"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	OrgID            string    `json:"org_id"`
	UserID           string    `json:"user_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
}

// DayFloor returns the UTC calendar-date floor of t.
func DayFloor(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

type AlertOperator string

const (
	OpGreaterThan    AlertOperator = "gt"
	OpGreaterOrEqual AlertOperator = "gte"
	OpLessThan       AlertOperator = "lt"
	OpLessOrEqual    AlertOperator = "lte"
	OpEqual          AlertOperator = "eq"
)

// AlertRule is a configured threshold condition. OrgID == "" means the
// rule is global. Only LastTriggeredAt is mutated after creation.
type AlertRule struct {
	ID                   string        `json:"id"`
	Metric               string        `json:"metric"`
	Operator             AlertOperator `json:"operator"`
	Threshold            float64       `json:"threshold"`
	TimeWindowMinutes    int           `json:"time_window_minutes"`
	CooldownMinutes      int           `json:"cooldown_minutes"`
	LastTriggeredAt      *time.Time    `json:"last_triggered_at,omitempty"`
	OrgID                string        `json:"org_id,omitempty"`
	Enabled              bool          `json:"enabled"`
	NotificationChannels []string      `json:"notification_channels"`
	Recipients           []string      `json:"recipients"`
}

type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "LOW"
	SeverityMedium   AlertSeverity = "MEDIUM"
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// ChannelResult records the outcome of one notification channel attempt.
type ChannelResult struct {
	Channel string `json:"channel"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// Alert is one instance of a rule firing. Immutable after creation except
// for the notification results annotation.
type Alert struct {
	ID                string          `json:"id"`
	RuleID            string          `json:"rule_id"`
	Title             string          `json:"title"`
	Message           string          `json:"message"`
	Severity          AlertSeverity   `json:"severity"`
	MetricValue       float64         `json:"metric_value"`
	Threshold         float64         `json:"threshold"`
	Status            string          `json:"status"`
	TriggeredAt       time.Time       `json:"triggered_at"`
	NotificationsSent []ChannelResult `json:"notifications_sent,omitempty"`
}

// MetricSample is one persisted evaluation of a rule metric, kept for
// inspection independent of whether the threshold fired.
type MetricSample struct {
	RuleID     string    `json:"rule_id"`
	Metric     string    `json:"metric"`
	OrgID      string    `json:"org_id,omitempty"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}
