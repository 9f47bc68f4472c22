package repository

import (
	"context"
	"sync"
	"time"

	"github.com/tokengate/tokengate/internal/domain"
)

// InMemoryStore backs every storage interface with process-local maps.
// Used by tests and database-less development runs.
type InMemoryStore struct {
	mu sync.RWMutex

	plans         map[string]domain.Plan
	subscriptions []domain.Subscription
	events        []domain.UsageEvent
	fileBytes     map[string]int64
	failedPays    []billingEvent
	rules         map[string]*domain.AlertRule
	alerts        []domain.Alert
	samples       []domain.MetricSample
	dashboard     []dashboardNotification
}

type billingEvent struct {
	orgID string
	at    time.Time
}

type dashboardNotification struct {
	alertID   string
	recipient string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		plans:     make(map[string]domain.Plan),
		fileBytes: make(map[string]int64),
		rules:     make(map[string]*domain.AlertRule),
	}
}

func (s *InMemoryStore) AddPlan(id string, plan domain.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[id] = plan
}

func (s *InMemoryStore) AddSubscription(sub domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = append(s.subscriptions, sub)
}

func (s *InMemoryStore) SetStorageBytes(orgID string, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileBytes[orgID] = bytes
}

func (s *InMemoryStore) AddFailedPayment(orgID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedPays = append(s.failedPays, billingEvent{orgID: orgID, at: at})
}

func (s *InMemoryStore) AddRule(rule domain.AlertRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := rule
	s.rules[rule.ID] = &r
}

func (s *InMemoryStore) ActiveSubscription(ctx context.Context, orgID string) (*domain.Subscription, *domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.Subscription
	for i := range s.subscriptions {
		sub := &s.subscriptions[i]
		if sub.OrgID != orgID || !sub.Active {
			continue
		}
		if best == nil || sub.PeriodStart.After(best.PeriodStart) {
			best = sub
		}
	}
	if best == nil {
		return nil, nil, nil
	}

	plan, ok := s.plans[best.PlanID]
	if !ok {
		return nil, nil, nil
	}

	subCopy := *best
	planCopy := plan
	return &subCopy, &planCopy, nil
}

func (s *InMemoryStore) Insert(ctx context.Context, ev domain.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *InMemoryStore) Events() []domain.UsageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UsageEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *InMemoryStore) DailyTokens(ctx context.Context, orgID string, day time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, ev := range s.events {
		if ev.OrgID == orgID && ev.Day.Equal(day) {
			total += int64(ev.TotalTokens)
		}
	}
	return total, nil
}

func (s *InMemoryStore) StorageBytes(ctx context.Context, orgID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fileBytes[orgID], nil
}

func (s *InMemoryStore) TokensSince(ctx context.Context, orgID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for _, ev := range s.events {
		if (orgID == "" || ev.OrgID == orgID) && !ev.TS.Before(since) {
			total += float64(ev.TotalTokens)
		}
	}
	return total, nil
}

func (s *InMemoryStore) StorageMB(ctx context.Context, orgID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bytes int64
	if orgID == "" {
		for _, b := range s.fileBytes {
			bytes += b
		}
	} else {
		bytes = s.fileBytes[orgID]
	}
	return float64(bytes) / (1024 * 1024), nil
}

func (s *InMemoryStore) FailedPayments(ctx context.Context, orgID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count float64
	for _, ev := range s.failedPays {
		if (orgID == "" || ev.orgID == orgID) && !ev.at.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) ActiveUsers(ctx context.Context, orgID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, ev := range s.events {
		if (orgID == "" || ev.OrgID == orgID) && !ev.TS.Before(since) {
			seen[ev.UserID] = struct{}{}
		}
	}
	return float64(len(seen)), nil
}

func (s *InMemoryStore) EnabledRules(ctx context.Context) ([]domain.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []domain.AlertRule
	for _, r := range s.rules {
		if r.Enabled {
			rules = append(rules, *r)
		}
	}
	return rules, nil
}

func (s *InMemoryStore) UpdateLastTriggered(ctx context.Context, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rules[ruleID]; ok {
		t := at
		r.LastTriggeredAt = &t
	}
	return nil
}

func (s *InMemoryStore) CreateAlert(ctx context.Context, alert *domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, *alert)
	return nil
}

func (s *InMemoryStore) AnnotateNotifications(ctx context.Context, alertID string, results []domain.ChannelResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID == alertID {
			s.alerts[i].NotificationsSent = results
		}
	}
	return nil
}

func (s *InMemoryStore) Alerts() []domain.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

func (s *InMemoryStore) SaveSample(ctx context.Context, sample domain.MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func (s *InMemoryStore) Samples() []domain.MetricSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MetricSample, len(s.samples))
	copy(out, s.samples)
	return out
}

func (s *InMemoryStore) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.samples[:0]
	var pruned int64
	for _, sample := range s.samples {
		if sample.RecordedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, sample)
	}
	s.samples = kept
	return pruned, nil
}

func (s *InMemoryStore) SaveDashboardNotification(ctx context.Context, alert *domain.Alert, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dashboard = append(s.dashboard, dashboardNotification{alertID: alert.ID, recipient: recipient})
	return nil
}

func (s *InMemoryStore) DashboardNotificationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dashboard)
}

func (s *InMemoryStore) Rule(id string) (domain.AlertRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return domain.AlertRule{}, false
	}
	return *r, true
}
