// Package quota admits or rejects requests against the organization's
// plan entitlements. Two policies exist: registered tenants are checked
// against their active subscription and today's usage; anonymous traffic
// gets a fixed degraded plan without any store round-trip.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/tokengate/tokengate/internal/domain"
)

type Policy string

const (
	PolicyRegistered Policy = "registered"
	PolicyAnonymous  Policy = "anonymous"
)

// PlanStore resolves the most recently started active subscription and
// its plan. A nil subscription means no active plan.
type PlanStore interface {
	ActiveSubscription(ctx context.Context, orgID string) (*domain.Subscription, *domain.Plan, error)
}

// UsageReader aggregates usage for admission checks.
type UsageReader interface {
	DailyTokens(ctx context.Context, orgID string, day time.Time) (int64, error)
	StorageBytes(ctx context.Context, orgID string) (int64, error)
}

type Guard struct {
	plans    PlanStore
	usage    UsageReader
	anonPlan domain.Plan
	now      func() time.Time
}

func NewGuard(plans PlanStore, usage UsageReader, anonPlan domain.Plan) *Guard {
	return &Guard{
		plans:    plans,
		usage:    usage,
		anonPlan: anonPlan,
		now:      time.Now,
	}
}

// AnonymousPlan is the fixed degraded plan handed to unauthenticated
// traffic: a low daily-token ceiling and no file storage.
func AnonymousPlan(dailyTokens int64) domain.Plan {
	return domain.Plan{
		Code:            "anonymous",
		DailyTokenLimit: dailyTokens,
		StorageLimitMB:  0,
		MaxFileSizeMB:   0,
	}
}

// Authorize runs the admission policy for orgID. Anonymous callers bypass
// the subscription lookup and usage aggregation entirely.
func (g *Guard) Authorize(ctx context.Context, orgID string, anonymous bool) (*domain.Plan, Policy, error) {
	if anonymous {
		plan := g.anonPlan
		return &plan, PolicyAnonymous, nil
	}

	sub, plan, err := g.plans.ActiveSubscription(ctx, orgID)
	if err != nil {
		return nil, PolicyRegistered, fmt.Errorf("fetch subscription: %w", err)
	}
	if sub == nil || plan == nil {
		return nil, PolicyRegistered, domain.ErrNoActivePlan
	}

	if plan.DailyTokenLimit > 0 {
		day := domain.DayFloor(g.now())
		used, err := g.usage.DailyTokens(ctx, orgID, day)
		if err != nil {
			return nil, PolicyRegistered, fmt.Errorf("sum daily tokens: %w", err)
		}
		if used >= plan.DailyTokenLimit {
			return nil, PolicyRegistered, domain.ErrDailyLimitExceeded
		}
	}

	if plan.StorageLimitMB > 0 {
		bytes, err := g.usage.StorageBytes(ctx, orgID)
		if err != nil {
			return nil, PolicyRegistered, fmt.Errorf("sum storage bytes: %w", err)
		}
		if bytes >= plan.StorageLimitMB*1024*1024 {
			return nil, PolicyRegistered, domain.ErrStorageLimitExceeded
		}
	}

	return plan, PolicyRegistered, nil
}

type ctxKey int

const planKey ctxKey = 0

type planInfo struct {
	plan   *domain.Plan
	policy Policy
}

// WithPlan attaches the resolved plan and policy for downstream checks
// (e.g. upload size limits handled outside this core).
func WithPlan(ctx context.Context, plan *domain.Plan, policy Policy) context.Context {
	return context.WithValue(ctx, planKey, planInfo{plan: plan, policy: policy})
}

// FromContext returns the plan and policy attached by WithPlan.
func FromContext(ctx context.Context) (*domain.Plan, Policy, bool) {
	info, ok := ctx.Value(planKey).(planInfo)
	if !ok {
		return nil, "", false
	}
	return info.plan, info.policy, true
}
