package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tokengate/tokengate/internal/domain"
)

type mockPlanStore struct {
	sub   *domain.Subscription
	plan  *domain.Plan
	err   error
	calls int
}

func (m *mockPlanStore) ActiveSubscription(ctx context.Context, orgID string) (*domain.Subscription, *domain.Plan, error) {
	m.calls++
	return m.sub, m.plan, m.err
}

type mockUsageReader struct {
	dailyTokens  int64
	storageBytes int64
	dailyCalls   int
	storageCalls int
}

func (m *mockUsageReader) DailyTokens(ctx context.Context, orgID string, day time.Time) (int64, error) {
	m.dailyCalls++
	return m.dailyTokens, nil
}

func (m *mockUsageReader) StorageBytes(ctx context.Context, orgID string) (int64, error) {
	m.storageCalls++
	return m.storageBytes, nil
}

func activePlan(daily, storageMB int64) (*domain.Subscription, *domain.Plan) {
	sub := &domain.Subscription{
		OrgID:       "org1",
		PlanID:      "pro",
		Active:      true,
		PeriodStart: time.Now().AddDate(0, -1, 0),
		PeriodEnd:   time.Now().AddDate(0, 1, 0),
	}
	plan := &domain.Plan{
		Code:            "pro",
		DailyTokenLimit: daily,
		StorageLimitMB:  storageMB,
	}
	return sub, plan
}

func TestAuthorize_Anonymous_NeverTouchesStores(t *testing.T) {
	plans := &mockPlanStore{}
	usage := &mockUsageReader{}
	g := NewGuard(plans, usage, AnonymousPlan(5000))

	plan, policy, err := g.Authorize(context.Background(), "", true)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if policy != PolicyAnonymous {
		t.Errorf("policy = %v, want %v", policy, PolicyAnonymous)
	}
	if plan.Code != "anonymous" || plan.DailyTokenLimit != 5000 || plan.StorageLimitMB != 0 {
		t.Errorf("unexpected anonymous plan: %+v", plan)
	}
	if plans.calls != 0 {
		t.Errorf("subscription store called %d times, want 0", plans.calls)
	}
	if usage.dailyCalls != 0 || usage.storageCalls != 0 {
		t.Errorf("usage store called (%d,%d) times, want (0,0)", usage.dailyCalls, usage.storageCalls)
	}
}

func TestAuthorize_NoActivePlan(t *testing.T) {
	g := NewGuard(&mockPlanStore{}, &mockUsageReader{}, AnonymousPlan(5000))

	_, policy, err := g.Authorize(context.Background(), "org1", false)
	if !errors.Is(err, domain.ErrNoActivePlan) {
		t.Errorf("err = %v, want ErrNoActivePlan", err)
	}
	if policy != PolicyRegistered {
		t.Errorf("policy = %v, want %v", policy, PolicyRegistered)
	}
}

func TestAuthorize_DailyLimitBoundary(t *testing.T) {
	sub, plan := activePlan(1000, 0)
	plans := &mockPlanStore{sub: sub, plan: plan}
	usage := &mockUsageReader{dailyTokens: 999}
	g := NewGuard(plans, usage, AnonymousPlan(5000))

	// 999 of 1000 used: one more request fits under the budget.
	got, _, err := g.Authorize(context.Background(), "org1", false)
	if err != nil {
		t.Fatalf("Authorize() at 999/1000 error = %v", err)
	}
	if got.Code != "pro" {
		t.Errorf("plan code = %q, want pro", got.Code)
	}

	usage.dailyTokens = 1000
	_, _, err = g.Authorize(context.Background(), "org1", false)
	if !errors.Is(err, domain.ErrDailyLimitExceeded) {
		t.Errorf("err at 1000/1000 = %v, want ErrDailyLimitExceeded", err)
	}
}

func TestAuthorize_ZeroDailyLimitSkipsUsageQuery(t *testing.T) {
	sub, plan := activePlan(0, 0)
	plans := &mockPlanStore{sub: sub, plan: plan}
	usage := &mockUsageReader{dailyTokens: 1 << 40}
	g := NewGuard(plans, usage, AnonymousPlan(5000))

	if _, _, err := g.Authorize(context.Background(), "org1", false); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if usage.dailyCalls != 0 {
		t.Errorf("daily usage queried %d times for unlimited plan, want 0", usage.dailyCalls)
	}
}

func TestAuthorize_StorageLimit(t *testing.T) {
	sub, plan := activePlan(0, 100)
	plans := &mockPlanStore{sub: sub, plan: plan}
	usage := &mockUsageReader{storageBytes: 100 * 1024 * 1024}
	g := NewGuard(plans, usage, AnonymousPlan(5000))

	_, _, err := g.Authorize(context.Background(), "org1", false)
	if !errors.Is(err, domain.ErrStorageLimitExceeded) {
		t.Errorf("err = %v, want ErrStorageLimitExceeded", err)
	}

	usage.storageBytes = 100*1024*1024 - 1
	if _, _, err := g.Authorize(context.Background(), "org1", false); err != nil {
		t.Errorf("Authorize() under storage limit error = %v", err)
	}
}

func TestPlanContextRoundTrip(t *testing.T) {
	plan := &domain.Plan{Code: "pro"}
	ctx := WithPlan(context.Background(), plan, PolicyRegistered)

	got, policy, ok := FromContext(ctx)
	if !ok {
		t.Fatal("FromContext() did not find plan")
	}
	if got.Code != "pro" || policy != PolicyRegistered {
		t.Errorf("FromContext() = (%+v, %v)", got, policy)
	}

	if _, _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext() on empty context should report absence")
	}
}
