package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	activitydomain "github.com/quartershq/quarters/internal/activity/domain"
	"github.com/quartershq/quarters/internal/clock"
	"github.com/quartershq/quarters/internal/subscription/domain"
	"github.com/quartershq/quarters/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type recordingActivity struct {
	mu       sync.Mutex
	appended []activitydomain.AppendRequest
}

func (r *recordingActivity) Append(_ context.Context, req activitydomain.AppendRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended = append(r.appended, req)
}

func (r *recordingActivity) Query(_ context.Context, _ activitydomain.QueryRequest) ([]activitydomain.ActivityRecord, error) {
	return nil, nil
}

func (r *recordingActivity) List(_ context.Context, _ activitydomain.ListActivityRequest) (activitydomain.ListActivityResponse, error) {
	return activitydomain.ListActivityResponse{}, nil
}

func (r *recordingActivity) typesAppended() []activitydomain.ActivityType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]activitydomain.ActivityType, 0, len(r.appended))
	for _, req := range r.appended {
		types = append(types, req.ActivityType)
	}
	return types
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Plan{}, &domain.Subscription{}))
	return db
}

func newTestService(t *testing.T, clk clock.Clock, ledger *recordingActivity) *Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc := &Service{
		db:    newTestDB(t),
		log:   zaptest.NewLogger(t),
		genID: node,
		clock: clk,
		repo:  repository.Provide(),
	}
	if ledger != nil {
		svc.activitySvc = ledger
	}
	return svc
}

func seedPlan(t *testing.T, svc *Service, code string, beds, branches, trialDays int, modules string) {
	t.Helper()
	plan := &domain.Plan{
		ID:            svc.genID.Generate(),
		Code:          code,
		Name:          code,
		TotalBeds:     beds,
		TotalBranches: branches,
		Modules:       []byte(modules),
		TrialDays:     trialDays,
		Active:        true,
	}
	require.NoError(t, svc.repo.InsertPlan(context.Background(), svc.db, plan))
}

func TestSelectPlanStartsTrial(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ledger := &recordingActivity{}
	svc := newTestService(t, clk, ledger)
	seedPlan(t, svc, "starter", 10, 1, 14, `["resident_management"]`)

	userID := svc.genID.Generate()
	sub, err := svc.SelectPlan(context.Background(), domain.SelectPlanRequest{
		UserID:       userID,
		PlanCode:     "starter",
		BillingCycle: domain.CycleTrial,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusTrial, sub.Status)
	assert.Equal(t, 10, sub.TotalBeds)
	assert.Equal(t, 1, sub.TotalBranches)
	require.NotNil(t, sub.TrialEndDate)
	assert.Equal(t, clk.Now().AddDate(0, 0, 14), *sub.TrialEndDate)
	assert.Contains(t, ledger.typesAppended(), activitydomain.ActivityPlanSelected)
}

func TestSelectPlanRejectsActiveSubscriber(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk, nil)
	seedPlan(t, svc, "starter", 10, 1, 14, `["resident_management"]`)

	userID := svc.genID.Generate()
	_, err := svc.SelectPlan(context.Background(), domain.SelectPlanRequest{
		UserID: userID, PlanCode: "starter", BillingCycle: domain.CycleMonthly,
	})
	require.NoError(t, err)

	_, err = svc.SelectPlan(context.Background(), domain.SelectPlanRequest{
		UserID: userID, PlanCode: "starter", BillingCycle: domain.CycleMonthly,
	})
	assert.ErrorIs(t, err, domain.ErrAlreadySubscribed)
}

func TestSelectPlanReusesTerminalRow(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk, nil)
	seedPlan(t, svc, "starter", 10, 1, 14, `["resident_management"]`)

	userID := svc.genID.Generate()
	first, err := svc.SelectPlan(context.Background(), domain.SelectPlanRequest{
		UserID: userID, PlanCode: "starter", BillingCycle: domain.CycleMonthly,
	})
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), userID)
	require.NoError(t, err)

	second, err := svc.SelectPlan(context.Background(), domain.SelectPlanRequest{
		UserID: userID, PlanCode: "starter", BillingCycle: domain.CycleMonthly,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.StatusActive, second.Status)
}

func TestEffectiveStateLazyTrialExpiry(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ledger := &recordingActivity{}
	svc := newTestService(t, clk, ledger)
	seedPlan(t, svc, "starter", 10, 1, 14, `["resident_management"]`)

	userID := svc.genID.Generate()
	sub, err := svc.SelectPlan(context.Background(), domain.SelectPlanRequest{
		UserID: userID, PlanCode: "starter", BillingCycle: domain.CycleTrial,
	})
	require.NoError(t, err)

	clk.Advance(15 * 24 * time.Hour)

	status, err := svc.EffectiveState(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, status)

	// Transition persisted, expiry event written once.
	stored, err := svc.GetByUserID(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, stored.Status)

	_, err = svc.EffectiveState(context.Background(), stored)
	require.NoError(t, err)

	expiries := 0
	for _, at := range ledger.typesAppended() {
		if at == activitydomain.ActivityTrialExpired {
			expiries++
		}
	}
	assert.Equal(t, 1, expiries)
}

func TestEffectiveStateActiveExpiry(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ledger := &recordingActivity{}
	svc := newTestService(t, clk, ledger)
	seedPlan(t, svc, "standard", 50, 3, 14, `["resident_management","branch_management"]`)

	userID := svc.genID.Generate()
	sub, err := svc.SelectPlan(context.Background(), domain.SelectPlanRequest{
		UserID: userID, PlanCode: "standard", BillingCycle: domain.CycleMonthly,
	})
	require.NoError(t, err)

	clk.Advance(32 * 24 * time.Hour)

	status, err := svc.EffectiveState(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, status)
	assert.Contains(t, ledger.typesAppended(), activitydomain.ActivitySubscriptionExpired)
}

func TestValidateUsageAccess(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk, nil)
	seedPlan(t, svc, "starter", 2, 1, 14, `["resident_management"]`)

	ctx := context.Background()

	t.Run("no subscription", func(t *testing.T) {
		decision, err := svc.ValidateUsageAccess(ctx, domain.ValidateUsageAccessRequest{
			UserID: svc.genID.Generate(), Resource: domain.ResourceBed, Amount: 1,
		})
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, domain.CodeNoSubscription, decision.Code)
	})

	userID := svc.genID.Generate()
	_, err := svc.SelectPlan(ctx, domain.SelectPlanRequest{
		UserID: userID, PlanCode: "starter", BillingCycle: domain.CycleTrial,
	})
	require.NoError(t, err)

	t.Run("allowed within limit", func(t *testing.T) {
		decision, err := svc.ValidateUsageAccess(ctx, domain.ValidateUsageAccessRequest{
			UserID: userID, Resource: domain.ResourceBed, Amount: 2,
		})
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, 0, decision.CurrentUsage)
		assert.Equal(t, 2, decision.Limit)
	})

	t.Run("amount over limit", func(t *testing.T) {
		decision, err := svc.ValidateUsageAccess(ctx, domain.ValidateUsageAccessRequest{
			UserID: userID, Resource: domain.ResourceBed, Amount: 3,
		})
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, domain.CodeUsageLimitExceeded, decision.Code)
	})

	t.Run("module not in plan", func(t *testing.T) {
		decision, err := svc.ValidateUsageAccess(ctx, domain.ValidateUsageAccessRequest{
			UserID: userID, Resource: domain.ResourceBranch, Amount: 1,
		})
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, domain.CodeFeatureNotAvailable, decision.Code)
	})

	t.Run("unknown resource", func(t *testing.T) {
		decision, err := svc.ValidateUsageAccess(ctx, domain.ValidateUsageAccessRequest{
			UserID: userID, Resource: "parking_spot", Amount: 1,
		})
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, domain.CodeValidationError, decision.Code)
	})

	t.Run("trial expired", func(t *testing.T) {
		clk.Advance(15 * 24 * time.Hour)
		decision, err := svc.ValidateUsageAccess(ctx, domain.ValidateUsageAccessRequest{
			UserID: userID, Resource: domain.ResourceBed, Amount: 1,
		})
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, domain.CodeTrialExpired, decision.Code)
	})
}

func TestUpgradeFromTrial(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ledger := &recordingActivity{}
	svc := newTestService(t, clk, ledger)
	seedPlan(t, svc, "starter", 10, 1, 14, `["resident_management"]`)

	userID := svc.genID.Generate()
	_, err := svc.SelectPlan(context.Background(), domain.SelectPlanRequest{
		UserID: userID, PlanCode: "starter", BillingCycle: domain.CycleTrial,
	})
	require.NoError(t, err)

	sub, err := svc.Upgrade(context.Background(), userID, domain.CycleAnnual)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Equal(t, domain.CycleAnnual, sub.BillingCycle)
	assert.Nil(t, sub.TrialEndDate)
	require.NotNil(t, sub.EndDate)
	assert.Equal(t, clk.Now().AddDate(1, 0, 0), *sub.EndDate)
	assert.Contains(t, ledger.typesAppended(), activitydomain.ActivityPlanUpgraded)

	// Active subscriptions have nothing to upgrade.
	_, err = svc.Upgrade(context.Background(), userID, domain.CycleMonthly)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestChangePlanKeepsUsageCounters(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clk, nil)
	seedPlan(t, svc, "standard", 50, 3, 14, `["resident_management","branch_management"]`)
	seedPlan(t, svc, "starter", 10, 1, 14, `["resident_management"]`)

	userID := svc.genID.Generate()
	sub, err := svc.SelectPlan(context.Background(), domain.SelectPlanRequest{
		UserID: userID, PlanCode: "standard", BillingCycle: domain.CycleMonthly,
	})
	require.NoError(t, err)

	// Simulate occupancy beyond the downgrade target's limit.
	applied, err := svc.repo.SetUsageIfCurrent(context.Background(), svc.db, sub.ID, domain.ResourceBed, 0, 30, clk.Now())
	require.NoError(t, err)
	require.True(t, applied)

	changed, err := svc.ChangePlan(context.Background(), domain.ChangePlanRequest{
		UserID: userID, PlanCode: "starter",
	})
	require.NoError(t, err)
	assert.Equal(t, "starter", changed.PlanCode)
	assert.Equal(t, 10, changed.TotalBeds)

	stored, err := svc.GetByUserID(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 30, stored.CurrentBedUsage)

	// Over-limit occupancy blocks further allocations but is never truncated.
	decision, err := svc.ValidateUsageAccess(context.Background(), domain.ValidateUsageAccessRequest{
		UserID: userID, Resource: domain.ResourceBed, Amount: 1,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, domain.CodeUsageLimitExceeded, decision.Code)
	assert.Equal(t, 30, decision.CurrentUsage)
	assert.Equal(t, 10, decision.Limit)
}

func TestCancelIsTerminal(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ledger := &recordingActivity{}
	svc := newTestService(t, clk, ledger)
	seedPlan(t, svc, "starter", 10, 1, 14, `["resident_management"]`)

	userID := svc.genID.Generate()
	_, err := svc.SelectPlan(context.Background(), domain.SelectPlanRequest{
		UserID: userID, PlanCode: "starter", BillingCycle: domain.CycleMonthly,
	})
	require.NoError(t, err)

	sub, err := svc.Cancel(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, sub.Status)
	assert.Contains(t, ledger.typesAppended(), activitydomain.ActivitySubscriptionCancelled)

	_, err = svc.Cancel(context.Background(), userID)
	assert.ErrorIs(t, err, domain.ErrSubscriptionTerminal)

	decision, err := svc.ValidateUsageAccess(context.Background(), domain.ValidateUsageAccessRequest{
		UserID: userID, Resource: domain.ResourceBed, Amount: 1,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, domain.CodeSubscriptionExpired, decision.Code)
}

func TestDeriveStatusPure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name string
		sub  domain.Subscription
		want domain.SubscriptionStatus
	}{
		{"trial running", domain.Subscription{Status: domain.StatusTrial, TrialEndDate: &future}, domain.StatusTrial},
		{"trial ended", domain.Subscription{Status: domain.StatusTrial, TrialEndDate: &past}, domain.StatusExpired},
		{"active running", domain.Subscription{Status: domain.StatusActive, EndDate: &future}, domain.StatusActive},
		{"active ended", domain.Subscription{Status: domain.StatusActive, EndDate: &past}, domain.StatusExpired},
		{"active open-ended", domain.Subscription{Status: domain.StatusActive}, domain.StatusActive},
		{"cancelled stays cancelled", domain.Subscription{Status: domain.StatusCancelled, EndDate: &past}, domain.StatusCancelled},
		{"expired stays expired", domain.Subscription{Status: domain.StatusExpired}, domain.StatusExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, deriveStatus(&tc.sub, now))
		})
	}
}
