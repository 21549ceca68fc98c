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
	allocationdomain "github.com/quartershq/quarters/internal/allocation/domain"
	"github.com/quartershq/quarters/internal/clock"
	"github.com/quartershq/quarters/internal/config"
	subscriptiondomain "github.com/quartershq/quarters/internal/subscription/domain"
	subscriptionrepository "github.com/quartershq/quarters/internal/subscription/repository"
	subscriptionservice "github.com/quartershq/quarters/internal/subscription/service"
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

func (r *recordingActivity) countOf(activityType activitydomain.ActivityType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, req := range r.appended {
		if req.ActivityType == activityType {
			n++
		}
	}
	return n
}

// conflictRepo lets a competing writer slip in ahead of the engine's CAS.
// The competitor rides the caller's connection: sqlite holds a single write
// lock per database, so a second connection would block behind the open
// transaction instead of racing it.
type conflictRepo struct {
	subscriptiondomain.Repository
	db       *gorm.DB
	conflict bool
	fired    bool
}

func (r *conflictRepo) SetUsageIfCurrent(ctx context.Context, db *gorm.DB, id snowflake.ID, resource subscriptiondomain.ResourceType, current, next int, now time.Time) (bool, error) {
	if r.conflict && !r.fired {
		r.fired = true
		if _, err := r.Repository.SetUsageIfCurrent(ctx, db, id, resource, current, current+1, now); err != nil {
			return false, err
		}
	}
	return r.Repository.SetUsageIfCurrent(ctx, db, id, resource, current, next, now)
}

func newEngineFixture(t *testing.T, totalBeds int) (*Engine, *recordingActivity, *conflictRepo, snowflake.ID, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&subscriptiondomain.Plan{}, &subscriptiondomain.Subscription{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ledger := &recordingActivity{}

	repo := &conflictRepo{Repository: subscriptionrepository.Provide(), db: db}
	subSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB:          db,
		Log:         zaptest.NewLogger(t),
		GenID:       node,
		Clock:       clk,
		Repo:        repo,
		ActivitySvc: ledger,
	})

	plan := &subscriptiondomain.Plan{
		ID:            node.Generate(),
		Code:          "standard",
		Name:          "Standard",
		TotalBeds:     totalBeds,
		TotalBranches: 3,
		Modules:       []byte(`["resident_management","branch_management"]`),
		TrialDays:     14,
		Active:        true,
	}
	require.NoError(t, repo.InsertPlan(context.Background(), db, plan))

	userID := node.Generate()
	_, err = subSvc.SelectPlan(context.Background(), subscriptiondomain.SelectPlanRequest{
		UserID: userID, PlanCode: "standard", BillingCycle: subscriptiondomain.CycleMonthly,
	})
	require.NoError(t, err)

	engine := &Engine{
		db:          db,
		log:         zaptest.NewLogger(t),
		clock:       clk,
		cfg:         config.AllocationConfig{WarningThresholdPct: 80},
		subRepo:     repo,
		subSvc:      subSvc,
		activitySvc: ledger,
	}
	return engine, ledger, repo, userID, clk
}

func TestAllocateIncrementsUsage(t *testing.T) {
	engine, ledger, _, userID, _ := newEngineFixture(t, 10)

	result, err := engine.Allocate(context.Background(), allocationdomain.AllocateRequest{
		UserID: userID, Resource: subscriptiondomain.ResourceBed, Amount: 3, OperationID: "op-1",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.NewUsage)
	assert.Equal(t, 7, result.RemainingUsage)
	assert.Equal(t, 10, result.Limit)
	assert.Equal(t, 1, ledger.countOf(activitydomain.ActivityBedAllocated))
	assert.Equal(t, 0, ledger.countOf(activitydomain.ActivityUsageLimitWarning))
}

func TestAllocateAtLimitDenied(t *testing.T) {
	engine, ledger, _, userID, _ := newEngineFixture(t, 10)

	result, err := engine.Allocate(context.Background(), allocationdomain.AllocateRequest{
		UserID: userID, Resource: subscriptiondomain.ResourceBed, Amount: 10,
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 10, result.NewUsage)
	assert.Equal(t, 1, ledger.countOf(activitydomain.ActivityUsageLimitWarning))

	denied, err := engine.Allocate(context.Background(), allocationdomain.AllocateRequest{
		UserID: userID, Resource: subscriptiondomain.ResourceBed, Amount: 1,
	})
	require.NoError(t, err)
	assert.False(t, denied.Success)
	assert.Equal(t, subscriptiondomain.CodeUsageLimitExceeded, denied.Code)
	assert.Equal(t, 10, denied.CurrentUsage)
	assert.Equal(t, 10, denied.Limit)
	assert.Equal(t, 1, ledger.countOf(activitydomain.ActivityUsageLimitExceeded))
}

func TestAllocateWarnsNearLimit(t *testing.T) {
	engine, ledger, _, userID, _ := newEngineFixture(t, 10)

	result, err := engine.Allocate(context.Background(), allocationdomain.AllocateRequest{
		UserID: userID, Resource: subscriptiondomain.ResourceBed, Amount: 8,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, ledger.countOf(activitydomain.ActivityUsageLimitWarning))
}

func TestAllocateConcurrencyConflict(t *testing.T) {
	engine, _, repo, userID, _ := newEngineFixture(t, 10)

	// A competing allocation lands between the read and the guarded update.
	repo.conflict = true

	_, err := engine.Allocate(context.Background(), allocationdomain.AllocateRequest{
		UserID: userID, Resource: subscriptiondomain.ResourceBed, Amount: 1,
	})
	assert.ErrorIs(t, err, allocationdomain.ErrConcurrencyConflict)

	// The losing attempt rolled back whole; the counter shows no partial
	// state from either write on the aborted transaction.
	sub, ferr := repo.FindByUserID(context.Background(), repo.db, userID)
	require.NoError(t, ferr)
	assert.Equal(t, 0, sub.CurrentBedUsage)

	// A retry without contention succeeds from the fresh counter.
	repo.conflict = false
	result, err := engine.Allocate(context.Background(), allocationdomain.AllocateRequest{
		UserID: userID, Resource: subscriptiondomain.ResourceBed, Amount: 1,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.NewUsage)
}

func TestDeallocate(t *testing.T) {
	engine, ledger, _, userID, _ := newEngineFixture(t, 10)

	t.Run("at zero", func(t *testing.T) {
		_, err := engine.Deallocate(context.Background(), allocationdomain.AllocateRequest{
			UserID: userID, Resource: subscriptiondomain.ResourceBed, Amount: 1,
		})
		assert.ErrorIs(t, err, allocationdomain.ErrNothingToDeallocate)
	})

	_, err := engine.Allocate(context.Background(), allocationdomain.AllocateRequest{
		UserID: userID, Resource: subscriptiondomain.ResourceBed, Amount: 5,
	})
	require.NoError(t, err)

	t.Run("more than in use", func(t *testing.T) {
		result, err := engine.Deallocate(context.Background(), allocationdomain.AllocateRequest{
			UserID: userID, Resource: subscriptiondomain.ResourceBed, Amount: 6,
		})
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, subscriptiondomain.CodeValidationError, result.Code)
		assert.Equal(t, 5, result.CurrentUsage)
	})

	t.Run("releases units", func(t *testing.T) {
		result, err := engine.Deallocate(context.Background(), allocationdomain.AllocateRequest{
			UserID: userID, Resource: subscriptiondomain.ResourceBed, Amount: 2,
		})
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, 3, result.NewUsage)
		assert.Equal(t, 1, ledger.countOf(activitydomain.ActivityBedDeallocated))
	})
}

func TestDeallocateAllowedOnExpiredSubscription(t *testing.T) {
	engine, _, _, userID, clk := newEngineFixture(t, 10)

	_, err := engine.Allocate(context.Background(), allocationdomain.AllocateRequest{
		UserID: userID, Resource: subscriptiondomain.ResourceBed, Amount: 4,
	})
	require.NoError(t, err)

	clk.Advance(40 * 24 * time.Hour)

	// Allocation is gated on the lifecycle; winding occupancy down is not.
	denied, err := engine.Allocate(context.Background(), allocationdomain.AllocateRequest{
		UserID: userID, Resource: subscriptiondomain.ResourceBed, Amount: 1,
	})
	require.NoError(t, err)
	assert.False(t, denied.Success)
	assert.Equal(t, subscriptiondomain.CodeSubscriptionExpired, denied.Code)

	result, err := engine.Deallocate(context.Background(), allocationdomain.AllocateRequest{
		UserID: userID, Resource: subscriptiondomain.ResourceBed, Amount: 4,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.NewUsage)
}

func TestAllocateValidatesInput(t *testing.T) {
	engine, _, _, userID, _ := newEngineFixture(t, 10)

	_, err := engine.Allocate(context.Background(), allocationdomain.AllocateRequest{
		UserID: 0, Resource: subscriptiondomain.ResourceBed, Amount: 1,
	})
	assert.ErrorIs(t, err, allocationdomain.ErrInvalidUser)

	_, err = engine.Allocate(context.Background(), allocationdomain.AllocateRequest{
		UserID: userID, Resource: subscriptiondomain.ResourceBed, Amount: 0,
	})
	assert.ErrorIs(t, err, allocationdomain.ErrInvalidAmount)

	result, err := engine.Allocate(context.Background(), allocationdomain.AllocateRequest{
		UserID: userID, Resource: "parking_spot", Amount: 1,
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, subscriptiondomain.CodeValidationError, result.Code)
}
