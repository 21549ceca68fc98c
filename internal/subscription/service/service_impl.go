package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/quartershq/quarters/internal/activity/domain"
	"github.com/quartershq/quarters/internal/cache"
	"github.com/quartershq/quarters/internal/clock"
	subscriptiondomain "github.com/quartershq/quarters/internal/subscription/domain"
	"github.com/quartershq/quarters/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        subscriptiondomain.Repository
	ActivitySvc activitydomain.Service `optional:"true"`
	PlanCache   cache.PlanCache        `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        subscriptiondomain.Repository
	activitySvc activitydomain.Service
	planCache   cache.PlanCache
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("subscription.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		activitySvc: p.ActivitySvc,
		planCache:   p.PlanCache,
	}
}

func (s *Service) GetByUserID(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	return s.repo.FindByUserID(ctx, s.db, userID)
}

// deriveStatus is the pure part of the state machine: stored fields plus the
// clock, nothing else.
func deriveStatus(sub *subscriptiondomain.Subscription, now time.Time) subscriptiondomain.SubscriptionStatus {
	if sub.Status.Terminal() {
		return sub.Status
	}
	switch sub.Status {
	case subscriptiondomain.StatusTrial:
		if sub.TrialEndDate != nil && now.After(*sub.TrialEndDate) {
			return subscriptiondomain.StatusExpired
		}
	case subscriptiondomain.StatusActive:
		if sub.EndDate != nil && now.After(*sub.EndDate) {
			return subscriptiondomain.StatusExpired
		}
	}
	return sub.Status
}

// EffectiveState derives the lifecycle state and persists the expired
// transition the first time it is observed. The guarded update means only
// one of any number of concurrent observers writes the transition and logs
// the expiry event; losers still see the derived state.
func (s *Service) EffectiveState(ctx context.Context, sub *subscriptiondomain.Subscription) (subscriptiondomain.SubscriptionStatus, error) {
	if sub == nil {
		return "", subscriptiondomain.ErrSubscriptionNotFound
	}

	now := s.clock.Now()
	derived := deriveStatus(sub, now)
	if derived == sub.Status {
		return derived, nil
	}

	persisted, err := s.repo.UpdateStatusIfCurrent(ctx, s.db, sub.ID, sub.Status, derived, now)
	if err != nil {
		// The caller still gets the correct derived state; the next
		// observer retries the persist.
		s.log.Warn("failed to persist lazy expiry",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
		sub.Status = derived
		return derived, nil
	}

	if persisted {
		s.appendExpiryEvent(ctx, sub, derived)
	}
	sub.Status = derived
	return derived, nil
}

func (s *Service) appendExpiryEvent(ctx context.Context, sub *subscriptiondomain.Subscription, derived subscriptiondomain.SubscriptionStatus) {
	if s.activitySvc == nil || derived != subscriptiondomain.StatusExpired {
		return
	}
	activityType := activitydomain.ActivitySubscriptionExpired
	details := map[string]any{
		"plan_code": sub.PlanCode,
	}
	if sub.BillingCycle == subscriptiondomain.CycleTrial {
		activityType = activitydomain.ActivityTrialExpired
		if sub.TrialEndDate != nil {
			details["trial_end_date"] = sub.TrialEndDate.UTC()
		}
	} else if sub.EndDate != nil {
		details["end_date"] = sub.EndDate.UTC()
	}
	s.activitySvc.Append(ctx, activitydomain.AppendRequest{
		UserID:       sub.UserID,
		ActivityType: activityType,
		Details:      details,
		Status:       activitydomain.StatusWarning,
	})
}

func (s *Service) ValidateUsageAccess(ctx context.Context, req subscriptiondomain.ValidateUsageAccessRequest) (subscriptiondomain.AccessDecision, error) {
	if req.UserID == 0 || req.Amount <= 0 {
		return deny(subscriptiondomain.CodeValidationError, "invalid usage access request", 0, 0), nil
	}
	module, ok := subscriptiondomain.ModuleForResource(req.Resource)
	if !ok {
		return deny(subscriptiondomain.CodeValidationError, fmt.Sprintf("unknown resource type %q", req.Resource), 0, 0), nil
	}

	sub, err := s.repo.FindByUserID(ctx, s.db, req.UserID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return deny(subscriptiondomain.CodeNoSubscription, "no subscription found; select a plan to continue", 0, 0), nil
		}
		return subscriptiondomain.AccessDecision{}, err
	}

	status, err := s.EffectiveState(ctx, sub)
	if err != nil {
		return subscriptiondomain.AccessDecision{}, err
	}

	current, limit := sub.Usage(req.Resource)

	switch status {
	case subscriptiondomain.StatusExpired:
		if sub.BillingCycle == subscriptiondomain.CycleTrial {
			return deny(subscriptiondomain.CodeTrialExpired, "trial period has ended; upgrade to continue", current, limit), nil
		}
		return deny(subscriptiondomain.CodeSubscriptionExpired, "subscription has expired; renew to continue", current, limit), nil
	case subscriptiondomain.StatusCancelled:
		return deny(subscriptiondomain.CodeSubscriptionExpired, "subscription was cancelled", current, limit), nil
	}

	if !s.planHasModule(ctx, sub, module) {
		return deny(subscriptiondomain.CodeFeatureNotAvailable,
			fmt.Sprintf("plan %s does not include %s", sub.PlanCode, module), current, limit), nil
	}

	if current+req.Amount > limit {
		return deny(subscriptiondomain.CodeUsageLimitExceeded,
			fmt.Sprintf("usage limit reached (%d of %d)", current, limit), current, limit), nil
	}

	return subscriptiondomain.AccessDecision{
		Allowed:      true,
		CurrentUsage: current,
		Limit:        limit,
	}, nil
}

// loadPlan consults the catalog cache before the repository.
func (s *Service) loadPlan(ctx context.Context, code string) (*subscriptiondomain.Plan, error) {
	if s.planCache != nil {
		if plan, ok := s.planCache.Get(code); ok {
			return plan, nil
		}
	}
	plan, err := s.repo.FindPlanByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if s.planCache != nil {
		s.planCache.Set(code, plan)
	}
	return plan, nil
}

func (s *Service) planHasModule(ctx context.Context, sub *subscriptiondomain.Subscription, module string) bool {
	plan, err := s.loadPlan(ctx, sub.PlanCode)
	if err != nil {
		// Entitlement cannot be confirmed; allowing here keeps an internal
		// fault from locking out paying users. The usage counter check
		// still applies.
		s.log.Warn("failed to load plan for entitlement check",
			zap.String("plan_code", sub.PlanCode),
			zap.Error(err),
		)
		return true
	}
	for _, code := range planModules(plan) {
		if code == module {
			return true
		}
	}
	return false
}

func planModules(plan *subscriptiondomain.Plan) []string {
	if plan == nil || len(plan.Modules) == 0 {
		return nil
	}
	var codes []string
	if err := json.Unmarshal(plan.Modules, &codes); err != nil {
		return nil
	}
	return codes
}

func (s *Service) SelectPlan(ctx context.Context, req subscriptiondomain.SelectPlanRequest) (*subscriptiondomain.Subscription, error) {
	if req.UserID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	planCode := strings.TrimSpace(req.PlanCode)
	if planCode == "" {
		return nil, subscriptiondomain.ErrInvalidPlanCode
	}
	cycle := req.BillingCycle
	if cycle == "" {
		cycle = subscriptiondomain.CycleTrial
	}
	if cycle != subscriptiondomain.CycleTrial && cycle != subscriptiondomain.CycleMonthly && cycle != subscriptiondomain.CycleAnnual {
		return nil, subscriptiondomain.ErrInvalidBillingCycle
	}

	plan, err := s.loadPlan(ctx, planCode)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()

	existing, err := s.repo.FindByUserID(ctx, s.db, req.UserID)
	if err != nil && !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return nil, err
	}
	if existing != nil {
		status, serr := s.EffectiveState(ctx, existing)
		if serr != nil {
			return nil, serr
		}
		if !status.Terminal() {
			return nil, subscriptiondomain.ErrAlreadySubscribed
		}
		// Terminal subscriptions are retained for history; re-subscribing
		// reuses the row with a fresh plan snapshot.
		applyPlanSnapshot(existing, plan, cycle, now, req.CustomPricing)
		if err := s.repo.Update(ctx, s.db, existing); err != nil {
			return nil, err
		}
		s.appendPlanEvent(ctx, existing, activitydomain.ActivityPlanSelected)
		return existing, nil
	}

	sub := &subscriptiondomain.Subscription{
		ID:     s.genID.Generate(),
		UserID: req.UserID,
	}
	applyPlanSnapshot(sub, plan, cycle, now, req.CustomPricing)
	sub.CreatedAt = now
	if err := s.repo.Insert(ctx, s.db, sub); err != nil {
		// Two concurrent first-time selections race on the user_id unique
		// index; the loser surfaces the same error as a stored subscription.
		if db.IsDuplicateKeyErr(err) {
			return nil, subscriptiondomain.ErrAlreadySubscribed
		}
		return nil, err
	}
	s.appendPlanEvent(ctx, sub, activitydomain.ActivityPlanSelected)
	return sub, nil
}

func applyPlanSnapshot(sub *subscriptiondomain.Subscription, plan *subscriptiondomain.Plan, cycle subscriptiondomain.BillingCycle, now time.Time, customPricing map[string]any) {
	sub.PlanCode = plan.Code
	sub.BillingCycle = cycle
	sub.StartDate = now
	sub.TotalBeds = plan.TotalBeds
	sub.TotalBranches = plan.TotalBranches
	sub.UpdatedAt = now
	sub.EndDate = nil
	sub.TrialEndDate = nil

	switch cycle {
	case subscriptiondomain.CycleTrial:
		sub.Status = subscriptiondomain.StatusTrial
		trialEnd := now.AddDate(0, 0, plan.TrialDays)
		sub.TrialEndDate = &trialEnd
	case subscriptiondomain.CycleMonthly:
		sub.Status = subscriptiondomain.StatusActive
		end := now.AddDate(0, 1, 0)
		sub.EndDate = &end
	case subscriptiondomain.CycleAnnual:
		sub.Status = subscriptiondomain.StatusActive
		end := now.AddDate(1, 0, 0)
		sub.EndDate = &end
	}

	if customPricing != nil {
		sub.CustomPricing = datatypes.JSONMap(customPricing)
	}
}

func (s *Service) Upgrade(ctx context.Context, userID snowflake.ID, cycle subscriptiondomain.BillingCycle) (*subscriptiondomain.Subscription, error) {
	if cycle != subscriptiondomain.CycleMonthly && cycle != subscriptiondomain.CycleAnnual {
		return nil, subscriptiondomain.ErrInvalidBillingCycle
	}
	sub, err := s.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	status, err := s.EffectiveState(ctx, sub)
	if err != nil {
		return nil, err
	}
	if status != subscriptiondomain.StatusTrial {
		return nil, subscriptiondomain.ErrInvalidTransition
	}

	now := s.clock.Now()
	sub.Status = subscriptiondomain.StatusActive
	sub.BillingCycle = cycle
	sub.TrialEndDate = nil
	var end time.Time
	if cycle == subscriptiondomain.CycleMonthly {
		end = now.AddDate(0, 1, 0)
	} else {
		end = now.AddDate(1, 0, 0)
	}
	sub.EndDate = &end
	sub.UpdatedAt = now

	if err := s.repo.Update(ctx, s.db, sub); err != nil {
		return nil, err
	}
	s.appendPlanEvent(ctx, sub, activitydomain.ActivityPlanUpgraded)
	return sub, nil
}

func (s *Service) ChangePlan(ctx context.Context, req subscriptiondomain.ChangePlanRequest) (*subscriptiondomain.Subscription, error) {
	sub, err := s.GetByUserID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	status, err := s.EffectiveState(ctx, sub)
	if err != nil {
		return nil, err
	}
	if status.Terminal() {
		return nil, subscriptiondomain.ErrSubscriptionTerminal
	}

	plan, err := s.loadPlan(ctx, strings.TrimSpace(req.PlanCode))
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	previous := sub.PlanCode
	sub.PlanCode = plan.Code
	// Usage counters survive a plan change. A downgrade below current usage
	// only blocks further allocations; it never truncates occupancy.
	sub.TotalBeds = plan.TotalBeds
	sub.TotalBranches = plan.TotalBranches
	sub.UpdatedAt = now

	if err := s.repo.Update(ctx, s.db, sub); err != nil {
		return nil, err
	}
	if s.activitySvc != nil {
		s.activitySvc.Append(ctx, activitydomain.AppendRequest{
			UserID:       sub.UserID,
			ActivityType: activitydomain.ActivityPlanChanged,
			Details: map[string]any{
				"previous_plan": previous,
				"new_plan":      plan.Code,
			},
		})
	}
	return sub, nil
}

func (s *Service) Cancel(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	status, err := s.EffectiveState(ctx, sub)
	if err != nil {
		return nil, err
	}
	if status.Terminal() {
		return nil, subscriptiondomain.ErrSubscriptionTerminal
	}

	now := s.clock.Now()
	persisted, err := s.repo.UpdateStatusIfCurrent(ctx, s.db, sub.ID, status, subscriptiondomain.StatusCancelled, now)
	if err != nil {
		return nil, err
	}
	if !persisted {
		return nil, subscriptiondomain.ErrInvalidTransition
	}
	sub.Status = subscriptiondomain.StatusCancelled
	sub.UpdatedAt = now

	if s.activitySvc != nil {
		s.activitySvc.Append(ctx, activitydomain.AppendRequest{
			UserID:       sub.UserID,
			ActivityType: activitydomain.ActivitySubscriptionCancelled,
			Details:      map[string]any{"plan_code": sub.PlanCode},
		})
	}
	return sub, nil
}

func deny(code, reason string, current, limit int) subscriptiondomain.AccessDecision {
	return subscriptiondomain.AccessDecision{
		Code:         code,
		Reason:       reason,
		CurrentUsage: current,
		Limit:        limit,
	}
}

func (s *Service) GetPlan(ctx context.Context, code string) (*subscriptiondomain.Plan, error) {
	return s.loadPlan(ctx, code)
}

func (s *Service) ListPlans(ctx context.Context) ([]subscriptiondomain.Plan, error) {
	return s.repo.ListPlans(ctx, s.db)
}

func (s *Service) appendPlanEvent(ctx context.Context, sub *subscriptiondomain.Subscription, activityType activitydomain.ActivityType) {
	if s.activitySvc == nil {
		return
	}
	s.activitySvc.Append(ctx, activitydomain.AppendRequest{
		UserID:       sub.UserID,
		ActivityType: activityType,
		Details: map[string]any{
			"plan_code":     sub.PlanCode,
			"billing_cycle": string(sub.BillingCycle),
		},
	})
}
