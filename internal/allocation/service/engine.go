package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	activitydomain "github.com/quartershq/quarters/internal/activity/domain"
	allocationdomain "github.com/quartershq/quarters/internal/allocation/domain"
	"github.com/quartershq/quarters/internal/clock"
	"github.com/quartershq/quarters/internal/config"
	"github.com/quartershq/quarters/internal/lock"
	"github.com/quartershq/quarters/internal/observability/metrics"
	subscriptiondomain "github.com/quartershq/quarters/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Cfg         config.Config
	SubRepo     subscriptiondomain.Repository
	SubSvc      subscriptiondomain.Service
	ActivitySvc activitydomain.Service `optional:"true"`
	Locker      *lock.Locker           `optional:"true"`
	Metrics     *metrics.Metrics       `optional:"true"`
}

type Engine struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	cfg         config.AllocationConfig
	subRepo     subscriptiondomain.Repository
	subSvc      subscriptiondomain.Service
	activitySvc activitydomain.Service
	locker      *lock.Locker
	metrics     *metrics.Metrics
}

func NewEngine(p Params) allocationdomain.Service {
	return &Engine{
		db:          p.DB,
		log:         p.Log.Named("allocation.engine"),
		clock:       p.Clock,
		cfg:         p.Cfg.Allocation,
		subRepo:     p.SubRepo,
		subSvc:      p.SubSvc,
		activitySvc: p.ActivitySvc,
		locker:      p.Locker,
		metrics:     p.Metrics,
	}
}

func (e *Engine) Allocate(ctx context.Context, req allocationdomain.AllocateRequest) (allocationdomain.Result, error) {
	if req.UserID == 0 {
		return allocationdomain.Result{}, allocationdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return allocationdomain.Result{}, allocationdomain.ErrInvalidAmount
	}

	decision, err := e.subSvc.ValidateUsageAccess(ctx, subscriptiondomain.ValidateUsageAccessRequest{
		UserID:   req.UserID,
		Resource: req.Resource,
		Amount:   req.Amount,
	})
	if err != nil {
		return allocationdomain.Result{}, err
	}
	if !decision.Allowed {
		if decision.Code == subscriptiondomain.CodeUsageLimitExceeded {
			e.appendLimitExceeded(ctx, req, decision)
		}
		return denialResult(decision), nil
	}

	release := e.acquireAdvisoryLock(ctx, req)
	defer release()

	var newUsage, limit int
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, txErr := e.subRepo.FindByUserID(ctx, tx, req.UserID)
		if txErr != nil {
			return txErr
		}

		current, total := sub.Usage(req.Resource)
		limit = total
		if current+req.Amount > total {
			newUsage = current
			return errLimitExceededTx
		}

		applied, txErr := e.subRepo.SetUsageIfCurrent(ctx, tx, sub.ID, req.Resource, current, current+req.Amount, e.clock.Now())
		if txErr != nil {
			return txErr
		}
		if !applied {
			// A concurrent allocation moved the counter first. Only one
			// CAS can win per contested value; abort the whole attempt.
			return allocationdomain.ErrConcurrencyConflict
		}
		newUsage = current + req.Amount
		return nil
	})
	if err != nil {
		if errors.Is(err, errLimitExceededTx) {
			decision := subscriptiondomain.AccessDecision{
				Code:         subscriptiondomain.CodeUsageLimitExceeded,
				Reason:       fmt.Sprintf("usage limit reached (%d of %d)", newUsage, limit),
				CurrentUsage: newUsage,
				Limit:        limit,
			}
			e.appendLimitExceeded(ctx, req, decision)
			return denialResult(decision), nil
		}
		if errors.Is(err, allocationdomain.ErrConcurrencyConflict) {
			e.metrics.RecordCASConflict(ctx, string(req.Resource))
		}
		return allocationdomain.Result{}, err
	}

	// Counter change is committed; ledger writes are best effort.
	e.metrics.RecordAllocation(ctx, string(req.Resource), "allocate")
	e.appendAllocation(ctx, req, allocateActivityType(req.Resource), newUsage, limit)
	e.maybeWarnNearLimit(ctx, req, newUsage, limit)

	return allocationdomain.Result{
		Success:        true,
		NewUsage:       newUsage,
		RemainingUsage: limit - newUsage,
		CurrentUsage:   newUsage,
		Limit:          limit,
	}, nil
}

func (e *Engine) Deallocate(ctx context.Context, req allocationdomain.AllocateRequest) (allocationdomain.Result, error) {
	if req.UserID == 0 {
		return allocationdomain.Result{}, allocationdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return allocationdomain.Result{}, allocationdomain.ErrInvalidAmount
	}
	if _, ok := subscriptiondomain.ModuleForResource(req.Resource); !ok {
		return allocationdomain.Result{
			Code:    subscriptiondomain.CodeValidationError,
			Message: fmt.Sprintf("unknown resource type %q", req.Resource),
		}, nil
	}

	release := e.acquireAdvisoryLock(ctx, req)
	defer release()

	var newUsage, limit int
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Deallocation stays available on expired subscriptions so
		// occupancy can still be wound down.
		sub, txErr := e.subRepo.FindByUserID(ctx, tx, req.UserID)
		if txErr != nil {
			return txErr
		}

		current, total := sub.Usage(req.Resource)
		limit = total
		if current == 0 {
			return allocationdomain.ErrNothingToDeallocate
		}
		if req.Amount > current {
			newUsage = current
			return errDeallocateTooMuchTx
		}

		applied, txErr := e.subRepo.SetUsageIfCurrent(ctx, tx, sub.ID, req.Resource, current, current-req.Amount, e.clock.Now())
		if txErr != nil {
			return txErr
		}
		if !applied {
			return allocationdomain.ErrConcurrencyConflict
		}
		newUsage = current - req.Amount
		return nil
	})
	if err != nil {
		if errors.Is(err, errDeallocateTooMuchTx) {
			return allocationdomain.Result{
				Code:         subscriptiondomain.CodeValidationError,
				Message:      fmt.Sprintf("cannot release %d units with only %d in use", req.Amount, newUsage),
				CurrentUsage: newUsage,
				Limit:        limit,
			}, nil
		}
		if errors.Is(err, allocationdomain.ErrConcurrencyConflict) {
			e.metrics.RecordCASConflict(ctx, string(req.Resource))
		}
		return allocationdomain.Result{}, err
	}

	e.metrics.RecordAllocation(ctx, string(req.Resource), "deallocate")
	e.appendAllocation(ctx, req, deallocateActivityType(req.Resource), newUsage, limit)

	return allocationdomain.Result{
		Success:      true,
		NewUsage:     newUsage,
		CurrentUsage: newUsage,
		Limit:        limit,
	}, nil
}

func denialResult(decision subscriptiondomain.AccessDecision) allocationdomain.Result {
	return allocationdomain.Result{
		Code:         decision.Code,
		Message:      decision.Reason,
		CurrentUsage: decision.CurrentUsage,
		Limit:        decision.Limit,
	}
}

// tx control errors, never surfaced to callers
var (
	errLimitExceededTx     = errors.New("limit_exceeded_tx")
	errDeallocateTooMuchTx = errors.New("deallocate_too_much_tx")
)

// acquireAdvisoryLock takes the optional contention-reduction lock and
// returns a release func that is safe on every exit path. Failure to
// acquire never blocks the attempt: the CAS stays authoritative.
func (e *Engine) acquireAdvisoryLock(ctx context.Context, req allocationdomain.AllocateRequest) func() {
	if e.locker == nil || !e.cfg.AdvisoryLockEnabled {
		return func() {}
	}
	ttl := time.Duration(e.cfg.AdvisoryLockTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	key := fmt.Sprintf("alloc:%s:%s", req.UserID.String(), req.Resource)
	token, ok, err := e.locker.TryLock(ctx, key, ttl)
	if err != nil || !ok {
		if err != nil {
			e.log.Warn("advisory lock unavailable", zap.String("key", key), zap.Error(err))
		}
		return func() {}
	}
	return func() {
		if releaseErr := e.locker.Release(context.WithoutCancel(ctx), key, token); releaseErr != nil {
			e.log.Warn("advisory lock release failed", zap.String("key", key), zap.Error(releaseErr))
		}
	}
}

func (e *Engine) appendAllocation(ctx context.Context, req allocationdomain.AllocateRequest, activityType activitydomain.ActivityType, newUsage, limit int) {
	if e.activitySvc == nil {
		return
	}
	e.activitySvc.Append(ctx, activitydomain.AppendRequest{
		UserID:       req.UserID,
		ActivityType: activityType,
		OperationID:  req.OperationID,
		Details: map[string]any{
			"resource":  string(req.Resource),
			"amount":    req.Amount,
			"new_usage": newUsage,
			"limit":     limit,
		},
	})
}

func (e *Engine) appendLimitExceeded(ctx context.Context, req allocationdomain.AllocateRequest, decision subscriptiondomain.AccessDecision) {
	if e.activitySvc == nil {
		return
	}
	e.activitySvc.Append(ctx, activitydomain.AppendRequest{
		UserID:       req.UserID,
		ActivityType: activitydomain.ActivityUsageLimitExceeded,
		OperationID:  req.OperationID,
		Status:       activitydomain.StatusFailed,
		Details: map[string]any{
			"resource":      string(req.Resource),
			"amount":        req.Amount,
			"current_usage": decision.CurrentUsage,
			"limit":         decision.Limit,
		},
	})
}

func (e *Engine) maybeWarnNearLimit(ctx context.Context, req allocationdomain.AllocateRequest, newUsage, limit int) {
	if e.activitySvc == nil || limit <= 0 {
		return
	}
	thresholdPct := e.cfg.WarningThresholdPct
	if thresholdPct <= 0 {
		thresholdPct = 80
	}
	if newUsage*100 < limit*thresholdPct {
		return
	}
	e.activitySvc.Append(ctx, activitydomain.AppendRequest{
		UserID:       req.UserID,
		ActivityType: activitydomain.ActivityUsageLimitWarning,
		OperationID:  req.OperationID,
		Status:       activitydomain.StatusWarning,
		Details: map[string]any{
			"resource":  string(req.Resource),
			"new_usage": newUsage,
			"limit":     limit,
		},
	})
}

func allocateActivityType(resource subscriptiondomain.ResourceType) activitydomain.ActivityType {
	if resource == subscriptiondomain.ResourceBranch {
		return activitydomain.ActivityBranchAllocated
	}
	return activitydomain.ActivityBedAllocated
}

func deallocateActivityType(resource subscriptiondomain.ResourceType) activitydomain.ActivityType {
	if resource == subscriptiondomain.ResourceBranch {
		return activitydomain.ActivityBranchDeallocated
	}
	return activitydomain.ActivityBedDeallocated
}
