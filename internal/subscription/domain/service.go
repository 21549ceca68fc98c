package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Stable denial codes surfaced to callers. Dashboards key messaging off
// these values; they must not change.
const (
	CodeNoSubscription      = "NO_SUBSCRIPTION"
	CodeTrialExpired        = "TRIAL_EXPIRED"
	CodeSubscriptionExpired = "SUBSCRIPTION_EXPIRED"
	CodeUsageLimitExceeded  = "USAGE_LIMIT_EXCEEDED"
	CodeFeatureNotAvailable = "FEATURE_NOT_AVAILABLE"
	CodeValidationError     = "VALIDATION_ERROR"
)

// AccessDecision is the structured result of a usage-access check. When not
// allowed, Code carries one of the stable denial codes and CurrentUsage/Limit
// let the caller render actionable messaging.
type AccessDecision struct {
	Allowed      bool   `json:"allowed"`
	Code         string `json:"code,omitempty"`
	Reason       string `json:"reason,omitempty"`
	CurrentUsage int    `json:"current_usage"`
	Limit        int    `json:"limit"`
}

type ValidateUsageAccessRequest struct {
	UserID   snowflake.ID
	Resource ResourceType
	Amount   int
}

type SelectPlanRequest struct {
	UserID        snowflake.ID
	PlanCode      string
	BillingCycle  BillingCycle
	CustomPricing map[string]any
}

type ChangePlanRequest struct {
	UserID   snowflake.ID
	PlanCode string
}

type Service interface {
	// GetByUserID returns the stored subscription without refreshing status.
	GetByUserID(ctx context.Context, userID snowflake.ID) (*Subscription, error)

	// EffectiveState derives the lifecycle state from stored dates and the
	// clock, persisting the expired transition the first time it is observed.
	// Every read path must call this before trusting Status.
	EffectiveState(ctx context.Context, sub *Subscription) (SubscriptionStatus, error)

	// ValidateUsageAccess confirms the subject may consume amount units of a
	// resource: lifecycle, plan-module entitlement, then counter vs limit.
	ValidateUsageAccess(ctx context.Context, req ValidateUsageAccessRequest) (AccessDecision, error)

	SelectPlan(ctx context.Context, req SelectPlanRequest) (*Subscription, error)
	Upgrade(ctx context.Context, userID snowflake.ID, cycle BillingCycle) (*Subscription, error)
	ChangePlan(ctx context.Context, req ChangePlanRequest) (*Subscription, error)
	Cancel(ctx context.Context, userID snowflake.ID) (*Subscription, error)

	GetPlan(ctx context.Context, code string) (*Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrPlanNotFound         = errors.New("plan_not_found")
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidPlanCode      = errors.New("invalid_plan_code")
	ErrInvalidBillingCycle  = errors.New("invalid_billing_cycle")
	ErrAlreadySubscribed    = errors.New("already_subscribed")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrSubscriptionTerminal = errors.New("subscription_terminal")
)
