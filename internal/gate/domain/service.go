// Package domain defines the access gate's contract: one structured
// allow/deny decision per inbound operation.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/quartershq/quarters/internal/allocation/domain"
	riskdomain "github.com/quartershq/quarters/internal/risk/domain"
	subscriptiondomain "github.com/quartershq/quarters/internal/subscription/domain"
)

// CodeFraudRiskBlocked denies an operation on the risk verdict alone. It is
// deliberately distinct from the subscription denial codes so dashboards can
// tell a blocked fraudster from an expired trial.
const CodeFraudRiskBlocked = "FRAUD_RISK_BLOCKED"

type CheckAccessRequest struct {
	UserID   snowflake.ID
	Resource subscriptiondomain.ResourceType
	Amount   int
}

type AllocateRequest struct {
	UserID      snowflake.ID
	Resource    subscriptiondomain.ResourceType
	Amount      int
	OperationID string
}

// Decision is the gate's single verdict. The first failing stage
// short-circuits and fills Code/Reason.
type Decision struct {
	Allowed              bool                   `json:"allowed"`
	Code                 string                 `json:"code,omitempty"`
	Reason               string                 `json:"reason,omitempty"`
	CurrentUsage         int                    `json:"current_usage"`
	Limit                int                    `json:"limit"`
	RequiresVerification bool                   `json:"requires_verification"`
	RiskScore            int                    `json:"risk_score"`
	Indicators           []riskdomain.Indicator `json:"indicators,omitempty"`
	BypassApplied        bool                   `json:"bypass_applied,omitempty"`
}

type Service interface {
	// CheckAccess composes role bypass, lifecycle/usage validation,
	// device consistency and the risk verdict into one decision.
	CheckAccess(ctx context.Context, req CheckAccessRequest) (Decision, error)

	// Allocate runs the non-mutating stages, then hands over to the
	// allocation engine. Privileged roles skip fraud and device checks
	// but never the counter CAS.
	Allocate(ctx context.Context, req AllocateRequest) (allocationdomain.Result, error)
	Deallocate(ctx context.Context, req AllocateRequest) (allocationdomain.Result, error)
}
