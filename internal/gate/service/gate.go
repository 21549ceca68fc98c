package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	activitydomain "github.com/quartershq/quarters/internal/activity/domain"
	allocationdomain "github.com/quartershq/quarters/internal/allocation/domain"
	"github.com/quartershq/quarters/internal/authorization"
	gatedomain "github.com/quartershq/quarters/internal/gate/domain"
	"github.com/quartershq/quarters/internal/observability/metrics"
	"github.com/quartershq/quarters/internal/requestctx"
	riskdomain "github.com/quartershq/quarters/internal/risk/domain"
	subscriptiondomain "github.com/quartershq/quarters/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	SubSvc      subscriptiondomain.Service
	RiskSvc     riskdomain.Service
	AllocSvc    allocationdomain.Service
	AuthzSvc    authorization.Service
	ActivitySvc activitydomain.Service `optional:"true"`
	Metrics     *metrics.Metrics       `optional:"true"`
}

type Gate struct {
	log         *zap.Logger
	subSvc      subscriptiondomain.Service
	riskSvc     riskdomain.Service
	allocSvc    allocationdomain.Service
	authzSvc    authorization.Service
	activitySvc activitydomain.Service
	metrics     *metrics.Metrics
}

func NewGate(p Params) gatedomain.Service {
	return &Gate{
		log:         p.Log.Named("gate.service"),
		subSvc:      p.SubSvc,
		riskSvc:     p.RiskSvc,
		allocSvc:    p.AllocSvc,
		authzSvc:    p.AuthzSvc,
		activitySvc: p.ActivitySvc,
		metrics:     p.Metrics,
	}
}

func (g *Gate) CheckAccess(ctx context.Context, req gatedomain.CheckAccessRequest) (gatedomain.Decision, error) {
	role := requestctx.RoleFromContext(ctx)
	if g.authzSvc.CanBypassChecks(ctx, role) {
		return gatedomain.Decision{Allowed: true, BypassApplied: true}, nil
	}

	access, err := g.subSvc.ValidateUsageAccess(ctx, subscriptiondomain.ValidateUsageAccessRequest{
		UserID:   req.UserID,
		Resource: req.Resource,
		Amount:   req.Amount,
	})
	if err != nil {
		return gatedomain.Decision{}, err
	}
	if !access.Allowed {
		g.appendAccessDenied(ctx, req.UserID, access.Code, access.Reason)
		g.metrics.RecordGateDenied(ctx, string(req.Resource), access.Code)
		return decisionFromAccess(access), nil
	}

	decision := decisionFromAccess(access)

	if mismatch := g.deviceMismatch(ctx, req.UserID); mismatch {
		decision.RequiresVerification = true
	}

	verdict := g.evaluateRisk(ctx, req.UserID)
	decision.RiskScore = verdict.Score
	decision.Indicators = verdict.Indicators
	if verdict.Deny {
		g.appendFraudDetected(ctx, req.UserID, verdict)
		g.metrics.RecordRiskDenial(ctx)
		g.metrics.RecordGateDenied(ctx, string(req.Resource), gatedomain.CodeFraudRiskBlocked)
		return gatedomain.Decision{
			Code:         gatedomain.CodeFraudRiskBlocked,
			Reason:       "operation blocked by fraud risk controls",
			CurrentUsage: access.CurrentUsage,
			Limit:        access.Limit,
			RiskScore:    verdict.Score,
			Indicators:   verdict.Indicators,
		}, nil
	}
	if verdict.RequiresVerification {
		decision.RequiresVerification = true
	}

	g.metrics.RecordGateAllowed(ctx, string(req.Resource))
	return decision, nil
}

func (g *Gate) Allocate(ctx context.Context, req gatedomain.AllocateRequest) (allocationdomain.Result, error) {
	if denied, result := g.preMutationCheck(ctx, req); denied {
		return result, nil
	}
	return g.allocSvc.Allocate(ctx, allocationdomain.AllocateRequest{
		UserID:      req.UserID,
		Resource:    req.Resource,
		Amount:      req.Amount,
		OperationID: ensureOperationID(req.OperationID),
	})
}

func (g *Gate) Deallocate(ctx context.Context, req gatedomain.AllocateRequest) (allocationdomain.Result, error) {
	if denied, result := g.preMutationCheck(ctx, req); denied {
		return result, nil
	}
	return g.allocSvc.Deallocate(ctx, allocationdomain.AllocateRequest{
		UserID:      req.UserID,
		Resource:    req.Resource,
		Amount:      req.Amount,
		OperationID: ensureOperationID(req.OperationID),
	})
}

// preMutationCheck runs the fraud and device stages ahead of a mutating
// operation. Privileged roles skip these; the engine's own validation and
// CAS still apply to everyone.
func (g *Gate) preMutationCheck(ctx context.Context, req gatedomain.AllocateRequest) (bool, allocationdomain.Result) {
	role := requestctx.RoleFromContext(ctx)
	if g.authzSvc.CanBypassChecks(ctx, role) {
		return false, allocationdomain.Result{}
	}

	g.deviceMismatch(ctx, req.UserID)

	verdict := g.evaluateRisk(ctx, req.UserID)
	if verdict.Deny {
		g.appendFraudDetected(ctx, req.UserID, verdict)
		g.metrics.RecordRiskDenial(ctx)
		g.metrics.RecordGateDenied(ctx, string(req.Resource), gatedomain.CodeFraudRiskBlocked)
		return true, allocationdomain.Result{
			Code:    gatedomain.CodeFraudRiskBlocked,
			Message: "operation blocked by fraud risk controls",
		}
	}
	return false, allocationdomain.Result{}
}

// evaluateRisk never fails the request: scorer faults resolve to a zero
// verdict (fail open).
func (g *Gate) evaluateRisk(ctx context.Context, userID snowflake.ID) riskdomain.Assessment {
	verdict, err := g.riskSvc.Evaluate(ctx, riskdomain.EvaluateRequest{
		UserID:    userID,
		IPAddress: requestctx.IPAddressFromContext(ctx),
		UserAgent: requestctx.UserAgentFromContext(ctx),
	})
	if err != nil {
		g.log.Warn("risk evaluation errored, failing open", zap.Error(err))
		return riskdomain.Assessment{}
	}
	return verdict
}

// deviceMismatch reports whether the request's fingerprint is absent from
// the subject's recent history. A mismatch is logged, never denied on its
// own; it only raises the verification flag.
func (g *Gate) deviceMismatch(ctx context.Context, userID snowflake.ID) bool {
	if g.activitySvc == nil {
		return false
	}
	fingerprint := requestctx.DeviceFingerprintFromContext(ctx)
	if fingerprint == "" {
		return false
	}

	records, err := g.activitySvc.Query(ctx, activitydomain.QueryRequest{
		UserID: userID,
		Window: activitydomain.WindowDay,
		Limit:  200,
	})
	if err != nil || len(records) == 0 {
		return false
	}

	seen := false
	known := false
	for i := range records {
		if records[i].DeviceFingerprint == nil || *records[i].DeviceFingerprint == "" {
			continue
		}
		known = true
		if *records[i].DeviceFingerprint == fingerprint {
			seen = true
			break
		}
	}
	if !known || seen {
		return false
	}

	g.activitySvc.Append(ctx, activitydomain.AppendRequest{
		UserID:       userID,
		ActivityType: activitydomain.ActivityDeviceMismatch,
		Status:       activitydomain.StatusWarning,
		Details:      map[string]any{"device_fingerprint": fingerprint},
	})
	return true
}

func (g *Gate) appendAccessDenied(ctx context.Context, userID snowflake.ID, code, reason string) {
	if g.activitySvc == nil {
		return
	}
	g.activitySvc.Append(ctx, activitydomain.AppendRequest{
		UserID:       userID,
		ActivityType: activitydomain.ActivityAccessDenied,
		Status:       activitydomain.StatusBlocked,
		Details: map[string]any{
			"code":   code,
			"reason": reason,
		},
	})
}

func (g *Gate) appendFraudDetected(ctx context.Context, userID snowflake.ID, verdict riskdomain.Assessment) {
	if g.activitySvc == nil {
		return
	}
	indicators := make([]string, 0, len(verdict.Indicators))
	for _, indicator := range verdict.Indicators {
		indicators = append(indicators, string(indicator))
	}
	g.activitySvc.Append(ctx, activitydomain.AppendRequest{
		UserID:       userID,
		ActivityType: activitydomain.ActivityFraudAttemptDetected,
		Status:       activitydomain.StatusBlocked,
		RiskScore:    verdict.Score,
		Details:      map[string]any{"indicators": indicators},
	})
}

func decisionFromAccess(access subscriptiondomain.AccessDecision) gatedomain.Decision {
	return gatedomain.Decision{
		Allowed:      access.Allowed,
		Code:         access.Code,
		Reason:       access.Reason,
		CurrentUsage: access.CurrentUsage,
		Limit:        access.Limit,
	}
}

func ensureOperationID(operationID string) string {
	if operationID != "" {
		return operationID
	}
	return uuid.NewString()
}
