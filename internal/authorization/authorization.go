// Package authorization centralizes role policy for the access gate. The
// privileged-role bypass of usage and fraud checks lives here as one seeded
// policy table instead of membership checks scattered across handlers.
package authorization

import (
	"context"
	"errors"
)

// Role names carried by authenticated requests.
const (
	RolePlatformAdmin = "platform_admin"
	RoleSupportLead   = "support_lead"
	RoleLandlord      = "landlord"
	RoleManager       = "manager"
	RoleStaff         = "staff"
)

// Policy objects and actions.
const (
	ObjectGate     = "gate"
	ObjectActivity = "activity"

	// ActionBypass skips every check past authentication. Business has not
	// confirmed whether internal staff should keep this exemption; keep it
	// behind this single switch so it can be revoked in one place.
	ActionBypass = "bypass"

	ActionActivityView = "activity.view"
)

type Service interface {
	// Authorize checks role against the policy table.
	Authorize(ctx context.Context, role, object, action string) error

	// CanBypassChecks reports whether the role skips usage and fraud
	// gating entirely.
	CanBypassChecks(ctx context.Context, role string) bool
}

var (
	ErrInvalidRole = errors.New("invalid_role")
	ErrForbidden   = errors.New("forbidden")
)
