// Package domain defines the fraud risk scorer's contract: weighted
// heuristics over recent ledger activity, summed and capped at 100.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Indicator names a triggered heuristic.
type Indicator string

const (
	IndicatorRapidSubscriptionChanges Indicator = "rapid_subscription_changes"
	IndicatorHighFailureRate          Indicator = "high_failure_rate"
	IndicatorMultipleIPAddresses      Indicator = "multiple_ip_addresses"
	IndicatorRapidActions             Indicator = "rapid_actions"
	IndicatorUnusualTiming            Indicator = "unusual_timing"
)

// Weight contributed by each indicator when triggered.
var IndicatorWeights = map[Indicator]int{
	IndicatorRapidSubscriptionChanges: 40,
	IndicatorHighFailureRate:          35,
	IndicatorMultipleIPAddresses:      30,
	IndicatorRapidActions:             25,
	IndicatorUnusualTiming:            20,
}

// Decision thresholds on the capped score.
const (
	DenyThreshold         = 80
	VerificationThreshold = 50
	MaxScore              = 100
)

// Assessment is the scorer's verdict for one request. It is ephemeral and
// never persisted; callers log a ledger event when a threshold is crossed.
type Assessment struct {
	Score                int         `json:"risk_score"`
	Indicators           []Indicator `json:"indicators"`
	Deny                 bool        `json:"deny"`
	RequiresVerification bool        `json:"requires_verification"`
}

// EvaluateRequest carries the current request's context alongside the
// subject whose history is scored.
type EvaluateRequest struct {
	UserID    snowflake.ID
	IPAddress string
	UserAgent string
	Action    string
	// FailureThreshold overrides the configured failed-event trigger count
	// when > 0. Sensitive callers use a lower threshold.
	FailureThreshold int
}

// Profile summarizes a subject's recent activity for security dashboards.
type Profile struct {
	RiskScore         int         `json:"risk_score"`
	Indicators        []Indicator `json:"indicators"`
	TotalActivities   int         `json:"total_activities"`
	FailedActivities  int         `json:"failed_activities"`
	UniqueIPCount     int         `json:"unique_ip_count"`
	UniqueDeviceCount int         `json:"unique_device_count"`
}

// Service is read-only over the ledger. Internal faults resolve fail-open:
// a broken scorer must not lock out legitimate users.
type Service interface {
	Evaluate(ctx context.Context, req EvaluateRequest) (Assessment, error)
	Profile(ctx context.Context, userID snowflake.ID) (Profile, error)
}

var ErrInvalidUser = errors.New("invalid_user")
